package sdkerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientError(t *testing.T) {
	err := NewClientError(ErrPropertyNotLoaded, "%s.%s", "ListItem", "Title")

	assert.ErrorIs(t, err, ErrPropertyNotLoaded)
	assert.Equal(t, "m365: property not loaded: ListItem.Title", err.Error())
	assert.True(t, Is(err, KindClient))
	assert.False(t, Is(err, KindService))
	assert.Equal(t, "ClientError\n  Error: property not loaded\n  Message: ListItem.Title", err.Details())

	wrapped := fmt.Errorf("loading: %w", err)
	assert.True(t, Is(wrapped, KindClient))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusPreconditionFailed, ErrPrecondition},
		{http.StatusGone, ErrGone},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusLocked, ErrLocked},
		{http.StatusBadGateway, ErrServerError},
		{http.StatusTeapot, nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStatus(tt.status), "status %d", tt.status)
	}
}

func TestParseRESTError_Shapes(t *testing.T) {
	header := http.Header{}
	header.Set("SPRequestGuid", "sp-guid")

	minimal := []byte(`{"odata.error":{"code":"-2130575338, Microsoft.SharePoint.SPException","message":{"lang":"en-US","value":"The file does not exist."}}}`)
	e := ParseRESTError(http.StatusNotFound, header, minimal)
	assert.Equal(t, "-2130575338, Microsoft.SharePoint.SPException", e.Code)
	assert.Equal(t, "The file does not exist.", e.Message)
	assert.Equal(t, "sp-guid", e.CorrelationID)
	assert.Equal(t, "sp-guid", e.RequestID)
	assert.ErrorIs(t, e, ErrNotFound)

	verbose := []byte(`{"error":{"code":"-1, System.ArgumentException","message":{"value":"Bad arg"}}}`)
	e = ParseRESTError(http.StatusBadRequest, nil, verbose)
	assert.Equal(t, "-1, System.ArgumentException", e.Code)
	assert.Equal(t, "Bad arg", e.Message)

	e = ParseRESTError(http.StatusInternalServerError, nil, []byte("boom"))
	assert.Equal(t, "boom", e.Message)
	assert.ErrorIs(t, e, ErrServerError)
}

func TestParseGraphError(t *testing.T) {
	body := []byte(`{"error":{"code":"itemNotFound","message":"Item not found","innerError":{"request-id":"req-1","client-request-id":"cli-1","date":"2024-01-01T00:00:00"}}}`)

	e := ParseGraphError(http.StatusNotFound, http.Header{}, body)
	assert.Equal(t, "itemNotFound", e.Code)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "cli-1", e.ClientRequestID)
	assert.Equal(t, "m365: graph HTTP 404 (request-id: req-1): itemNotFound: Item not found", e.Error())

	var typed Error
	require.True(t, errors.As(error(e), &typed))
	assert.Equal(t, KindService, typed.Kind())
	assert.Contains(t, e.Details(), "\n  RequestId: req-1")
	assert.Contains(t, e.Details(), "\n  date: 2024-01-01T00:00:00")
}

func TestNewCSOMError(t *testing.T) {
	info := &CSOMErrorInfo{
		ErrorMessage:  "Term not found",
		ErrorCode:     -2146232832,
		ErrorTypeName: "System.IO.FileNotFoundException",
		ErrorValue:    []byte("null"),
	}

	e := NewCSOMError(http.StatusOK, info, "trace-1", nil)
	assert.Equal(t, "trace-1", e.CorrelationID)
	assert.Empty(t, e.ServerErrorValue)
	assert.ErrorIs(t, e, ErrNotFound)
	assert.Contains(t, e.Details(), "ServerErrorCode: -2146232832")
	assert.Contains(t, e.Details(), "ServerErrorTypeName: System.IO.FileNotFoundException")
}

func TestParseAuthError(t *testing.T) {
	body := []byte(`{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided.\r\nTrace ID: x","error_codes":[7000215],"timestamp":"2024-01-01 00:00:00Z","trace_id":"t-1","correlation_id":"c-1"}`)

	e := ParseAuthError(http.StatusUnauthorized, body)
	assert.Equal(t, "invalid_client", e.Code)
	assert.Equal(t, []int{7000215}, e.ErrorCodes)
	assert.Equal(t, "m365: authentication failed: invalid_client: AADSTS7000215: Invalid client secret provided.", e.Error())
	assert.ErrorIs(t, e, ErrAuthentication)
	assert.True(t, Is(e, KindAuthentication))
	assert.Contains(t, e.Details(), "ErrorCodes: 7000215")
	assert.Contains(t, e.Details(), "CorrelationId: c-1")

	raw := ParseAuthError(http.StatusBadGateway, []byte("gateway down"))
	assert.Equal(t, "unknown_error", raw.Code)
	assert.Equal(t, "gateway down", raw.Description)
}
