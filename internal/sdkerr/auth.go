package sdkerr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AuthenticationError is a token acquisition failure reported by the
// identity platform.
type AuthenticationError struct {
	StatusCode    int
	Code          string // OAuth "error" value, e.g. invalid_client
	Description   string
	ErrorCodes    []int
	TraceID       string
	CorrelationID string
	Timestamp     string
	Err           error
}

func (e *AuthenticationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("m365: authentication failed: %s", e.Code)
	}

	return fmt.Sprintf("m365: authentication failed: %s: %s", e.Code, firstLine(e.Description))
}

func (e *AuthenticationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}

	return ErrAuthentication
}

// Is makes every AuthenticationError match ErrAuthentication, including
// those that wrap a transport error in Err.
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// Kind implements Error.
func (e *AuthenticationError) Kind() Kind { return KindAuthentication }

// Details implements Error.
func (e *AuthenticationError) Details() string {
	var d details

	d.header(e.Kind())

	if e.StatusCode != 0 {
		d.field("HttpResponseCode", strconv.Itoa(e.StatusCode))
	}

	d.field("Error", e.Code)
	d.field("ErrorDescription", e.Description)

	if len(e.ErrorCodes) > 0 {
		codes := make([]string, len(e.ErrorCodes))
		for i, c := range e.ErrorCodes {
			codes[i] = strconv.Itoa(c)
		}

		d.field("ErrorCodes", strings.Join(codes, ","))
	}

	d.field("TraceId", e.TraceID)
	d.field("CorrelationId", e.CorrelationID)
	d.field("Timestamp", e.Timestamp)

	return d.String()
}

type oauthErrorResponse struct {
	Error         string `json:"error"`
	Description   string `json:"error_description"`
	ErrorCodes    []int  `json:"error_codes"`
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	CorrelationID string `json:"correlation_id"`
}

// ParseAuthError decodes an OAuth error body. A body that is not OAuth
// JSON still yields an AuthenticationError carrying the raw text.
func ParseAuthError(status int, body []byte) *AuthenticationError {
	e := &AuthenticationError{StatusCode: status}

	var oe oauthErrorResponse
	if err := json.Unmarshal(body, &oe); err != nil || oe.Error == "" {
		e.Code = "unknown_error"
		e.Description = strings.TrimSpace(string(body))

		return e
	}

	e.Code = oe.Error
	e.Description = oe.Description
	e.ErrorCodes = oe.ErrorCodes
	e.TraceID = oe.TraceID
	e.CorrelationID = oe.CorrelationID
	e.Timestamp = oe.Timestamp

	return e
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}

	return s
}
