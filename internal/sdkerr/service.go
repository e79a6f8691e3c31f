package sdkerr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
)

// Protocol names recorded on ServiceError.Protocol.
const (
	ProtocolREST  = "sharepoint-rest"
	ProtocolGraph = "graph"
	ProtocolCSOM  = "csom"
)

// ServiceError is a remote call that returned a non-success result. The
// protocol-specific fields are populated by the matching parser; Body keeps
// the original payload for diagnostics.
type ServiceError struct {
	Protocol        string
	StatusCode      int
	Code            string
	Message         string
	RequestID       string
	ClientRequestID string
	CorrelationID   string
	InnerError      map[string]string

	// CSOM ErrorInfo fields.
	ServerErrorCode     int
	ServerErrorTypeName string
	ServerErrorValue    string

	Body string
	Err  error // sentinel, for errors.Is()
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}

	if e.RequestID != "" {
		return fmt.Sprintf("m365: %s HTTP %d (request-id: %s): %s", e.Protocol, e.StatusCode, e.RequestID, msg)
	}

	if e.CorrelationID != "" {
		return fmt.Sprintf("m365: %s HTTP %d (correlation-id: %s): %s", e.Protocol, e.StatusCode, e.CorrelationID, msg)
	}

	return fmt.Sprintf("m365: %s HTTP %d: %s", e.Protocol, e.StatusCode, msg)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Kind implements Error.
func (e *ServiceError) Kind() Kind { return KindService }

// Details implements Error.
func (e *ServiceError) Details() string {
	var d details

	d.header(e.Kind())
	d.field("Protocol", e.Protocol)
	d.field("HttpResponseCode", strconv.Itoa(e.StatusCode))
	d.field("Code", e.Code)
	d.field("Message", e.Message)
	d.field("RequestId", e.RequestID)
	d.field("ClientRequestId", e.ClientRequestID)
	d.field("CorrelationId", e.CorrelationID)

	if e.ServerErrorCode != 0 {
		d.field("ServerErrorCode", strconv.Itoa(e.ServerErrorCode))
	}

	d.field("ServerErrorTypeName", e.ServerErrorTypeName)
	d.field("ServerErrorValue", e.ServerErrorValue)

	keys := make([]string, 0, len(e.InnerError))
	for k := range e.InnerError {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		d.field(k, e.InnerError[k])
	}

	return d.String()
}

// newServiceError fills the fields every protocol shares.
func newServiceError(protocol string, status int, header http.Header, body []byte) *ServiceError {
	e := &ServiceError{
		Protocol:   protocol,
		StatusCode: status,
		Body:       string(body),
		Err:        ClassifyStatus(status),
	}

	if e.Err == nil {
		e.Err = ErrServiceFault
	}

	if header != nil {
		e.RequestID = firstHeader(header, "request-id", "SPRequestGuid")
		e.ClientRequestID = header.Get("client-request-id")
		e.CorrelationID = header.Get("SPRequestGuid")
	}

	return e
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := h.Get(n); v != "" {
			return v
		}
	}

	return ""
}

// restErrorVerbose is the odata=verbose error shape.
type restErrorVerbose struct {
	Error *struct {
		Code    string `json:"code"`
		Message struct {
			Value string `json:"value"`
		} `json:"message"`
	} `json:"error"`
}

// restErrorMinimal is the odata=nometadata / minimalmetadata error shape.
type restErrorMinimal struct {
	Error *struct {
		Code    string `json:"code"`
		Message struct {
			Value string `json:"value"`
		} `json:"message"`
	} `json:"odata.error"` //nolint:tagliatelle // OData annotation key
}

// ParseRESTError builds a ServiceError from a failed SharePoint REST
// response. Unparseable bodies are kept verbatim as the message.
func ParseRESTError(status int, header http.Header, body []byte) *ServiceError {
	e := newServiceError(ProtocolREST, status, header, body)
	e.Message = string(body)

	var minimal restErrorMinimal
	if err := json.Unmarshal(body, &minimal); err == nil && minimal.Error != nil {
		e.Code = minimal.Error.Code
		e.Message = minimal.Error.Message.Value

		return e
	}

	var verbose restErrorVerbose
	if err := json.Unmarshal(body, &verbose); err == nil && verbose.Error != nil {
		e.Code = verbose.Error.Code
		e.Message = verbose.Error.Message.Value
	}

	return e
}

type graphErrorResponse struct {
	Error *struct {
		Code       string            `json:"code"`
		Message    string            `json:"message"`
		InnerError map[string]any    `json:"innerError"`
		Details    []json.RawMessage `json:"details"`
	} `json:"error"`
}

// ParseGraphError builds a ServiceError from a failed Microsoft Graph
// response, lifting request ids out of innerError when headers lack them.
func ParseGraphError(status int, header http.Header, body []byte) *ServiceError {
	e := newServiceError(ProtocolGraph, status, header, body)
	e.Message = string(body)

	var ger graphErrorResponse
	if err := json.Unmarshal(body, &ger); err != nil || ger.Error == nil {
		return e
	}

	e.Code = ger.Error.Code
	e.Message = ger.Error.Message

	if len(ger.Error.InnerError) > 0 {
		e.InnerError = make(map[string]string, len(ger.Error.InnerError))
		for k, v := range ger.Error.InnerError {
			e.InnerError[k] = fmt.Sprint(v)
		}

		if e.RequestID == "" {
			e.RequestID = e.InnerError["request-id"]
		}

		if e.ClientRequestID == "" {
			e.ClientRequestID = e.InnerError["client-request-id"]
		}
	}

	return e
}

// CSOMErrorInfo mirrors the ErrorInfo object of a CSOM response header.
type CSOMErrorInfo struct {
	ErrorMessage       string          `json:"ErrorMessage"`
	ErrorValue         json.RawMessage `json:"ErrorValue"`
	TraceCorrelationID string          `json:"TraceCorrelationId"`
	ErrorCode          int             `json:"ErrorCode"`
	ErrorTypeName      string          `json:"ErrorTypeName"`
}

// NewCSOMError builds a ServiceError from a CSOM ErrorInfo block. CSOM
// reports failures inside a 200 response, so the sentinel is
// ErrServiceFault unless the type name maps to a status.
func NewCSOMError(status int, info *CSOMErrorInfo, traceCorrelationID string, body []byte) *ServiceError {
	e := &ServiceError{
		Protocol:            ProtocolCSOM,
		StatusCode:          status,
		Message:             info.ErrorMessage,
		ServerErrorCode:     info.ErrorCode,
		ServerErrorTypeName: info.ErrorTypeName,
		CorrelationID:       info.TraceCorrelationID,
		Body:                string(body),
		Err:                 ErrServiceFault,
	}

	if e.CorrelationID == "" {
		e.CorrelationID = traceCorrelationID
	}

	if len(info.ErrorValue) > 0 && string(info.ErrorValue) != "null" {
		e.ServerErrorValue = string(info.ErrorValue)
	}

	switch info.ErrorTypeName {
	case "System.IO.FileNotFoundException", "Microsoft.SharePoint.SPException.NotFound":
		e.Err = ErrNotFound
	case "System.UnauthorizedAccessException":
		e.Err = ErrForbidden
	}

	return e
}
