// Package sdkerr defines the error taxonomy shared by every layer of the
// engine: client-side precondition failures, remote service failures with
// protocol-specific detail, and authentication failures.
package sdkerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error into one of the three families.
type Kind int

// Error kinds.
const (
	KindClient Kind = iota + 1
	KindService
	KindAuthentication
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "ClientError"
	case KindService:
		return "ServiceError"
	case KindAuthentication:
		return "AuthenticationError"
	default:
		return "UnknownError"
	}
}

// Error is implemented by every typed error of this package. Details
// returns a multi-line diagnostic suitable for logs.
type Error interface {
	error
	Kind() Kind
	Details() string
}

// Client-side sentinels. Use errors.Is(err, sdkerr.ErrPropertyNotLoaded).
var (
	ErrPropertyNotLoaded     = errors.New("property not loaded")
	ErrInstanceDeleted       = errors.New("instance was deleted")
	ErrUnsupportedExpression = errors.New("query translation error")
	ErrUnresolvedToken       = errors.New("unresolved endpoint token")
	ErrMissingArgument       = errors.New("missing argument")
	ErrRequiredField         = errors.New("required field not set")
	ErrBatchExecuted         = errors.New("batch already executed")
	ErrUnsupportedProtocol   = errors.New("operation not supported over protocol")
	ErrCSOMResponse          = errors.New("malformed csom response")
	ErrNotRequested          = errors.New("instance has not been requested")
)

// Service sentinels derived from the HTTP status of a failed call.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrPrecondition = errors.New("precondition failed")
	ErrGone         = errors.New("resource gone")
	ErrThrottled    = errors.New("throttled")
	ErrLocked       = errors.New("resource locked")
	ErrServerError  = errors.New("server error")
	ErrServiceFault = errors.New("service reported an error")
)

// ErrAuthentication is the sentinel wrapped by every AuthenticationError.
var ErrAuthentication = errors.New("authentication failed")

// ClientError is a local precondition violation detected before any
// network call is made.
type ClientError struct {
	Err     error // sentinel, for errors.Is()
	Message string
}

// NewClientError builds a ClientError around sentinel.
func NewClientError(sentinel error, format string, args ...any) *ClientError {
	return &ClientError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return "m365: " + e.Err.Error()
	}

	return fmt.Sprintf("m365: %s: %s", e.Err, e.Message)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Kind implements Error.
func (e *ClientError) Kind() Kind { return KindClient }

// Details implements Error.
func (e *ClientError) Details() string {
	var d details

	d.header(e.Kind())
	d.field("Error", e.Err.Error())
	d.field("Message", e.Message)

	return d.String()
}

// ClassifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes that carry no specific meaning.
func ClassifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPrecondition
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusLocked:
		return ErrLocked
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// Is reports whether err is one of this package's typed errors of kind k.
func Is(err error, k Kind) bool {
	var typed Error
	if !errors.As(err, &typed) {
		return false
	}

	return typed.Kind() == k
}

// details accumulates "  Key: value" lines under a kind header.
type details struct {
	b strings.Builder
}

func (d *details) header(k Kind) {
	d.b.WriteString(k.String())
}

func (d *details) field(name, value string) {
	if value == "" {
		return
	}

	d.b.WriteString("\n  ")
	d.b.WriteString(name)
	d.b.WriteString(": ")
	d.b.WriteString(value)
}

func (d *details) String() string {
	return d.b.String()
}
