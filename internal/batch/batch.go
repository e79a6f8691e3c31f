// Package batch aggregates pending calls raised by many model objects and
// executes them in as few round trips as each protocol allows. Results are
// routed back to each call's continuation by correlation id, never by
// response position alone.
package batch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/meta"
)

// Completion is the continuation of one call. It receives the call's
// response, or the error that failed it, in which case resp may be nil.
// On success it typically hydrates the model object that issued the call;
// an error it returns is recorded on the request.
type Completion func(resp *api.Response, err error) error

// Request is one pending call in a batch.
type Request struct {
	Call       *api.Call
	OnComplete Completion

	// Response and Err are set once the batch has executed.
	Response *api.Response
	Err      error
}

// CorrelationID identifies the request in responses and errors.
func (r *Request) CorrelationID() string {
	return r.Call.CorrelationID
}

// Done reports whether the request completed without error.
func (r *Request) Done() bool {
	return r.Response != nil && r.Err == nil
}

// Batch is an ordered list of pending calls. It is owned by one goroutine
// until executed and can be executed only once.
type Batch struct {
	ID uuid.UUID

	requests []*Request
	executed bool
}

// New returns an empty batch.
func New() *Batch {
	return &Batch{ID: uuid.New()}
}

// Add appends call with its continuation and returns the pending request.
// Calls without a correlation id get one.
func (b *Batch) Add(call *api.Call, onComplete Completion) *Request {
	if call.CorrelationID == "" {
		call.CorrelationID = uuid.NewString()
	}

	r := &Request{Call: call, OnComplete: onComplete}
	b.requests = append(b.requests, r)

	return r
}

// Requests returns the pending requests in issuance order.
func (b *Batch) Requests() []*Request {
	return append([]*Request(nil), b.requests...)
}

// Len returns the number of pending requests.
func (b *Batch) Len() int {
	return len(b.requests)
}

// Executed reports whether the batch has been executed.
func (b *Batch) Executed() bool {
	return b.executed
}

// RequestError ties a failure to the request that caused it.
type RequestError struct {
	CorrelationID string
	Protocol      meta.Protocol
	Verb          api.Verb
	Err           error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("batch: %s %s (correlation-id: %s): %v", e.Protocol, e.Verb, e.CorrelationID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
