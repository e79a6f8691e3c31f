package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticAuth stamps a fixed bearer token and records the resources asked for.
type staticAuth struct {
	mu        sync.Mutex
	resources []string
}

func (a *staticAuth) AuthenticateRequest(_ context.Context, resource string, req *http.Request) error {
	a.mu.Lock()
	a.resources = append(a.resources, resource)
	a.mu.Unlock()

	req.Header.Set("Authorization", "Bearer test-token")

	return nil
}

// failingAuth always fails with an authentication error.
type failingAuth struct{ calls atomic.Int32 }

func (a *failingAuth) AuthenticateRequest(context.Context, string, *http.Request) error {
	a.calls.Add(1)
	return &sdkerr.AuthenticationError{StatusCode: 400, Code: "invalid_client", Description: "bad secret"}
}

// newTestClient creates a Client whose site and Graph endpoints point at
// the given httptest server, with instant retry sleeps.
func newTestClient(t *testing.T, srvURL string, auth Authenticator) *Client {
	t.Helper()

	c, err := NewClient(Options{
		SiteURL:      srvURL + "/sites/dev",
		GraphURL:     srvURL + "/v1.0",
		GraphBetaURL: srvURL + "/beta",
		HTTPClient:   http.DefaultClient,
		Auth:         auth,
		Logger:       slog.Default(),
		UserAgent:    "test-agent",
	})
	require.NoError(t, err)

	c.sleepFunc = noopSleep

	return c
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Options{SiteURL: "https://contoso.sharepoint.com/sites/dev/"})
	require.NoError(t, err)

	assert.Equal(t, "https://contoso.sharepoint.com/sites/dev/_api/", c.BaseURL(meta.ProtocolREST))
	assert.Equal(t, "https://contoso.sharepoint.com/sites/dev/_vti_bin/client.svc/ProcessQuery", c.BaseURL(meta.ProtocolCSOM))
	assert.Equal(t, "https://graph.microsoft.com/v1.0/", c.BaseURL(meta.ProtocolGraph))
	assert.Equal(t, "https://graph.microsoft.com/beta/", c.BaseURL(meta.ProtocolGraphBeta))
	assert.Equal(t, "https://contoso.sharepoint.com", c.Resource(meta.ProtocolREST))
	assert.Equal(t, "https://graph.microsoft.com", c.Resource(meta.ProtocolGraph))
	assert.Equal(t, DefaultMaxRetries, c.maxRetries)
	assert.Equal(t, DefaultUserAgent, c.userAgent)
	assert.Equal(t, "contoso.sharepoint.com", c.SiteURL().Host)

	_, err = NewClient(Options{SiteURL: "contoso"})
	assert.ErrorIs(t, err, sdkerr.ErrMissingArgument)
}

func TestExecute_RESTHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sites/dev/_api/web/lists", r.URL.Path)
		assert.Equal(t, "Title eq 'A'", r.URL.Query().Get("$filter"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, acceptREST, r.Header.Get("Accept"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "corr-1", r.Header.Get("client-request-id"))
		w.Write([]byte(`{"value":[]}`))
	}))
	defer srv.Close()

	auth := &staticAuth{}
	c := newTestClient(t, srv.URL, auth)

	resp, err := c.Execute(t.Context(), &api.Call{
		Protocol:      meta.ProtocolREST,
		Method:        http.MethodGet,
		Path:          "web/lists?$filter=Title%20eq%20'A'",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"value":[]}`, string(resp.Body))
	assert.Equal(t, []string{srv.URL}, auth.resources)
}

func TestExecute_GraphWriteHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/beta/sites/s1/lists/l1", r.URL.Path)
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, acceptGraph, r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"displayName":"x"}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	resp, err := c.Execute(t.Context(), &api.Call{
		Protocol: meta.ProtocolGraphBeta,
		Method:   http.MethodPatch,
		Path:     "sites/s1/lists/l1",
		Body:     []byte(`{"displayName":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDo_AbsoluteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/sites/s1/lists", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("$skiptoken"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Do(t.Context(), &Request{
		Protocol: meta.ProtocolGraph,
		Method:   http.MethodGet,
		URL:      srv.URL + "/v1.0/sites/s1/lists?$skiptoken=abc",
	})
	require.NoError(t, err)
}

func TestDo_RetryOn429WithRetryAfter(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var slept []time.Duration
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := c.Do(t.Context(), &Request{Protocol: meta.ProtocolREST, Method: http.MethodGet, URL: "web"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{7 * time.Second}, slept)
}

func TestDo_RetryResendsBody(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"Title":"a"}`, string(body))

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	resp, err := c.Do(t.Context(), &Request{
		Protocol: meta.ProtocolREST, Method: http.MethodPost, URL: "web/lists", Body: []byte(`{"Title":"a"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("request-id", "req-503")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Do(t.Context(), &Request{Protocol: meta.ProtocolGraph, Method: http.MethodGet, URL: "me"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerr.ErrServerError)
	assert.Equal(t, int32(DefaultMaxRetries+1), calls.Load())

	var se *sdkerr.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "req-503", se.RequestID)
}

func TestDo_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("SPRequestGuid", "sp-guid-1")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"odata.error":{"code":"-2130575322, Microsoft.SharePoint.SPException","message":{"lang":"en-US","value":"List does not exist."}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	resp, err := c.Do(t.Context(), &Request{Protocol: meta.ProtocolREST, Method: http.MethodGet, URL: "web/lists"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.ErrorIs(t, err, sdkerr.ErrNotFound)

	var se *sdkerr.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, sdkerr.ProtocolREST, se.Protocol)
	assert.Equal(t, "List does not exist.", se.Message)
	assert.Equal(t, "sp-guid-1", se.CorrelationID)
}

func TestDo_GraphErrorShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"accessDenied","message":"Access denied","innerError":{"request-id":"r-1","date":"2024-01-01T00:00:00"}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Do(t.Context(), &Request{Protocol: meta.ProtocolGraph, Method: http.MethodGet, URL: "sites/root"})

	var se *sdkerr.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "accessDenied", se.Code)
	assert.Equal(t, "r-1", se.RequestID)
	assert.ErrorIs(t, err, sdkerr.ErrForbidden)
}

func TestDo_AuthenticationErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("request must not reach the server")
	}))
	defer srv.Close()

	auth := &failingAuth{}
	c := newTestClient(t, srv.URL, auth)

	_, err := c.Do(t.Context(), &Request{Protocol: meta.ProtocolREST, Method: http.MethodGet, URL: "web"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerr.ErrAuthentication)
	assert.True(t, sdkerr.Is(err, sdkerr.KindAuthentication))
	assert.Equal(t, int32(1), auth.calls.Load())
}

func TestDo_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	c.sleepFunc = timeSleep

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := c.Do(ctx, &Request{Protocol: meta.ProtocolREST, Method: http.MethodGet, URL: "web"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_CSOM(t *testing.T) {
	golden, err := os.ReadFile("../csom/testdata/get_term_parent.response.json")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sites/dev/_vti_bin/client.svc/ProcessQuery", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, contentCSOM, r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.True(t, strings.HasPrefix(string(body), `<Request xmlns="`+csom.Namespace+`"`))
		assert.Contains(t, string(body), `<Property Id="10" ParentId="7" Name="Parent" />`)
		w.Write(golden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	op := &csom.GetTermParentRequest{TermID: uuid.MustParse("6f9a2b0e-3c1d-4e5f-8a7b-9c0d1e2f3a4b")}

	resp, err := c.Execute(t.Context(), api.CSOMCall(api.VerbGet, op))
	require.NoError(t, err)
	require.NotNil(t, resp.CSOM)
	assert.Equal(t, "Fruit", op.Parent.String("Name"))
}

func TestExecute_CSOMErrorInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"SchemaVersion":"15.0.0.0","ErrorInfo":{"ErrorMessage":"Access denied.","ErrorCode":-2147024891,` +
			`"ErrorTypeName":"System.UnauthorizedAccessException","TraceCorrelationId":"tc-1"},"TraceCorrelationId":"tc-1"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	op := &csom.GetTermParentRequest{TermID: uuid.New()}

	_, err := c.Execute(t.Context(), api.CSOMCall(api.VerbGet, op))
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerr.ErrForbidden)

	var se *sdkerr.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "tc-1", se.CorrelationID)
}

func TestExecute_CSOMWithoutOperation(t *testing.T) {
	c := newTestClient(t, "http://localhost", nil)

	_, err := c.Execute(t.Context(), &api.Call{Protocol: meta.ProtocolCSOM})
	assert.ErrorIs(t, err, sdkerr.ErrMissingArgument)
}

func TestIsRetryable(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 509} {
		assert.True(t, isRetryable(code), "status %d", code)
	}

	for _, code := range []int{400, 401, 403, 404, 409, 412, 501} {
		assert.False(t, isRetryable(code), "status %d", code)
	}
}

func TestCalcBackoff_MaxCap(t *testing.T) {
	c := newTestClient(t, "http://localhost", nil)

	// Attempt 10 produces 1s * 2^10 = 1024s which exceeds maxBackoff (60s).
	backoff := c.calcBackoff(10)
	assert.LessOrEqual(t, backoff, maxBackoff+maxBackoff/4)
	assert.GreaterOrEqual(t, backoff, maxBackoff-maxBackoff/4)
}

func TestRetryBackoff_MalformedRetryAfter(t *testing.T) {
	c := newTestClient(t, "http://localhost", nil)
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": {"soon"}}}

	backoff := c.retryBackoff(resp, 0)
	assert.LessOrEqual(t, backoff, baseBackoff+baseBackoff/4)
	assert.GreaterOrEqual(t, backoff, baseBackoff-baseBackoff/4)
}

func TestTimeSleep_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.ErrorIs(t, timeSleep(ctx, time.Hour), context.Canceled)
}
