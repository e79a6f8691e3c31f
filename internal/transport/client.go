// Package transport executes calls against SharePoint REST, Microsoft Graph
// and the CSOM endpoint with authentication, retry with exponential backoff
// and typed error classification.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Retry and backoff constants.
const (
	DefaultMaxRetries = 5
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	DefaultUserAgent  = "m365-go/0.1"
)

// Endpoint defaults and fixed paths.
const (
	DefaultGraphURL     = "https://graph.microsoft.com/v1.0"
	DefaultGraphBetaURL = "https://graph.microsoft.com/beta"
	restPath            = "/_api/"
	csomPath            = "/_vti_bin/client.svc/ProcessQuery"
)

// Accept headers per protocol.
const (
	acceptREST  = "application/json;odata=nometadata"
	acceptGraph = "application/json"
	contentCSOM = "text/xml"
)

// Authenticator stamps credentials on an outgoing request. resource is the
// scheme and host the token must be issued for. Defined at the consumer;
// the auth package provides the real implementation.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, resource string, req *http.Request) error
}

// Options configures a Client.
type Options struct {
	SiteURL      string
	GraphURL     string
	GraphBetaURL string
	HTTPClient   *http.Client
	Auth         Authenticator
	Logger       *slog.Logger
	UserAgent    string
	MaxRetries   int

	// ConnectTimeout and RequestTimeout build the default HTTP client when
	// HTTPClient is nil. Zero means no limit.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Client sends requests for one SharePoint site and its Graph tenant.
type Client struct {
	site         *url.URL
	graphURL     string
	graphBetaURL string
	httpClient   *http.Client
	auth         Authenticator
	logger       *slog.Logger
	userAgent    string
	maxRetries   int

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient validates opts and returns a client.
func NewClient(opts Options) (*Client, error) {
	site, err := url.Parse(strings.TrimRight(opts.SiteURL, "/"))
	if err != nil || site.Scheme == "" || site.Host == "" {
		return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "site URL %q must be absolute", opts.SiteURL)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = newHTTPClient(opts.ConnectTimeout, opts.RequestTimeout)
	}

	if opts.GraphURL == "" {
		opts.GraphURL = DefaultGraphURL
	}

	if opts.GraphBetaURL == "" {
		opts.GraphBetaURL = DefaultGraphBetaURL
	}

	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	return &Client{
		site:         site,
		graphURL:     strings.TrimRight(opts.GraphURL, "/"),
		graphBetaURL: strings.TrimRight(opts.GraphBetaURL, "/"),
		httpClient:   opts.HTTPClient,
		auth:         opts.Auth,
		logger:       opts.Logger,
		userAgent:    opts.UserAgent,
		maxRetries:   opts.MaxRetries,
		sleepFunc:    timeSleep,
	}, nil
}

func newHTTPClient(connect, total time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if connect > 0 {
		tr.DialContext = (&net.Dialer{Timeout: connect}).DialContext
		tr.TLSHandshakeTimeout = connect
	}

	return &http.Client{Transport: tr, Timeout: total}
}

// SiteURL returns the site the client is bound to.
func (c *Client) SiteURL() *url.URL {
	u := *c.site
	return &u
}

// BaseURL returns the URL relative call paths are appended to. For CSOM it
// is the full ProcessQuery endpoint.
func (c *Client) BaseURL(p meta.Protocol) string {
	switch p {
	case meta.ProtocolGraph:
		return c.graphURL + "/"
	case meta.ProtocolGraphBeta:
		return c.graphBetaURL + "/"
	case meta.ProtocolCSOM:
		return c.site.String() + csomPath
	default:
		return c.site.String() + restPath
	}
}

// Resource returns the token audience for protocol p.
func (c *Client) Resource(p meta.Protocol) string {
	base := c.site.Scheme + "://" + c.site.Host

	if p.IsGraph() {
		u, err := url.Parse(c.graphURL)
		if err == nil {
			base = u.Scheme + "://" + u.Host
		}
	}

	return base
}

// Request is one HTTP exchange. URL may be relative to the protocol's base.
type Request struct {
	Protocol      meta.Protocol
	Method        string
	URL           string
	Header        http.Header
	Body          []byte
	CorrelationID string
}

// Execute sends a single call. CSOM calls are encoded into their own
// request, and the operation's results are parsed before returning.
func (c *Client) Execute(ctx context.Context, call *api.Call) (*api.Response, error) {
	if call.Protocol == meta.ProtocolCSOM {
		if call.Op == nil {
			return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "csom call without operation")
		}

		r := csom.NewRequest(nil)
		if err := call.Op.Build(r); err != nil {
			return nil, err
		}

		resp, err := c.ProcessQuery(ctx, r, call.CorrelationID)
		if err != nil {
			return resp, err
		}

		return resp, call.Op.Parse(resp.CSOM)
	}

	return c.Do(ctx, &Request{
		Protocol:      call.Protocol,
		Method:        call.Method,
		URL:           call.Path,
		Header:        call.Header,
		Body:          call.Body,
		CorrelationID: call.CorrelationID,
	})
}

// ProcessQuery posts a CSOM request and decodes its response array. A
// throttled request is retried whole; actions are never replayed
// individually.
func (c *Client) ProcessQuery(ctx context.Context, r *csom.Request, correlationID string) (*api.Response, error) {
	doc, err := r.XML()
	if err != nil {
		return nil, err
	}

	resp, err := c.Do(ctx, &Request{
		Protocol:      meta.ProtocolCSOM,
		Method:        http.MethodPost,
		Header:        http.Header{"Content-Type": {contentCSOM}},
		Body:          []byte(doc),
		CorrelationID: correlationID,
	})
	if err != nil {
		return resp, err
	}

	resp.CSOM, err = csom.ParseResponse(resp.StatusCode, resp.Body)
	if err != nil {
		return resp, err
	}

	c.logger.Debug("csom response decoded",
		slog.Int("actions", r.Len()),
		slog.Int("results", len(resp.CSOM.IDs())),
		slog.String("trace_correlation_id", resp.CSOM.Header.TraceCorrelationID),
	)

	return resp, nil
}

// Do executes req with retries. 2xx responses are returned with their body
// read; anything else becomes a *sdkerr.ServiceError parsed for the
// request's protocol.
func (c *Client) Do(ctx context.Context, req *Request) (*api.Response, error) {
	target := c.resolveURL(req)

	var attempt int

	for {
		resp, err := c.doOnce(ctx, req, target)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
			}

			// Credential failures are not retryable either.
			var authErr *sdkerr.AuthenticationError
			if errors.As(err, &authErr) || errors.Is(err, errBuildRequest) {
				return nil, err
			}

			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("protocol", req.Protocol.String()),
					slog.String("method", req.Method),
					slog.String("url", target),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("transport: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("transport: %s %s failed after %d retries: %w", req.Method, target, c.maxRetries, err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			if readErr != nil {
				return nil, fmt.Errorf("transport: reading response of %s %s: %w", req.Method, target, readErr)
			}

			c.logger.Debug("request succeeded",
				slog.String("protocol", req.Protocol.String()),
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.String("correlation_id", req.CorrelationID),
			)

			return &api.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
		}

		if readErr != nil {
			body = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("protocol", req.Protocol.String()),
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("transport: request canceled: %w", err)
			}

			attempt++

			continue
		}

		svcErr := parseServiceError(req.Protocol, resp.StatusCode, resp.Header, body)

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("protocol", req.Protocol.String()),
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
				slog.String("request_id", svcErr.RequestID),
			)
		}

		return &api.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, svcErr
	}
}

var errBuildRequest = errors.New("transport: building request")

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, req *Request, target string) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBuildRequest, err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("User-Agent", c.userAgent)

	if req.CorrelationID != "" {
		httpReq.Header.Set("client-request-id", req.CorrelationID)
	}

	if httpReq.Header.Get("Accept") == "" {
		if req.Protocol.IsGraph() {
			httpReq.Header.Set("Accept", acceptGraph)
		} else {
			httpReq.Header.Set("Accept", acceptREST)
		}
	}

	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		if err := c.auth.AuthenticateRequest(ctx, c.Resource(req.Protocol), httpReq); err != nil {
			return nil, err
		}
	}

	return c.httpClient.Do(httpReq)
}

func (c *Client) resolveURL(req *Request) string {
	if strings.HasPrefix(req.URL, "https://") || strings.HasPrefix(req.URL, "http://") {
		return req.URL
	}

	base := c.BaseURL(req.Protocol)
	if req.Protocol == meta.ProtocolCSOM {
		return base
	}

	return base + strings.TrimLeft(req.URL, "/")
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 and 503 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
