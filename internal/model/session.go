package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/meta"
)

// Site tokens resolvable from every endpoint template.
const (
	TokenSiteID      = "Site.Id"
	TokenSiteGraphID = "Site.GraphId"
	TokenWebID       = "Web.Id"
	TokenHostname    = "hostname"
	TokenSitePath    = "Site.Path"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// SiteURL seeds the hostname and site path tokens.
	SiteURL    string
	GraphFirst bool
	Batch      batch.Options
	Logger     *slog.Logger
}

// Session is the context model objects operate in: it owns the call
// builder, the site identity tokens and the current batch. A session and
// the objects created from it belong to one goroutine at a time.
type Session struct {
	sender   batch.Sender
	builder  *api.Builder
	executor *batch.Executor
	logger   *slog.Logger
	site     api.TokenMap
	current  *batch.Batch
}

// NewSession returns a session sending through sender.
func NewSession(sender batch.Sender, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Batch.Logger == nil {
		opts.Batch.Logger = opts.Logger
	}

	s := &Session{
		sender:   sender,
		builder:  api.NewBuilder(opts.GraphFirst),
		executor: batch.NewExecutor(sender, opts.Batch),
		logger:   opts.Logger,
		site:     api.TokenMap{},
		current:  batch.New(),
	}

	if u, err := url.Parse(opts.SiteURL); err == nil && u.Host != "" {
		s.site[TokenHostname] = u.Hostname()
		s.site[TokenSitePath] = u.Path
	}

	return s
}

// Builder returns the call builder, for registering body hooks.
func (s *Session) Builder() *api.Builder {
	return s.builder
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// ResolveToken implements api.TokenResolver for the site tokens.
func (s *Session) ResolveToken(name string) (string, bool) {
	return s.site.ResolveToken(name)
}

// SetSiteToken records a site-level token value.
func (s *Session) SetSiteToken(name, value string) {
	s.site[name] = value
}

// Batch returns the current batch. Batch-suffixed operations given a nil
// batch add to it.
func (s *Session) Batch() *batch.Batch {
	return s.current
}

// NewBatch returns a fresh batch that is not the current one.
func (s *Session) NewBatch() *batch.Batch {
	return batch.New()
}

// SwapBatch makes b current and returns the previous current batch.
func (s *Session) SwapBatch(b *batch.Batch) *batch.Batch {
	prev := s.current
	s.current = b

	return prev
}

// Execute executes the current batch and replaces it with a fresh one.
func (s *Session) Execute(ctx context.Context) error {
	b := s.SwapBatch(batch.New())
	return s.ExecuteBatch(ctx, b)
}

// ExecuteBatch executes b.
func (s *Session) ExecuteBatch(ctx context.Context, b *batch.Batch) error {
	return s.executor.Execute(ctx, b)
}

func (s *Session) batchOrCurrent(b *batch.Batch) *batch.Batch {
	if b == nil {
		return s.current
	}

	return b
}

// Enqueue adds call to b, or the current batch when b is nil.
func (s *Session) Enqueue(b *batch.Batch, call *api.Call, onComplete batch.Completion) *batch.Request {
	return s.batchOrCurrent(b).Add(call, onComplete)
}

// Send executes one call immediately.
func (s *Session) Send(ctx context.Context, call *api.Call) (*api.Response, error) {
	s.logger.Debug("sending call",
		slog.String("protocol", call.Protocol.String()),
		slog.String("verb", call.Verb.String()),
		slog.String("path", call.Path),
		slog.String("correlation_id", call.CorrelationID),
	)

	return s.sender.Execute(ctx, call)
}

// siteIdentity is the subset of SP.Site and SP.Web read by LoadSiteInfo.
type siteIdentity struct {
	ID string `json:"Id"`
}

// LoadSiteInfo reads the site and web ids over REST in one batch and
// derives the Graph site id from them, so {Site.Id}, {Web.Id} and
// {Site.GraphId} resolve.
func (s *Session) LoadSiteInfo(ctx context.Context) error {
	var site, web siteIdentity

	b := batch.New()
	b.Add(restGet("site?$select=Id"), decodeInto(&site))
	b.Add(restGet("web?$select=Id"), decodeInto(&web))

	if err := s.ExecuteBatch(ctx, b); err != nil {
		return fmt.Errorf("model: loading site identity: %w", err)
	}

	s.site[TokenSiteID] = site.ID
	s.site[TokenWebID] = web.ID

	if host := s.site[TokenHostname]; host != "" {
		s.site[TokenSiteGraphID] = host + "," + site.ID + "," + web.ID
	}

	s.logger.Info("site identity loaded",
		slog.String("site_id", site.ID),
		slog.String("web_id", web.ID),
	)

	return nil
}

func restGet(path string) *api.Call {
	return &api.Call{
		Protocol: meta.ProtocolREST,
		Verb:     api.VerbGet,
		Method:   http.MethodGet,
		Path:     path,
		Header:   http.Header{},
	}
}

func decodeInto(v any) batch.Completion {
	return func(resp *api.Response, err error) error {
		if err != nil {
			return err
		}

		if err := json.Unmarshal(resp.Body, v); err != nil {
			return fmt.Errorf("model: decoding response: %w", err)
		}

		return nil
	}
}
