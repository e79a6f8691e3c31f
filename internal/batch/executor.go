package batch

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
	"github.com/tonimelisma/m365-go/internal/transport"
)

// Envelope size limits imposed by the services.
const (
	MaxRESTBatchSize  = 100
	MaxGraphBatchSize = 20
	defaultParallel   = 4
)

// ErrMissingResponse is recorded on a request whose envelope response had
// no entry for it.
var ErrMissingResponse = errors.New("batch: no response for request")

// Sender is the transport the executor drives. *transport.Client
// implements it.
type Sender interface {
	Do(ctx context.Context, req *transport.Request) (*api.Response, error)
	Execute(ctx context.Context, call *api.Call) (*api.Response, error)
	ProcessQuery(ctx context.Context, r *csom.Request, correlationID string) (*api.Response, error)
	BaseURL(p meta.Protocol) string
}

// Options tunes an Executor. Zero values take the service maximums.
type Options struct {
	RESTBatchSize  int
	GraphBatchSize int
	ParallelGroups int

	// ResendThrottled resends a member throttled inside an envelope as a
	// single call through the sender's retry loop. Off, it fails with
	// sdkerr.ErrThrottled like any other member error.
	ResendThrottled bool

	Logger *slog.Logger
}

// Executor sends batches.
type Executor struct {
	sender    Sender
	restSize  int
	graphSize int
	parallel  int
	resend    bool
	logger    *slog.Logger
}

// NewExecutor returns an executor over sender.
func NewExecutor(sender Sender, opts Options) *Executor {
	if opts.RESTBatchSize <= 0 || opts.RESTBatchSize > MaxRESTBatchSize {
		opts.RESTBatchSize = MaxRESTBatchSize
	}

	if opts.GraphBatchSize <= 0 || opts.GraphBatchSize > MaxGraphBatchSize {
		opts.GraphBatchSize = MaxGraphBatchSize
	}

	if opts.ParallelGroups <= 0 {
		opts.ParallelGroups = defaultParallel
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Executor{
		sender:    sender,
		restSize:  opts.RESTBatchSize,
		graphSize: opts.GraphBatchSize,
		parallel:  opts.ParallelGroups,
		resend:    opts.ResendThrottled,
		logger:    opts.Logger,
	}
}

// group is one network round trip: an envelope or a single call.
type group struct {
	protocol meta.Protocol
	requests []*Request
}

// Execute sends every pending request of b and then runs the completions
// in issuance order on the calling goroutine, failed requests included. A
// failing request does not
// stop its siblings; all request failures are returned joined, each as a
// *RequestError. Executing a batch twice fails with
// sdkerr.ErrBatchExecuted.
func (e *Executor) Execute(ctx context.Context, b *Batch) error {
	if b.executed {
		return sdkerr.NewClientError(sdkerr.ErrBatchExecuted, "batch %s", b.ID)
	}

	b.executed = true

	if len(b.requests) == 0 {
		return nil
	}

	groups := e.plan(b.requests)

	e.logger.Info("executing batch",
		slog.String("batch_id", b.ID.String()),
		slog.Int("requests", len(b.requests)),
		slog.Int("round_trips", len(groups)),
	)

	// Groups never fail the errgroup: errors stay on their requests so one
	// failing envelope does not cancel the others.
	g := new(errgroup.Group)
	g.SetLimit(e.parallel)

	for _, gr := range groups {
		g.Go(func() error {
			e.send(ctx, b, gr)
			return nil
		})
	}

	_ = g.Wait()

	var errs []error

	for _, r := range b.requests {
		if r.Err == nil && r.Response == nil {
			r.Err = ErrMissingResponse
		}

		// Failed requests reach their continuation too, so callers waiting
		// on a single call learn why it failed.
		if r.OnComplete != nil {
			if err := r.OnComplete(r.Response, r.Err); r.Err == nil {
				r.Err = err
			}
		}

		if r.Err != nil {
			errs = append(errs, &RequestError{
				CorrelationID: r.CorrelationID(),
				Protocol:      r.Call.Protocol,
				Verb:          r.Call.Verb,
				Err:           r.Err,
			})
		}
	}

	if len(errs) > 0 {
		e.logger.Warn("batch completed with failures",
			slog.String("batch_id", b.ID.String()),
			slog.Int("failed", len(errs)),
		)
	}

	return errors.Join(errs...)
}

// plan splits requests into round trips: REST and each Graph flavor in
// envelopes of at most their size limit, all CSOM requests in one combined
// request. Absolute-URL calls (next links) always go alone.
func (e *Executor) plan(requests []*Request) []group {
	var (
		groups  []group
		byProto = map[meta.Protocol][]*Request{}
		order   []meta.Protocol
	)

	for _, r := range requests {
		p := r.Call.Protocol
		if r.Call.IsAbsolute() {
			groups = append(groups, group{protocol: p, requests: []*Request{r}})
			continue
		}

		if _, seen := byProto[p]; !seen {
			order = append(order, p)
		}

		byProto[p] = append(byProto[p], r)
	}

	for _, p := range order {
		rs := byProto[p]

		size := len(rs)

		switch {
		case p == meta.ProtocolREST:
			size = e.restSize
		case p.IsGraph():
			size = e.graphSize
		}

		for len(rs) > 0 {
			n := min(size, len(rs))
			groups = append(groups, group{protocol: p, requests: rs[:n]})
			rs = rs[n:]
		}
	}

	return groups
}

func (e *Executor) send(ctx context.Context, b *Batch, gr group) {
	if len(gr.requests) == 1 {
		r := gr.requests[0]
		r.Response, r.Err = e.sender.Execute(ctx, r.Call)

		return
	}

	switch {
	case gr.protocol == meta.ProtocolCSOM:
		e.sendCSOM(ctx, b, gr.requests)
	case gr.protocol.IsGraph():
		e.sendGraph(ctx, gr.protocol, gr.requests)
	default:
		e.sendREST(ctx, b, gr.requests)
	}
}

// sendCSOM concatenates every operation into one request sharing a single
// id sequence. The request succeeds or fails as a whole at the HTTP level;
// afterwards each operation parses its own results, so a server-side
// failure is reported against the operation whose results are missing.
func (e *Executor) sendCSOM(ctx context.Context, b *Batch, requests []*Request) {
	req := csom.NewRequest(csom.NewIDProvider())

	var included []*Request

	for _, r := range requests {
		if r.Call.Op == nil {
			r.Err = sdkerr.NewClientError(sdkerr.ErrMissingArgument, "csom call without operation")
			continue
		}

		// Validate on a scratch request so a failing operation leaves no
		// half-built paths in the shared one.
		if err := r.Call.Op.Build(csom.NewRequest(nil)); err != nil {
			r.Err = err
			continue
		}

		if err := r.Call.Op.Build(req); err != nil {
			r.Err = err
			continue
		}

		included = append(included, r)
	}

	if len(included) == 0 {
		return
	}

	e.logger.Debug("sending combined csom request",
		slog.String("batch_id", b.ID.String()),
		slog.Int("operations", len(included)),
		slog.Int("last_id", req.IDs().Last()),
	)

	resp, err := e.sender.ProcessQuery(ctx, req, b.ID.String())
	if err != nil {
		for _, r := range included {
			r.Response, r.Err = resp, err
		}

		return
	}

	for _, r := range included {
		r.Response = resp
		r.Err = r.Call.Op.Parse(resp.CSOM)
	}
}
