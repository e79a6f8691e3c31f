package model

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// State is the lifecycle state of an entity.
type State int

// Entity states. New objects have no key and were never loaded; Requested
// objects were populated from the server; Deleted is terminal.
const (
	StateNew State = iota
	StateRequested
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRequested:
		return "requested"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Object is implemented by every domain type built on Entity.
type Object interface {
	Base() *Entity
}

// owner is the collection an entity belongs to.
type owner interface {
	evict(e *Entity)
}

// Entity is the change-tracked base of every domain object.
type Entity struct {
	info    *meta.EntityInfo
	session *Session
	store   *PropertyStore
	state   State
	parent  api.TokenResolver
	owner   owner
}

// NewEntity returns a new, unsaved entity of type info. parent resolves
// {Parent.X} tokens and may be nil.
func NewEntity(s *Session, info *meta.EntityInfo, parent api.TokenResolver) *Entity {
	return &Entity{
		info:    info,
		session: s,
		store:   NewPropertyStore(),
		state:   StateNew,
		parent:  parent,
	}
}

// NewLoadedEntity returns an entity hydrated from rec, as if it had been
// loaded. It is used for objects that arrive as the result of another
// call, such as a term returned by a taxonomy lookup.
func NewLoadedEntity(s *Session, info *meta.EntityInfo, parent api.TokenResolver, rec api.Record) *Entity {
	e := NewEntity(s, info, parent)
	e.hydrate(rec)

	return e
}

// Base implements Object.
func (e *Entity) Base() *Entity { return e }

// Info returns the entity's type descriptor.
func (e *Entity) Info() *meta.EntityInfo { return e.info }

// Session returns the session the entity belongs to.
func (e *Entity) Session() *Session { return e.session }

// Store returns the property store.
func (e *Entity) Store() *PropertyStore { return e.store }

// State returns the lifecycle state.
func (e *Entity) State() State { return e.state }

// Requested reports whether the entity was loaded from the server.
func (e *Entity) Requested() bool { return e.state == StateRequested }

// Deleted reports whether the entity was deleted.
func (e *Entity) Deleted() bool { return e.state == StateDeleted }

// Parent returns the parent token resolver.
func (e *Entity) Parent() api.TokenResolver { return e.parent }

// Key returns the key property value and whether it is set.
func (e *Entity) Key() (any, bool) {
	v, ok := e.store.values[e.info.KeyField]
	return v, ok && v != nil
}

// ResolveToken implements api.TokenResolver. "Parent." tokens are passed
// to the parent; site tokens to the session; anything else names one of
// the entity's own properties.
func (e *Entity) ResolveToken(name string) (string, bool) {
	if rest, ok := strings.CutPrefix(name, "Parent."); ok {
		if e.parent == nil {
			return "", false
		}

		return e.parent.ResolveToken(rest)
	}

	if v, ok := e.store.values[name]; ok && v != nil {
		return formatToken(v)
	}

	if e.session != nil {
		return e.session.ResolveToken(name)
	}

	return "", false
}

func formatToken(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case uuid.UUID:
		return t.String(), t != uuid.Nil
	default:
		return fmt.Sprint(v), true
	}
}

// CheckAlive fails with sdkerr.ErrInstanceDeleted once the entity was
// deleted. Every call built on the entity checks it before any I/O.
func (e *Entity) CheckAlive() error {
	if e.state == StateDeleted {
		return sdkerr.NewClientError(sdkerr.ErrInstanceDeleted, "%s was deleted", e.info.TypeName)
	}

	return nil
}

// hydrate quietly stores rec and marks the entity requested.
func (e *Entity) hydrate(rec api.Record) {
	e.store.Hydrate(rec)
	e.store.setStrict()
	e.state = StateRequested
}

// hydrateResponse decodes the response of call and hydrates the entity.
// An empty REST or Graph body leaves the store as it is.
func (e *Entity) hydrateResponse(call *api.Call, resp *api.Response) error {
	if call.Protocol == meta.ProtocolCSOM {
		pq, ok := call.Op.(*csom.PropertyQuery)
		if !ok {
			return sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "unexpected csom operation %T", call.Op)
		}

		if pq.Result.IsNull() {
			return sdkerr.NewClientError(sdkerr.ErrCSOMResponse, "%s not found", e.info.TypeName)
		}

		rec, err := api.DecodeCSOM(e.info, pq.Result)
		if err != nil {
			return err
		}

		e.hydrate(rec)

		return nil
	}

	if len(resp.Body) == 0 {
		e.store.setStrict()
		e.state = StateRequested

		return nil
	}

	rec, err := api.DecodeEntity(e.info, call.Protocol, resp.Body)
	if err != nil {
		return err
	}

	e.hydrate(rec)

	return nil
}

func (e *Entity) intent(v api.Verb) api.Intent {
	return api.Intent{Verb: v, Info: e.info, Tokens: e}
}

func (e *Entity) getCall(selectors []query.Selector) (*api.Call, error) {
	if err := e.CheckAlive(); err != nil {
		return nil, err
	}

	in := e.intent(api.VerbGet)

	if len(selectors) > 0 {
		d, err := query.Translate(e.info, query.Spec{Select: selectors})
		if err != nil {
			return nil, err
		}

		in.Query = d
	}

	return e.session.builder.Build(in)
}

// Get loads the entity, restricted to selectors when given.
func (e *Entity) Get(ctx context.Context, selectors ...query.Selector) error {
	call, err := e.getCall(selectors)
	if err != nil {
		return err
	}

	resp, err := e.session.Send(ctx, call)
	if err != nil {
		return err
	}

	return e.hydrateResponse(call, resp)
}

// GetBatch adds the load to b, or the session's current batch when b is
// nil. Properties are valid once the batch has executed.
func (e *Entity) GetBatch(b *batch.Batch, selectors ...query.Selector) error {
	call, err := e.getCall(selectors)
	if err != nil {
		return err
	}

	e.session.batchOrCurrent(b).Add(call, func(resp *api.Response, err error) error {
		if err != nil {
			return err
		}

		return e.hydrateResponse(call, resp)
	})

	return nil
}

// updateCall returns nil when nothing changed.
func (e *Entity) updateCall() (*api.Call, error) {
	if err := e.CheckAlive(); err != nil {
		return nil, err
	}

	if !e.store.HasChanges() {
		return nil, nil
	}

	in := e.intent(api.VerbUpdate)
	in.Fields = e.store.ChangedValues()

	return e.session.builder.Build(in)
}

// Update persists the changed properties. Without changes it returns
// immediately without a call.
func (e *Entity) Update(ctx context.Context) error {
	call, err := e.updateCall()
	if err != nil || call == nil {
		return err
	}

	if _, err := e.session.Send(ctx, call); err != nil {
		return err
	}

	e.store.Commit()
	e.session.logger.Info("entity updated",
		slog.String("type", e.info.TypeName),
		slog.String("correlation_id", call.CorrelationID),
	)

	return nil
}

// UpdateBatch adds the update to b, or the current batch when b is nil.
// Without changes nothing is added.
func (e *Entity) UpdateBatch(b *batch.Batch) error {
	call, err := e.updateCall()
	if err != nil || call == nil {
		return err
	}

	e.session.batchOrCurrent(b).Add(call, func(_ *api.Response, err error) error {
		if err != nil {
			return err
		}

		e.store.Commit()

		return nil
	})

	return nil
}

func (e *Entity) deleteCall() (*api.Call, error) {
	if err := e.CheckAlive(); err != nil {
		return nil, err
	}

	return e.session.builder.Build(e.intent(api.VerbDelete))
}

// Delete deletes the entity and evicts it from its collection. The entity
// cannot be used for further calls afterwards.
func (e *Entity) Delete(ctx context.Context) error {
	call, err := e.deleteCall()
	if err != nil {
		return err
	}

	if _, err := e.session.Send(ctx, call); err != nil {
		return err
	}

	e.markDeleted()

	return nil
}

// DeleteBatch adds the delete to b, or the current batch when b is nil.
func (e *Entity) DeleteBatch(b *batch.Batch) error {
	call, err := e.deleteCall()
	if err != nil {
		return err
	}

	e.session.batchOrCurrent(b).Add(call, func(_ *api.Response, err error) error {
		if err != nil {
			return err
		}

		e.markDeleted()

		return nil
	})

	return nil
}

func (e *Entity) markDeleted() {
	e.state = StateDeleted

	if e.owner != nil {
		e.owner.evict(e)
		e.owner = nil
	}
}

// addCall builds the create call of a new entity.
func (e *Entity) addCall() (*api.Call, error) {
	if e.state != StateNew {
		return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "%s is %s, only new objects can be added",
			e.info.TypeName, e.state)
	}

	in := e.intent(api.VerbAdd)
	in.Fields = e.store.Values()

	return e.session.builder.Build(in)
}

// completeAdd hydrates the created entity from the response.
func (e *Entity) completeAdd(call *api.Call, resp *api.Response) error {
	e.store.Commit()

	if err := e.hydrateResponse(call, resp); err != nil {
		return err
	}

	if _, ok := e.Key(); !ok {
		return sdkerr.NewClientError(sdkerr.ErrMissingArgument, "create response for %s carried no %s",
			e.info.TypeName, e.info.KeyField)
	}

	return nil
}
