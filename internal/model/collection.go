package model

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/query"
)

// Collection is an ordered, lazily loaded set of T under one parent. It is
// materialized by Load or by enumerating it, or a query that asks for all
// of it; queries with a filter, top, skip or select return their results
// without touching it. Mutations through Append and Remove take effect
// immediately and locally.
type Collection[T Object] struct {
	session *Session
	info    *meta.EntityInfo
	parent  api.TokenResolver
	wrap    func(*Entity) T

	items  []T
	loaded bool

	// Paging state of the last materialized page.
	nextLink string
	protocol meta.Protocol
}

// NewCollection returns an unloaded collection of info-typed entities.
// wrap turns a base entity into the domain type.
func NewCollection[T Object](s *Session, info *meta.EntityInfo, parent api.TokenResolver, wrap func(*Entity) T) *Collection[T] {
	return &Collection[T]{session: s, info: info, parent: parent, wrap: wrap}
}

// Info returns the item type descriptor.
func (c *Collection[T]) Info() *meta.EntityInfo { return c.info }

// Loaded reports whether the collection was materialized.
func (c *Collection[T]) Loaded() bool { return c.loaded }

// Len returns the number of items in memory.
func (c *Collection[T]) Len() int { return len(c.items) }

// Items returns the items in memory.
func (c *Collection[T]) Items() []T { return slices.Clone(c.items) }

// New returns a new, unsaved item whose templates resolve against the
// collection's parent. It is not part of the collection until added.
func (c *Collection[T]) New() T {
	return c.wrap(NewEntity(c.session, c.info, c.parent))
}

// Wrap returns an item bound to the collection's parent for an entity
// whose key is known, for example to update or delete it without loading.
func (c *Collection[T]) Wrap(key any) T {
	e := NewEntity(c.session, c.info, c.parent)
	e.store.SetQuiet(c.info.KeyField, key)
	e.store.setStrict()
	e.state = StateRequested
	e.owner = c

	return c.wrap(e)
}

// Append adds item to the in-memory collection.
func (c *Collection[T]) Append(item T) {
	item.Base().owner = c
	c.items = append(c.items, item)
}

// Remove drops item from the in-memory collection and reports whether it
// was present. No call is made.
func (c *Collection[T]) Remove(item T) bool {
	return c.remove(item.Base())
}

// evict drops e, or the in-memory item with the same key, after e was
// deleted. Query results are separate objects from the collection's own.
func (c *Collection[T]) evict(e *Entity) {
	if c.remove(e) {
		return
	}

	key, ok := e.Key()
	if !ok {
		return
	}

	c.items = slices.DeleteFunc(c.items, func(it T) bool {
		k, ok := it.Base().Key()
		return ok && sameValue(k, key)
	})
}

func (c *Collection[T]) remove(e *Entity) bool {
	i := slices.IndexFunc(c.items, func(it T) bool { return it.Base() == e })
	if i < 0 {
		return false
	}

	c.items = slices.Delete(c.items, i, i+1)

	return true
}

// Query starts a deferred query over the collection.
func (c *Collection[T]) Query() *Query[T] {
	return &Query[T]{coll: c}
}

// Where starts a query filtered by e.
func (c *Collection[T]) Where(e query.Expr) *Query[T] {
	return c.Query().Where(e)
}

// All enumerates the collection. A loaded collection yields its items from
// memory; otherwise the first page is requested and later pages follow as
// the enumeration reaches them.
func (c *Collection[T]) All(ctx context.Context) iter.Seq2[T, error] {
	if c.loaded {
		return func(yield func(T, error) bool) {
			for _, it := range c.Items() {
				if !yield(it, nil) {
					return
				}
			}
		}
	}

	return c.Query().All(ctx)
}

// Load materializes the first page, restricted to selectors when given.
// It replaces what the collection held.
func (c *Collection[T]) Load(ctx context.Context, selectors ...query.Selector) error {
	_, err := c.Query().Select(selectors...).fetch(ctx, true)
	return err
}

// HasNextPage reports whether the server announced a further page.
func (c *Collection[T]) HasNextPage() bool {
	return c.nextLink != ""
}

// GetNextPage fetches the page after the last materialized one, reusing
// its query through the server's continuation link, and appends it. Without
// a continuation it returns an empty result and makes no call.
func (c *Collection[T]) GetNextPage(ctx context.Context) ([]T, error) {
	if c.nextLink == "" {
		return nil, nil
	}

	p, err := c.fetchNext(ctx, c.nextLink, c.protocol)
	if err != nil {
		return nil, err
	}

	c.keep(p, true)

	return p.items, nil
}

// page is one decoded list response with its continuation.
type page[T Object] struct {
	items    []T
	nextLink string
	protocol meta.Protocol
}

func (c *Collection[T]) fetchNext(ctx context.Context, nextLink string, p meta.Protocol) (page[T], error) {
	if err := c.checkParent(); err != nil {
		return page[T]{}, err
	}

	call, err := c.session.builder.Build(api.Intent{
		Verb:     api.VerbList,
		Info:     c.info,
		Protocol: p,
		NextLink: nextLink,
	})
	if err != nil {
		return page[T]{}, err
	}

	resp, err := c.session.Send(ctx, call)
	if err != nil {
		return page[T]{}, err
	}

	return c.decode(call, resp)
}

// decode turns a list response into items bound to the collection's
// parent. The collection itself is left unchanged.
func (c *Collection[T]) decode(call *api.Call, resp *api.Response) (page[T], error) {
	raw, err := api.DecodePage(resp.Body)
	if err != nil {
		return page[T]{}, err
	}

	out := page[T]{
		items:    make([]T, 0, len(raw.Items)),
		nextLink: raw.NextLink,
		protocol: call.Protocol,
	}

	for _, item := range raw.Items {
		rec, err := api.DecodeEntity(c.info, call.Protocol, item)
		if err != nil {
			return page[T]{}, err
		}

		e := NewEntity(c.session, c.info, c.parent)
		e.hydrate(rec)
		e.owner = c
		out.items = append(out.items, c.wrap(e))
	}

	c.session.logger.Debug("page decoded",
		slog.String("type", c.info.TypeName),
		slog.Int("items", len(out.items)),
		slog.Bool("has_next", out.nextLink != ""),
	)

	return out, nil
}

// keep materializes p into the collection. A first page replaces the
// in-memory items; continuation pages are appended.
func (c *Collection[T]) keep(p page[T], appendPage bool) {
	if appendPage {
		c.items = append(c.items, p.items...)
	} else {
		c.items = slices.Clone(p.items)
	}

	c.loaded = true
	c.nextLink = p.nextLink
	c.protocol = p.protocol
}

// checkParent fails when the parent entity was deleted, before any call
// for its children is built.
func (c *Collection[T]) checkParent() error {
	if p, ok := c.parent.(interface{ CheckAlive() error }); ok {
		return p.CheckAlive()
	}

	return nil
}

// Hydrate fills the collection from records that were already decoded, such
// as an expanded navigation property of the parent, and marks it loaded
// without a call.
func (c *Collection[T]) Hydrate(recs []api.Record) {
	c.items = c.items[:0]

	for _, rec := range recs {
		e := NewLoadedEntity(c.session, c.info, c.parent, rec)
		e.owner = c
		c.items = append(c.items, c.wrap(e))
	}

	c.loaded = true
	c.nextLink = ""
}

// Add creates an item from fields and appends it once the server
// confirmed it.
func (c *Collection[T]) Add(ctx context.Context, fields map[string]any) (T, error) {
	item, call, err := c.addCall(fields)
	if err != nil {
		return item, err
	}

	resp, err := c.session.Send(ctx, call)
	if err != nil {
		return item, err
	}

	if err := c.completeAdd(item, call, resp); err != nil {
		return item, err
	}

	return item, nil
}

// AddBatch adds the create to b, or the current batch when b is nil. The
// returned item gets its key and joins the collection when the batch
// executes.
func (c *Collection[T]) AddBatch(b *batch.Batch, fields map[string]any) (T, error) {
	item, call, err := c.addCall(fields)
	if err != nil {
		return item, err
	}

	c.session.batchOrCurrent(b).Add(call, func(resp *api.Response, err error) error {
		if err != nil {
			return err
		}

		return c.completeAdd(item, call, resp)
	})

	return item, nil
}

func (c *Collection[T]) addCall(fields map[string]any) (T, *api.Call, error) {
	item := c.New()

	if err := c.checkParent(); err != nil {
		return item, nil, err
	}

	e := item.Base()

	for k, v := range fields {
		e.store.Set(k, v)
	}

	call, err := e.addCall()

	return item, call, err
}

func (c *Collection[T]) completeAdd(item T, call *api.Call, resp *api.Response) error {
	if err := item.Base().completeAdd(call, resp); err != nil {
		return err
	}

	c.Append(item)

	return nil
}

// tokens resolves list templates: "Parent." against the collection's
// parent, everything else against the site.
func (c *Collection[T]) tokens() api.TokenResolver {
	return collectionTokens{parent: c.parent, session: c.session}
}

type collectionTokens struct {
	parent  api.TokenResolver
	session *Session
}

func (t collectionTokens) ResolveToken(name string) (string, bool) {
	if rest, ok := strings.CutPrefix(name, "Parent."); ok {
		if t.parent == nil {
			return "", false
		}

		return t.parent.ResolveToken(rest)
	}

	return t.session.ResolveToken(name)
}
