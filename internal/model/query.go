package model

import (
	"context"
	"iter"

	"github.com/tonimelisma/m365-go/internal/api"
	"github.com/tonimelisma/m365-go/internal/batch"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Query is a deferred query over a collection. Building it makes no call;
// filters are always sent to the server, never applied in memory. Each
// method returns a new query, so a base query can be reused.
type Query[T Object] struct {
	coll *Collection[T]
	spec query.Spec
}

func (q *Query[T]) with(f func(*query.Spec)) *Query[T] {
	out := &Query[T]{coll: q.coll, spec: q.spec.Clone()}
	f(&out.spec)

	return out
}

// Where narrows the query by e, and-ed with any earlier filter.
func (q *Query[T]) Where(e query.Expr) *Query[T] {
	return &Query[T]{coll: q.coll, spec: q.spec.AndFilter(e)}
}

// OrderBy appends sort keys.
func (q *Query[T]) OrderBy(orders ...query.Order) *Query[T] {
	return q.with(func(s *query.Spec) { s.OrderBy = append(s.OrderBy, orders...) })
}

// Top limits the page size.
func (q *Query[T]) Top(n int) *Query[T] {
	return q.with(func(s *query.Spec) { s.Top = n })
}

// Skip skips the first n matches.
func (q *Query[T]) Skip(n int) *Query[T] {
	return q.with(func(s *query.Spec) { s.Skip = n })
}

// Select restricts the loaded properties, including expansions of
// navigation properties.
func (q *Query[T]) Select(selectors ...query.Selector) *Query[T] {
	return q.with(func(s *query.Spec) { s.Select = append(s.Select, selectors...) })
}

// Spec returns the untranslated query.
func (q *Query[T]) Spec() query.Spec {
	return q.spec.Clone()
}

// Descriptor translates the query without executing it.
func (q *Query[T]) Descriptor() (*query.Descriptor, error) {
	return query.Translate(q.coll.info, q.spec)
}

func (q *Query[T]) call() (*api.Call, error) {
	if err := q.coll.checkParent(); err != nil {
		return nil, err
	}

	d, err := q.Descriptor()
	if err != nil {
		return nil, err
	}

	return q.coll.session.builder.Build(api.Intent{
		Verb:   api.VerbList,
		Info:   q.coll.info,
		Query:  d,
		Tokens: q.coll.tokens(),
	})
}

// whole reports whether the query asks for the entire collection with all
// default properties, so its results may stand in for the collection.
func (q *Query[T]) whole() bool {
	return q.spec.Filter == nil && q.spec.Top == 0 && q.spec.Skip == 0 && len(q.spec.Select) == 0
}

// fetch requests the first page. With fill the page replaces the
// collection's items.
func (q *Query[T]) fetch(ctx context.Context, fill bool) (page[T], error) {
	call, err := q.call()
	if err != nil {
		return page[T]{}, err
	}

	resp, err := q.coll.session.Send(ctx, call)
	if err != nil {
		return page[T]{}, err
	}

	p, err := q.coll.decode(call, resp)
	if err != nil {
		return page[T]{}, err
	}

	if fill {
		q.coll.keep(p, false)
	}

	return p, nil
}

// Get executes the query and returns the first page. Only a query for the
// whole collection also materializes the page into it; a filtered or
// limited result never replaces what the collection holds.
func (q *Query[T]) Get(ctx context.Context) ([]T, error) {
	p, err := q.fetch(ctx, q.whole())
	if err != nil {
		return nil, err
	}

	return p.items, nil
}

// Results holds the outcome of a query added to a batch.
type Results[T Object] struct {
	req   *batch.Request
	items []T
}

// Items returns the first page, or the request's error. Before the batch
// executed it fails with sdkerr.ErrNotRequested.
func (r *Results[T]) Items() ([]T, error) {
	switch {
	case r.req.Err != nil:
		return nil, r.req.Err
	case r.req.Response == nil:
		return nil, sdkerr.NewClientError(sdkerr.ErrNotRequested, "batch has not been executed")
	default:
		return r.items, nil
	}
}

// GetBatch adds the query to b, or the current batch when b is nil. The
// results are available once the batch executes; as with Get, only a
// query for the whole collection materializes into it.
func (q *Query[T]) GetBatch(b *batch.Batch) (*Results[T], error) {
	call, err := q.call()
	if err != nil {
		return nil, err
	}

	fill := q.whole()
	res := &Results[T]{}
	res.req = q.coll.session.batchOrCurrent(b).Add(call, func(resp *api.Response, err error) error {
		if err != nil {
			return err
		}

		p, err := q.coll.decode(call, resp)
		if err != nil {
			return err
		}

		if fill {
			q.coll.keep(p, false)
		}

		res.items = p.items

		return nil
	})

	return res, nil
}

// FirstOrDefault returns the first match, asking the server for at most
// one item. ok is false when nothing matched. The collection is left as it
// was.
func (q *Query[T]) FirstOrDefault(ctx context.Context) (item T, ok bool, err error) {
	items, err := q.Top(1).Get(ctx)
	if err != nil || len(items) == 0 {
		return item, false, err
	}

	return items[0], true, nil
}

// All executes the query when enumeration starts and follows continuation
// pages as the consumer reaches them. Stopping early leaves later pages
// unrequested. Pages of a query for the whole collection are materialized
// into it as they arrive.
func (q *Query[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		fill := q.whole()

		p, err := q.fetch(ctx, fill)
		if err != nil {
			yield(zero, err)
			return
		}

		for {
			for _, it := range p.items {
				if !yield(it, nil) {
					return
				}
			}

			if p.nextLink == "" {
				return
			}

			if p, err = q.coll.fetchNext(ctx, p.nextLink, p.protocol); err != nil {
				yield(zero, err)
				return
			}

			if fill {
				q.coll.keep(p, true)
			}
		}
	}
}
