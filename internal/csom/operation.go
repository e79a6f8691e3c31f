package csom

import (
	"strings"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Operation is one logical CSOM call. Build appends its paths and actions
// to r and remembers the ids it needs; Parse reads its results back from a
// response to the same request. Several operations may share one request.
type Operation interface {
	Build(r *Request) error
	Parse(resp *Response) error
}

// guidParamPrefix marks a resolved PathStep parameter that is sent as a
// Guid rather than a String.
const guidParamPrefix = "guid:"

// PropertyQuery walks a resolved object path and loads properties of the
// object at its end.
type PropertyQuery struct {
	Steps  []meta.PathStep
	Select SelectQuery

	// Result is populated by Parse.
	Result Object

	pathAction  int
	queryAction int
}

// Build implements Operation.
func (q *PropertyQuery) Build(r *Request) error {
	if len(q.Steps) == 0 {
		return sdkerr.NewClientError(sdkerr.ErrMissingArgument, "csom property query without path steps")
	}

	last, err := BuildPath(r, q.Steps)
	if err != nil {
		return err
	}

	q.pathAction = r.ObjectPath(last)
	q.queryAction = r.Query(last, q.Select, nil)

	return r.Err()
}

// Parse implements Operation. A null object leaves Result marked IsNull.
func (q *PropertyQuery) Parse(resp *Response) error {
	path, err := resp.Object(q.pathAction)
	if err != nil {
		return err
	}

	if path.IsNull() {
		q.Result = path
		return nil
	}

	q.Result, err = resp.Object(q.queryAction)

	return err
}

// BuildPath emits the ObjectPaths for steps and returns the id of the last
// one. Intermediate steps are registered with an ObjectPath action and an
// identity query, as the server expects before a path is reused.
func BuildPath(r *Request, steps []meta.PathStep) (int, error) {
	parent := 0

	for i, s := range steps {
		params, err := stepParams(s.Params)
		if err != nil {
			return 0, err
		}

		switch s.Kind {
		case meta.StepStaticMethod:
			parent = r.StaticMethod(s.TypeID, s.Name, params...)
		case meta.StepStaticProperty:
			parent = r.StaticProperty(s.TypeID, s.Name)
		case meta.StepMethod:
			if i == 0 {
				return 0, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "csom method step %q has no parent", s.Name)
			}

			parent = r.Method(parent, s.Name, params...)
		case meta.StepProperty:
			if i == 0 {
				return 0, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "csom property step %q has no parent", s.Name)
			}

			parent = r.Property(parent, s.Name)
		default:
			return 0, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "csom path step kind %d", s.Kind)
		}

		if i < len(steps)-1 {
			r.ObjectPath(parent)
			r.IdentityQuery(parent)
		}
	}

	return parent, r.Err()
}

func stepParams(raw []string) ([]Param, error) {
	out := make([]Param, 0, len(raw))

	for _, p := range raw {
		if g, ok := strings.CutPrefix(p, guidParamPrefix); ok {
			id, err := uuid.Parse(strings.Trim(g, "{}"))
			if err != nil {
				return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "csom guid parameter %q: %v", g, err)
			}

			out = append(out, GUID(id))

			continue
		}

		out = append(out, String(p))
	}

	return out, nil
}

// SelectQueryFor converts a translated query into a CSOM property
// selection. CSOM queries cannot carry a filter or ordering.
func SelectQueryFor(d *query.Descriptor) (SelectQuery, error) {
	if d.Filter != nil || len(d.OrderBy) > 0 || d.Top > 0 || d.Skip > 0 {
		return SelectQuery{}, sdkerr.NewClientError(sdkerr.ErrUnsupportedExpression,
			"filter, ordering and paging are not supported over csom")
	}

	if d.SelectsAll() {
		return SelectQuery{SelectAll: true}, nil
	}

	q := SelectQuery{}

	for _, name := range d.Fields {
		wire, err := csomName(d.Info, name)
		if err != nil {
			return SelectQuery{}, err
		}

		q.Properties = append(q.Properties, QueryProperty{Name: wire})
	}

	for _, e := range d.Expand {
		wire, err := csomName(d.Info, e.Field)
		if err != nil {
			return SelectQuery{}, err
		}

		q.Properties = append(q.Properties, QueryProperty{Name: wire, SelectAll: true})
	}

	return q, nil
}

func csomName(info *meta.EntityInfo, field string) (string, error) {
	f, ok := info.Field(field)
	if !ok || f.CSOMName == "" {
		return "", sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "%s.%s is not available over csom",
			info.TypeName, field)
	}

	return f.CSOMName, nil
}
