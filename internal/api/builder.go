package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/csom"
	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/query"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Content types of write bodies.
const (
	ContentTypeRESTVerbose = "application/json;odata=verbose"
	ContentTypeJSON        = "application/json"
)

// Intent is what a model object or collection asks for.
type Intent struct {
	Verb  Verb
	Info  *meta.EntityInfo
	Query *query.Descriptor

	// Tokens resolves the endpoint template placeholders.
	Tokens TokenResolver

	// Fields holds model-named values: every set field for Add, only the
	// changed ones for Update.
	Fields map[string]any

	// Protocol forces a protocol. Zero lets the builder choose.
	Protocol meta.Protocol

	// NextLink continues a List from a server-issued continuation URL.
	NextLink string
}

// BodyHook replaces the default body construction for one entity type and
// verb, for payloads that need a custom JSON shape.
type BodyHook func(in *Intent, p meta.Protocol) (json.RawMessage, error)

type hookKey struct {
	typeName string
	verb     Verb
}

// Builder turns intents into calls. It holds no per-call state; hooks are
// registered at startup and only read afterwards.
type Builder struct {
	graphFirst bool
	hooks      map[hookKey]BodyHook
}

// NewBuilder returns a builder. With graphFirst, Graph endpoints are
// preferred over SharePoint REST when an entity supports both and the
// query can be expressed there.
func NewBuilder(graphFirst bool) *Builder {
	return &Builder{graphFirst: graphFirst, hooks: make(map[hookKey]BodyHook)}
}

// GraphFirst reports the protocol preference.
func (b *Builder) GraphFirst() bool {
	return b.graphFirst
}

// OnBody registers a body hook for typeName and verb.
func (b *Builder) OnBody(typeName string, v Verb, h BodyHook) {
	b.hooks[hookKey{typeName, v}] = h
}

// Build resolves in into a call. Candidate protocols are tried in
// preference order; a protocol is skipped when the entity, the query or a
// template token cannot be served over it. The first such error is
// returned when no protocol fits. Other failures, such as a missing
// required field, are returned immediately.
func (b *Builder) Build(in Intent) (*Call, error) {
	if in.Info == nil {
		return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "intent has no entity descriptor")
	}

	if in.NextLink != "" {
		if in.Verb != VerbList || in.Protocol == 0 {
			return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "next link needs a list intent with its protocol")
		}

		return newCall(in.Protocol, VerbList, http.MethodGet, in.NextLink), nil
	}

	var first error

	for _, p := range b.candidates(in) {
		call, err := b.buildFor(&in, p)
		if err == nil {
			return call, nil
		}

		if !errors.Is(err, sdkerr.ErrUnsupportedProtocol) && !errors.Is(err, sdkerr.ErrUnresolvedToken) {
			return nil, err
		}

		if first == nil {
			first = err
		}
	}

	if first == nil {
		first = sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "%s %s has no endpoint", in.Verb, in.Info.TypeName)
	}

	return nil, first
}

// CSOMCall wraps a prepared CSOM operation as a call.
func CSOMCall(v Verb, op csom.Operation) *Call {
	c := newCall(meta.ProtocolCSOM, v, http.MethodPost, "")
	c.Op = op

	return c
}

func (b *Builder) candidates(in Intent) []meta.Protocol {
	if in.Protocol != 0 {
		return []meta.Protocol{in.Protocol}
	}

	graph := in.Info.GraphProtocol()
	order := []meta.Protocol{meta.ProtocolREST, graph, meta.ProtocolCSOM}

	if b.graphFirst {
		order = []meta.Protocol{graph, meta.ProtocolREST, meta.ProtocolCSOM}
	}

	out := order[:0]

	for _, p := range order {
		if in.Info.Supports(p) {
			out = append(out, p)
		}
	}

	return out
}

func (b *Builder) buildFor(in *Intent, p meta.Protocol) (*Call, error) {
	if !in.Info.Supports(p) {
		return nil, sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "%s is not served over %s", in.Info.TypeName, p)
	}

	if p == meta.ProtocolCSOM {
		return b.buildCSOM(in)
	}

	tpl := template(in.Info.Endpoints(p), in.Verb)
	if tpl == "" {
		return nil, sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "%s %s has no %s endpoint", in.Verb, in.Info.TypeName, p)
	}

	path, err := ResolveTemplate(tpl, in.Tokens)
	if err != nil {
		return nil, err
	}

	switch in.Verb {
	case VerbGet, VerbList:
		return b.buildRead(in, p, path)
	case VerbAdd, VerbUpdate:
		return b.buildWrite(in, p, path)
	case VerbDelete:
		return buildDelete(in, p, path), nil
	default:
		return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "unknown verb %d", in.Verb)
	}
}

func (b *Builder) buildRead(in *Intent, p meta.Protocol, path string) (*Call, error) {
	if in.Query != nil {
		d := in.Query

		if in.Verb == VerbGet && (d.Filter != nil || len(d.OrderBy) > 0 || d.Top > 0 || d.Skip > 0) {
			return nil, sdkerr.NewClientError(sdkerr.ErrUnsupportedExpression, "get of a single %s cannot filter, order or page",
				in.Info.TypeName)
		}

		v, err := query.RenderOData(d, p)
		if err != nil {
			return nil, err
		}

		if qs := query.EncodeQuery(v); qs != "" {
			path += "?" + qs
		}
	}

	return newCall(p, in.Verb, http.MethodGet, path), nil
}

func (b *Builder) buildWrite(in *Intent, p meta.Protocol, path string) (*Call, error) {
	if in.Verb == VerbAdd {
		for i := range in.Info.Fields {
			f := &in.Info.Fields[i]
			if f.Required && in.Fields[f.Name] == nil {
				return nil, sdkerr.NewClientError(sdkerr.ErrRequiredField, "%s.%s", in.Info.TypeName, f.Name)
			}
		}
	}

	var (
		body json.RawMessage
		err  error
	)

	if hook, ok := b.hooks[hookKey{in.Info.TypeName, in.Verb}]; ok {
		body, err = hook(in, p)
	} else {
		body, err = EncodeBody(in.Info, p, in.Fields)
	}

	if err != nil {
		return nil, err
	}

	var c *Call

	switch {
	case in.Verb == VerbAdd:
		c = newCall(p, in.Verb, http.MethodPost, path)
	case p == meta.ProtocolREST:
		c = newCall(p, in.Verb, http.MethodPost, path)
		c.Header.Set("X-HTTP-Method", "MERGE")
		c.Header.Set("IF-MATCH", "*")
	default:
		c = newCall(p, in.Verb, http.MethodPatch, path)
	}

	c.Body = body

	if p == meta.ProtocolREST {
		c.Header.Set("Content-Type", ContentTypeRESTVerbose)
	} else {
		c.Header.Set("Content-Type", ContentTypeJSON)
	}

	return c, nil
}

func buildDelete(_ *Intent, p meta.Protocol, path string) *Call {
	if p == meta.ProtocolREST {
		c := newCall(p, VerbDelete, http.MethodPost, path)
		c.Header.Set("X-HTTP-Method", "DELETE")
		c.Header.Set("IF-MATCH", "*")

		return c
	}

	return newCall(p, VerbDelete, http.MethodDelete, path)
}

func (b *Builder) buildCSOM(in *Intent) (*Call, error) {
	if in.Verb != VerbGet {
		return nil, sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "%s %s over csom", in.Verb, in.Info.TypeName)
	}

	steps := make([]meta.PathStep, len(in.Info.CSOMPath))

	for i, s := range in.Info.CSOMPath {
		steps[i] = s
		steps[i].Params = make([]string, len(s.Params))

		for j, raw := range s.Params {
			v, err := ResolveTemplate(raw, in.Tokens)
			if err != nil {
				return nil, err
			}

			steps[i].Params[j] = v
		}
	}

	d := in.Query
	if d == nil {
		d = &query.Descriptor{Info: in.Info}
	}

	sel, err := csom.SelectQueryFor(d)
	if err != nil {
		return nil, err
	}

	return CSOMCall(in.Verb, &csom.PropertyQuery{Steps: steps, Select: sel}), nil
}

// EncodeBody renders model-named fields as a JSON body for protocol p.
// SharePoint REST bodies carry the entity type in __metadata. Read-only
// fields are never sent. Undeclared fields of open types are sent under
// their own name.
func EncodeBody(info *meta.EntityInfo, p meta.Protocol, fields map[string]any) (json.RawMessage, error) {
	out := make(map[string]any, len(fields)+1)

	for name, v := range fields {
		f, ok := info.Field(name)
		if !ok {
			if !info.Open {
				return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "%s has no property %q", info.TypeName, name)
			}

			out[name] = v

			continue
		}

		if f.ReadOnly {
			continue
		}

		wire := f.WireName(p)
		if wire == "" {
			return nil, sdkerr.NewClientError(sdkerr.ErrUnsupportedProtocol, "%s.%s cannot be written over %s",
				info.TypeName, name, p)
		}

		out[wire] = v
	}

	if p == meta.ProtocolREST && info.RESTType != "" {
		out["__metadata"] = map[string]string{"type": info.RESTType}
	}

	return json.Marshal(out)
}

func template(e meta.Endpoints, v Verb) string {
	switch v {
	case VerbGet:
		return e.Get
	case VerbList:
		return e.List
	case VerbAdd:
		return firstNonEmpty(e.Add, e.List)
	case VerbUpdate:
		return firstNonEmpty(e.Update, e.Get)
	case VerbDelete:
		return firstNonEmpty(e.Delete, e.Get)
	default:
		return ""
	}
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}

	return ""
}

func newCall(p meta.Protocol, v Verb, method, path string) *Call {
	return &Call{
		Protocol:      p,
		Verb:          v,
		Method:        method,
		Path:          path,
		Header:        http.Header{},
		CorrelationID: uuid.NewString(),
	}
}
