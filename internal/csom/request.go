// Package csom encodes SharePoint client-side object model requests and
// decodes their positional JSON-array responses.
//
// A request is a list of ObjectPaths (how to reach an object) and a list of
// Actions applied to them. Both share one ID sequence handed out by an
// IDProvider; the server echoes action IDs back in its response array and
// results are matched on those IDs alone.
package csom

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Namespace and version attributes of the Request root element.
const (
	Namespace       = "http://schemas.microsoft.com/sharepoint/clientquery/2009"
	SchemaVersion   = "15.0.0.0"
	LibraryVersion  = "16.0.0.0"
	ApplicationName = "m365-go"
)

// ErrUnknownPath is returned when an action or method references an
// ObjectPath id that has not been emitted earlier in the same request.
var ErrUnknownPath = errors.New("csom: reference to undeclared object path")

// IDProvider hands out the strictly increasing ids shared by ObjectPaths and
// Actions. The first id is 1. A provider may be shared by several
// operations so that a combined request stays gap-free and unique.
type IDProvider struct {
	last int
}

// NewIDProvider returns a provider whose first id is 1.
func NewIDProvider() *IDProvider {
	return &IDProvider{}
}

// Next returns the next id.
func (p *IDProvider) Next() int {
	p.last++
	return p.last
}

// Last returns the most recently issued id, or 0.
func (p *IDProvider) Last() int {
	return p.last
}

// Param is a method, constructor or set-property argument. Exactly one of
// Type/Value or PathID is meaningful.
type Param struct {
	Type   string
	Value  string
	PathID int
}

// String is a String parameter.
func String(s string) Param { return Param{Type: "String", Value: s} }

// Bool is a Boolean parameter.
func Bool(b bool) Param { return Param{Type: "Boolean", Value: strconv.FormatBool(b)} }

// Int is an Int32 parameter.
func Int(i int) Param { return Param{Type: "Int32", Value: strconv.Itoa(i)} }

// GUID is a Guid parameter, rendered in braces.
func GUID(id uuid.UUID) Param { return Param{Type: "Guid", Value: "{" + id.String() + "}"} }

// PathRef passes a previously built ObjectPath by reference.
func PathRef(id int) Param { return Param{PathID: id} }

// SelectQuery selects properties of a queried object. An empty query
// selects nothing; SelectAll asks for the server's default property set.
type SelectQuery struct {
	SelectAll  bool
	Properties []QueryProperty
}

// QueryProperty is one requested property. Navigation properties set
// SelectAll to load the related object with its default properties.
type QueryProperty struct {
	Name      string
	SelectAll bool
}

// Request accumulates ObjectPaths and Actions in emission order.
type Request struct {
	ids     *IDProvider
	actions []string
	paths   []string
	known   map[int]bool
	err     error
}

// NewRequest starts a request drawing ids from ids. A nil provider gets a
// fresh one.
func NewRequest(ids *IDProvider) *Request {
	if ids == nil {
		ids = NewIDProvider()
	}

	return &Request{ids: ids, known: make(map[int]bool)}
}

// IDs returns the provider the request draws from.
func (r *Request) IDs() *IDProvider {
	return r.ids
}

// Len returns the number of actions emitted so far.
func (r *Request) Len() int {
	return len(r.actions)
}

// Err returns the first reference error recorded while building.
func (r *Request) Err() error {
	return r.err
}

// StaticMethod adds a static method invocation on the type typeID.
func (r *Request) StaticMethod(typeID, name string, params ...Param) int {
	id := r.ids.Next()
	r.addPath(id, fmt.Sprintf(`<StaticMethod Id="%d" Name="%s" TypeId="%s"`, id, esc(name), esc(typeID)), params)

	return id
}

// StaticProperty adds a static property access on the type typeID.
func (r *Request) StaticProperty(typeID, name string) int {
	id := r.ids.Next()
	r.addPath(id, fmt.Sprintf(`<StaticProperty Id="%d" TypeId="%s" Name="%s"`, id, esc(typeID), esc(name)), nil)

	return id
}

// Method adds an instance method invocation on the object at parent.
func (r *Request) Method(parent int, name string, params ...Param) int {
	r.checkPath(parent)

	id := r.ids.Next()
	r.addPath(id, fmt.Sprintf(`<Method Id="%d" ParentId="%d" Name="%s"`, id, parent, esc(name)), params)

	return id
}

// Property adds navigation to a named property of the object at parent.
func (r *Request) Property(parent int, name string) int {
	r.checkPath(parent)

	id := r.ids.Next()
	r.addPath(id, fmt.Sprintf(`<Property Id="%d" ParentId="%d" Name="%s"`, id, parent, esc(name)), nil)

	return id
}

// Constructor instantiates the type typeID on the server.
func (r *Request) Constructor(typeID string, params ...Param) int {
	id := r.ids.Next()
	r.addPath(id, fmt.Sprintf(`<Constructor Id="%d" TypeId="%s"`, id, esc(typeID)), params)

	return id
}

// ObjectPath registers path for use by later actions without querying it.
func (r *Request) ObjectPath(path int) int {
	r.checkPath(path)

	id := r.ids.Next()
	r.actions = append(r.actions, fmt.Sprintf(`<ObjectPath Id="%d" ObjectPathId="%d" />`, id, path))

	return id
}

// IdentityQuery asks for the server identity of the object at path.
func (r *Request) IdentityQuery(path int) int {
	r.checkPath(path)

	id := r.ids.Next()
	r.actions = append(r.actions, fmt.Sprintf(`<ObjectIdentityQuery Id="%d" ObjectPathId="%d" />`, id, path))

	return id
}

// Query loads properties of the object at path. child, when non-nil, also
// enumerates the object as a collection with the given item selection; the
// items come back under "_Child_Items_".
func (r *Request) Query(path int, q SelectQuery, child *SelectQuery) int {
	r.checkPath(path)

	id := r.ids.Next()

	var b strings.Builder

	fmt.Fprintf(&b, `<Query Id="%d" ObjectPathId="%d">`, id, path)
	writeSelect(&b, "Query", q)

	if child != nil {
		writeSelect(&b, "ChildItemQuery", *child)
	}

	b.WriteString(`</Query>`)
	r.actions = append(r.actions, b.String())

	return id
}

// SetProperty assigns value to the named property of the object at path.
func (r *Request) SetProperty(path int, name string, value Param) int {
	r.checkPath(path)

	id := r.ids.Next()

	var b strings.Builder

	fmt.Fprintf(&b, `<SetProperty Id="%d" ObjectPathId="%d" Name="%s">`, id, path, esc(name))
	r.writeParam(&b, value)
	b.WriteString(`</SetProperty>`)
	r.actions = append(r.actions, b.String())

	return id
}

// CallMethod invokes a method on the object at path for its side effect.
// Methods whose result is used later are built with Method instead.
func (r *Request) CallMethod(path int, name string, params ...Param) int {
	r.checkPath(path)

	id := r.ids.Next()

	var b strings.Builder

	fmt.Fprintf(&b, `<Method Name="%s" Id="%d" ObjectPathId="%d"`, esc(name), id, path)
	r.closeWithParams(&b, "Method", params)
	r.actions = append(r.actions, b.String())

	return id
}

// XML renders the request document.
func (r *Request) XML() (string, error) {
	if r.err != nil {
		return "", r.err
	}

	var b strings.Builder

	fmt.Fprintf(&b, `<Request xmlns="%s" SchemaVersion="%s" LibraryVersion="%s" ApplicationName="%s">`,
		Namespace, SchemaVersion, LibraryVersion, ApplicationName)
	b.WriteString(`<Actions>`)

	for _, a := range r.actions {
		b.WriteString(a)
	}

	b.WriteString(`</Actions><ObjectPaths>`)

	for _, p := range r.paths {
		b.WriteString(p)
	}

	b.WriteString(`</ObjectPaths></Request>`)

	return b.String(), nil
}

func (r *Request) addPath(id int, open string, params []Param) {
	var b strings.Builder

	b.WriteString(open)

	tag := open[1:strings.IndexByte(open, ' ')]
	r.closeWithParams(&b, tag, params)
	r.paths = append(r.paths, b.String())
	r.known[id] = true
}

// closeWithParams finishes an opened element: self-closing when there are
// no parameters, otherwise with a <Parameters> child.
func (r *Request) closeWithParams(b *strings.Builder, tag string, params []Param) {
	if len(params) == 0 {
		b.WriteString(` />`)
		return
	}

	b.WriteString(`><Parameters>`)

	for _, p := range params {
		r.writeParam(b, p)
	}

	fmt.Fprintf(b, `</Parameters></%s>`, tag)
}

func (r *Request) writeParam(b *strings.Builder, p Param) {
	if p.PathID != 0 {
		r.checkPath(p.PathID)
		fmt.Fprintf(b, `<Parameter ObjectPathId="%d" />`, p.PathID)

		return
	}

	fmt.Fprintf(b, `<Parameter Type="%s">%s</Parameter>`, esc(p.Type), esc(p.Value))
}

func (r *Request) checkPath(id int) {
	if r.err == nil && !r.known[id] {
		r.err = fmt.Errorf("%w: %d", ErrUnknownPath, id)
	}
}

func writeSelect(b *strings.Builder, tag string, q SelectQuery) {
	fmt.Fprintf(b, `<%s SelectAllProperties="%t">`, tag, q.SelectAll)

	if len(q.Properties) == 0 {
		b.WriteString(`<Properties />`)
	} else {
		b.WriteString(`<Properties>`)

		for _, p := range q.Properties {
			if p.SelectAll {
				fmt.Fprintf(b, `<Property Name="%s" SelectAll="true" />`, esc(p.Name))
			} else {
				fmt.Fprintf(b, `<Property Name="%s" ScalarProperty="true" />`, esc(p.Name))
			}
		}

		b.WriteString(`</Properties>`)
	}

	fmt.Fprintf(b, `</%s>`, tag)
}

func esc(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))

	return b.String()
}
