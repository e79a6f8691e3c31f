// Package meta holds the static descriptor tables that map model types onto
// their wire endpoints and per-protocol field names. Tables are registered
// once at package init by the domain packages and are read-only afterwards,
// so lookups need no locking.
package meta

import (
	"errors"
	"fmt"
)

// Protocol identifies the wire protocol a call is issued over.
type Protocol int

// Supported protocols.
const (
	ProtocolREST Protocol = iota + 1
	ProtocolGraph
	ProtocolGraphBeta
	ProtocolCSOM
)

func (p Protocol) String() string {
	switch p {
	case ProtocolREST:
		return "sharepoint-rest"
	case ProtocolGraph:
		return "graph"
	case ProtocolGraphBeta:
		return "graph-beta"
	case ProtocolCSOM:
		return "csom"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// IsGraph reports whether p is one of the Microsoft Graph endpoints.
func (p Protocol) IsGraph() bool {
	return p == ProtocolGraph || p == ProtocolGraphBeta
}

// FieldType is the Go-side representation a wire value is converted into.
type FieldType int

// Field types.
const (
	TypeString FieldType = iota + 1
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeGUID
	TypeJSON
	TypeEntity
	TypeCollection
)

// IsScalar reports whether values of this type can appear in a filter.
func (t FieldType) IsScalar() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeGUID:
		return true
	default:
		return false
	}
}

// FieldInfo describes one model property. An empty wire name means the
// property is not available over that protocol.
type FieldInfo struct {
	Name      string
	RESTName  string
	GraphName string
	CSOMName  string
	Type      FieldType
	Target    string // related TypeName for TypeEntity / TypeCollection
	Required  bool   // must be set before Add
	ReadOnly  bool   // never serialized into create or update bodies
}

// WireName returns the field name used by protocol p, or "" when the field
// is not exposed there.
func (f *FieldInfo) WireName(p Protocol) string {
	switch p {
	case ProtocolREST:
		return f.RESTName
	case ProtocolGraph, ProtocolGraphBeta:
		return f.GraphName
	case ProtocolCSOM:
		return f.CSOMName
	default:
		return ""
	}
}

// IsNavigation reports whether the field points at another entity or a
// collection of entities.
func (f *FieldInfo) IsNavigation() bool {
	return f.Type == TypeEntity || f.Type == TypeCollection
}

// Endpoints holds the URL templates of one protocol. Templates contain
// {Token} placeholders resolved against the live object graph.
type Endpoints struct {
	Get    string
	List   string
	Add    string
	Update string
	Delete string
}

// IsZero reports whether no endpoint is defined.
func (e Endpoints) IsZero() bool {
	return e == Endpoints{}
}

// StepKind is the kind of one CSOM object path step.
type StepKind int

// CSOM path step kinds.
const (
	StepStaticMethod StepKind = iota + 1
	StepStaticProperty
	StepMethod
	StepProperty
)

// PathStep describes one hop of the CSOM object path that reaches an
// entity. Params are templates resolved like endpoint templates; a param
// wrapped as "guid:{Token}" is sent as a Guid parameter.
type PathStep struct {
	Kind   StepKind
	Name   string
	TypeID string
	Params []string
}

// EntityInfo is the descriptor of one model type.
type EntityInfo struct {
	TypeName  string
	KeyField  string
	RESTType  string // SharePoint entity type name used in create bodies
	Fields    []FieldInfo
	REST      Endpoints
	Graph     Endpoints
	GraphBeta bool
	CSOMPath  []PathStep

	// Open types keep wire properties without a declared field under
	// their wire name, for schemas defined per instance such as list
	// item columns.
	Open bool

	byName map[string]*FieldInfo
	byWire map[Protocol]map[string]*FieldInfo
}

// Field returns the descriptor of the named property.
func (e *EntityInfo) Field(name string) (*FieldInfo, bool) {
	f, ok := e.byName[name]
	return f, ok
}

// FieldByWire returns the property exposed under wire name on protocol p.
func (e *EntityInfo) FieldByWire(p Protocol, wire string) (*FieldInfo, bool) {
	if p == ProtocolGraphBeta {
		p = ProtocolGraph
	}

	f, ok := e.byWire[p][wire]

	return f, ok
}

// Key returns the descriptor of the key property.
func (e *EntityInfo) Key() *FieldInfo {
	return e.byName[e.KeyField]
}

// Endpoints returns the templates for protocol p.
func (e *EntityInfo) Endpoints(p Protocol) Endpoints {
	switch p {
	case ProtocolREST:
		return e.REST
	case ProtocolGraph, ProtocolGraphBeta:
		return e.Graph
	default:
		return Endpoints{}
	}
}

// Supports reports whether the entity can be reached over protocol p.
func (e *EntityInfo) Supports(p Protocol) bool {
	switch p {
	case ProtocolREST:
		return !e.REST.IsZero()
	case ProtocolGraph:
		return !e.Graph.IsZero()
	case ProtocolGraphBeta:
		return !e.Graph.IsZero() && e.GraphBeta
	case ProtocolCSOM:
		return len(e.CSOMPath) > 0
	default:
		return false
	}
}

// GraphProtocol returns the Graph flavor this entity is served from.
func (e *EntityInfo) GraphProtocol() Protocol {
	if e.GraphBeta {
		return ProtocolGraphBeta
	}

	return ProtocolGraph
}

// Errors returned by Register.
var (
	ErrDuplicateType  = errors.New("meta: type already registered")
	ErrInvalidEntity  = errors.New("meta: invalid entity descriptor")
	ErrDuplicateField = errors.New("meta: duplicate field")
)

// registry is populated from package init functions only.
var registry = map[string]*EntityInfo{}

// Register validates info, builds its lookup indexes and adds it to the
// registry.
func Register(info *EntityInfo) (*EntityInfo, error) {
	if info.TypeName == "" {
		return nil, fmt.Errorf("%w: empty type name", ErrInvalidEntity)
	}

	if _, exists := registry[info.TypeName]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateType, info.TypeName)
	}

	if err := info.index(); err != nil {
		return nil, err
	}

	registry[info.TypeName] = info

	return info, nil
}

// MustRegister is Register for package-level descriptor variables.
func MustRegister(info *EntityInfo) *EntityInfo {
	out, err := Register(info)
	if err != nil {
		panic(err)
	}

	return out
}

// Lookup returns the descriptor registered under typeName.
func Lookup(typeName string) (*EntityInfo, bool) {
	info, ok := registry[typeName]
	return info, ok
}

func (e *EntityInfo) index() error {
	e.byName = make(map[string]*FieldInfo, len(e.Fields))
	e.byWire = map[Protocol]map[string]*FieldInfo{
		ProtocolREST:  {},
		ProtocolGraph: {},
		ProtocolCSOM:  {},
	}

	for i := range e.Fields {
		f := &e.Fields[i]
		if f.Name == "" || f.Type == 0 {
			return fmt.Errorf("%w: %s has a field without name or type", ErrInvalidEntity, e.TypeName)
		}

		if _, dup := e.byName[f.Name]; dup {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateField, e.TypeName, f.Name)
		}

		e.byName[f.Name] = f

		for _, p := range []Protocol{ProtocolREST, ProtocolGraph, ProtocolCSOM} {
			wire := f.WireName(p)
			if wire == "" {
				continue
			}

			if _, dup := e.byWire[p][wire]; dup {
				return fmt.Errorf("%w: %s wire name %q on %s", ErrDuplicateField, e.TypeName, wire, p)
			}

			e.byWire[p][wire] = f
		}
	}

	if _, ok := e.byName[e.KeyField]; !ok {
		return fmt.Errorf("%w: %s key field %q is not declared", ErrInvalidEntity, e.TypeName, e.KeyField)
	}

	return nil
}
