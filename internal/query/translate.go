package query

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/m365-go/internal/meta"
	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// Descriptor is a validated, protocol-neutral query against one entity
// type. Filter values are normalized: integers to int64, floats to
// float64, GUIDs to uuid.UUID.
type Descriptor struct {
	Info    *meta.EntityInfo
	Fields  []string
	Expand  []*Expansion
	Filter  Expr
	OrderBy []Order
	Top     int
	Skip    int
}

// Expansion is a navigation property loaded together with its parent.
type Expansion struct {
	Field string
	*Descriptor
}

// SelectsAll reports whether no explicit selection was made, meaning the
// server's default property set is requested.
func (d *Descriptor) SelectsAll() bool {
	return len(d.Fields) == 0 && len(d.Expand) == 0
}

// Translate validates spec against info and produces its descriptor.
// Every failure wraps sdkerr.ErrUnsupportedExpression.
func Translate(info *meta.EntityInfo, spec Spec) (*Descriptor, error) {
	if info == nil {
		return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "entity descriptor is nil")
	}

	d, err := translateSelection(info, spec.Select)
	if err != nil {
		return nil, err
	}

	if spec.Filter != nil {
		filter, err := translateExpr(info, spec.Filter)
		if err != nil {
			return nil, err
		}

		d.Filter = filter
	}

	for _, o := range spec.OrderBy {
		f, ok := info.Field(o.Field)
		if !ok {
			return nil, unsupported("orderBy: %s has no property %q", info.TypeName, o.Field)
		}

		if !f.Type.IsScalar() {
			return nil, unsupported("orderBy: %s.%s is not sortable", info.TypeName, o.Field)
		}

		d.OrderBy = append(d.OrderBy, o)
	}

	if spec.Top < 0 || spec.Skip < 0 {
		return nil, unsupported("top/skip must not be negative")
	}

	d.Top = spec.Top
	d.Skip = spec.Skip

	return d, nil
}

func translateSelection(info *meta.EntityInfo, selectors []Selector) (*Descriptor, error) {
	d := &Descriptor{Info: info}
	if len(selectors) == 0 {
		return d, nil
	}

	seen := make(map[string]bool, len(selectors))
	expansions := make(map[string]*Expansion)

	for _, s := range selectors {
		f, ok := info.Field(s.Field)
		if !ok {
			return nil, unsupported("select: %s has no property %q", info.TypeName, s.Field)
		}

		if s.Nested == nil && !f.IsNavigation() {
			if !seen[f.Name] {
				seen[f.Name] = true
				d.Fields = append(d.Fields, f.Name)
			}

			continue
		}

		if !f.IsNavigation() {
			return nil, unsupported("select: %s.%s is not a navigation property and cannot take a nested selection",
				info.TypeName, f.Name)
		}

		target, ok := meta.Lookup(f.Target)
		if !ok {
			return nil, unsupported("select: %s.%s targets unknown type %q", info.TypeName, f.Name, f.Target)
		}

		nested, err := translateSelection(target, s.Nested)
		if err != nil {
			return nil, err
		}

		if prev, dup := expansions[f.Name]; dup {
			mergeDescriptor(prev.Descriptor, nested)
			continue
		}

		exp := &Expansion{Field: f.Name, Descriptor: nested}
		expansions[f.Name] = exp
		d.Expand = append(d.Expand, exp)
	}

	if !seen[info.KeyField] {
		d.Fields = append([]string{info.KeyField}, d.Fields...)
	}

	return d, nil
}

func mergeDescriptor(dst, src *Descriptor) {
	have := make(map[string]bool, len(dst.Fields))
	for _, f := range dst.Fields {
		have[f] = true
	}

	for _, f := range src.Fields {
		if !have[f] {
			dst.Fields = append(dst.Fields, f)
		}
	}

	for _, exp := range src.Expand {
		i := slices.IndexFunc(dst.Expand, func(e *Expansion) bool { return e.Field == exp.Field })
		if i < 0 {
			dst.Expand = append(dst.Expand, exp)
			continue
		}

		mergeDescriptor(dst.Expand[i].Descriptor, exp.Descriptor)
	}
}

func translateExpr(info *meta.EntityInfo, e Expr) (Expr, error) {
	switch n := e.(type) {
	case *Comparison:
		return translateComparison(info, n)
	case *Logical:
		if n.Op != OpAnd && n.Op != OpOr {
			return nil, unsupported("logical operator %q", n.Op)
		}

		if len(n.Operands) == 0 {
			return nil, unsupported("%s without operands", n.Op)
		}

		out := &Logical{Op: n.Op, Operands: make([]Expr, 0, len(n.Operands))}

		for _, op := range n.Operands {
			t, err := translateExpr(info, op)
			if err != nil {
				return nil, err
			}

			out.Operands = append(out.Operands, t)
		}

		if len(out.Operands) == 1 {
			return out.Operands[0], nil
		}

		return out, nil
	case *Negation:
		inner, err := translateExpr(info, n.Operand)
		if err != nil {
			return nil, err
		}

		return &Negation{Operand: inner}, nil
	case *MethodCall:
		return translateMethod(info, n)
	case nil:
		return nil, unsupported("nil expression")
	default:
		return nil, unsupported("expression node %T", e)
	}
}

func translateComparison(info *meta.EntityInfo, c *Comparison) (Expr, error) {
	f, err := filterField(info, c.Field)
	if err != nil {
		return nil, err
	}

	switch c.Op {
	case OpEq, OpNe:
	case OpGt, OpGe, OpLt, OpLe:
		if f.Type == meta.TypeBool || f.Type == meta.TypeGUID {
			return nil, unsupported("operator %s on %s.%s", c.Op, info.TypeName, f.Name)
		}

		if c.Value == nil {
			return nil, unsupported("operator %s against null", c.Op)
		}
	default:
		return nil, unsupported("comparison operator %q", c.Op)
	}

	v, err := normalizeValue(f, c.Value)
	if err != nil {
		return nil, err
	}

	return &Comparison{Field: f.Name, Op: c.Op, Value: v}, nil
}

func translateMethod(info *meta.EntityInfo, m *MethodCall) (Expr, error) {
	switch m.Name {
	case MethodContains, MethodStartsWith:
	default:
		return nil, unsupported("method %q is not a known query operator", m.Name)
	}

	f, err := filterField(info, m.Field)
	if err != nil {
		return nil, err
	}

	if f.Type != meta.TypeString {
		return nil, unsupported("%s on non-string property %s.%s", m.Name, info.TypeName, f.Name)
	}

	if len(m.Args) != 1 {
		return nil, unsupported("%s takes exactly one argument, got %d", m.Name, len(m.Args))
	}

	s, ok := m.Args[0].(string)
	if !ok {
		return nil, unsupported("%s argument must be a string, got %T", m.Name, m.Args[0])
	}

	return &MethodCall{Name: m.Name, Field: f.Name, Args: []any{s}}, nil
}

func filterField(info *meta.EntityInfo, name string) (*meta.FieldInfo, error) {
	f, ok := info.Field(name)
	if !ok {
		return nil, unsupported("filter: %s has no property %q", info.TypeName, name)
	}

	if !f.Type.IsScalar() {
		return nil, unsupported("filter: %s.%s is not a scalar property", info.TypeName, name)
	}

	return f, nil
}

// normalizeValue checks that v fits the field type and converts it to the
// canonical Go representation.
func normalizeValue(f *meta.FieldInfo, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch f.Type {
	case meta.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case meta.TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case meta.TypeInt:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
	case meta.TypeFloat:
		if i, ok := toInt64(v); ok {
			return float64(i), nil
		}

		switch n := v.(type) {
		case float64:
			if !math.IsNaN(n) && !math.IsInf(n, 0) {
				return n, nil
			}
		case float32:
			return float64(n), nil
		}
	case meta.TypeTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case meta.TypeGUID:
		switch g := v.(type) {
		case uuid.UUID:
			return g, nil
		case string:
			if parsed, err := uuid.Parse(g); err == nil {
				return parsed, nil
			}
		}
	}

	return nil, unsupported("value %v (%T) does not fit property %s", v, v, f.Name)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

func unsupported(format string, args ...any) error {
	return sdkerr.NewClientError(sdkerr.ErrUnsupportedExpression, "%s", fmt.Sprintf(format, args...))
}
