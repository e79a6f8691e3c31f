package query

// FieldRef starts a predicate on one model property.
type FieldRef struct {
	name string
}

// Field refers to the model property called name.
func Field(name string) FieldRef {
	return FieldRef{name: name}
}

// Eq builds `field eq v`. A nil v compares against null.
func (f FieldRef) Eq(v any) Expr { return &Comparison{Field: f.name, Op: OpEq, Value: v} }

// Ne builds `field ne v`.
func (f FieldRef) Ne(v any) Expr { return &Comparison{Field: f.name, Op: OpNe, Value: v} }

// Gt builds `field gt v`.
func (f FieldRef) Gt(v any) Expr { return &Comparison{Field: f.name, Op: OpGt, Value: v} }

// Ge builds `field ge v`.
func (f FieldRef) Ge(v any) Expr { return &Comparison{Field: f.name, Op: OpGe, Value: v} }

// Lt builds `field lt v`.
func (f FieldRef) Lt(v any) Expr { return &Comparison{Field: f.name, Op: OpLt, Value: v} }

// Le builds `field le v`.
func (f FieldRef) Le(v any) Expr { return &Comparison{Field: f.name, Op: OpLe, Value: v} }

// Contains matches string fields containing s.
func (f FieldRef) Contains(s string) Expr {
	return &MethodCall{Name: MethodContains, Field: f.name, Args: []any{s}}
}

// StartsWith matches string fields with prefix s.
func (f FieldRef) StartsWith(s string) Expr {
	return &MethodCall{Name: MethodStartsWith, Field: f.name, Args: []any{s}}
}

// Call applies the named query operator to field. Only the Method*
// names are translatable; others fail at translation time.
func Call(name, field string, args ...any) Expr {
	return &MethodCall{Name: name, Field: field, Args: args}
}

// And is the conjunction of exprs.
func And(exprs ...Expr) Expr { return &Logical{Op: OpAnd, Operands: exprs} }

// Or is the disjunction of exprs.
func Or(exprs ...Expr) Expr { return &Logical{Op: OpOr, Operands: exprs} }

// Not negates e.
func Not(e Expr) Expr { return &Negation{Operand: e} }

// Selector names a property to load. A selector with nested selectors
// loads a related entity or collection with its own sub-selection.
type Selector struct {
	Field  string
	Nested []Selector
}

// Prop selects a single property.
func Prop(name string) Selector {
	return Selector{Field: name}
}

// Props selects several properties.
func Props(names ...string) []Selector {
	out := make([]Selector, len(names))
	for i, n := range names {
		out[i] = Prop(n)
	}

	return out
}

// Expand selects a navigation property and the properties to load on the
// related entities.
func Expand(name string, nested ...Selector) Selector {
	if nested == nil {
		nested = []Selector{}
	}

	return Selector{Field: name, Nested: nested}
}

// Order is one sort key.
type Order struct {
	Field string
	Desc  bool
}

// Asc sorts ascending by field.
func Asc(field string) Order { return Order{Field: field} }

// Desc sorts descending by field.
func Desc(field string) Order { return Order{Field: field, Desc: true} }

// Spec is the raw, untranslated shape of a query.
type Spec struct {
	Filter  Expr
	Select  []Selector
	OrderBy []Order
	Top     int
	Skip    int
}

// Clone returns a copy whose slices can be appended to independently.
func (s Spec) Clone() Spec {
	out := s
	out.Select = append([]Selector(nil), s.Select...)
	out.OrderBy = append([]Order(nil), s.OrderBy...)

	return out
}

// AndFilter narrows the spec's filter with e.
func (s Spec) AndFilter(e Expr) Spec {
	out := s.Clone()
	if out.Filter == nil {
		out.Filter = e
	} else {
		out.Filter = And(out.Filter, e)
	}

	return out
}
