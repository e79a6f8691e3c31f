// Package query turns fluent filter, selector and ordering expressions into
// a protocol-neutral request descriptor and renders that descriptor as
// OData query parameters. Only a fixed set of node kinds exists; anything
// the translator cannot map onto the wire fails instead of falling back to
// client-side evaluation.
package query

// Expr is a node of a filter expression tree.
type Expr interface {
	exprNode()
}

// Op is a binary comparison operator.
type Op string

// Comparison operators, spelled as in OData.
const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpGt Op = "gt"
	OpGe Op = "ge"
	OpLt Op = "lt"
	OpLe Op = "le"
)

// LogicalOp joins several expressions.
type LogicalOp string

// Logical operators.
const (
	OpAnd LogicalOp = "and"
	OpOr  LogicalOp = "or"
)

// Names of the recognized query methods.
const (
	MethodContains   = "Contains"
	MethodStartsWith = "StartsWith"
)

// Comparison is `Field Op Value`.
type Comparison struct {
	Field string
	Op    Op
	Value any
}

func (*Comparison) exprNode() {}

// Logical is a conjunction or disjunction of its operands.
type Logical struct {
	Op       LogicalOp
	Operands []Expr
}

func (*Logical) exprNode() {}

// Negation inverts its operand.
type Negation struct {
	Operand Expr
}

func (*Negation) exprNode() {}

// MethodCall is a named query operator applied to a field, such as
// Contains or StartsWith.
type MethodCall struct {
	Name  string
	Field string
	Args  []any
}

func (*MethodCall) exprNode() {}
