// Package ast defines the FHIRPath expression tree produced by the Pratt
// parser in internal/parser and walked by the evaluator.
package ast

import "github.com/fhirpath-go/fhirpath/internal/lexer"

// Span locates a node in the original source text.
type Span = lexer.Span

// Node is any expression-tree node. All concrete node types embed Span and
// implement node() as a marker so only this package's types satisfy Node.
type Node interface {
	node()
	Location() Span
}

type base struct{ Span Span }

func (base) node()              {}
func (b base) Location() Span   { return b.Span }

// LiteralKind tags the payload type carried by a Literal node.
type LiteralKind uint8

const (
	LitNull LiteralKind = iota
	LitBoolean
	LitString
	LitInteger
	LitLong
	LitDecimal
	LitDate
	LitDateTime
	LitTime
	LitQuantity
)

// Literal is a typed literal value: true, 1, 1.5, 'str', @2023, 5 'mg', {}.
type Literal struct {
	base
	Kind  LiteralKind
	Text  string // raw lexeme, e.g. "1.50", "'hello'", "@2023-01-01"
	Unit  string // for LitQuantity: the unit text (quoted or bare keyword)
}

// Identifier is a bare name: Patient, name, `where`.
type Identifier struct {
	base
	Name       string
	Delimited  bool // came from a backtick-quoted identifier
}

// VariableKind distinguishes $this/$index/$total from %x user/env variables.
type VariableKind uint8

const (
	VarSystem VariableKind = iota
	VarEnv
)

// Variable is a $name or %name reference.
type Variable struct {
	base
	Kind VariableKind
	Name string // without the leading $ or %; %-quoted forms keep their inner text
}

// PropertyAccess is `object.property`.
type PropertyAccess struct {
	base
	Object   Node
	Property *Identifier
}

// IndexAccess is `object[index]`.
type IndexAccess struct {
	base
	Object Node
	Index  Node
}

// FunctionCall is a bare `name(args...)` invocation (no receiver).
type FunctionCall struct {
	base
	Name string
	Args []Node
}

// MethodCall is `object.method(args...)`.
type MethodCall struct {
	base
	Object Node
	Method string
	Args   []Node
	// SortDirections, parallel to Args, is populated only for sort()'s
	// `asc`/`desc` argument modifier; empty otherwise.
	SortDirections []SortDirection
}

// SortDirection is the optional asc/desc modifier on a sort() argument.
type SortDirection uint8

const (
	SortNone SortDirection = iota
	SortAsc
	SortDesc
)

// BinaryOperator enumerates every FHIRPath infix operator.
type BinaryOperator uint8

const (
	Add BinaryOperator = iota
	Subtract
	Multiply
	Divide
	IntegerDivide
	Modulo
	Concatenate
	Equal
	NotEqual
	Equivalent
	NotEquivalent
	LessThan
	LessThanOrEqual
	GreaterThan
	GreaterThanOrEqual
	And
	Or
	Xor
	Implies
	Union
	In
	Contains
	Is
	As
)

func (op BinaryOperator) String() string {
	names := [...]string{
		"+", "-", "*", "/", "div", "mod", "&",
		"=", "!=", "~", "!~", "<", "<=", ">", ">=",
		"and", "or", "xor", "implies", "|", "in", "contains", "is", "as",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return "?"
}

// BinaryOp is a binary operator expression. The parser never builds a
// BinaryOp for Is/As: it produces TypeCheck/TypeCast nodes instead, whose
// Type field carries the right-hand type name.
type BinaryOp struct {
	base
	Operator BinaryOperator
	Left     Node
	Right    Node
}

// UnaryOperator enumerates FHIRPath's prefix operators.
type UnaryOperator uint8

const (
	Not UnaryOperator = iota
	Negate
	Positive
)

// UnaryOp is a prefix operator expression: not x, -x, +x.
type UnaryOp struct {
	base
	Operator UnaryOperator
	Operand  Node
}

// Collection is a `{a, b, c}` collection literal.
type Collection struct {
	base
	Elements []Node
}

// Parenthesized is `(inner)`, kept as a distinct node only so source spans
// and round-trip printing stay faithful; evaluation passes through.
type Parenthesized struct {
	base
	Inner Node
}

// TypeSpecifier is a (possibly namespaced, possibly backtick-escaped) type
// name: Patient, FHIR.Patient, System.Integer, `where`.
type TypeSpecifier struct {
	Namespace string // "" if unqualified
	Name      string
}

func (t TypeSpecifier) String() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// TypeCheck is `expression is Type`.
type TypeCheck struct {
	base
	Expression Node
	Type       TypeSpecifier
}

// TypeCast is `expression as Type`.
type TypeCast struct {
	base
	Expression Node
	Type       TypeSpecifier
}

// EntireExpression is the root of a fully parsed program: exactly one
// expression followed by EOF.
type EntireExpression struct {
	base
	Root Node
}
