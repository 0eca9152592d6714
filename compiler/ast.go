// Package compiler translates source forms into executable chunks for
// the register machine. The front end (reader/parser) lives outside
// this module; it hands over forms as the Node tree defined here.
package compiler

import "github.com/chazu/lumen/vm"

// Node is one source form. Every node carries the position of its
// first character for error reporting and line tables.
type Node interface {
	Pos() vm.Position
}

// Symbol is an identifier reference.
type Symbol struct {
	Name string
	P    vm.Position
}

func (n Symbol) Pos() vm.Position { return n.P }

// Keyword is a self-evaluating interned name, written :name.
type Keyword struct {
	Name string
	P    vm.Position
}

func (n Keyword) Pos() vm.Position { return n.P }

// Number is a numeric literal. IsInt selects between Int and Float.
type Number struct {
	IsInt bool
	Int   int64
	Float float64
	P     vm.Position
}

func (n Number) Pos() vm.Position { return n.P }

// Str is a string literal.
type Str struct {
	Value string
	P     vm.Position
}

func (n Str) Pos() vm.Position { return n.P }

// Bool is a boolean literal.
type Bool struct {
	Value bool
	P     vm.Position
}

func (n Bool) Pos() vm.Position { return n.P }

// NilLit is the nil literal.
type NilLit struct {
	P vm.Position
}

func (n NilLit) Pos() vm.Position { return n.P }

// List is a parenthesized form: a call or special form when evaluated,
// a proper list when quoted.
type List struct {
	Items []Node
	P     vm.Position
}

func (n List) Pos() vm.Position { return n.P }

// Vector is a square-bracket literal.
type Vector struct {
	Items []Node
	P     vm.Position
}

func (n Vector) Pos() vm.Position { return n.P }

// MapNode is a brace literal. Keys and Vals run in parallel.
type MapNode struct {
	Keys []Node
	Vals []Node
	P    vm.Position
}

func (n MapNode) Pos() vm.Position { return n.P }

// SetNode is a #{...} literal.
type SetNode struct {
	Items []Node
	P     vm.Position
}

func (n SetNode) Pos() vm.Position { return n.P }

// ---------------------------------------------------------------------------
// Construction helpers
// ---------------------------------------------------------------------------

// Sym builds a symbol node with no position.
func Sym(name string) Symbol { return Symbol{Name: name} }

// Key builds a keyword node with no position.
func Key(name string) Keyword { return Keyword{Name: name} }

// Int builds an integer literal.
func Int(v int64) Number { return Number{IsInt: true, Int: v} }

// Float builds a float literal.
func Float(v float64) Number { return Number{Float: v} }

// String builds a string literal.
func String(v string) Str { return Str{Value: v} }

// Form builds a list form from items.
func Form(items ...Node) List { return List{Items: items} }

// Vec builds a vector literal from items.
func Vec(items ...Node) Vector { return Vector{Items: items} }
