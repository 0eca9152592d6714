package vm

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// ConstKind identifies a constant pool entry's type.
type ConstKind int

const (
	ConstNil ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
	ConstSymbol
	ConstKeyword
	ConstList
	ConstVector
	ConstChunk
)

// Constant is a self-describing constant pool entry. Entries carry
// names rather than interned IDs so chunks stay independent of any
// particular VM instance; the interpreter materializes them to Values
// at load time.
type Constant struct {
	Kind  ConstKind
	Bool  bool
	Int   int64
	Float float64
	Str   string     // string content, or symbol/keyword name
	Items []Constant // list and vector elements
	Fn    *Chunk     // closure template
}

// Equal reports whether two constants are interchangeable in a pool.
// Composite constants never merge.
func (c Constant) Equal(o Constant) bool {
	if c.Kind != o.Kind {
		return false
	}
	switch c.Kind {
	case ConstNil:
		return true
	case ConstBool:
		return c.Bool == o.Bool
	case ConstInt:
		return c.Int == o.Int
	case ConstFloat:
		return c.Float == o.Float
	case ConstString, ConstSymbol, ConstKeyword:
		return c.Str == o.Str
	}
	return false
}

// ---------------------------------------------------------------------------
// Chunk: compiled code unit
// ---------------------------------------------------------------------------

// LineEntry maps the start of an instruction to its source position.
type LineEntry struct {
	PC  int
	Pos Position
}

// Chunk is an immutable compiled code unit: a linear instruction
// sequence, its constant pool, and arity metadata. Once compiled it is
// safely shared by any number of closures and tasks.
type Chunk struct {
	Name         string
	Code         []byte
	Constants    []Constant
	NumParams    int  // required parameter count
	Variadic     bool // extra arguments collected into a rest list
	SelfRef      bool // register 0 holds the closure itself (named fn)
	NumRegisters int
	UpvalueCount int
	Lines        []LineEntry // sorted by PC
}

// PosAt returns the source position of the instruction starting at pc,
// or the nearest preceding entry.
func (c *Chunk) PosAt(pc int) Position {
	if len(c.Lines) == 0 {
		return Position{}
	}
	i := sort.Search(len(c.Lines), func(i int) bool {
		return c.Lines[i].PC > pc
	})
	if i == 0 {
		return c.Lines[0].Pos
	}
	return c.Lines[i-1].Pos
}

// arityString describes the accepted argument count for error messages.
func (c *Chunk) arityString() string {
	if c.Variadic {
		return fmt.Sprintf("at least %d", c.NumParams)
	}
	return fmt.Sprintf("%d", c.NumParams)
}

// Disassemble returns a human-readable listing of the chunk and every
// nested chunk in its constant pool.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder
	name := c.Name
	if name == "" {
		name = "<anonymous>"
	}
	fmt.Fprintf(&sb, "== %s (params=%d variadic=%v regs=%d upvals=%d) ==\n",
		name, c.NumParams, c.Variadic, c.NumRegisters, c.UpvalueCount)
	sb.WriteString(Disassemble(c.Code))
	for i, k := range c.Constants {
		if k.Kind == ConstChunk && k.Fn != nil {
			fmt.Fprintf(&sb, "\n-- constant %d --\n%s", i, k.Fn.Disassemble())
		}
	}
	return sb.String()
}
