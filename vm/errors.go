package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Source positions
// ---------------------------------------------------------------------------

// Position is a 1-based source location supplied by the external
// reader. The zero Position means "unknown".
type Position struct {
	Line   int
	Column int
}

// IsZero returns true when the position is unknown.
func (p Position) IsZero() bool {
	return p.Line == 0 && p.Column == 0
}

func (p Position) String() string {
	if p.IsZero() {
		return "?:?"
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// ---------------------------------------------------------------------------
// Compile-time errors
// ---------------------------------------------------------------------------

// CompileError reports a malformed form detected during lowering. It
// never reaches the interpreter.
type CompileError struct {
	Pos     Position
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error at %s: %s", e.Pos, e.Message)
}

// NewCompileError creates a CompileError at pos.
func NewCompileError(pos Position, format string, args ...interface{}) *CompileError {
	return &CompileError{Pos: pos, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// ErrorKind classifies a runtime error.
type ErrorKind int

const (
	// TypeError covers wrong arity and wrong operand/argument types.
	TypeError ErrorKind = iota
	// UnboundSymbol is a reference to a global with no binding.
	UnboundSymbol
	// UserError is raised by the language's own throw form and carries
	// attached data.
	UserError
)

func (k ErrorKind) String() string {
	switch k {
	case TypeError:
		return "type-error"
	case UnboundSymbol:
		return "unbound-symbol"
	case UserError:
		return "user-error"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// RuntimeError is an error raised during execution. It unwinds the
// raising task's frame stack looking for a try handler; unhandled, it
// terminates the task.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
	Pos     Position
	Data    Value // attached data for user errors; Nil otherwise
}

func (e *RuntimeError) Error() string {
	if e.Pos.IsZero() {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Pos, e.Message)
}

func newTypeError(pos Position, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{Kind: TypeError, Message: fmt.Sprintf(format, args...), Pos: pos, Data: Nil}
}

func newUnboundError(pos Position, name string) *RuntimeError {
	return &RuntimeError{Kind: UnboundSymbol, Message: fmt.Sprintf("unable to resolve symbol %q", name), Pos: pos, Data: Nil}
}

func newUserError(pos Position, message string, data Value) *RuntimeError {
	return &RuntimeError{Kind: UserError, Message: message, Pos: pos, Data: data}
}

// arityError reports a call with the wrong number of arguments, naming
// expected versus actual counts.
func arityError(pos Position, name string, expected string, actual int) *RuntimeError {
	return newTypeError(pos, "%s expects %s arguments, got %d", name, expected, actual)
}

// ---------------------------------------------------------------------------
// Contract violations
// ---------------------------------------------------------------------------

// ErrFutureDoubleCompletion is returned when completing an already
// resolved future. It is a programming defect: it bypasses try
// handlers and kills the offending task.
var ErrFutureDoubleCompletion = errors.New("future already resolved")

// GCInvariantViolation is panicked when collection bookkeeping
// disagrees with reachability. It must never occur in a correct build
// and is not surfaced as a language-level error.
type GCInvariantViolation struct {
	Message string
}

func (e GCInvariantViolation) Error() string {
	return "gc invariant violation: " + e.Message
}
