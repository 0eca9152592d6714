package vm

import "fmt"

// ---------------------------------------------------------------------------
// Heap object kinds
// ---------------------------------------------------------------------------

// ObjectKind identifies the concrete type of a heap object.
type ObjectKind int

const (
	KindString ObjectKind = iota
	KindCons
	KindVector
	KindMap
	KindSet
	KindClosure
	KindUpvalue
	KindNativeRef
	KindFuture
	KindError
	KindGoroutine
)

func (k ObjectKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindCons:
		return "cons"
	case KindVector:
		return "vector"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindClosure:
		return "closure"
	case KindUpvalue:
		return "upvalue"
	case KindNativeRef:
		return "native"
	case KindFuture:
		return "future"
	case KindError:
		return "error"
	case KindGoroutine:
		return "goroutine"
	}
	return fmt.Sprintf("ObjectKind(%d)", int(k))
}

// Object is the closed set of heap-allocated types. The collector
// switches exhaustively over the concrete types in traverse.
type Object interface {
	Kind() ObjectKind
	heapSize() int
}

const objectHeaderSize = 24

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// StringObject is an immutable string.
type StringObject struct {
	S string
}

func (o *StringObject) Kind() ObjectKind { return KindString }
func (o *StringObject) heapSize() int    { return objectHeaderSize + len(o.S) }

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

// ConsObject is a linked-list cell.
type ConsObject struct {
	Car Value
	Cdr Value
}

func (o *ConsObject) Kind() ObjectKind { return KindCons }
func (o *ConsObject) heapSize() int    { return objectHeaderSize + 16 }

// VectorObject is a fixed-order sequence with O(1) indexing.
type VectorObject struct {
	Items []Value
}

func (o *VectorObject) Kind() ObjectKind { return KindVector }
func (o *VectorObject) heapSize() int    { return objectHeaderSize + 8*len(o.Items) }

// MapObject is a hash map keyed by Value identity (numbers, symbols,
// keywords, bools and nil compare by payload; heap keys by handle).
type MapObject struct {
	Entries map[Value]Value
}

func (o *MapObject) Kind() ObjectKind { return KindMap }
func (o *MapObject) heapSize() int    { return objectHeaderSize + 24*len(o.Entries) }

// SetObject is a hash set with the same key semantics as MapObject.
type SetObject struct {
	Items map[Value]struct{}
}

func (o *SetObject) Kind() ObjectKind { return KindSet }
func (o *SetObject) heapSize() int    { return objectHeaderSize + 16*len(o.Items) }

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

// ClosureObject pairs an immutable chunk with the upvalues captured at
// creation time. Upvalues holds handles to UpvalueObjects.
type ClosureObject struct {
	Chunk    *Chunk
	Upvalues []Value
}

func (o *ClosureObject) Kind() ObjectKind { return KindClosure }
func (o *ClosureObject) heapSize() int    { return objectHeaderSize + 16 + 8*len(o.Upvalues) }

// UpvalueObject is a shared cell for a variable captured by a closure.
// While open it aliases a live register in its owning frame; when that
// frame pops the value is copied into Closed. The open→closed
// transition happens at most once.
type UpvalueObject struct {
	Open   bool
	Regs   []Value // register file of the owning frame, while open
	Index  int     // register index, while open
	Closed Value   // the captured value, once closed
}

func (o *UpvalueObject) Kind() ObjectKind { return KindUpvalue }
func (o *UpvalueObject) heapSize() int    { return objectHeaderSize + 24 }

// Get reads the cell through whichever state it is in.
func (o *UpvalueObject) Get() Value {
	if o.Open {
		return o.Regs[o.Index]
	}
	return o.Closed
}

// Set writes the cell through whichever state it is in.
func (o *UpvalueObject) Set(v Value) {
	if o.Open {
		o.Regs[o.Index] = v
		return
	}
	o.Closed = v
}

// close copies the aliased register onto the heap. Called exactly once,
// when the owning frame pops while the cell is still captured.
func (o *UpvalueObject) close() {
	if !o.Open {
		panic("vm: upvalue closed twice")
	}
	o.Closed = o.Regs[o.Index]
	o.Open = false
	o.Regs = nil
}

// NativeFunc is a host-supplied operation: an opaque function over an
// ordered sequence of values. Errors of type *RuntimeError unwind to
// try handlers; any other error is fatal to the calling task.
type NativeFunc func(vm *VM, args []Value) (Value, error)

// NativeRefObject is a named reference to a native callable.
type NativeRefObject struct {
	Name string
	Fn   NativeFunc
}

func (o *NativeRefObject) Kind() ObjectKind { return KindNativeRef }
func (o *NativeRefObject) heapSize() int    { return objectHeaderSize + len(o.Name) + 8 }

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

// FutureState tracks a future's single-assignment lifecycle.
type FutureState int

const (
	FuturePending FutureState = iota
	FutureCompleted
	FutureFailed
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureCompleted:
		return "completed"
	case FutureFailed:
		return "failed"
	}
	return fmt.Sprintf("FutureState(%d)", int(s))
}

// FutureObject is a single-assignment cell. Result holds the completed
// value, or the error object when the future failed. The transition
// out of Pending happens at most once; the scheduler enforces it.
type FutureObject struct {
	State  FutureState
	Result Value
}

func (o *FutureObject) Kind() ObjectKind { return KindFuture }
func (o *FutureObject) heapSize() int    { return objectHeaderSize + 16 }

// GoroutineObject is the heap-visible handle for a spawned task. The
// attached future receives the task's result.
type GoroutineObject struct {
	ID     uint64
	Future Value
}

func (o *GoroutineObject) Kind() ObjectKind { return KindGoroutine }
func (o *GoroutineObject) heapSize() int    { return objectHeaderSize + 16 }

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrorObject is the heap representation of a raised error, as bound
// into a catch handler's register.
type ErrorObject struct {
	ErrKind ErrorKind
	Message string
	Data    Value
	Pos     Position
}

func (o *ErrorObject) Kind() ObjectKind { return KindError }
func (o *ErrorObject) heapSize() int    { return objectHeaderSize + len(o.Message) + 24 }

// runtimeError converts the heap form back to the propagation form.
func (o *ErrorObject) runtimeError() *RuntimeError {
	return &RuntimeError{Kind: o.ErrKind, Message: o.Message, Pos: o.Pos, Data: o.Data}
}
