package vm

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/lumen/manifest"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("lumen.vm")

// VM is one interpreter instance: the arena, global environment,
// interning tables, native registry, collector state, and scheduler,
// bundled into a single explicit value threaded through every entry
// point. Instances are independent; nothing is shared between two VMs.
type VM struct {
	Symbols  *SymbolTable
	Keywords *SymbolTable

	arena   *Arena
	globals map[uint32]Value
	sched   *Scheduler
	gcStats GCStats
	pinned  map[Value]int // host-held handles rooted against collection

	budget       int // fairness budget: instructions per scheduling slice
	maxFrames    int
	maxRegisters int

	// Stdout receives output from the print natives. Defaults to
	// os.Stdout; embedding hosts may redirect it.
	Stdout io.Writer
}

// New creates a VM configured by cfg. Zero-valued fields fall back to
// the manifest defaults.
func New(cfg manifest.Runtime) *VM {
	cfg.ApplyDefaults()
	vm := &VM{
		Symbols:      NewSymbolTable(),
		Keywords:     NewSymbolTable(),
		arena:        NewArena(cfg.GC.ThresholdBytes),
		globals:      make(map[uint32]Value),
		pinned:       make(map[Value]int),
		budget:       cfg.Scheduler.FairnessBudget,
		maxFrames:    cfg.Limits.MaxFrames,
		maxRegisters: cfg.Limits.MaxRegisters,
		Stdout:       os.Stdout,
	}
	vm.sched = newScheduler(vm)
	vm.registerCoreNatives()
	log.Debugf("vm: created (gc threshold=%d, budget=%d, max frames=%d)",
		cfg.GC.ThresholdBytes, vm.budget, vm.maxFrames)
	return vm
}

// ---------------------------------------------------------------------------
// Globals and natives
// ---------------------------------------------------------------------------

// SetGlobal binds name in the global environment.
func (vm *VM) SetGlobal(name string, v Value) {
	vm.globals[vm.Symbols.Intern(name)] = v
}

// Global returns the binding for name, if any.
func (vm *VM) Global(name string) (Value, bool) {
	v, ok := vm.globals[vm.Symbols.Intern(name)]
	return v, ok
}

// RegisterNative installs a native callable as a global binding. The
// external plugin subsystem uses this to publish its table.
func (vm *VM) RegisterNative(name string, fn NativeFunc) {
	ref := vm.arena.Alloc(&NativeRefObject{Name: name, Fn: fn})
	vm.SetGlobal(name, ref)
}

// KeepAlive pins a handle as a GC root until a matching
// ReleaseKeepAlive. Hosts pin handles they hold across scheduler steps;
// nothing else roots a value that lives only outside the VM. Pins nest.
func (vm *VM) KeepAlive(v Value) {
	if v.IsHandle() {
		vm.pinned[v]++
	}
}

// ReleaseKeepAlive drops one pin on v. Releasing an unpinned handle is
// a no-op.
func (vm *VM) ReleaseKeepAlive(v Value) {
	if n, ok := vm.pinned[v]; ok {
		if n <= 1 {
			delete(vm.pinned, v)
		} else {
			vm.pinned[v] = n - 1
		}
	}
}

// KeepAliveCount reports how many distinct handles are pinned.
func (vm *VM) KeepAliveCount() int {
	return len(vm.pinned)
}

// ---------------------------------------------------------------------------
// Heap constructors
// ---------------------------------------------------------------------------

// NewString allocates a string object.
func (vm *VM) NewString(s string) Value {
	return vm.arena.Alloc(&StringObject{S: s})
}

// NewCons allocates a cons cell.
func (vm *VM) NewCons(car, cdr Value) Value {
	return vm.arena.Alloc(&ConsObject{Car: car, Cdr: cdr})
}

// NewList builds a nil-terminated cons chain from items.
func (vm *VM) NewList(items []Value) Value {
	out := Nil
	for i := len(items) - 1; i >= 0; i-- {
		out = vm.NewCons(items[i], out)
	}
	return out
}

// NewVector allocates a vector holding a copy of items.
func (vm *VM) NewVector(items []Value) Value {
	dup := make([]Value, len(items))
	copy(dup, items)
	return vm.arena.Alloc(&VectorObject{Items: dup})
}

// NewFuture allocates a pending future.
func (vm *VM) NewFuture() Value {
	return vm.arena.Alloc(&FutureObject{State: FuturePending, Result: Nil})
}

// errorValue converts a Go-side error to its heap representation.
func (vm *VM) errorValue(err error) Value {
	if rerr, ok := err.(*RuntimeError); ok {
		return vm.arena.Alloc(&ErrorObject{
			ErrKind: rerr.Kind,
			Message: rerr.Message,
			Data:    rerr.Data,
			Pos:     rerr.Pos,
		})
	}
	return vm.arena.Alloc(&ErrorObject{ErrKind: UserError, Message: err.Error(), Data: Nil})
}

// ---------------------------------------------------------------------------
// Constant materialization
// ---------------------------------------------------------------------------

// materialize converts a constant pool entry to a Value, interning
// names and allocating composites on demand.
func (vm *VM) materialize(c Constant) Value {
	switch c.Kind {
	case ConstNil:
		return Nil
	case ConstBool:
		return FromBool(c.Bool)
	case ConstInt:
		return FromInt(c.Int)
	case ConstFloat:
		return FromFloat64(c.Float)
	case ConstString:
		return vm.NewString(c.Str)
	case ConstSymbol:
		return FromSymbolID(vm.Symbols.Intern(c.Str))
	case ConstKeyword:
		return FromKeywordID(vm.Keywords.Intern(c.Str))
	case ConstList:
		items := make([]Value, len(c.Items))
		for i, it := range c.Items {
			items[i] = vm.materialize(it)
		}
		return vm.NewList(items)
	case ConstVector:
		items := make([]Value, len(c.Items))
		for i, it := range c.Items {
			items[i] = vm.materialize(it)
		}
		return vm.arena.Alloc(&VectorObject{Items: items})
	case ConstChunk:
		return vm.arena.Alloc(&ClosureObject{Chunk: c.Fn})
	}
	panic(fmt.Sprintf("vm: materialize unknown constant kind %d", int(c.Kind)))
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Run executes a compiled chunk as the top-level context, driving the
// scheduler synchronously until that context completes. Goroutines
// spawned by the chunk that are still runnable stay queued; later Run,
// Await, or Step calls resume them.
func (vm *VM) Run(chunk *Chunk) (Value, error) {
	if chunk.NumRegisters > vm.maxRegisters {
		return Nil, newTypeError(Position{}, "chunk needs %d registers, limit is %d", chunk.NumRegisters, vm.maxRegisters)
	}
	main := vm.sched.newTask(chunk, nil, Nil, Nil)
	vm.sched.enqueue(main)
	if !vm.sched.drainUntil(func() bool { return main.state == TaskDone }) {
		return Nil, newUserError(Position{}, "deadlock: top-level context blocked on a future that can never resolve", Nil)
	}
	if main.failure != nil {
		return Nil, main.failure
	}
	return main.result, nil
}

// Spawn registers fn (a closure of no arguments) as a new task and
// returns its goroutine handle without running it. Hosts that
// interleave execution with their own I/O loop pair this with Step and
// Await. The handle is kept alive until Await releases it; hosts that
// never Await must call ReleaseKeepAlive themselves.
func (vm *VM) Spawn(fn Value) (Value, error) {
	fut, rerr := vm.sched.spawnClosure(fn, Position{})
	if rerr != nil {
		return Nil, rerr
	}
	id := vm.sched.nextID - 1
	g := vm.arena.Alloc(&GoroutineObject{ID: id, Future: fut})
	vm.KeepAlive(g)
	return g, nil
}

// Await drives the scheduler until v (a future or goroutine handle)
// resolves, then returns its value or error. The pin Spawn took on a
// goroutine handle is released here.
func (vm *VM) Await(v Value) (Value, error) {
	_, fo, rerr := vm.resolveFutureValue(v, Position{})
	if rerr != nil {
		return Nil, rerr
	}
	if !vm.sched.drainUntil(func() bool { return fo.State != FuturePending }) {
		return Nil, newUserError(Position{}, "deadlock: future can never resolve", Nil)
	}
	if _, ok := vm.arena.Get(v).(*GoroutineObject); ok {
		vm.ReleaseKeepAlive(v)
	}
	if fo.State == FutureFailed {
		if eo, ok := vm.arena.Get(fo.Result).(*ErrorObject); ok {
			return Nil, eo.runtimeError()
		}
		return Nil, newUserError(Position{}, "future failed", fo.Result)
	}
	return fo.Result, nil
}

// Step runs a single scheduling slice. Returns false when no task is
// ready. Hosts use this to interleave the VM with their own loop.
func (vm *VM) Step() bool {
	return vm.sched.step()
}

// ---------------------------------------------------------------------------
// Printing
// ---------------------------------------------------------------------------

// TypeName names a value's kind for error messages, resolving handles
// to their heap kind.
func (vm *VM) TypeName(v Value) string {
	if v.IsHandle() {
		if obj := vm.arena.Get(v); obj != nil {
			return obj.Kind().String()
		}
		return "stale-handle"
	}
	switch v.Kind() {
	case KindFloat, KindInt:
		return "number"
	default:
		return v.Kind().String()
	}
}

const maxFormatDepth = 16

// Format renders v for diagnostics, quoting strings.
func (vm *VM) Format(v Value) string {
	var sb strings.Builder
	vm.format(&sb, v, true, 0)
	return sb.String()
}

// Display renders v for user output, leaving strings bare.
func (vm *VM) Display(v Value) string {
	var sb strings.Builder
	vm.format(&sb, v, false, 0)
	return sb.String()
}

func (vm *VM) format(sb *strings.Builder, v Value, quoted bool, depth int) {
	if depth > maxFormatDepth {
		sb.WriteString("...")
		return
	}
	switch v.Kind() {
	case KindNil:
		sb.WriteString("nil")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool()))
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.Int(), 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.Float64(), 'g', -1, 64))
	case KindSymbol:
		sb.WriteString(vm.Symbols.Name(v.SymbolID()))
	case KindKeyword:
		sb.WriteByte(':')
		sb.WriteString(vm.Keywords.Name(v.KeywordID()))
	case KindHandle:
		vm.formatObject(sb, v, quoted, depth)
	}
}

func (vm *VM) formatObject(sb *strings.Builder, v Value, quoted bool, depth int) {
	obj := vm.arena.Get(v)
	if obj == nil {
		sb.WriteString("#<stale>")
		return
	}
	switch o := obj.(type) {
	case *StringObject:
		if quoted {
			sb.WriteString(strconv.Quote(o.S))
		} else {
			sb.WriteString(o.S)
		}
	case *ConsObject:
		sb.WriteByte('(')
		vm.format(sb, o.Car, quoted, depth+1)
		rest := o.Cdr
		for {
			if rest.IsNil() {
				break
			}
			next, ok := vm.arena.Get(rest).(*ConsObject)
			if !ok {
				sb.WriteString(" . ")
				vm.format(sb, rest, quoted, depth+1)
				break
			}
			sb.WriteByte(' ')
			vm.format(sb, next.Car, quoted, depth+1)
			rest = next.Cdr
		}
		sb.WriteByte(')')
	case *VectorObject:
		sb.WriteByte('[')
		for i, it := range o.Items {
			if i > 0 {
				sb.WriteByte(' ')
			}
			vm.format(sb, it, quoted, depth+1)
		}
		sb.WriteByte(']')
	case *MapObject:
		sb.WriteByte('{')
		first := true
		for k, val := range o.Entries {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			vm.format(sb, k, quoted, depth+1)
			sb.WriteByte(' ')
			vm.format(sb, val, quoted, depth+1)
		}
		sb.WriteByte('}')
	case *SetObject:
		sb.WriteString("#{")
		first := true
		for it := range o.Items {
			if !first {
				sb.WriteByte(' ')
			}
			first = false
			vm.format(sb, it, quoted, depth+1)
		}
		sb.WriteByte('}')
	case *ClosureObject:
		name := o.Chunk.Name
		if name == "" {
			name = "anonymous"
		}
		fmt.Fprintf(sb, "#<fn %s>", name)
	case *UpvalueObject:
		sb.WriteString("#<upvalue>")
	case *NativeRefObject:
		fmt.Fprintf(sb, "#<native %s>", o.Name)
	case *FutureObject:
		fmt.Fprintf(sb, "#<future %s>", o.State)
	case *ErrorObject:
		fmt.Fprintf(sb, "#<error %s: %s>", o.ErrKind, o.Message)
	case *GoroutineObject:
		fmt.Fprintf(sb, "#<goroutine %d>", o.ID)
	}
}
