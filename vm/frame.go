package vm

import "fmt"

// ---------------------------------------------------------------------------
// CallFrame: execution state for one function activation
// ---------------------------------------------------------------------------

// handlerEntry records an in-scope try handler: where to transfer
// control and which register receives the error value.
type handlerEntry struct {
	pc  int
	reg uint8
}

// callFrame is the execution state of a single activation. Frames form
// an explicit per-task stack, not the host call stack, so a task can be
// parked and resumed.
type callFrame struct {
	chunk      *Chunk
	closure    *ClosureObject // nil when running a bare chunk
	closureVal Value          // handle for closure; a GC root while the frame is live
	regs       []Value
	pc         int
	retDest    int // caller register receiving the result; -1 for the bottom frame
	handlers   []handlerEntry
	open       map[int]Value // register index -> open upvalue handle
}

func newFrame(chunk *Chunk, closure *ClosureObject, closureVal Value, retDest int) *callFrame {
	regs := make([]Value, chunk.NumRegisters)
	for i := range regs {
		regs[i] = Nil
	}
	return &callFrame{
		chunk:      chunk,
		closure:    closure,
		closureVal: closureVal,
		regs:       regs,
		retDest:    retDest,
	}
}

// readByte fetches the next operand byte.
func (f *callFrame) readByte() byte {
	b := f.chunk.Code[f.pc]
	f.pc++
	return b
}

// readU16 fetches a little-endian 16-bit operand.
func (f *callFrame) readU16() uint16 {
	v := uint16(f.chunk.Code[f.pc]) | uint16(f.chunk.Code[f.pc+1])<<8
	f.pc += 2
	return v
}

// readI16 fetches a signed 16-bit operand.
func (f *callFrame) readI16() int16 {
	return int16(f.readU16())
}

// openUpvalue finds or creates the open upvalue cell aliasing reg.
// Two closures capturing the same variable share one cell.
func (f *callFrame) openUpvalue(vm *VM, reg int) Value {
	if f.open == nil {
		f.open = make(map[int]Value, 2)
	}
	if h, ok := f.open[reg]; ok {
		return h
	}
	h := vm.arena.Alloc(&UpvalueObject{Open: true, Regs: f.regs, Index: reg})
	f.open[reg] = h
	return h
}

// closeUpvalues transitions every still-open cell owned by this frame
// to its closed state. Called exactly once, when the frame pops.
func (f *callFrame) closeUpvalues(vm *VM) {
	for _, h := range f.open {
		if uv, ok := vm.arena.Get(h).(*UpvalueObject); ok && uv.Open {
			uv.close()
		}
	}
	f.open = nil
}

// ---------------------------------------------------------------------------
// Task: a lightweight execution context (goroutine)
// ---------------------------------------------------------------------------

// TaskState tracks a task through the scheduler's state machine.
type TaskState int

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskWaiting
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskWaiting:
		return "waiting"
	case TaskDone:
		return "done"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Task is a suspended or runnable execution context: its own frame
// stack plus the future (if any) that receives its result. The
// scheduler owns every registered task exclusively.
type Task struct {
	id     uint64
	state  TaskState
	frames []*callFrame

	future    Value // attached future handle, or Nil
	blockedOn Value // future handle while Waiting, Nil otherwise
	resumeDst int   // register receiving the deref result on wake

	// pendingErr is raised before the next instruction runs; used to
	// re-raise a failed future's error at the deref site.
	pendingErr *RuntimeError

	result  Value
	failure error // non-nil when Done terminated with an error
}

// ID returns the task's scheduler-assigned identity.
func (t *Task) ID() uint64 { return t.id }

// State returns the task's current scheduling state.
func (t *Task) State() TaskState { return t.state }

// top returns the active frame.
func (t *Task) top() *callFrame {
	return t.frames[len(t.frames)-1]
}

// pushFrame adds an activation, guarding the configured depth limit.
func (t *Task) pushFrame(vm *VM, f *callFrame) *RuntimeError {
	if len(t.frames) >= vm.maxFrames {
		return newTypeError(Position{}, "frame stack depth exceeded (%d frames)", vm.maxFrames)
	}
	if len(f.regs) > vm.maxRegisters {
		return newTypeError(Position{}, "function needs %d registers, limit is %d", len(f.regs), vm.maxRegisters)
	}
	t.frames = append(t.frames, f)
	return nil
}

// popFrame removes the active frame, closing its captured upvalues.
func (t *Task) popFrame(vm *VM) *callFrame {
	f := t.top()
	f.closeUpvalues(vm)
	t.frames = t.frames[:len(t.frames)-1]
	return f
}
