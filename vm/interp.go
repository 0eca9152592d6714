package vm

import "errors"

// ---------------------------------------------------------------------------
// Interpreter: fetch/decode/execute over a task's frame stack
// ---------------------------------------------------------------------------

// stepOutcome reports why a scheduling slice ended.
type stepOutcome int

const (
	outcomeDone    stepOutcome = iota // task finished (value or error)
	outcomeYield                      // voluntary yield
	outcomeBlocked                    // parked on a pending future
	outcomeBudget                     // fairness budget exhausted
)

// runSlice executes at most budget instructions of t. The task is the
// only mutator while this runs; every suspension happens between
// instructions, never mid-instruction.
func (vm *VM) runSlice(t *Task, budget int) stepOutcome {
	t.state = TaskRunning

	// A future this task was waiting on may have failed; the error
	// re-raises at the deref site before anything else runs.
	if t.pendingErr != nil {
		rerr := t.pendingErr
		t.pendingErr = nil
		if !vm.raise(t, rerr) {
			return outcomeDone
		}
	}

	for steps := 0; steps < budget; steps++ {
		// Safepoint: all other tasks are parked, this one is between
		// instructions, so the world is effectively stopped.
		if vm.arena.shouldCollect() {
			vm.collect()
		}

		f := t.top()
		instrStart := f.pc
		op := Opcode(f.chunk.Code[f.pc])
		f.pc++

		switch op {
		case OpNop:

		case OpLoadNil:
			f.regs[f.readByte()] = Nil
		case OpLoadTrue:
			f.regs[f.readByte()] = True
		case OpLoadFalse:
			f.regs[f.readByte()] = False
		case OpLoadInt8:
			dst := f.readByte()
			f.regs[dst] = FromInt(int64(int8(f.readByte())))
		case OpLoadInt16:
			dst := f.readByte()
			f.regs[dst] = FromInt(int64(f.readI16()))
		case OpLoadConst:
			dst := f.readByte()
			f.regs[dst] = vm.materialize(f.chunk.Constants[f.readU16()])
		case OpMove:
			dst := f.readByte()
			f.regs[dst] = f.regs[f.readByte()]

		case OpLoadGlobal:
			dst := f.readByte()
			name := f.chunk.Constants[f.readU16()].Str
			v, ok := vm.globals[vm.Symbols.Intern(name)]
			if !ok {
				if !vm.raise(t, newUnboundError(f.chunk.PosAt(instrStart), name)) {
					return outcomeDone
				}
				continue
			}
			f.regs[dst] = v
		case OpStoreGlobal:
			name := f.chunk.Constants[f.readU16()].Str
			vm.globals[vm.Symbols.Intern(name)] = f.regs[f.readByte()]

		case OpLoadUpvalue:
			dst := f.readByte()
			idx := f.readByte()
			uv := vm.arena.Get(f.closure.Upvalues[idx]).(*UpvalueObject)
			f.regs[dst] = uv.Get()
		case OpStoreUpvalue:
			idx := f.readByte()
			src := f.readByte()
			uv := vm.arena.Get(f.closure.Upvalues[idx]).(*UpvalueObject)
			uv.Set(f.regs[src])

		case OpAdd, OpSub, OpMul, OpDiv:
			dst := f.readByte()
			a := f.regs[f.readByte()]
			b := f.regs[f.readByte()]
			res, rerr := vm.arith(op, a, b, f.chunk.PosAt(instrStart))
			if rerr != nil {
				if !vm.raise(t, rerr) {
					return outcomeDone
				}
				continue
			}
			f.regs[dst] = res

		case OpEq, OpNe:
			dst := f.readByte()
			a := f.regs[f.readByte()]
			b := f.regs[f.readByte()]
			eq := vm.valueEquals(a, b)
			if op == OpNe {
				eq = !eq
			}
			f.regs[dst] = FromBool(eq)

		case OpLt, OpGt, OpLe, OpGe:
			dst := f.readByte()
			a := f.regs[f.readByte()]
			b := f.regs[f.readByte()]
			res, rerr := compare(op, a, b, f.chunk.PosAt(instrStart))
			if rerr != nil {
				if !vm.raise(t, rerr) {
					return outcomeDone
				}
				continue
			}
			f.regs[dst] = res

		case OpNot:
			dst := f.readByte()
			f.regs[dst] = FromBool(!f.regs[f.readByte()].IsTruthy())

		case OpJump:
			off := f.readI16()
			f.pc += int(off)
		case OpJumpIfFalse:
			cond := f.regs[f.readByte()]
			off := f.readI16()
			if !cond.IsTruthy() {
				f.pc += int(off)
			}
		case OpJumpIfTrue:
			cond := f.regs[f.readByte()]
			off := f.readI16()
			if cond.IsTruthy() {
				f.pc += int(off)
			}

		case OpCall:
			dst := int(f.readByte())
			fnVal := f.regs[f.readByte()]
			start := int(f.readByte())
			argc := int(f.readByte())
			args := f.regs[start : start+argc]
			rerr, fatal := vm.callValue(t, dst, fnVal, args, f.chunk.PosAt(instrStart))
			if fatal != nil {
				vm.finishTask(t, Nil, fatal)
				return outcomeDone
			}
			if rerr != nil {
				if !vm.raise(t, rerr) {
					return outcomeDone
				}
			}

		case OpTailCall:
			fnVal := f.regs[f.readByte()]
			start := int(f.readByte())
			argc := int(f.readByte())
			argv := make([]Value, argc)
			copy(argv, f.regs[start:start+argc])
			popped := t.popFrame(vm)
			rerr, fatal := vm.callValue(t, popped.retDest, fnVal, argv, f.chunk.PosAt(instrStart))
			if fatal != nil {
				vm.finishTask(t, Nil, fatal)
				return outcomeDone
			}
			if rerr != nil {
				if !vm.raise(t, rerr) {
					return outcomeDone
				}
				continue
			}
			// A native tail callee already wrote its result; if the
			// popped frame was the bottom one the task is finished.
			if len(t.frames) == 0 {
				if t.state != TaskDone {
					vm.finishTask(t, t.result, nil)
				}
				return outcomeDone
			}

		case OpReturn:
			v := f.regs[f.readByte()]
			if vm.returnValue(t, v) {
				return outcomeDone
			}
		case OpReturnNil:
			if vm.returnValue(t, Nil) {
				return outcomeDone
			}

		case OpMakeClosure:
			dst := f.readByte()
			chunkConst := f.chunk.Constants[f.readU16()]
			ncaps := int(f.readByte())
			upvals := make([]Value, ncaps)
			for i := 0; i < ncaps; i++ {
				isLocal := f.readByte()
				index := int(f.readByte())
				if isLocal != 0 {
					upvals[i] = f.openUpvalue(vm, index)
				} else {
					upvals[i] = f.closure.Upvalues[index]
				}
			}
			f.regs[dst] = vm.arena.Alloc(&ClosureObject{Chunk: chunkConst.Fn, Upvalues: upvals})

		case OpMakeList:
			dst := f.readByte()
			start := int(f.readByte())
			count := int(f.readByte())
			f.regs[dst] = vm.NewList(f.regs[start : start+count])
		case OpMakeVector:
			dst := f.readByte()
			start := int(f.readByte())
			count := int(f.readByte())
			f.regs[dst] = vm.NewVector(f.regs[start : start+count])
		case OpMakeMap:
			dst := f.readByte()
			start := int(f.readByte())
			pairs := int(f.readByte())
			entries := make(map[Value]Value, pairs)
			for i := 0; i < pairs; i++ {
				entries[f.regs[start+2*i]] = f.regs[start+2*i+1]
			}
			f.regs[dst] = vm.arena.Alloc(&MapObject{Entries: entries})
		case OpMakeSet:
			dst := f.readByte()
			start := int(f.readByte())
			count := int(f.readByte())
			items := make(map[Value]struct{}, count)
			for i := 0; i < count; i++ {
				items[f.regs[start+i]] = struct{}{}
			}
			f.regs[dst] = vm.arena.Alloc(&SetObject{Items: items})

		case OpSpawn:
			dst := f.readByte()
			fnVal := f.regs[f.readByte()]
			fut, rerr := vm.sched.spawnClosure(fnVal, f.chunk.PosAt(instrStart))
			if rerr != nil {
				if !vm.raise(t, rerr) {
					return outcomeDone
				}
				continue
			}
			f.regs[dst] = fut

		case OpDeref:
			dst := int(f.readByte())
			src := f.readByte()
			v := f.regs[src]
			pos := f.chunk.PosAt(instrStart)
			futVal, futObj, rerr := vm.resolveFutureValue(v, pos)
			if rerr != nil {
				if !vm.raise(t, rerr) {
					return outcomeDone
				}
				continue
			}
			switch futObj.State {
			case FutureCompleted:
				f.regs[dst] = futObj.Result
			case FutureFailed:
				eo, _ := vm.arena.Get(futObj.Result).(*ErrorObject)
				var failErr *RuntimeError
				if eo != nil {
					failErr = eo.runtimeError()
				} else {
					failErr = newUserError(pos, "future failed", futObj.Result)
				}
				if !vm.raise(t, failErr) {
					return outcomeDone
				}
			case FuturePending:
				t.blockedOn = futVal
				t.resumeDst = dst
				t.state = TaskWaiting
				vm.sched.addWaiter(futVal, t.id)
				return outcomeBlocked
			}

		case OpYield:
			t.state = TaskReady
			return outcomeYield

		case OpThrow:
			v := f.regs[f.readByte()]
			pos := f.chunk.PosAt(instrStart)
			var rerr *RuntimeError
			if eo, ok := vm.arena.Get(v).(*ErrorObject); ok {
				rerr = eo.runtimeError()
			} else {
				rerr = newUserError(pos, vm.Format(v), v)
			}
			if !vm.raise(t, rerr) {
				return outcomeDone
			}

		case OpPushHandler:
			reg := f.readByte()
			off := f.readI16()
			f.handlers = append(f.handlers, handlerEntry{pc: f.pc + int(off), reg: reg})
		case OpPopHandler:
			f.handlers = f.handlers[:len(f.handlers)-1]

		default:
			vm.finishTask(t, Nil, newTypeError(f.chunk.PosAt(instrStart), "illegal opcode 0x%02x", byte(op)))
			return outcomeDone
		}
	}

	t.state = TaskReady
	return outcomeBudget
}

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

// callValue invokes a closure or native reference. A *RuntimeError is
// catchable by try handlers; a fatal error (anything else a native
// returns, notably a future double completion) kills the task.
func (vm *VM) callValue(t *Task, dst int, fnVal Value, args []Value, pos Position) (*RuntimeError, error) {
	switch fn := vm.arena.Get(fnVal).(type) {
	case *NativeRefObject:
		argv := make([]Value, len(args))
		copy(argv, args)
		res, err := fn.Fn(vm, argv)
		if err != nil {
			var rerr *RuntimeError
			if errors.As(err, &rerr) {
				if rerr.Pos.IsZero() {
					rerr.Pos = pos
				}
				return rerr, nil
			}
			return nil, err
		}
		if len(t.frames) == 0 {
			// Bottom frame was replaced by a tail call into a native.
			t.result = res
			vm.finishTask(t, res, nil)
			return nil, nil
		}
		t.top().regs[dst] = res
		return nil, nil
	case *ClosureObject:
		return vm.invokeClosure(t, fn, fnVal, args, dst, pos), nil
	}
	return newTypeError(pos, "value of type %s is not callable", vm.TypeName(fnVal)), nil
}

// invokeClosure checks arity, binds arguments into the callee's first
// registers, and pushes the new frame.
func (vm *VM) invokeClosure(t *Task, fn *ClosureObject, fnVal Value, args []Value, dst int, pos Position) *RuntimeError {
	chunk := fn.Chunk
	name := chunk.Name
	if name == "" {
		name = "fn"
	}
	if chunk.Variadic {
		if len(args) < chunk.NumParams {
			return arityError(pos, name, chunk.arityString(), len(args))
		}
	} else if len(args) != chunk.NumParams {
		return arityError(pos, name, chunk.arityString(), len(args))
	}

	nf := newFrame(chunk, fn, fnVal, dst)
	base := 0
	if chunk.SelfRef {
		nf.regs[0] = fnVal
		base = 1
	}
	for i := 0; i < chunk.NumParams; i++ {
		nf.regs[base+i] = args[i]
	}
	if chunk.Variadic {
		nf.regs[base+chunk.NumParams] = vm.NewList(args[chunk.NumParams:])
	}
	return t.pushFrame(vm, nf)
}

// returnValue pops the active frame and delivers v to the caller's
// destination register. Returns true when the task is finished.
func (vm *VM) returnValue(t *Task, v Value) bool {
	popped := t.popFrame(vm)
	if len(t.frames) == 0 {
		vm.finishTask(t, v, nil)
		return true
	}
	if popped.retDest >= 0 {
		t.top().regs[popped.retDest] = v
	}
	return false
}

// raise unwinds the frame stack searching for a try handler. When one
// is found the error value is bound into the handler's register and
// execution resumes there; otherwise the task terminates Done(error).
// Returns true if a handler took the error.
func (vm *VM) raise(t *Task, rerr *RuntimeError) bool {
	for len(t.frames) > 0 {
		f := t.top()
		if n := len(f.handlers); n > 0 {
			h := f.handlers[n-1]
			f.handlers = f.handlers[:n-1]
			f.regs[h.reg] = vm.arena.Alloc(&ErrorObject{
				ErrKind: rerr.Kind,
				Message: rerr.Message,
				Data:    rerr.Data,
				Pos:     rerr.Pos,
			})
			f.pc = h.pc
			return true
		}
		t.popFrame(vm)
	}
	vm.finishTask(t, Nil, rerr)
	return false
}

// finishTask transitions the task to Done and resolves its attached
// future, if any. A fatal error can end the task with frames still on
// the stack; they are popped here so every open upvalue closes and
// closures that escaped the task keep their captured values.
func (vm *VM) finishTask(t *Task, result Value, failure error) {
	for len(t.frames) > 0 {
		t.popFrame(vm)
	}
	t.state = TaskDone
	t.result = result
	t.failure = failure
	vm.sched.taskFinished(t)
}

// resolveFutureValue unwraps v to the future it denotes: futures
// directly, goroutine handles through their attached future.
func (vm *VM) resolveFutureValue(v Value, pos Position) (Value, *FutureObject, *RuntimeError) {
	switch o := vm.arena.Get(v).(type) {
	case *FutureObject:
		return v, o, nil
	case *GoroutineObject:
		if fo, ok := vm.arena.Get(o.Future).(*FutureObject); ok {
			return o.Future, fo, nil
		}
	}
	return Nil, nil, newTypeError(pos, "deref expects a future or goroutine, got %s", vm.TypeName(v))
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func opName(op Opcode) string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpLt:
		return "<"
	case OpGt:
		return ">"
	case OpLe:
		return "<="
	case OpGe:
		return ">="
	}
	return op.Name()
}

// intValue narrows n back to the boxed range, promoting to float when
// a result leaves the 48-bit range.
func intValue(n int64) Value {
	if n > MaxInt || n < MinInt {
		return FromFloat64(float64(n))
	}
	return FromInt(n)
}

// arith evaluates a binary numeric opcode. Integer operands stay
// integers except for division, which is exact only when it divides
// evenly.
func (vm *VM) arith(op Opcode, a, b Value, pos Position) (Value, *RuntimeError) {
	if !a.IsNumber() {
		return Nil, newTypeError(pos, "operand 1 to %s: expected number, got %s", opName(op), vm.TypeName(a))
	}
	if !b.IsNumber() {
		return Nil, newTypeError(pos, "operand 2 to %s: expected number, got %s", opName(op), vm.TypeName(b))
	}
	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		switch op {
		case OpAdd:
			return intValue(x + y), nil
		case OpSub:
			return intValue(x - y), nil
		case OpMul:
			if x != 0 && y != 0 {
				p := x * y
				if p/x != y || p > MaxInt || p < MinInt {
					return FromFloat64(float64(x) * float64(y)), nil
				}
				return FromInt(p), nil
			}
			return FromInt(0), nil
		case OpDiv:
			if y == 0 {
				return Nil, newUserError(pos, "divide by zero", Nil)
			}
			if x%y == 0 {
				return intValue(x / y), nil
			}
			return FromFloat64(float64(x) / float64(y)), nil
		}
	}
	x, y := a.asFloat(), b.asFloat()
	switch op {
	case OpAdd:
		return FromFloat64(x + y), nil
	case OpSub:
		return FromFloat64(x - y), nil
	case OpMul:
		return FromFloat64(x * y), nil
	case OpDiv:
		if y == 0 {
			return Nil, newUserError(pos, "divide by zero", Nil)
		}
		return FromFloat64(x / y), nil
	}
	panic("vm: arith on non-arithmetic opcode")
}

// compare evaluates a numeric ordering opcode.
func compare(op Opcode, a, b Value, pos Position) (Value, *RuntimeError) {
	if !a.IsNumber() {
		return Nil, newTypeError(pos, "operand 1 to %s: expected number, got %s", opName(op), a.Kind())
	}
	if !b.IsNumber() {
		return Nil, newTypeError(pos, "operand 2 to %s: expected number, got %s", opName(op), b.Kind())
	}
	x, y := a.asFloat(), b.asFloat()
	switch op {
	case OpLt:
		return FromBool(x < y), nil
	case OpGt:
		return FromBool(x > y), nil
	case OpLe:
		return FromBool(x <= y), nil
	case OpGe:
		return FromBool(x >= y), nil
	}
	panic("vm: compare on non-comparison opcode")
}

// valueEquals implements the language's = operation: numbers compare
// numerically across int/float, strings by content, everything else by
// identity (immediates by payload, heap values by handle).
func (vm *VM) valueEquals(a, b Value) bool {
	if a == b {
		return true
	}
	if a.IsNumber() && b.IsNumber() {
		return a.asFloat() == b.asFloat()
	}
	if a.IsHandle() && b.IsHandle() {
		sa, aok := vm.arena.Get(a).(*StringObject)
		sb, bok := vm.arena.Get(b).(*StringObject)
		if aok && bok {
			return sa.S == sb.S
		}
	}
	return false
}
