package vm

// ---------------------------------------------------------------------------
// Scheduler: cooperative multiplexing of tasks over one mutator
// ---------------------------------------------------------------------------

// Scheduler multiplexes tasks (goroutines) over the driving host
// goroutine. It keeps a FIFO ready queue with no priorities and a
// waiting index keyed by the future each parked task is blocked on.
// Tasks run one at a time, so heap mutation and GC pausing are
// serialized by construction.
type Scheduler struct {
	vm      *VM
	ready   []uint64            // FIFO of task IDs
	tasks   map[uint64]*Task    // every registered (not yet removed) task
	waiting map[Value][]uint64  // future handle -> waiter task IDs
	nextID  uint64
}

func newScheduler(vm *VM) *Scheduler {
	return &Scheduler{
		vm:      vm,
		tasks:   make(map[uint64]*Task),
		waiting: make(map[Value][]uint64),
		nextID:  1,
	}
}

// newTask registers a fresh task whose bottom frame runs chunk with
// closure (closure may be nil for a bare chunk). The task is not
// enqueued yet.
func (s *Scheduler) newTask(chunk *Chunk, closure *ClosureObject, closureVal Value, future Value) *Task {
	t := &Task{
		id:        s.nextID,
		state:     TaskReady,
		future:    future,
		blockedOn: Nil,
		result:    Nil,
	}
	s.nextID++
	f := newFrame(chunk, closure, closureVal, -1)
	if chunk.SelfRef && closure != nil {
		f.regs[0] = closureVal
	}
	t.frames = []*callFrame{f}
	s.tasks[t.id] = t
	return t
}

// enqueue appends a Ready task to the back of the queue.
func (s *Scheduler) enqueue(t *Task) {
	t.state = TaskReady
	s.ready = append(s.ready, t.id)
}

// spawnClosure implements the go operation: create the attached
// future, register a task running fn, enqueue it Ready, and return the
// future. The task never runs synchronously.
func (s *Scheduler) spawnClosure(fnVal Value, pos Position) (Value, *RuntimeError) {
	fn, ok := s.vm.arena.Get(fnVal).(*ClosureObject)
	if !ok {
		return Nil, newTypeError(pos, "go expects a function of no arguments, got %s", s.vm.TypeName(fnVal))
	}
	if fn.Chunk.NumParams != 0 {
		return Nil, arityError(pos, "go", "0", fn.Chunk.NumParams)
	}
	if fn.Chunk.NumRegisters > s.vm.maxRegisters {
		return Nil, newTypeError(pos, "function needs %d registers, limit is %d", fn.Chunk.NumRegisters, s.vm.maxRegisters)
	}
	fut := s.vm.arena.Alloc(&FutureObject{State: FuturePending, Result: Nil})
	t := s.newTask(fn.Chunk, fn, fnVal, fut)
	s.enqueue(t)
	log.Debugf("scheduler: spawned task %d", t.id)
	return fut, nil
}

// addWaiter records t as blocked on fut. The task must already be in
// the Waiting state.
func (s *Scheduler) addWaiter(fut Value, id uint64) {
	s.waiting[fut] = append(s.waiting[fut], id)
}

// resolveFuture transitions a future out of Pending exactly once and
// moves every waiter to Ready. Each waiter resumes its deref with the
// value, or re-raises the error at the deref site. Resolving an
// already-resolved future returns ErrFutureDoubleCompletion.
func (s *Scheduler) resolveFuture(futVal Value, result Value, failed bool) error {
	fo, ok := s.vm.arena.Get(futVal).(*FutureObject)
	if !ok {
		return newTypeError(Position{}, "complete expects a future, got %s", s.vm.TypeName(futVal))
	}
	if fo.State != FuturePending {
		return ErrFutureDoubleCompletion
	}
	if failed {
		fo.State = FutureFailed
	} else {
		fo.State = FutureCompleted
	}
	fo.Result = result

	// The resolution above is visible before any waiter resumes; the
	// whole waiting set becomes Ready before one of them runs.
	waiters := s.waiting[futVal]
	delete(s.waiting, futVal)
	for _, id := range waiters {
		t, ok := s.tasks[id]
		if !ok || t.state != TaskWaiting {
			continue
		}
		t.blockedOn = Nil
		if failed {
			if eo, ok := s.vm.arena.Get(result).(*ErrorObject); ok {
				t.pendingErr = eo.runtimeError()
			} else {
				t.pendingErr = newUserError(Position{}, "future failed", result)
			}
		} else {
			t.top().regs[t.resumeDst] = result
		}
		s.enqueue(t)
	}
	return nil
}

// taskFinished resolves the task's attached future and removes the
// task from the scheduler; its frame stack is exhausted.
func (s *Scheduler) taskFinished(t *Task) {
	if !t.future.IsNil() {
		var result Value
		failed := t.failure != nil
		if failed {
			result = s.vm.errorValue(t.failure)
		} else {
			result = t.result
		}
		if err := s.resolveFuture(t.future, result, failed); err != nil {
			// The attached future was completed by hand before the
			// task finished; the task's own result is dropped.
			log.Warningf("scheduler: task %d result discarded: %s", t.id, err)
		}
	}
	delete(s.tasks, t.id)
	log.Debugf("scheduler: task %d finished", t.id)
}

// step runs one scheduling slice: pop the next Ready task and execute
// it until it blocks, yields, exhausts its fairness budget, or
// finishes. Returns false when the ready queue is empty.
func (s *Scheduler) step() bool {
	for len(s.ready) > 0 {
		id := s.ready[0]
		s.ready = s.ready[1:]
		t, ok := s.tasks[id]
		if !ok || t.state != TaskReady {
			continue
		}
		outcome := s.vm.runSlice(t, s.vm.budget)
		switch outcome {
		case outcomeYield, outcomeBudget:
			s.enqueue(t)
		case outcomeBlocked, outcomeDone:
			// Blocked tasks wait in the waiting index; done tasks are
			// already unregistered.
		}
		return true
	}
	return false
}

// drainUntil steps the scheduler until done reports true or no
// runnable work remains. Returns false if it stalled with done still
// false (every remaining task is blocked: a deadlock from the caller's
// point of view).
func (s *Scheduler) drainUntil(done func() bool) bool {
	for !done() {
		if !s.step() {
			return false
		}
	}
	return true
}
