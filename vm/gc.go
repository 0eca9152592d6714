package vm

import (
	"fmt"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Garbage collector: stop-the-world mark and sweep
// ---------------------------------------------------------------------------

// GCStats holds collection statistics for diagnostics.
type GCStats struct {
	LiveBytes   int
	LiveObjects int
	Collections uint64
	LastPause   time.Duration
	LastSwept   int
}

// collect runs a full mark/sweep cycle. It is only ever called from
// the scheduler thread between instructions, when every registered
// task is parked, so no mutator can observe the heap mid-collection.
func (vm *VM) collect() {
	start := time.Now()

	// Mark phase: flood from the root set.
	work := make([]Value, 0, 128)
	addRoot := func(v Value) {
		if v.IsHandle() {
			work = append(work, v)
		}
	}

	for _, v := range vm.globals {
		addRoot(v)
	}
	for h := range vm.pinned {
		addRoot(h)
	}
	for _, t := range vm.sched.tasks {
		for _, f := range t.frames {
			addRoot(f.closureVal)
			for _, v := range f.regs {
				addRoot(v)
			}
			for _, h := range f.open {
				addRoot(h)
			}
		}
		addRoot(t.future)
		addRoot(t.blockedOn)
		addRoot(t.result)
		if t.pendingErr != nil {
			addRoot(t.pendingErr.Data)
		}
	}

	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		index := v.handleIndex()
		if int(index) >= len(vm.arena.slots) {
			panic(GCInvariantViolation{Message: fmt.Sprintf("root handle index %d out of range", index)})
		}
		s := &vm.arena.slots[index]
		if !s.live || s.gen != v.handleGen() {
			panic(GCInvariantViolation{Message: fmt.Sprintf("reachable handle %d refers to a reclaimed slot", index)})
		}
		if s.marked {
			continue
		}
		s.marked = true
		work = traverse(s.obj, work)
	}

	// Sweep phase: reclaim unmarked slots, recompute live accounting.
	swept := 0
	liveBytes := 0
	liveObjs := 0
	for i := range vm.arena.slots {
		s := &vm.arena.slots[i]
		if !s.live {
			continue
		}
		if s.marked {
			s.marked = false
			liveBytes += s.size
			liveObjs++
			continue
		}
		s.obj = nil
		s.live = false
		s.size = 0
		s.gen++
		vm.arena.free = append(vm.arena.free, uint32(i))
		swept++
	}

	if liveObjs+swept != vm.arena.liveObjs {
		panic(GCInvariantViolation{Message: fmt.Sprintf(
			"object accounting drifted: %d marked + %d swept != %d live", liveObjs, swept, vm.arena.liveObjs)})
	}
	vm.arena.liveBytes = liveBytes
	vm.arena.liveObjs = liveObjs

	vm.gcStats.Collections++
	vm.gcStats.LastPause = time.Since(start)
	vm.gcStats.LastSwept = swept
	vm.gcStats.LiveBytes = liveBytes
	vm.gcStats.LiveObjects = liveObjs

	log.Debugf("gc: swept %d objects, %d live (%d bytes) in %s",
		swept, liveObjs, liveBytes, vm.gcStats.LastPause)
}

// traverse pushes every handle directly referenced by obj onto the
// work list. The switch is exhaustive over the closed Object set; an
// unknown type is a defect.
func traverse(obj Object, work []Value) []Value {
	push := func(v Value) {
		if v.IsHandle() {
			work = append(work, v)
		}
	}
	switch o := obj.(type) {
	case *StringObject, *NativeRefObject:
		// No outgoing references.
	case *ConsObject:
		push(o.Car)
		push(o.Cdr)
	case *VectorObject:
		for _, v := range o.Items {
			push(v)
		}
	case *MapObject:
		for k, v := range o.Entries {
			push(k)
			push(v)
		}
	case *SetObject:
		for v := range o.Items {
			push(v)
		}
	case *ClosureObject:
		for _, h := range o.Upvalues {
			push(h)
		}
	case *UpvalueObject:
		// Open cells alias a register that the root scan already
		// covers; closed cells own their value.
		if !o.Open {
			push(o.Closed)
		}
	case *FutureObject:
		push(o.Result)
	case *ErrorObject:
		push(o.Data)
	case *GoroutineObject:
		push(o.Future)
	default:
		panic(GCInvariantViolation{Message: fmt.Sprintf("traverse: unknown object type %T", obj)})
	}
	return work
}

// CollectNow forces a collection cycle. Safe to call from the
// embedding host whenever the VM is not inside Run/Await.
func (vm *VM) CollectNow() {
	vm.collect()
}

// Stats returns current collection statistics.
func (vm *VM) Stats() GCStats {
	st := vm.gcStats
	st.LiveBytes = vm.arena.LiveBytes()
	st.LiveObjects = vm.arena.LiveObjects()
	return st
}

// Census counts live objects by kind. Used by the dump package.
func (vm *VM) Census() map[string]int {
	census := make(map[string]int, 8)
	for i := range vm.arena.slots {
		s := &vm.arena.slots[i]
		if s.live {
			census[s.obj.Kind().String()]++
		}
	}
	return census
}

// LargestStrings returns the contents of the biggest live strings,
// longest first, capped at max entries. Ties keep arena order so the
// result is stable across calls on an unchanged heap.
func (vm *VM) LargestStrings(max int) []string {
	if max <= 0 {
		return nil
	}
	var out []string
	for i := range vm.arena.slots {
		s := &vm.arena.slots[i]
		if !s.live {
			continue
		}
		so, ok := s.obj.(*StringObject)
		if !ok {
			continue
		}
		out = append(out, so.S)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	if len(out) > max {
		out = out[:max]
	}
	return out
}
