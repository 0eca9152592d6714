package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Core natives
// ---------------------------------------------------------------------------

// registerCoreNatives installs the builtin global bindings every VM
// starts with.
func (vm *VM) registerCoreNatives() {
	natives := map[string]NativeFunc{
		"list":     nativeList,
		"cons":     nativeCons,
		"first":    nativeFirst,
		"rest":     nativeRest,
		"count":    nativeCount,
		"nth":      nativeNth,
		"vector":   nativeVector,
		"get":      nativeGet,
		"assoc":    nativeAssoc,
		"put!":     nativePut,
		"str":      nativeStr,
		"type":     nativeType,
		"println":  nativePrintln,
		"future":   nativeFuture,
		"complete": nativeComplete,
		"fail":     nativeFail,
		"future?":  nativeIsFuture,
		"gc":       nativeGC,
		"gc-stats": nativeGCStats,
	}
	for name, fn := range natives {
		vm.RegisterNative(name, fn)
	}
}

func exactArity(name string, args []Value, n int) *RuntimeError {
	if len(args) != n {
		return arityError(Position{}, name, fmt.Sprintf("%d", n), len(args))
	}
	return nil
}

func nativeList(vm *VM, args []Value) (Value, error) {
	return vm.NewList(args), nil
}

func nativeCons(vm *VM, args []Value) (Value, error) {
	if err := exactArity("cons", args, 2); err != nil {
		return Nil, err
	}
	return vm.NewCons(args[0], args[1]), nil
}

func nativeFirst(vm *VM, args []Value) (Value, error) {
	if err := exactArity("first", args, 1); err != nil {
		return Nil, err
	}
	if args[0].IsNil() {
		return Nil, nil
	}
	if c, ok := vm.arena.Get(args[0]).(*ConsObject); ok {
		return c.Car, nil
	}
	if vec, ok := vm.arena.Get(args[0]).(*VectorObject); ok {
		if len(vec.Items) == 0 {
			return Nil, nil
		}
		return vec.Items[0], nil
	}
	return Nil, newTypeError(Position{}, "first expects a list or vector, got %s", vm.TypeName(args[0]))
}

func nativeRest(vm *VM, args []Value) (Value, error) {
	if err := exactArity("rest", args, 1); err != nil {
		return Nil, err
	}
	if args[0].IsNil() {
		return Nil, nil
	}
	if c, ok := vm.arena.Get(args[0]).(*ConsObject); ok {
		return c.Cdr, nil
	}
	if vec, ok := vm.arena.Get(args[0]).(*VectorObject); ok {
		if len(vec.Items) <= 1 {
			return Nil, nil
		}
		return vm.NewList(vec.Items[1:]), nil
	}
	return Nil, newTypeError(Position{}, "rest expects a list or vector, got %s", vm.TypeName(args[0]))
}

func nativeCount(vm *VM, args []Value) (Value, error) {
	if err := exactArity("count", args, 1); err != nil {
		return Nil, err
	}
	v := args[0]
	if v.IsNil() {
		return FromInt(0), nil
	}
	switch o := vm.arena.Get(v).(type) {
	case *StringObject:
		return FromInt(int64(len(o.S))), nil
	case *VectorObject:
		return FromInt(int64(len(o.Items))), nil
	case *MapObject:
		return FromInt(int64(len(o.Entries))), nil
	case *SetObject:
		return FromInt(int64(len(o.Items))), nil
	case *ConsObject:
		n := int64(0)
		for {
			n++
			if o.Cdr.IsNil() {
				return FromInt(n), nil
			}
			next, ok := vm.arena.Get(o.Cdr).(*ConsObject)
			if !ok {
				return Nil, newTypeError(Position{}, "count expects a proper list, found %s tail", vm.TypeName(o.Cdr))
			}
			o = next
		}
	}
	return Nil, newTypeError(Position{}, "count expects a collection, got %s", vm.TypeName(v))
}

func nativeNth(vm *VM, args []Value) (Value, error) {
	if err := exactArity("nth", args, 2); err != nil {
		return Nil, err
	}
	if !args[1].IsInt() {
		return Nil, newTypeError(Position{}, "nth expects an integer index, got %s", vm.TypeName(args[1]))
	}
	idx := args[1].Int()
	if idx < 0 {
		return Nil, newTypeError(Position{}, "nth index out of range: %d", idx)
	}
	switch o := vm.arena.Get(args[0]).(type) {
	case *VectorObject:
		if idx >= int64(len(o.Items)) {
			return Nil, newTypeError(Position{}, "nth index out of range: %d of %d", idx, len(o.Items))
		}
		return o.Items[idx], nil
	case *ConsObject:
		for i := int64(0); ; i++ {
			if i == idx {
				return o.Car, nil
			}
			next, ok := vm.arena.Get(o.Cdr).(*ConsObject)
			if !ok {
				return Nil, newTypeError(Position{}, "nth index out of range: %d", idx)
			}
			o = next
		}
	}
	return Nil, newTypeError(Position{}, "nth expects a list or vector, got %s", vm.TypeName(args[0]))
}

func nativeVector(vm *VM, args []Value) (Value, error) {
	return vm.NewVector(args), nil
}

func nativeGet(vm *VM, args []Value) (Value, error) {
	if len(args) != 2 && len(args) != 3 {
		return Nil, arityError(Position{}, "get", "2 or 3", len(args))
	}
	missing := Nil
	if len(args) == 3 {
		missing = args[2]
	}
	switch o := vm.arena.Get(args[0]).(type) {
	case *MapObject:
		if v, ok := o.Entries[args[1]]; ok {
			return v, nil
		}
		return missing, nil
	case *SetObject:
		if _, ok := o.Items[args[1]]; ok {
			return args[1], nil
		}
		return missing, nil
	case *VectorObject:
		if args[1].IsInt() {
			idx := args[1].Int()
			if idx >= 0 && idx < int64(len(o.Items)) {
				return o.Items[idx], nil
			}
		}
		return missing, nil
	}
	if args[0].IsNil() {
		return missing, nil
	}
	return Nil, newTypeError(Position{}, "get expects a map, set or vector, got %s", vm.TypeName(args[0]))
}

func nativeAssoc(vm *VM, args []Value) (Value, error) {
	if err := exactArity("assoc", args, 3); err != nil {
		return Nil, err
	}
	switch o := vm.arena.Get(args[0]).(type) {
	case *MapObject:
		entries := make(map[Value]Value, len(o.Entries)+1)
		for k, v := range o.Entries {
			entries[k] = v
		}
		entries[args[1]] = args[2]
		return vm.arena.Alloc(&MapObject{Entries: entries}), nil
	case *VectorObject:
		if !args[1].IsInt() {
			return Nil, newTypeError(Position{}, "assoc on a vector expects an integer index, got %s", vm.TypeName(args[1]))
		}
		idx := args[1].Int()
		if idx < 0 || idx >= int64(len(o.Items)) {
			return Nil, newTypeError(Position{}, "assoc index out of range: %d of %d", idx, len(o.Items))
		}
		items := make([]Value, len(o.Items))
		copy(items, o.Items)
		items[idx] = args[2]
		return vm.arena.Alloc(&VectorObject{Items: items}), nil
	}
	if args[0].IsNil() {
		return vm.arena.Alloc(&MapObject{Entries: map[Value]Value{args[1]: args[2]}}), nil
	}
	return Nil, newTypeError(Position{}, "assoc expects a map or vector, got %s", vm.TypeName(args[0]))
}

// nativePut mutates a map in place, unlike assoc which copies. The
// arena is told about the footprint change so the collection trigger
// stays honest.
func nativePut(vm *VM, args []Value) (Value, error) {
	if err := exactArity("put!", args, 3); err != nil {
		return Nil, err
	}
	mo, ok := vm.arena.Get(args[0]).(*MapObject)
	if !ok {
		return Nil, newTypeError(Position{}, "put! expects a map, got %s", vm.TypeName(args[0]))
	}
	mo.Entries[args[1]] = args[2]
	vm.arena.resize(args[0])
	return args[0], nil
}

func nativeStr(vm *VM, args []Value) (Value, error) {
	var sb strings.Builder
	for _, v := range args {
		if v.IsNil() {
			continue
		}
		sb.WriteString(vm.Display(v))
	}
	return vm.NewString(sb.String()), nil
}

func nativeType(vm *VM, args []Value) (Value, error) {
	if err := exactArity("type", args, 1); err != nil {
		return Nil, err
	}
	return FromKeywordID(vm.Keywords.Intern(vm.TypeName(args[0]))), nil
}

func nativePrintln(vm *VM, args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, v := range args {
		parts[i] = vm.Display(v)
	}
	fmt.Fprintln(vm.Stdout, strings.Join(parts, " "))
	return Nil, nil
}

// ---------------------------------------------------------------------------
// Futures
// ---------------------------------------------------------------------------

func nativeFuture(vm *VM, args []Value) (Value, error) {
	if err := exactArity("future", args, 0); err != nil {
		return Nil, err
	}
	return vm.NewFuture(), nil
}

func nativeComplete(vm *VM, args []Value) (Value, error) {
	if err := exactArity("complete", args, 2); err != nil {
		return Nil, err
	}
	// ErrFutureDoubleCompletion propagates as a non-runtime error: it
	// is fatal to the calling task and bypasses try handlers.
	if err := vm.sched.resolveFuture(args[0], args[1], false); err != nil {
		return Nil, err
	}
	return args[0], nil
}

func nativeFail(vm *VM, args []Value) (Value, error) {
	if err := exactArity("fail", args, 2); err != nil {
		return Nil, err
	}
	errVal := args[1]
	if _, ok := vm.arena.Get(errVal).(*ErrorObject); !ok {
		errVal = vm.arena.Alloc(&ErrorObject{
			ErrKind: UserError,
			Message: vm.Display(args[1]),
			Data:    args[1],
		})
	}
	if err := vm.sched.resolveFuture(args[0], errVal, true); err != nil {
		return Nil, err
	}
	return args[0], nil
}

func nativeIsFuture(vm *VM, args []Value) (Value, error) {
	if err := exactArity("future?", args, 1); err != nil {
		return Nil, err
	}
	switch vm.arena.Get(args[0]).(type) {
	case *FutureObject, *GoroutineObject:
		return True, nil
	}
	return False, nil
}

// ---------------------------------------------------------------------------
// Collector controls
// ---------------------------------------------------------------------------

func nativeGC(vm *VM, args []Value) (Value, error) {
	if err := exactArity("gc", args, 0); err != nil {
		return Nil, err
	}
	vm.collect()
	return Nil, nil
}

func nativeGCStats(vm *VM, args []Value) (Value, error) {
	if err := exactArity("gc-stats", args, 0); err != nil {
		return Nil, err
	}
	st := vm.Stats()
	key := func(name string) Value { return FromKeywordID(vm.Keywords.Intern(name)) }
	entries := map[Value]Value{
		key("live-bytes"):    FromInt(int64(st.LiveBytes)),
		key("live-objects"):  FromInt(int64(st.LiveObjects)),
		key("collections"):   FromInt(int64(st.Collections)),
		key("last-swept"):    FromInt(int64(st.LastSwept)),
		key("last-pause-us"): FromInt(st.LastPause.Microseconds()),
	}
	return vm.arena.Alloc(&MapObject{Entries: entries}), nil
}
