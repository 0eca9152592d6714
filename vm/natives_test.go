package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func callNative(t *testing.T, vm *VM, name string, args ...Value) (Value, error) {
	t.Helper()
	fnVal, ok := vm.Global(name)
	if !ok {
		t.Fatalf("native %q not registered", name)
	}
	fn := vm.arena.Get(fnVal).(*NativeRefObject)
	return fn.Fn(vm, args)
}

func mustCall(t *testing.T, vm *VM, name string, args ...Value) Value {
	t.Helper()
	v, err := callNative(t, vm, name, args...)
	if err != nil {
		t.Fatalf("(%s ...): %v", name, err)
	}
	return v
}

func TestListConsFirstRest(t *testing.T) {
	vm := New(testConfig())
	l := mustCall(t, vm, "list", FromInt(1), FromInt(2), FromInt(3))
	if vm.Format(l) != "(1 2 3)" {
		t.Fatalf("list prints %s", vm.Format(l))
	}
	if v := mustCall(t, vm, "first", l); v.Int() != 1 {
		t.Fatal("first")
	}
	rest := mustCall(t, vm, "rest", l)
	if vm.Format(rest) != "(2 3)" {
		t.Fatalf("rest prints %s", vm.Format(rest))
	}
	c := mustCall(t, vm, "cons", FromInt(0), l)
	if vm.Format(c) != "(0 1 2 3)" {
		t.Fatalf("cons prints %s", vm.Format(c))
	}
	if v := mustCall(t, vm, "first", Nil); !v.IsNil() {
		t.Fatal("(first nil) must be nil")
	}
}

func TestCountAndNth(t *testing.T) {
	vm := New(testConfig())
	l := mustCall(t, vm, "list", FromInt(10), FromInt(20))
	if mustCall(t, vm, "count", l).Int() != 2 {
		t.Fatal("count list")
	}
	if mustCall(t, vm, "count", Nil).Int() != 0 {
		t.Fatal("count nil")
	}
	if mustCall(t, vm, "count", vm.NewString("abc")).Int() != 3 {
		t.Fatal("count string")
	}
	vec := mustCall(t, vm, "vector", FromInt(5), FromInt(6))
	if mustCall(t, vm, "nth", vec, FromInt(1)).Int() != 6 {
		t.Fatal("nth vector")
	}
	if mustCall(t, vm, "nth", l, FromInt(0)).Int() != 10 {
		t.Fatal("nth list")
	}
	if _, err := callNative(t, vm, "nth", vec, FromInt(9)); err == nil {
		t.Fatal("nth out of range must fail")
	}
}

func TestGetAssoc(t *testing.T) {
	vm := New(testConfig())
	k := FromKeywordID(vm.Keywords.Intern("a"))
	m := mustCall(t, vm, "assoc", Nil, k, FromInt(1))
	if mustCall(t, vm, "get", m, k).Int() != 1 {
		t.Fatal("assoc/get")
	}
	if v := mustCall(t, vm, "get", m, FromInt(99)); !v.IsNil() {
		t.Fatal("get miss must be nil")
	}
	if v := mustCall(t, vm, "get", m, FromInt(99), FromInt(-1)); v.Int() != -1 {
		t.Fatal("get miss must honor the default")
	}

	// assoc copies; the original is untouched.
	m2 := mustCall(t, vm, "assoc", m, k, FromInt(2))
	if mustCall(t, vm, "get", m, k).Int() != 1 {
		t.Fatal("assoc must not mutate its input")
	}
	if mustCall(t, vm, "get", m2, k).Int() != 2 {
		t.Fatal("assoc result missing the new value")
	}

	vec := mustCall(t, vm, "vector", FromInt(1), FromInt(2))
	vec2 := mustCall(t, vm, "assoc", vec, FromInt(0), FromInt(9))
	if mustCall(t, vm, "nth", vec2, FromInt(0)).Int() != 9 {
		t.Fatal("assoc on vector")
	}
	if mustCall(t, vm, "nth", vec, FromInt(0)).Int() != 1 {
		t.Fatal("vector assoc must copy")
	}
}

func TestPutMutates(t *testing.T) {
	vm := New(testConfig())
	k := FromKeywordID(vm.Keywords.Intern("n"))
	m := mustCall(t, vm, "assoc", Nil, k, FromInt(1))
	before := vm.arena.LiveBytes()
	mustCall(t, vm, "put!", m, FromInt(2), FromInt(3))
	if mustCall(t, vm, "get", m, FromInt(2)).Int() != 3 {
		t.Fatal("put! must mutate in place")
	}
	if vm.arena.LiveBytes() <= before {
		t.Fatal("put! must grow the accounted footprint")
	}
	if _, err := callNative(t, vm, "put!", FromInt(1), Nil, Nil); err == nil {
		t.Fatal("put! on a non-map must fail")
	}
}

func TestStrAndType(t *testing.T) {
	vm := New(testConfig())
	s := mustCall(t, vm, "str", vm.NewString("x="), FromInt(5), Nil, True)
	if so := vm.arena.Get(s).(*StringObject); so.S != "x=5true" {
		t.Fatalf("str = %q", so.S)
	}
	ty := mustCall(t, vm, "type", vm.NewString("s"))
	if vm.Keywords.Name(ty.KeywordID()) != "string" {
		t.Fatal("type of string")
	}
	ty = mustCall(t, vm, "type", FromInt(1))
	if vm.Keywords.Name(ty.KeywordID()) != "number" {
		t.Fatal("type of int")
	}
}

func TestPrintlnWritesToStdout(t *testing.T) {
	vm := New(testConfig())
	var buf bytes.Buffer
	vm.Stdout = &buf
	mustCall(t, vm, "println", vm.NewString("hello"), FromInt(1))
	if got := buf.String(); got != "hello 1\n" {
		t.Fatalf("println wrote %q", got)
	}
}

func TestFutureNatives(t *testing.T) {
	vm := New(testConfig())
	fut := mustCall(t, vm, "future")
	if v := mustCall(t, vm, "future?", fut); !v.Bool() {
		t.Fatal("future? on a future")
	}
	if v := mustCall(t, vm, "future?", FromInt(1)); v.Bool() {
		t.Fatal("future? on an int")
	}

	mustCall(t, vm, "complete", fut, FromInt(9))
	fo := vm.arena.Get(fut).(*FutureObject)
	if fo.State != FutureCompleted || fo.Result.Int() != 9 {
		t.Fatal("complete did not resolve")
	}

	_, err := callNative(t, vm, "complete", fut, FromInt(10))
	if !errors.Is(err, ErrFutureDoubleCompletion) {
		t.Fatalf("second complete = %v", err)
	}

	failed := mustCall(t, vm, "future")
	mustCall(t, vm, "fail", failed, vm.NewString("why"))
	ffo := vm.arena.Get(failed).(*FutureObject)
	if ffo.State != FutureFailed {
		t.Fatal("fail did not resolve")
	}
	eo, ok := vm.arena.Get(ffo.Result).(*ErrorObject)
	if !ok || !strings.Contains(eo.Message, "why") {
		t.Fatal("fail must wrap the value in an error object")
	}
}

func TestGCNatives(t *testing.T) {
	vm := New(testConfig())
	vm.NewString("garbage")
	mustCall(t, vm, "gc")
	stats := mustCall(t, vm, "gc-stats")
	mo := vm.arena.Get(stats).(*MapObject)
	collections := mo.Entries[FromKeywordID(vm.Keywords.Intern("collections"))]
	if collections.Int() != 1 {
		t.Fatalf("collections = %s, want 1", vm.Format(collections))
	}
}
