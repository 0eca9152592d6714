package vm

import "testing"

func TestCollectSweepsUnreachable(t *testing.T) {
	vm := New(testConfig())
	before := vm.arena.LiveObjects()
	vm.NewString("garbage")
	vm.NewCons(FromInt(1), Nil)
	vm.CollectNow()
	if got := vm.arena.LiveObjects(); got != before {
		t.Fatalf("LiveObjects = %d, want %d after sweeping garbage", got, before)
	}
}

func TestCollectKeepsGlobalRoots(t *testing.T) {
	vm := New(testConfig())
	inner := vm.NewString("kept")
	vec := vm.NewVector([]Value{inner, FromInt(7)})
	vm.SetGlobal("data", vec)

	vm.CollectNow()

	vo, ok := vm.arena.Get(vec).(*VectorObject)
	if !ok {
		t.Fatal("rooted vector was reclaimed")
	}
	so, ok := vm.arena.Get(vo.Items[0]).(*StringObject)
	if !ok || so.S != "kept" {
		t.Fatal("transitively reachable string was reclaimed")
	}
}

func TestCollectReclaimsCycles(t *testing.T) {
	vm := New(testConfig())
	a := vm.NewCons(Nil, Nil)
	b := vm.NewCons(a, Nil)
	vm.arena.Get(a).(*ConsObject).Car = b // a <-> b cycle
	before := vm.arena.LiveObjects()

	vm.CollectNow()

	if got := vm.arena.LiveObjects(); got != before-2 {
		t.Fatalf("LiveObjects = %d, want %d (cycle must be reclaimed)", got, before-2)
	}
	if vm.arena.Get(a) != nil || vm.arena.Get(b) != nil {
		t.Fatal("cycle members must read as stale")
	}
}

func TestHandleIdentityStableAcrossCollect(t *testing.T) {
	vm := New(testConfig())
	h := vm.NewString("pinned")
	vm.SetGlobal("pin", h)
	obj := vm.arena.Get(h)

	for i := 0; i < 3; i++ {
		vm.CollectNow()
	}

	if vm.arena.Get(h) != obj {
		t.Fatal("handle must keep resolving to the same object across collections")
	}
}

func TestKeepAlivePinsAcrossCollect(t *testing.T) {
	vm := New(testConfig())
	h := vm.NewString("host held")
	vm.KeepAlive(h)
	vm.KeepAlive(h) // pins nest
	vm.ReleaseKeepAlive(h)

	vm.CollectNow()
	if vm.arena.Get(h) == nil {
		t.Fatal("pinned handle was reclaimed")
	}

	vm.ReleaseKeepAlive(h)
	vm.CollectNow()
	if vm.arena.Get(h) != nil {
		t.Fatal("fully released handle must be collectable")
	}
}

func TestCollectPanicsOnStaleRoot(t *testing.T) {
	vm := New(testConfig())
	h := vm.NewString("gone")
	vm.CollectNow() // reclaims h
	vm.SetGlobal("bad", h)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("collect with a stale root must panic")
		}
		if _, ok := r.(GCInvariantViolation); !ok {
			t.Fatalf("panic value is %T, want GCInvariantViolation", r)
		}
	}()
	vm.CollectNow()
}

func TestStatsAndCensus(t *testing.T) {
	vm := New(testConfig())
	vm.SetGlobal("s", vm.NewString("x"))
	vm.SetGlobal("c", vm.NewCons(Nil, Nil))
	vm.CollectNow()

	st := vm.Stats()
	if st.Collections != 1 {
		t.Fatalf("Collections = %d, want 1", st.Collections)
	}
	if st.LiveObjects != vm.arena.LiveObjects() {
		t.Fatal("Stats must reflect arena accounting")
	}

	census := vm.Census()
	if census["string"] < 1 {
		t.Fatalf("census missing strings: %v", census)
	}
	if census["cons"] < 1 {
		t.Fatalf("census missing cons cells: %v", census)
	}
}
