package vm

import (
	"math"
	"testing"
)

func TestFloatRoundtrip(t *testing.T) {
	cases := []float64{0, 1, -1, 3.14159, math.MaxFloat64, math.SmallestNonzeroFloat64, math.Inf(1), math.Inf(-1)}
	for _, f := range cases {
		v := FromFloat64(f)
		if !v.IsFloat() {
			t.Errorf("FromFloat64(%v) not a float", f)
		}
		if got := v.Float64(); got != f {
			t.Errorf("Float64() = %v, want %v", got, f)
		}
	}
}

func TestNaNNormalization(t *testing.T) {
	v := FromFloat64(math.NaN())
	if !v.IsFloat() {
		t.Fatal("NaN must stay a float")
	}
	if v.IsHandle() || v.IsInt() || v.IsSymbol() {
		t.Fatal("NaN must not alias a tagged value")
	}
	if !math.IsNaN(v.Float64()) {
		t.Fatal("normalized NaN must still be NaN")
	}
	// Arithmetic on a normalized NaN cannot fabricate a handle.
	w := FromFloat64(v.Float64() + 1)
	if w.Kind() != KindFloat {
		t.Fatalf("NaN+1 kind = %v, want float", w.Kind())
	}
}

func TestIntRoundtrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, MaxInt, MinInt, MaxInt - 1, MinInt + 1}
	for _, n := range cases {
		v := FromInt(n)
		if !v.IsInt() {
			t.Errorf("FromInt(%d) not an int", n)
		}
		if got := v.Int(); got != n {
			t.Errorf("Int() = %d, want %d", got, n)
		}
	}
}

func TestIntOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("FromInt(MaxInt+1) must panic")
		}
	}()
	FromInt(MaxInt + 1)
}

func TestSpecials(t *testing.T) {
	if !Nil.IsNil() || Nil.Kind() != KindNil {
		t.Error("Nil misclassified")
	}
	if !True.IsBool() || !True.Bool() {
		t.Error("True misclassified")
	}
	if !False.IsBool() || False.Bool() {
		t.Error("False misclassified")
	}
	if Nil == True || True == False {
		t.Error("specials must be distinct")
	}
}

func TestTruthiness(t *testing.T) {
	for _, v := range []Value{Nil, False} {
		if v.IsTruthy() {
			t.Errorf("%v must be falsy", v.Kind())
		}
	}
	for _, v := range []Value{True, FromInt(0), FromFloat64(0), FromSymbolID(0), FromKeywordID(0)} {
		if !v.IsTruthy() {
			t.Errorf("%v must be truthy", v.Kind())
		}
	}
}

func TestSymbolKeywordDistinct(t *testing.T) {
	s := FromSymbolID(7)
	k := FromKeywordID(7)
	if s == k {
		t.Fatal("symbol and keyword with equal IDs must differ")
	}
	if s.SymbolID() != 7 || k.KeywordID() != 7 {
		t.Fatal("ID payload lost")
	}
	if s.Kind() != KindSymbol || k.Kind() != KindKeyword {
		t.Fatal("kind misclassified")
	}
}

func TestHandleEncoding(t *testing.T) {
	v := fromHandle(12345, 42)
	if !v.IsHandle() || v.Kind() != KindHandle {
		t.Fatal("handle misclassified")
	}
	if v.handleIndex() != 12345 {
		t.Errorf("handleIndex = %d, want 12345", v.handleIndex())
	}
	if v.handleGen() != 42 {
		t.Errorf("handleGen = %d, want 42", v.handleGen())
	}
}

func TestKindIsTotal(t *testing.T) {
	// A few adversarial patterns: all decode to some kind without panic.
	patterns := []uint64{0, ^uint64(0), nanBits, nanBits | tagMask, nanBits | 0x0006000000000000}
	for _, p := range patterns {
		_ = Value(p).Kind()
	}
}

func TestSymbolTableIntern(t *testing.T) {
	st := NewSymbolTable()
	a := st.Intern("foo")
	b := st.Intern("bar")
	if a == b {
		t.Fatal("distinct names must get distinct IDs")
	}
	if st.Intern("foo") != a {
		t.Fatal("interning is not idempotent")
	}
	if st.Name(a) != "foo" || st.Name(b) != "bar" {
		t.Fatal("Name does not invert Intern")
	}
	if st.Len() != 2 {
		t.Fatalf("Len = %d, want 2", st.Len())
	}
}
