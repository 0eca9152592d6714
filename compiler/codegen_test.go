package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/lumen/manifest"
	"github.com/chazu/lumen/vm"
)

func newVM() *vm.VM {
	cfg := manifest.Default()
	cfg.GC.ThresholdBytes = 1 << 30
	return vm.New(cfg)
}

func run(t *testing.T, forms ...Node) (*vm.VM, vm.Value) {
	t.Helper()
	m := newVM()
	chunk, err := CompileProgram(forms)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	v, err := m.Run(chunk)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, chunk.Disassemble())
	}
	return m, v
}

func runErr(t *testing.T, forms ...Node) error {
	t.Helper()
	m := newVM()
	chunk, err := CompileProgram(forms)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, err = m.Run(chunk)
	if err == nil {
		t.Fatal("expected a runtime error")
	}
	return err
}

func TestLiterals(t *testing.T) {
	if _, v := run(t, Int(42)); v.Int() != 42 {
		t.Fatal("int literal")
	}
	if _, v := run(t, Float(2.5)); v.Float64() != 2.5 {
		t.Fatal("float literal")
	}
	if _, v := run(t, Bool{Value: true}); !v.Bool() {
		t.Fatal("bool literal")
	}
	if _, v := run(t, NilLit{}); !v.IsNil() {
		t.Fatal("nil literal")
	}
	m, v := run(t, String("hi"))
	if m.Display(v) != "hi" {
		t.Fatal("string literal")
	}
	m, v = run(t, Key("name"))
	if !v.IsKeyword() || m.Keywords.Name(v.KeywordID()) != "name" {
		t.Fatal("keyword literal")
	}
}

func TestDefAndGlobalReference(t *testing.T) {
	_, v := run(t,
		Form(Sym("def"), Sym("x"), Int(42)),
		Form(Sym("+"), Sym("x"), Int(8)),
	)
	if v.Int() != 50 {
		t.Fatalf("got %d, want 50", v.Int())
	}
}

func TestArithmeticFolding(t *testing.T) {
	if _, v := run(t, Form(Sym("+"), Int(1), Int(2), Int(3), Int(4))); v.Int() != 10 {
		t.Fatalf("(+ 1 2 3 4) = %d", v.Int())
	}
	if _, v := run(t, Form(Sym("-"), Int(10), Int(3), Int(2))); v.Int() != 5 {
		t.Fatalf("(- 10 3 2) = %d", v.Int())
	}
	if _, v := run(t, Form(Sym("-"), Int(4))); v.Int() != -4 {
		t.Fatalf("(- 4) = %d", v.Int())
	}
	if _, v := run(t, Form(Sym("*"))); v.Int() != 1 {
		t.Fatalf("(*) = %d", v.Int())
	}
	if _, v := run(t, Form(Sym("/"), Int(1), Int(2))); v.Float64() != 0.5 {
		t.Fatal("(/ 1 2)")
	}
}

func TestComparisonChain(t *testing.T) {
	if _, v := run(t, Form(Sym("<"), Int(1), Int(2), Int(3))); !v.Bool() {
		t.Fatal("(< 1 2 3) must hold")
	}
	if _, v := run(t, Form(Sym("<"), Int(1), Int(3), Int(2))); v.Bool() {
		t.Fatal("(< 1 3 2) must not hold")
	}
	if _, v := run(t, Form(Sym("="), Int(2), Int(2))); !v.Bool() {
		t.Fatal("(= 2 2)")
	}
	if _, v := run(t, Form(Sym("not="), Int(1), Int(2))); !v.Bool() {
		t.Fatal("(not= 1 2)")
	}
	if _, v := run(t, Form(Sym("not"), NilLit{})); !v.Bool() {
		t.Fatal("(not nil)")
	}
}

func TestIf(t *testing.T) {
	m, v := run(t, Form(Sym("if"), Form(Sym("<"), Int(1), Int(2)), String("yes"), String("no")))
	if m.Display(v) != "yes" {
		t.Fatalf("got %s", m.Display(v))
	}
	if _, v := run(t, Form(Sym("if"), NilLit{}, Int(1))); !v.IsNil() {
		t.Fatal("missing else branch must yield nil")
	}
}

func TestAndOr(t *testing.T) {
	if _, v := run(t, Form(Sym("and"), Int(1), Int(2), Int(3))); v.Int() != 3 {
		t.Fatal("(and 1 2 3)")
	}
	if _, v := run(t, Form(Sym("and"), Int(1), NilLit{}, Int(3))); !v.IsNil() {
		t.Fatal("(and 1 nil 3)")
	}
	if _, v := run(t, Form(Sym("or"), NilLit{}, Bool{Value: false}, Int(5))); v.Int() != 5 {
		t.Fatal("(or nil false 5)")
	}
	if _, v := run(t, Form(Sym("and"))); !v.Bool() {
		t.Fatal("(and)")
	}
}

func TestLetAndDo(t *testing.T) {
	_, v := run(t, Form(Sym("let"), Vec(Sym("a"), Int(3), Sym("b"), Form(Sym("+"), Sym("a"), Int(4))),
		Form(Sym("*"), Sym("a"), Sym("b"))))
	if v.Int() != 21 {
		t.Fatalf("got %d, want 21", v.Int())
	}
	_, v = run(t, Form(Sym("do"), Int(1), Int(2), Int(3)))
	if v.Int() != 3 {
		t.Fatal("(do 1 2 3)")
	}
}

func TestFnCallAndArity(t *testing.T) {
	_, v := run(t,
		Form(Sym("def"), Sym("add2"), Form(Sym("fn"), Vec(Sym("a"), Sym("b")), Form(Sym("+"), Sym("a"), Sym("b")))),
		Form(Sym("add2"), Int(20), Int(22)),
	)
	if v.Int() != 42 {
		t.Fatalf("got %d", v.Int())
	}

	err := runErr(t,
		Form(Sym("def"), Sym("add2"), Form(Sym("fn"), Vec(Sym("a"), Sym("b")), Form(Sym("+"), Sym("a"), Sym("b")))),
		Form(Sym("add2"), Int(1)),
	)
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || !strings.Contains(rerr.Message, "expects 2 arguments, got 1") {
		t.Fatalf("arity error = %v", err)
	}
}

func TestVariadicFn(t *testing.T) {
	_, v := run(t,
		Form(Sym("def"), Sym("tally"), Form(Sym("fn"), Vec(Sym("a"), Sym("&"), Sym("rest")), Form(Sym("count"), Sym("rest")))),
		Form(Sym("tally"), Int(1), Int(2), Int(3), Int(4)),
	)
	if v.Int() != 3 {
		t.Fatalf("rest count = %d, want 3", v.Int())
	}

	err := runErr(t,
		Form(Sym("def"), Sym("tally"), Form(Sym("fn"), Vec(Sym("a"), Sym("&"), Sym("rest")), Sym("rest"))),
		Form(Sym("tally")),
	)
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || !strings.Contains(rerr.Message, "at least 1") {
		t.Fatalf("variadic arity error = %v", err)
	}
}

func TestNamedFnRecursion(t *testing.T) {
	_, v := run(t,
		Form(Sym("def"), Sym("fact"),
			Form(Sym("fn"), Sym("fact"), Vec(Sym("n")),
				Form(Sym("if"), Form(Sym("<"), Sym("n"), Int(2)),
					Int(1),
					Form(Sym("*"), Sym("n"), Form(Sym("fact"), Form(Sym("-"), Sym("n"), Int(1))))))),
		Form(Sym("fact"), Int(10)),
	)
	if v.Int() != 3628800 {
		t.Fatalf("10! = %d", v.Int())
	}
}

func TestTailCallDoesNotGrowStack(t *testing.T) {
	// 100000 iterations against a frame limit of 1024: only constant
	// frame replacement survives this.
	m, v := run(t,
		Form(Sym("def"), Sym("spin"),
			Form(Sym("fn"), Sym("spin"), Vec(Sym("n")),
				Form(Sym("if"), Form(Sym("="), Sym("n"), Int(0)),
					Key("done"),
					Form(Sym("spin"), Form(Sym("-"), Sym("n"), Int(1)))))),
		Form(Sym("spin"), Int(100000)),
	)
	if !v.IsKeyword() || m.Keywords.Name(v.KeywordID()) != "done" {
		t.Fatalf("got %s", m.Format(v))
	}
}

func TestClosureCapturesSharedCell(t *testing.T) {
	_, v := run(t,
		Form(Sym("let"), Vec(
			Sym("n"), Int(0),
			Sym("bump"), Form(Sym("fn"), Vec(), Form(Sym("do"),
				Form(Sym("set!"), Sym("n"), Form(Sym("+"), Sym("n"), Int(1))),
				Sym("n")))),
			Form(Sym("bump")),
			Form(Sym("bump")),
			Form(Sym("bump")),
		),
	)
	if v.Int() != 3 {
		t.Fatalf("counter = %d, want 3", v.Int())
	}
}

func TestUpvalueClosesWhenFramePops(t *testing.T) {
	_, v := run(t,
		Form(Sym("def"), Sym("make"),
			Form(Sym("fn"), Vec(),
				Form(Sym("let"), Vec(Sym("y"), Int(7)),
					Form(Sym("fn"), Vec(), Sym("y"))))),
		Form(Sym("def"), Sym("g"), Form(Sym("make"))),
		Form(Sym("g")),
	)
	if v.Int() != 7 {
		t.Fatalf("closed-over value = %d, want 7", v.Int())
	}
}

func TestQuote(t *testing.T) {
	m, v := run(t, Form(Sym("quote"), Form(Int(1), Int(2), Int(3))))
	if m.Format(v) != "(1 2 3)" {
		t.Fatalf("quoted list prints %s", m.Format(v))
	}
	m, v = run(t, Form(Sym("quote"), Sym("hello")))
	if !v.IsSymbol() || m.Symbols.Name(v.SymbolID()) != "hello" {
		t.Fatal("quoted symbol")
	}
}

func TestCollectionLiterals(t *testing.T) {
	m, v := run(t, Vec(Int(1), Int(2), Int(3)))
	if m.Format(v) != "[1 2 3]" {
		t.Fatalf("vector prints %s", m.Format(v))
	}

	m, v = run(t, Form(Sym("get"),
		MapNode{Keys: []Node{Key("a")}, Vals: []Node{Int(1)}},
		Key("a")))
	if v.Int() != 1 {
		t.Fatal("map literal lookup")
	}

	m, v = run(t, Form(Sym("get"),
		SetNode{Items: []Node{Int(5), Int(6)}},
		Int(5)))
	if v.Int() != 5 {
		t.Fatal("set literal membership")
	}
}

func TestTryCatch(t *testing.T) {
	m, v := run(t,
		Form(Sym("try"),
			Form(Sym("throw"), String("bad")),
			Form(Sym("catch"), Sym("e"), String("caught"))))
	if m.Display(v) != "caught" {
		t.Fatalf("got %s", m.Display(v))
	}

	// The bound error is a first-class value.
	m, v = run(t,
		Form(Sym("try"),
			Form(Sym("+"), Int(1), NilLit{}),
			Form(Sym("catch"), Sym("e"), Sym("e"))))
	if m.TypeName(v) != "error" {
		t.Fatalf("caught %s, want error object", m.TypeName(v))
	}

	// No raise: the body value flows through.
	_, v = run(t,
		Form(Sym("try"), Int(9), Form(Sym("catch"), Sym("e"), Int(0))))
	if v.Int() != 9 {
		t.Fatal("try body value lost")
	}
}

func TestThrowUncaught(t *testing.T) {
	err := runErr(t, Form(Sym("throw"), String("boom")))
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || rerr.Kind != vm.UserError {
		t.Fatalf("got %v", err)
	}
}

func TestGoAndDeref(t *testing.T) {
	_, v := run(t, Form(Sym("deref"), Form(Sym("go"), Form(Sym("+"), Int(1), Int(2)))))
	if v.Int() != 3 {
		t.Fatalf("(deref (go (+ 1 2))) = %d", v.Int())
	}
}

func TestGoErrorSurfacesAtDeref(t *testing.T) {
	err := runErr(t, Form(Sym("deref"), Form(Sym("go"), Form(Sym("throw"), String("worker died")))))
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || !strings.Contains(rerr.Message, "worker died") {
		t.Fatalf("got %v", err)
	}
}

func TestGoroutinesInterleave(t *testing.T) {
	// The yielding goroutine must resolve last even though it was
	// spawned first.
	m, v := run(t,
		Form(Sym("def"), Sym("a"), Form(Sym("go"), Form(Sym("do"), Form(Sym("yield")), Form(Sym("yield")), Key("a")))),
		Form(Sym("def"), Sym("b"), Form(Sym("go"), Key("b"))),
		Form(Sym("deref"), Sym("a")),
	)
	if !v.IsKeyword() || m.Keywords.Name(v.KeywordID()) != "a" {
		t.Fatalf("got %s", m.Format(v))
	}
}

func TestFutureHandoff(t *testing.T) {
	_, v := run(t,
		Form(Sym("def"), Sym("fut"), Form(Sym("future"))),
		Form(Sym("def"), Sym("w"), Form(Sym("go"), Form(Sym("deref"), Sym("fut")))),
		Form(Sym("complete"), Sym("fut"), Int(5)),
		Form(Sym("deref"), Sym("w")),
	)
	if v.Int() != 5 {
		t.Fatalf("handoff = %d, want 5", v.Int())
	}
}

func TestFatalErrorClosesEscapedUpvalues(t *testing.T) {
	// A double completion kills the task with frames still stacked; the
	// unwind must close the let binding's upvalue so the escaped
	// closure keeps its captured string across a collection.
	m := newVM()
	chunk, err := CompileProgram([]Node{
		Form(Sym("def"), Sym("leak"),
			Form(Sym("let"), Vec(Sym("x"), Form(Sym("str"), String("keep"), String("me"))),
				Form(Sym("fn"), Vec(), Sym("x")))),
		Form(Sym("def"), Sym("f"), Form(Sym("future"))),
		Form(Sym("complete"), Sym("f"), Int(1)),
		Form(Sym("complete"), Sym("f"), Int(1)),
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := m.Run(chunk); err == nil {
		t.Fatal("second complete must kill the task")
	}
	m.CollectNow()

	call, err := CompileProgram([]Node{Form(Sym("leak"))})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	v, err := m.Run(call)
	if err != nil {
		t.Fatalf("calling the escaped closure: %v", err)
	}
	if m.Display(v) != "keepme" {
		t.Fatalf("captured value = %s, want \"keepme\"", m.Format(v))
	}
}

func TestRunLeavesSpawnedWorkQueued(t *testing.T) {
	// The top-level context finishes first; the still-queued worker
	// resumes on later Step calls.
	m := newVM()
	chunk, err := CompileProgram([]Node{
		Form(Sym("def"), Sym("done"), Bool{Value: false}),
		Form(Sym("go"), Form(Sym("do"),
			Form(Sym("yield")),
			Form(Sym("set!"), Sym("done"), Bool{Value: true}))),
		Int(0),
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := m.Run(chunk); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v, _ := m.Global("done"); v.Bool() {
		t.Fatal("worker must not have finished inside Run")
	}
	for m.Step() {
	}
	if v, _ := m.Global("done"); !v.Bool() {
		t.Fatal("queued worker must finish once the host steps again")
	}
}

func TestSharedCounterLosesNoUpdate(t *testing.T) {
	// Each worker yields between its increments, but every
	// read-modify-write runs inside one slice, so all six land.
	inc2 := Form(Sym("fn"), Vec(),
		Form(Sym("do"),
			Form(Sym("yield")),
			Form(Sym("set!"), Sym("n"), Form(Sym("+"), Sym("n"), Int(1))),
			Form(Sym("yield")),
			Form(Sym("set!"), Sym("n"), Form(Sym("+"), Sym("n"), Int(1)))))
	_, v := run(t,
		Form(Sym("def"), Sym("n"), Int(0)),
		Form(Sym("def"), Sym("inc2"), inc2),
		Form(Sym("def"), Sym("a"), Form(Sym("go"), Form(Sym("inc2")))),
		Form(Sym("def"), Sym("b"), Form(Sym("go"), Form(Sym("inc2")))),
		Form(Sym("def"), Sym("c"), Form(Sym("go"), Form(Sym("inc2")))),
		Form(Sym("deref"), Sym("a")),
		Form(Sym("deref"), Sym("b")),
		Form(Sym("deref"), Sym("c")),
		Sym("n"),
	)
	if v.Int() != 6 {
		t.Fatalf("n = %d, want 6", v.Int())
	}
}

func TestCatchFailedGoroutineFuture(t *testing.T) {
	// The worker's error re-raises at the deref site, inside the try.
	m, v := run(t,
		Form(Sym("try"),
			Form(Sym("deref"), Form(Sym("go"), Form(Sym("throw"), String("worker died")))),
			Form(Sym("catch"), Sym("e"), Sym("e"))))
	if m.TypeName(v) != "error" {
		t.Fatalf("caught %s, want error object", m.TypeName(v))
	}
}

func TestFailedFutureRaisesAtDeref(t *testing.T) {
	err := runErr(t,
		Form(Sym("def"), Sym("fut"), Form(Sym("future"))),
		Form(Sym("fail"), Sym("fut"), String("no luck")),
		Form(Sym("deref"), Sym("fut")),
	)
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || !strings.Contains(rerr.Message, "no luck") {
		t.Fatalf("got %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		form Node
		want string
	}{
		{"empty call", Form(), "empty list"},
		{"bad def", Form(Sym("def"), Int(1), Int(2)), "def expects a symbol"},
		{"short def", Form(Sym("def"), Sym("x")), "def expects"},
		{"bad let", Form(Sym("let"), Int(1)), "binding vector"},
		{"odd let", Form(Sym("let"), Vec(Sym("a"))), "pair names with values"},
		{"bad fn param", Form(Sym("fn"), Vec(Int(1)), Int(2)), "parameter must be a symbol"},
		{"dangling rest", Form(Sym("fn"), Vec(Sym("a"), Sym("&")), Int(2)), "rest parameter name"},
		{"bad try", Form(Sym("try"), Int(1), Int(2)), "catch"},
		{"bad if", Form(Sym("if"), Int(1)), "if expects"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.form)
			var cerr *vm.CompileError
			if !errors.As(err, &cerr) {
				t.Fatalf("got %v, want *vm.CompileError", err)
			}
			if !strings.Contains(cerr.Message, tc.want) {
				t.Fatalf("message %q does not mention %q", cerr.Message, tc.want)
			}
		})
	}
}

func TestCompileErrorCarriesPosition(t *testing.T) {
	form := List{
		Items: []Node{Sym("def"), Int(1), Int(2)},
		P:     vm.Position{Line: 4, Column: 2},
	}
	bad := Number{IsInt: true, Int: 1, P: vm.Position{Line: 4, Column: 7}}
	form.Items[1] = bad
	_, err := Compile(form)
	var cerr *vm.CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v", err)
	}
	if cerr.Pos.Line != 4 || cerr.Pos.Column != 7 {
		t.Fatalf("pos = %v, want 4:7", cerr.Pos)
	}
}

func TestRuntimeErrorCarriesPosition(t *testing.T) {
	form := List{
		Items: []Node{Sym("+"), Int(1), NilLit{}},
		P:     vm.Position{Line: 9, Column: 1},
	}
	m := newVM()
	chunk, err := Compile(form)
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Run(chunk)
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("got %v", err)
	}
	if rerr.Pos.Line != 9 {
		t.Fatalf("pos = %v, want line 9", rerr.Pos)
	}
}

func TestNestedChunkDisassembly(t *testing.T) {
	chunk, err := Compile(Form(Sym("fn"), Vec(Sym("x")), Form(Sym("+"), Sym("x"), Int(1))))
	if err != nil {
		t.Fatal(err)
	}
	text := chunk.Disassemble()
	if !strings.Contains(text, "MAKE_CLOSURE") || !strings.Contains(text, "ADD") {
		t.Fatalf("disassembly incomplete:\n%s", text)
	}
}
