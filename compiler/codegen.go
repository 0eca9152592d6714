package compiler

import (
	"github.com/chazu/lumen/vm"
)

// maxRegisters is the addressable register file size; operands are one
// byte wide.
const maxRegisters = 256

// Compile translates a single top-level form into an executable chunk.
func Compile(form Node) (*vm.Chunk, error) {
	return CompileProgram([]Node{form})
}

// CompileProgram translates a sequence of top-level forms into one
// chunk that evaluates them in order and returns the last value.
func CompileProgram(forms []Node) (*vm.Chunk, error) {
	c := newCompiler(nil, "main")
	reg, emittedTail, err := c.compileSeq(forms, vm.Position{}, false)
	if err != nil {
		return nil, err
	}
	if !emittedTail {
		c.b.EmitA(vm.OpReturn, reg)
	}
	return c.finish(), nil
}

// ---------------------------------------------------------------------------
// Compiler state
// ---------------------------------------------------------------------------

type local struct {
	name  string
	reg   uint8
	depth int
}

type upvalue struct {
	isLocal bool
	index   uint8
	name    string
}

// compiler holds per-chunk compilation state. Nested fn forms get a
// fresh compiler linked through enclosing, which is how free variables
// resolve to upvalue captures.
type compiler struct {
	enclosing *compiler
	name      string

	b         *vm.BytecodeBuilder
	constants []vm.Constant
	lines     []vm.LineEntry

	locals     []local
	scopeDepth int
	upvalues   []upvalue

	numParams int
	variadic  bool
	selfRef   bool

	// nextReg is the next free register; locked is the floor below
	// which registers hold named locals and are never reused. high is
	// the register high-water mark.
	nextReg int
	locked  int
	high    int
}

func newCompiler(enclosing *compiler, name string) *compiler {
	return &compiler{
		enclosing: enclosing,
		name:      name,
		b:         vm.NewBytecodeBuilder(),
	}
}

func (c *compiler) finish() *vm.Chunk {
	return &vm.Chunk{
		Name:         c.name,
		Code:         c.b.Bytes(),
		Constants:    c.constants,
		NumParams:    c.numParams,
		Variadic:     c.variadic,
		SelfRef:      c.selfRef,
		NumRegisters: c.high,
		UpvalueCount: len(c.upvalues),
		Lines:        c.lines,
	}
}

// line records the source position of the instruction about to be
// emitted, collapsing runs at the same position.
func (c *compiler) line(pos vm.Position) {
	if pos.IsZero() {
		return
	}
	if n := len(c.lines); n > 0 && c.lines[n-1].Pos == pos {
		return
	}
	c.lines = append(c.lines, vm.LineEntry{PC: c.b.Len(), Pos: pos})
}

// ---------------------------------------------------------------------------
// Registers and scopes
// ---------------------------------------------------------------------------

func (c *compiler) alloc(pos vm.Position) (uint8, error) {
	if c.nextReg >= maxRegisters {
		return 0, vm.NewCompileError(pos, "function %q needs more than %d registers", c.name, maxRegisters)
	}
	r := uint8(c.nextReg)
	c.nextReg++
	if c.nextReg > c.high {
		c.high = c.nextReg
	}
	return r, nil
}

// mark and release bracket temporary register use. Named locals below
// the locked floor survive release.
func (c *compiler) mark() int { return c.nextReg }

func (c *compiler) release(m int) {
	if m < c.locked {
		m = c.locked
	}
	c.nextReg = m
}

// reserve claims n consecutive registers, returning the first.
func (c *compiler) reserve(n int, pos vm.Position) (uint8, error) {
	if c.nextReg+n > maxRegisters {
		return 0, vm.NewCompileError(pos, "function %q needs more than %d registers", c.name, maxRegisters)
	}
	r := uint8(c.nextReg)
	c.nextReg += n
	if c.nextReg > c.high {
		c.high = c.nextReg
	}
	return r, nil
}

func (c *compiler) beginScope() { c.scopeDepth++ }

func (c *compiler) endScope() {
	c.scopeDepth--
	for len(c.locals) > 0 && c.locals[len(c.locals)-1].depth > c.scopeDepth {
		c.locals = c.locals[:len(c.locals)-1]
	}
}

// bindLocal allocates a permanent register for name in the current
// scope.
func (c *compiler) bindLocal(name string, pos vm.Position) (uint8, error) {
	r, err := c.alloc(pos)
	if err != nil {
		return 0, err
	}
	c.locked = c.nextReg
	c.locals = append(c.locals, local{name: name, reg: r, depth: c.scopeDepth})
	return r, nil
}

// bindExisting aliases name to an already-allocated register (the
// catch variable binds to its handler register this way).
func (c *compiler) bindExisting(name string, reg uint8) {
	c.locals = append(c.locals, local{name: name, reg: reg, depth: c.scopeDepth})
}

func (c *compiler) resolveLocal(name string) (uint8, bool) {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].name == name {
			return c.locals[i].reg, true
		}
	}
	return 0, false
}

// resolveUpvalue resolves name through enclosing compilers, recording
// the capture chain. Returns the upvalue index or false when the name
// is not lexically visible.
func (c *compiler) resolveUpvalue(name string) (uint8, bool) {
	if c.enclosing == nil {
		return 0, false
	}
	if reg, ok := c.enclosing.resolveLocal(name); ok {
		return c.addUpvalue(upvalue{isLocal: true, index: reg, name: name}), true
	}
	if idx, ok := c.enclosing.resolveUpvalue(name); ok {
		return c.addUpvalue(upvalue{isLocal: false, index: idx, name: name}), true
	}
	return 0, false
}

func (c *compiler) addUpvalue(uv upvalue) uint8 {
	for i, existing := range c.upvalues {
		if existing.isLocal == uv.isLocal && existing.index == uv.index {
			return uint8(i)
		}
	}
	c.upvalues = append(c.upvalues, uv)
	return uint8(len(c.upvalues) - 1)
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

func (c *compiler) addConst(k vm.Constant, pos vm.Position) (uint16, error) {
	for i, existing := range c.constants {
		if existing.Equal(k) {
			return uint16(i), nil
		}
	}
	if len(c.constants) >= 1<<16 {
		return 0, vm.NewCompileError(pos, "function %q has too many constants", c.name)
	}
	c.constants = append(c.constants, k)
	return uint16(len(c.constants) - 1), nil
}

func (c *compiler) symbolConst(name string, pos vm.Position) (uint16, error) {
	return c.addConst(vm.Constant{Kind: vm.ConstSymbol, Str: name}, pos)
}

// ---------------------------------------------------------------------------
// Expression compilation
// ---------------------------------------------------------------------------

// compileExpr emits code leaving the form's value in the returned
// register. When tail is true and the form ends in a call, the call is
// emitted as a tail call and the second result is true; the register is
// then meaningless because control never returns to this frame.
func (c *compiler) compileExpr(n Node, tail bool) (uint8, bool, error) {
	switch form := n.(type) {
	case NilLit:
		return c.emitSimpleLoad(vm.OpLoadNil, form.Pos())
	case Bool:
		op := vm.OpLoadFalse
		if form.Value {
			op = vm.OpLoadTrue
		}
		return c.emitSimpleLoad(op, form.Pos())
	case Number:
		r, err := c.compileNumber(form)
		return r, false, err
	case Str:
		r, err := c.compileConst(vm.Constant{Kind: vm.ConstString, Str: form.Value}, form.Pos())
		return r, false, err
	case Keyword:
		r, err := c.compileConst(vm.Constant{Kind: vm.ConstKeyword, Str: form.Name}, form.Pos())
		return r, false, err
	case Symbol:
		r, err := c.compileSymbol(form)
		return r, false, err
	case Vector:
		r, err := c.compileRun(vm.OpMakeVector, form.Items, form.Pos())
		return r, false, err
	case SetNode:
		r, err := c.compileRun(vm.OpMakeSet, form.Items, form.Pos())
		return r, false, err
	case MapNode:
		r, err := c.compileMap(form)
		return r, false, err
	case List:
		return c.compileList(form, tail)
	}
	return 0, false, vm.NewCompileError(n.Pos(), "cannot compile form of type %T", n)
}

func (c *compiler) emitSimpleLoad(op vm.Opcode, pos vm.Position) (uint8, bool, error) {
	dst, err := c.alloc(pos)
	if err != nil {
		return 0, false, err
	}
	c.line(pos)
	c.b.EmitA(op, dst)
	return dst, false, nil
}

func (c *compiler) compileNumber(form Number) (uint8, error) {
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	if form.IsInt {
		switch v := form.Int; {
		case v >= -128 && v <= 127:
			c.b.EmitAI8(vm.OpLoadInt8, dst, int8(v))
			return dst, nil
		case v >= -32768 && v <= 32767:
			c.b.EmitAI16(vm.OpLoadInt16, dst, int16(v))
			return dst, nil
		default:
			if v > vm.MaxInt || v < vm.MinInt {
				return 0, vm.NewCompileError(form.Pos(), "integer literal %d overflows the 48-bit range", v)
			}
			idx, err := c.addConst(vm.Constant{Kind: vm.ConstInt, Int: v}, form.Pos())
			if err != nil {
				return 0, err
			}
			c.b.EmitAU16(vm.OpLoadConst, dst, idx)
			return dst, nil
		}
	}
	idx, err := c.addConst(vm.Constant{Kind: vm.ConstFloat, Float: form.Float}, form.Pos())
	if err != nil {
		return 0, err
	}
	c.b.EmitAU16(vm.OpLoadConst, dst, idx)
	return dst, nil
}

func (c *compiler) compileConst(k vm.Constant, pos vm.Position) (uint8, error) {
	idx, err := c.addConst(k, pos)
	if err != nil {
		return 0, err
	}
	dst, err := c.alloc(pos)
	if err != nil {
		return 0, err
	}
	c.line(pos)
	c.b.EmitAU16(vm.OpLoadConst, dst, idx)
	return dst, nil
}

// compileSymbol resolves a reference: local register, upvalue capture,
// or global lookup, in that order.
func (c *compiler) compileSymbol(form Symbol) (uint8, error) {
	if reg, ok := c.resolveLocal(form.Name); ok {
		return reg, nil
	}
	if idx, ok := c.resolveUpvalue(form.Name); ok {
		dst, err := c.alloc(form.Pos())
		if err != nil {
			return 0, err
		}
		c.line(form.Pos())
		c.b.EmitAB(vm.OpLoadUpvalue, dst, idx)
		return dst, nil
	}
	symIdx, err := c.symbolConst(form.Name, form.Pos())
	if err != nil {
		return 0, err
	}
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	c.b.EmitAU16(vm.OpLoadGlobal, dst, symIdx)
	return dst, nil
}

// compileRun evaluates items into consecutive registers and emits a
// dst/start/count collection builder.
func (c *compiler) compileRun(op vm.Opcode, items []Node, pos vm.Position) (uint8, error) {
	dst, err := c.alloc(pos)
	if err != nil {
		return 0, err
	}
	m := c.mark()
	start, err := c.reserve(len(items), pos)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if err := c.compileInto(item, start+uint8(i)); err != nil {
			return 0, err
		}
	}
	c.line(pos)
	c.b.EmitABC(op, dst, start, uint8(len(items)))
	c.release(m)
	return dst, nil
}

func (c *compiler) compileMap(form MapNode) (uint8, error) {
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	m := c.mark()
	start, err := c.reserve(2*len(form.Keys), form.Pos())
	if err != nil {
		return 0, err
	}
	for i := range form.Keys {
		if err := c.compileInto(form.Keys[i], start+uint8(2*i)); err != nil {
			return 0, err
		}
		if err := c.compileInto(form.Vals[i], start+uint8(2*i+1)); err != nil {
			return 0, err
		}
	}
	c.line(form.Pos())
	c.b.EmitABC(vm.OpMakeMap, dst, start, uint8(len(form.Keys)))
	c.release(m)
	return dst, nil
}

// compileInto evaluates n and ensures its value lands in dst.
func (c *compiler) compileInto(n Node, dst uint8) error {
	m := c.mark()
	r, _, err := c.compileExpr(n, false)
	if err != nil {
		return err
	}
	if r != dst {
		c.b.EmitAB(vm.OpMove, dst, r)
	}
	c.release(m)
	return nil
}

// compileSeq evaluates forms in order, returning the last one's
// register. An empty sequence yields nil.
func (c *compiler) compileSeq(forms []Node, pos vm.Position, tail bool) (uint8, bool, error) {
	if len(forms) == 0 {
		return c.emitSimpleLoad(vm.OpLoadNil, pos)
	}
	for _, f := range forms[:len(forms)-1] {
		m := c.mark()
		if _, _, err := c.compileExpr(f, false); err != nil {
			return 0, false, err
		}
		c.release(m)
	}
	return c.compileExpr(forms[len(forms)-1], tail)
}

// ---------------------------------------------------------------------------
// List forms: special forms, builtins, calls
// ---------------------------------------------------------------------------

var arithOps = map[string]vm.Opcode{
	"+": vm.OpAdd,
	"-": vm.OpSub,
	"*": vm.OpMul,
	"/": vm.OpDiv,
}

var compareOps = map[string]vm.Opcode{
	"=":  vm.OpEq,
	"<":  vm.OpLt,
	">":  vm.OpGt,
	"<=": vm.OpLe,
	">=": vm.OpGe,
}

func (c *compiler) compileList(form List, tail bool) (uint8, bool, error) {
	if len(form.Items) == 0 {
		return 0, false, vm.NewCompileError(form.Pos(), "cannot call the empty list")
	}
	if head, ok := form.Items[0].(Symbol); ok {
		switch head.Name {
		case "def":
			r, err := c.compileDef(form)
			return r, false, err
		case "set!":
			r, err := c.compileSet(form)
			return r, false, err
		case "if":
			return c.compileIf(form, tail)
		case "and", "or":
			r, err := c.compileAndOr(form, head.Name == "and")
			return r, false, err
		case "let":
			return c.compileLet(form, tail)
		case "do":
			return c.compileSeq(form.Items[1:], form.Pos(), tail)
		case "quote":
			r, err := c.compileQuote(form)
			return r, false, err
		case "fn":
			r, err := c.compileFn(form)
			return r, false, err
		case "try":
			r, err := c.compileTry(form)
			return r, false, err
		case "throw":
			r, err := c.compileThrow(form)
			return r, false, err
		case "go":
			r, err := c.compileGo(form)
			return r, false, err
		case "deref":
			r, err := c.compileDeref(form)
			return r, false, err
		case "yield":
			r, err := c.compileYield(form)
			return r, false, err
		case "not":
			r, err := c.compileNot(form)
			return r, false, err
		case "not=":
			r, err := c.compileNotEq(form)
			return r, false, err
		}
		if op, ok := arithOps[head.Name]; ok {
			r, err := c.compileArith(op, head.Name, form)
			return r, false, err
		}
		if op, ok := compareOps[head.Name]; ok {
			r, err := c.compileCompare(op, head.Name, form)
			return r, false, err
		}
	}
	return c.compileCall(form, tail)
}

func (c *compiler) compileDef(form List) (uint8, error) {
	if len(form.Items) != 3 {
		return 0, vm.NewCompileError(form.Pos(), "def expects a name and one value")
	}
	name, ok := form.Items[1].(Symbol)
	if !ok {
		return 0, vm.NewCompileError(form.Items[1].Pos(), "def expects a symbol name")
	}
	r, _, err := c.compileExpr(form.Items[2], false)
	if err != nil {
		return 0, err
	}
	idx, err := c.symbolConst(name.Name, form.Pos())
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	c.b.EmitU16A(vm.OpStoreGlobal, idx, r)
	return r, nil
}

func (c *compiler) compileSet(form List) (uint8, error) {
	if len(form.Items) != 3 {
		return 0, vm.NewCompileError(form.Pos(), "set! expects a name and one value")
	}
	name, ok := form.Items[1].(Symbol)
	if !ok {
		return 0, vm.NewCompileError(form.Items[1].Pos(), "set! expects a symbol name")
	}
	r, _, err := c.compileExpr(form.Items[2], false)
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	if reg, ok := c.resolveLocal(name.Name); ok {
		if reg != r {
			c.b.EmitAB(vm.OpMove, reg, r)
		}
		return reg, nil
	}
	if idx, ok := c.resolveUpvalue(name.Name); ok {
		c.b.EmitAB(vm.OpStoreUpvalue, idx, r)
		return r, nil
	}
	idx, err := c.symbolConst(name.Name, form.Pos())
	if err != nil {
		return 0, err
	}
	c.b.EmitU16A(vm.OpStoreGlobal, idx, r)
	return r, nil
}

func (c *compiler) compileIf(form List, tail bool) (uint8, bool, error) {
	if len(form.Items) < 3 || len(form.Items) > 4 {
		return 0, false, vm.NewCompileError(form.Pos(), "if expects a condition, a then branch and an optional else branch")
	}
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, false, err
	}

	m := c.mark()
	cond, _, err := c.compileExpr(form.Items[1], false)
	if err != nil {
		return 0, false, err
	}
	elseL := c.b.NewLabel()
	endL := c.b.NewLabel()
	c.line(form.Pos())
	c.b.EmitJumpIf(vm.OpJumpIfFalse, cond, elseL)
	c.release(m)

	thenReg, thenTail, err := c.compileExpr(form.Items[2], tail)
	if err != nil {
		return 0, false, err
	}
	if !thenTail {
		if thenReg != dst {
			c.b.EmitAB(vm.OpMove, dst, thenReg)
		}
		c.b.EmitJump(endL)
	}
	c.release(m)

	c.b.Mark(elseL)
	elseTail := false
	if len(form.Items) == 4 {
		var elseReg uint8
		elseReg, elseTail, err = c.compileExpr(form.Items[3], tail)
		if err != nil {
			return 0, false, err
		}
		if !elseTail && elseReg != dst {
			c.b.EmitAB(vm.OpMove, dst, elseReg)
		}
	} else {
		c.b.EmitA(vm.OpLoadNil, dst)
	}
	c.release(m)
	c.b.Mark(endL)
	return dst, thenTail && elseTail, nil
}

func (c *compiler) compileAndOr(form List, isAnd bool) (uint8, error) {
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	if len(form.Items) == 1 {
		c.line(form.Pos())
		if isAnd {
			c.b.EmitA(vm.OpLoadTrue, dst)
		} else {
			c.b.EmitA(vm.OpLoadNil, dst)
		}
		return dst, nil
	}
	endL := c.b.NewLabel()
	for i, item := range form.Items[1:] {
		m := c.mark()
		r, _, err := c.compileExpr(item, false)
		if err != nil {
			return 0, err
		}
		if r != dst {
			c.b.EmitAB(vm.OpMove, dst, r)
		}
		c.release(m)
		if i < len(form.Items)-2 {
			if isAnd {
				c.b.EmitJumpIf(vm.OpJumpIfFalse, dst, endL)
			} else {
				c.b.EmitJumpIf(vm.OpJumpIfTrue, dst, endL)
			}
		}
	}
	c.b.Mark(endL)
	return dst, nil
}

func (c *compiler) compileLet(form List, tail bool) (uint8, bool, error) {
	if len(form.Items) < 2 {
		return 0, false, vm.NewCompileError(form.Pos(), "let expects a binding vector")
	}
	bindings, ok := form.Items[1].(Vector)
	if !ok {
		return 0, false, vm.NewCompileError(form.Items[1].Pos(), "let expects a binding vector")
	}
	if len(bindings.Items)%2 != 0 {
		return 0, false, vm.NewCompileError(bindings.Pos(), "let binding vector must pair names with values")
	}
	c.beginScope()
	defer c.endScope()
	for i := 0; i < len(bindings.Items); i += 2 {
		name, ok := bindings.Items[i].(Symbol)
		if !ok {
			return 0, false, vm.NewCompileError(bindings.Items[i].Pos(), "let binding name must be a symbol")
		}
		m := c.mark()
		r, _, err := c.compileExpr(bindings.Items[i+1], false)
		if err != nil {
			return 0, false, err
		}
		reg, err := c.bindLocal(name.Name, name.Pos())
		if err != nil {
			return 0, false, err
		}
		if reg != r {
			c.b.EmitAB(vm.OpMove, reg, r)
		}
		c.release(m)
	}
	return c.compileSeq(form.Items[2:], form.Pos(), tail)
}

func (c *compiler) compileQuote(form List) (uint8, error) {
	if len(form.Items) != 2 {
		return 0, vm.NewCompileError(form.Pos(), "quote expects one form")
	}
	k, err := c.quoteConstant(form.Items[1])
	if err != nil {
		return 0, err
	}
	return c.compileConst(k, form.Pos())
}

// quoteConstant lowers a quoted datum to a constant pool entry.
func (c *compiler) quoteConstant(n Node) (vm.Constant, error) {
	switch form := n.(type) {
	case NilLit:
		return vm.Constant{Kind: vm.ConstNil}, nil
	case Bool:
		return vm.Constant{Kind: vm.ConstBool, Bool: form.Value}, nil
	case Number:
		if form.IsInt {
			return vm.Constant{Kind: vm.ConstInt, Int: form.Int}, nil
		}
		return vm.Constant{Kind: vm.ConstFloat, Float: form.Float}, nil
	case Str:
		return vm.Constant{Kind: vm.ConstString, Str: form.Value}, nil
	case Symbol:
		return vm.Constant{Kind: vm.ConstSymbol, Str: form.Name}, nil
	case Keyword:
		return vm.Constant{Kind: vm.ConstKeyword, Str: form.Name}, nil
	case List:
		items, err := c.quoteItems(form.Items)
		if err != nil {
			return vm.Constant{}, err
		}
		return vm.Constant{Kind: vm.ConstList, Items: items}, nil
	case Vector:
		items, err := c.quoteItems(form.Items)
		if err != nil {
			return vm.Constant{}, err
		}
		return vm.Constant{Kind: vm.ConstVector, Items: items}, nil
	}
	return vm.Constant{}, vm.NewCompileError(n.Pos(), "cannot quote form of type %T", n)
}

func (c *compiler) quoteItems(nodes []Node) ([]vm.Constant, error) {
	items := make([]vm.Constant, len(nodes))
	for i, n := range nodes {
		k, err := c.quoteConstant(n)
		if err != nil {
			return nil, err
		}
		items[i] = k
	}
	return items, nil
}

// compileFn compiles (fn name? [params] body...) with a nested
// compiler and emits the closure construction.
func (c *compiler) compileFn(form List) (uint8, error) {
	items := form.Items[1:]
	name := ""
	if len(items) > 0 {
		if sym, ok := items[0].(Symbol); ok {
			name = sym.Name
			items = items[1:]
		}
	}
	if len(items) == 0 {
		return 0, vm.NewCompileError(form.Pos(), "fn expects a parameter vector")
	}
	params, ok := items[0].(Vector)
	if !ok {
		return 0, vm.NewCompileError(items[0].Pos(), "fn expects a parameter vector")
	}
	body := items[1:]

	chunkName := name
	if chunkName == "" {
		chunkName = "fn"
	}
	sub := newCompiler(c, chunkName)
	sub.selfRef = name != ""
	if sub.selfRef {
		if _, err := sub.bindLocal(name, form.Pos()); err != nil {
			return 0, err
		}
	}
	variadicNext := false
	for _, p := range params.Items {
		sym, ok := p.(Symbol)
		if !ok {
			return 0, vm.NewCompileError(p.Pos(), "fn parameter must be a symbol")
		}
		if sym.Name == "&" {
			if variadicNext || sub.variadic {
				return 0, vm.NewCompileError(p.Pos(), "fn allows a single & rest parameter")
			}
			variadicNext = true
			continue
		}
		if _, err := sub.bindLocal(sym.Name, sym.Pos()); err != nil {
			return 0, err
		}
		if variadicNext {
			sub.variadic = true
			variadicNext = false
		} else {
			sub.numParams++
		}
	}
	if variadicNext {
		return 0, vm.NewCompileError(params.Pos(), "fn expects a rest parameter name after &")
	}

	reg, emittedTail, err := sub.compileSeq(body, form.Pos(), true)
	if err != nil {
		return 0, err
	}
	if !emittedTail {
		sub.b.EmitA(vm.OpReturn, reg)
	}
	chunk := sub.finish()

	idx, err := c.addConst(vm.Constant{Kind: vm.ConstChunk, Fn: chunk}, form.Pos())
	if err != nil {
		return 0, err
	}
	return c.emitMakeClosure(idx, sub.upvalues, form.Pos())
}

func (c *compiler) emitMakeClosure(chunkIdx uint16, upvals []upvalue, pos vm.Position) (uint8, error) {
	dst, err := c.alloc(pos)
	if err != nil {
		return 0, err
	}
	c.line(pos)
	c.b.EmitAU16(vm.OpMakeClosure, dst, chunkIdx)
	c.b.EmitRaw(uint8(len(upvals)))
	for _, uv := range upvals {
		if uv.isLocal {
			c.b.EmitRaw(1)
		} else {
			c.b.EmitRaw(0)
		}
		c.b.EmitRaw(uv.index)
	}
	return dst, nil
}

// compileTry compiles (try body... (catch name handler...)). The body
// runs under an installed handler; on a raise, control transfers to the
// handler with the error bound to name.
func (c *compiler) compileTry(form List) (uint8, error) {
	if len(form.Items) < 2 {
		return 0, vm.NewCompileError(form.Pos(), "try expects a body and a catch clause")
	}
	last := form.Items[len(form.Items)-1]
	catch, ok := last.(List)
	if !ok || len(catch.Items) < 2 {
		return 0, vm.NewCompileError(last.Pos(), "try must end with a (catch name body...) clause")
	}
	if head, ok := catch.Items[0].(Symbol); !ok || head.Name != "catch" {
		return 0, vm.NewCompileError(catch.Pos(), "try must end with a (catch name body...) clause")
	}
	errName, ok := catch.Items[1].(Symbol)
	if !ok {
		return 0, vm.NewCompileError(catch.Items[1].Pos(), "catch expects a symbol to bind the error")
	}
	body := form.Items[1 : len(form.Items)-1]

	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	errReg, err := c.alloc(catch.Pos())
	if err != nil {
		return 0, err
	}
	// The handler register outlives body temporaries.
	if c.locked < c.nextReg {
		c.locked = c.nextReg
	}

	handlerL := c.b.NewLabel()
	endL := c.b.NewLabel()
	c.line(form.Pos())
	c.b.EmitPushHandler(errReg, handlerL)

	m := c.mark()
	r, _, err := c.compileSeq(body, form.Pos(), false)
	if err != nil {
		return 0, err
	}
	c.b.Emit(vm.OpPopHandler)
	if r != dst {
		c.b.EmitAB(vm.OpMove, dst, r)
	}
	c.release(m)
	c.b.EmitJump(endL)

	c.b.Mark(handlerL)
	c.beginScope()
	c.bindExisting(errName.Name, errReg)
	hr, _, err := c.compileSeq(catch.Items[2:], catch.Pos(), false)
	if err != nil {
		return 0, err
	}
	if hr != dst {
		c.b.EmitAB(vm.OpMove, dst, hr)
	}
	c.endScope()
	c.release(m)

	c.b.Mark(endL)
	return dst, nil
}

func (c *compiler) compileThrow(form List) (uint8, error) {
	if len(form.Items) != 2 {
		return 0, vm.NewCompileError(form.Pos(), "throw expects one value")
	}
	m := c.mark()
	r, _, err := c.compileExpr(form.Items[1], false)
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	c.b.EmitA(vm.OpThrow, r)
	c.release(m)
	// Unreachable result register keeps the expression contract.
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	c.b.EmitA(vm.OpLoadNil, dst)
	return dst, nil
}

// compileGo wraps the body in a zero-parameter closure and spawns it,
// yielding the new task's future.
func (c *compiler) compileGo(form List) (uint8, error) {
	if len(form.Items) < 2 {
		return 0, vm.NewCompileError(form.Pos(), "go expects a body")
	}
	sub := newCompiler(c, "go")
	reg, emittedTail, err := sub.compileSeq(form.Items[1:], form.Pos(), true)
	if err != nil {
		return 0, err
	}
	if !emittedTail {
		sub.b.EmitA(vm.OpReturn, reg)
	}
	chunk := sub.finish()

	idx, err := c.addConst(vm.Constant{Kind: vm.ConstChunk, Fn: chunk}, form.Pos())
	if err != nil {
		return 0, err
	}
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	m := c.mark()
	fnReg, err := c.emitMakeClosure(idx, sub.upvalues, form.Pos())
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	c.b.EmitAB(vm.OpSpawn, dst, fnReg)
	c.release(m)
	return dst, nil
}

func (c *compiler) compileDeref(form List) (uint8, error) {
	if len(form.Items) != 2 {
		return 0, vm.NewCompileError(form.Pos(), "deref expects one future")
	}
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	m := c.mark()
	r, _, err := c.compileExpr(form.Items[1], false)
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	c.b.EmitAB(vm.OpDeref, dst, r)
	c.release(m)
	return dst, nil
}

func (c *compiler) compileYield(form List) (uint8, error) {
	if len(form.Items) != 1 {
		return 0, vm.NewCompileError(form.Pos(), "yield takes no arguments")
	}
	c.line(form.Pos())
	c.b.Emit(vm.OpYield)
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	c.b.EmitA(vm.OpLoadNil, dst)
	return dst, nil
}

func (c *compiler) compileNot(form List) (uint8, error) {
	if len(form.Items) != 2 {
		return 0, vm.NewCompileError(form.Pos(), "not expects one value")
	}
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	m := c.mark()
	r, _, err := c.compileExpr(form.Items[1], false)
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	c.b.EmitAB(vm.OpNot, dst, r)
	c.release(m)
	return dst, nil
}

func (c *compiler) compileNotEq(form List) (uint8, error) {
	if len(form.Items) != 3 {
		return 0, vm.NewCompileError(form.Pos(), "not= expects two values")
	}
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	m := c.mark()
	a, _, err := c.compileExpr(form.Items[1], false)
	if err != nil {
		return 0, err
	}
	b, _, err := c.compileExpr(form.Items[2], false)
	if err != nil {
		return 0, err
	}
	c.line(form.Pos())
	c.b.EmitABC(vm.OpNe, dst, a, b)
	c.release(m)
	return dst, nil
}

// compileArith folds an n-ary arithmetic form left to right. Unary
// minus negates; unary divide inverts.
func (c *compiler) compileArith(op vm.Opcode, name string, form List) (uint8, error) {
	args := form.Items[1:]
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	if len(args) == 0 {
		c.line(form.Pos())
		switch op {
		case vm.OpAdd:
			c.b.EmitAI8(vm.OpLoadInt8, dst, 0)
			return dst, nil
		case vm.OpMul:
			c.b.EmitAI8(vm.OpLoadInt8, dst, 1)
			return dst, nil
		}
		return 0, vm.NewCompileError(form.Pos(), "%s expects at least one argument", name)
	}

	m := c.mark()
	if len(args) == 1 && (op == vm.OpSub || op == vm.OpDiv) {
		identity := int8(0)
		if op == vm.OpDiv {
			identity = 1
		}
		r, _, err := c.compileExpr(args[0], false)
		if err != nil {
			return 0, err
		}
		unit, err := c.alloc(form.Pos())
		if err != nil {
			return 0, err
		}
		c.line(form.Pos())
		c.b.EmitAI8(vm.OpLoadInt8, unit, identity)
		c.b.EmitABC(op, dst, unit, r)
		c.release(m)
		return dst, nil
	}

	first, _, err := c.compileExpr(args[0], false)
	if err != nil {
		return 0, err
	}
	if first != dst {
		c.b.EmitAB(vm.OpMove, dst, first)
	}
	c.release(m)
	for _, arg := range args[1:] {
		m := c.mark()
		r, _, err := c.compileExpr(arg, false)
		if err != nil {
			return 0, err
		}
		c.line(form.Pos())
		c.b.EmitABC(op, dst, dst, r)
		c.release(m)
	}
	return dst, nil
}

// compileCompare chains an n-ary comparison: every adjacent pair must
// hold, with short-circuiting.
func (c *compiler) compileCompare(op vm.Opcode, name string, form List) (uint8, error) {
	args := form.Items[1:]
	if len(args) < 2 {
		return 0, vm.NewCompileError(form.Pos(), "%s expects at least two arguments", name)
	}
	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, err
	}
	endL := c.b.NewLabel()
	m := c.mark()
	prev, _, err := c.compileExpr(args[0], false)
	if err != nil {
		return 0, err
	}
	for i, arg := range args[1:] {
		cur, _, err := c.compileExpr(arg, false)
		if err != nil {
			return 0, err
		}
		c.line(form.Pos())
		c.b.EmitABC(op, dst, prev, cur)
		if i < len(args)-2 {
			c.b.EmitJumpIf(vm.OpJumpIfFalse, dst, endL)
		}
		prev = cur
	}
	c.release(m)
	c.b.Mark(endL)
	return dst, nil
}

// compileCall emits a function call: callee first, then arguments in a
// consecutive register run.
func (c *compiler) compileCall(form List, tail bool) (uint8, bool, error) {
	args := form.Items[1:]
	if tail {
		m := c.mark()
		fnReg, _, err := c.compileExpr(form.Items[0], false)
		if err != nil {
			return 0, false, err
		}
		start, err := c.reserve(len(args), form.Pos())
		if err != nil {
			return 0, false, err
		}
		for i, arg := range args {
			if err := c.compileInto(arg, start+uint8(i)); err != nil {
				return 0, false, err
			}
		}
		c.line(form.Pos())
		c.b.EmitABC(vm.OpTailCall, fnReg, start, uint8(len(args)))
		c.release(m)
		return 0, true, nil
	}

	dst, err := c.alloc(form.Pos())
	if err != nil {
		return 0, false, err
	}
	m := c.mark()
	fnReg, _, err := c.compileExpr(form.Items[0], false)
	if err != nil {
		return 0, false, err
	}
	start, err := c.reserve(len(args), form.Pos())
	if err != nil {
		return 0, false, err
	}
	for i, arg := range args {
		if err := c.compileInto(arg, start+uint8(i)); err != nil {
			return 0, false, err
		}
	}
	c.line(form.Pos())
	c.b.EmitABCD(vm.OpCall, dst, fnReg, start, uint8(len(args)))
	c.release(m)
	return dst, false, nil
}
