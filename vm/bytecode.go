package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. Instructions are
// byte-coded with little-endian multi-byte operands; register operands
// are single bytes.
type Opcode byte

// Loads
const (
	OpNop       Opcode = 0x00 // no operation
	OpLoadNil   Opcode = 0x01 // dst <- nil
	OpLoadTrue  Opcode = 0x02 // dst <- true
	OpLoadFalse Opcode = 0x03 // dst <- false
	OpLoadInt8  Opcode = 0x04 // dst <- signed 8-bit immediate
	OpLoadInt16 Opcode = 0x05 // dst <- signed 16-bit immediate
	OpLoadConst Opcode = 0x06 // dst <- constant pool entry (16-bit index)
	OpMove      Opcode = 0x07 // dst <- src
)

// Globals and upvalues
const (
	OpLoadGlobal   Opcode = 0x10 // dst <- global named by symbol constant (16-bit index)
	OpStoreGlobal  Opcode = 0x11 // global named by symbol constant (16-bit index) <- src
	OpLoadUpvalue  Opcode = 0x12 // dst <- upvalue cell (8-bit index)
	OpStoreUpvalue Opcode = 0x13 // upvalue cell (8-bit index) <- src
)

// Arithmetic and comparison (dst, a, b register triples)
const (
	OpAdd Opcode = 0x20
	OpSub Opcode = 0x21
	OpMul Opcode = 0x22
	OpDiv Opcode = 0x23
	OpEq  Opcode = 0x28
	OpNe  Opcode = 0x29
	OpLt  Opcode = 0x2A
	OpGt  Opcode = 0x2B
	OpLe  Opcode = 0x2C
	OpGe  Opcode = 0x2D
	OpNot Opcode = 0x2E // dst <- logical negation of src
)

// Control flow
const (
	OpJump        Opcode = 0x30 // relative jump (signed 16-bit offset)
	OpJumpIfFalse Opcode = 0x31 // jump if register is falsy
	OpJumpIfTrue  Opcode = 0x32 // jump if register is truthy
)

// Calls and returns
const (
	OpCall      Opcode = 0x40 // dst, fn, argStart, argc
	OpTailCall  Opcode = 0x41 // fn, argStart, argc (replaces current frame)
	OpReturn    Opcode = 0x42 // return register
	OpReturnNil Opcode = 0x43 // return nil
)

// Object creation
const (
	OpMakeClosure Opcode = 0x50 // dst, chunk constant (16-bit), capture count, then (isLocal, index) pairs
	OpMakeList    Opcode = 0x51 // dst, start, count
	OpMakeVector  Opcode = 0x52 // dst, start, count
	OpMakeMap     Opcode = 0x53 // dst, start, pair count
	OpMakeSet     Opcode = 0x54 // dst, start, count
)

// Concurrency
const (
	OpSpawn Opcode = 0x60 // dst <- future of new task running closure in fn register
	OpDeref Opcode = 0x61 // dst <- resolved value of future in src (suspension point)
	OpYield Opcode = 0x62 // park the task at the back of the ready queue
)

// Error handling
const (
	OpThrow       Opcode = 0x70 // raise register as an error
	OpPushHandler Opcode = 0x71 // err register, handler offset (signed 16-bit)
	OpPopHandler  Opcode = 0x72 // discard innermost handler
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode. OperandBytes of -1 marks
// a variable-width instruction (OpMakeClosure).
type OpcodeInfo struct {
	Name         string
	OperandBytes int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:       {"NOP", 0},
	OpLoadNil:   {"LOAD_NIL", 1},
	OpLoadTrue:  {"LOAD_TRUE", 1},
	OpLoadFalse: {"LOAD_FALSE", 1},
	OpLoadInt8:  {"LOAD_INT8", 2},
	OpLoadInt16: {"LOAD_INT16", 3},
	OpLoadConst: {"LOAD_CONST", 3},
	OpMove:      {"MOVE", 2},

	OpLoadGlobal:   {"LOAD_GLOBAL", 3},
	OpStoreGlobal:  {"STORE_GLOBAL", 3},
	OpLoadUpvalue:  {"LOAD_UPVALUE", 2},
	OpStoreUpvalue: {"STORE_UPVALUE", 2},

	OpAdd: {"ADD", 3},
	OpSub: {"SUB", 3},
	OpMul: {"MUL", 3},
	OpDiv: {"DIV", 3},
	OpEq:  {"EQ", 3},
	OpNe:  {"NE", 3},
	OpLt:  {"LT", 3},
	OpGt:  {"GT", 3},
	OpLe:  {"LE", 3},
	OpGe:  {"GE", 3},
	OpNot: {"NOT", 2},

	OpJump:        {"JUMP", 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 3},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 3},

	OpCall:      {"CALL", 4},
	OpTailCall:  {"TAIL_CALL", 3},
	OpReturn:    {"RETURN", 1},
	OpReturnNil: {"RETURN_NIL", 0},

	OpMakeClosure: {"MAKE_CLOSURE", -1},
	OpMakeList:    {"MAKE_LIST", 3},
	OpMakeVector:  {"MAKE_VECTOR", 3},
	OpMakeMap:     {"MAKE_MAP", 3},
	OpMakeSet:     {"MAKE_SET", 3},

	OpSpawn: {"SPAWN", 2},
	OpDeref: {"DEREF", 2},
	OpYield: {"YIELD", 0},

	OpThrow:       {"THROW", 1},
	OpPushHandler: {"PUSH_HANDLER", 3},
	OpPopHandler:  {"POP_HANDLER", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string { return op.Info().Name }

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// ---------------------------------------------------------------------------
// BytecodeBuilder: helper for constructing instruction sequences
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte { return b.bytes }

// Len returns the current length.
func (b *BytecodeBuilder) Len() int { return len(b.bytes) }

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitA appends an opcode with one register operand.
func (b *BytecodeBuilder) EmitA(op Opcode, a uint8) {
	b.bytes = append(b.bytes, byte(op), a)
}

// EmitAB appends an opcode with two register operands.
func (b *BytecodeBuilder) EmitAB(op Opcode, a, bb uint8) {
	b.bytes = append(b.bytes, byte(op), a, bb)
}

// EmitABC appends an opcode with three register operands.
func (b *BytecodeBuilder) EmitABC(op Opcode, a, bb, c uint8) {
	b.bytes = append(b.bytes, byte(op), a, bb, c)
}

// EmitABCD appends an opcode with four register operands.
func (b *BytecodeBuilder) EmitABCD(op Opcode, a, bb, c, d uint8) {
	b.bytes = append(b.bytes, byte(op), a, bb, c, d)
}

// EmitAI8 appends an opcode with a register and a signed 8-bit operand.
func (b *BytecodeBuilder) EmitAI8(op Opcode, a uint8, v int8) {
	b.bytes = append(b.bytes, byte(op), a, byte(v))
}

// EmitAI16 appends an opcode with a register and a signed 16-bit operand.
func (b *BytecodeBuilder) EmitAI16(op Opcode, a uint8, v int16) {
	b.bytes = append(b.bytes, byte(op), a, byte(v), byte(uint16(v)>>8))
}

// EmitAU16 appends an opcode with a register and a 16-bit operand.
func (b *BytecodeBuilder) EmitAU16(op Opcode, a uint8, v uint16) {
	b.bytes = append(b.bytes, byte(op), a, byte(v), byte(v>>8))
}

// EmitU16A appends an opcode with a 16-bit operand followed by a register.
func (b *BytecodeBuilder) EmitU16A(op Opcode, v uint16, a uint8) {
	b.bytes = append(b.bytes, byte(op), byte(v), byte(v>>8), a)
}

// EmitRaw appends a raw byte to the bytecode.
func (b *BytecodeBuilder) EmitRaw(data byte) {
	b.bytes = append(b.bytes, data)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode. Offsets are
// relative to the position just after the 2-byte operand.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches all
// forward references.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits an unconditional jump to a label.
func (b *BytecodeBuilder) EmitJump(label *Label) {
	b.bytes = append(b.bytes, byte(OpJump))
	b.emitLabelOffset(label)
}

// EmitJumpIf emits a conditional jump (OpJumpIfFalse or OpJumpIfTrue)
// testing the given register.
func (b *BytecodeBuilder) EmitJumpIf(op Opcode, cond uint8, label *Label) {
	b.bytes = append(b.bytes, byte(op), cond)
	b.emitLabelOffset(label)
}

// EmitPushHandler emits a handler installation whose target is a label.
func (b *BytecodeBuilder) EmitPushHandler(errReg uint8, label *Label) {
	b.bytes = append(b.bytes, byte(OpPushHandler), errReg)
	b.emitLabelOffset(label)
}

func (b *BytecodeBuilder) emitLabelOffset(label *Label) {
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int { return r.pos }

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool { return r.pos < len(r.bytes) }

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) { r.pos += n }

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles the instruction at the reader's
// position and advances past it.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpNop, OpReturnNil, OpYield, OpPopHandler:
		return fmt.Sprintf("%04d  %s", pos, info.Name)

	case OpLoadNil, OpLoadTrue, OpLoadFalse, OpReturn, OpThrow:
		a := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d", pos, info.Name, a)

	case OpLoadInt8:
		a := r.ReadByte()
		v := r.ReadInt8()
		return fmt.Sprintf("%04d  %s r%d %d", pos, info.Name, a, v)

	case OpLoadInt16:
		a := r.ReadByte()
		v := r.ReadInt16()
		return fmt.Sprintf("%04d  %s r%d %d", pos, info.Name, a, v)

	case OpLoadConst, OpLoadGlobal:
		a := r.ReadByte()
		idx := r.ReadUint16()
		return fmt.Sprintf("%04d  %s r%d const=%d", pos, info.Name, a, idx)

	case OpStoreGlobal:
		idx := r.ReadUint16()
		a := r.ReadByte()
		return fmt.Sprintf("%04d  %s const=%d r%d", pos, info.Name, idx, a)

	case OpMove, OpNot, OpLoadUpvalue, OpStoreUpvalue, OpSpawn, OpDeref:
		a := r.ReadByte()
		bb := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d r%d", pos, info.Name, a, bb)

	case OpAdd, OpSub, OpMul, OpDiv, OpEq, OpNe, OpLt, OpGt, OpLe, OpGe,
		OpMakeList, OpMakeVector, OpMakeMap, OpMakeSet, OpTailCall:
		a := r.ReadByte()
		bb := r.ReadByte()
		c := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d r%d %d", pos, info.Name, a, bb, c)

	case OpJump:
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, r.Position()+int(offset))

	case OpJumpIfFalse, OpJumpIfTrue:
		a := r.ReadByte()
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s r%d %d (-> %04d)", pos, info.Name, a, offset, r.Position()+int(offset))

	case OpPushHandler:
		a := r.ReadByte()
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s r%d %d (-> %04d)", pos, info.Name, a, offset, r.Position()+int(offset))

	case OpCall:
		dst := r.ReadByte()
		fn := r.ReadByte()
		start := r.ReadByte()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s r%d r%d args=r%d..%d", pos, info.Name, dst, fn, start, int(start)+int(argc)-1)

	case OpMakeClosure:
		dst := r.ReadByte()
		idx := r.ReadUint16()
		ncaps := int(r.ReadByte())
		r.Skip(2 * ncaps)
		return fmt.Sprintf("%04d  %s r%d chunk=%d captures=%d", pos, info.Name, dst, idx, ncaps)

	default:
		if info.OperandBytes > 0 {
			r.Skip(info.OperandBytes)
		}
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var sb strings.Builder
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r))
	}
	return sb.String()
}
