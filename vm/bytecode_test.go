package vm

import (
	"strings"
	"testing"
)

func TestBuilderEmitsLittleEndian(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitAU16(OpLoadConst, 3, 0x1234)
	got := b.Bytes()
	want := []byte{byte(OpLoadConst), 3, 0x34, 0x12}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %02x, want %02x", i, got[i], want[i])
		}
	}
}

func TestLabelForwardPatch(t *testing.T) {
	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitJump(end)     // 3 bytes: op + i16
	b.EmitA(OpThrow, 0) // skipped
	b.Mark(end)
	b.EmitA(OpReturn, 1)

	r := NewBytecodeReader(b.Bytes())
	if op := r.ReadOpcode(); op != OpJump {
		t.Fatalf("op = %v, want JUMP", op)
	}
	off := r.ReadInt16()
	if target := r.Position() + int(off); target != 5 {
		t.Fatalf("jump target = %d, want 5 (past THROW)", target)
	}
}

func TestLabelBackwardJump(t *testing.T) {
	b := NewBytecodeBuilder()
	top := b.NewLabel()
	b.Mark(top)
	b.Emit(OpNop)
	b.EmitJump(top)

	r := NewBytecodeReader(b.Bytes())
	r.Skip(1) // NOP
	if op := r.ReadOpcode(); op != OpJump {
		t.Fatal("expected JUMP")
	}
	off := r.ReadInt16()
	if target := r.Position() + int(off); target != 0 {
		t.Fatalf("backward target = %d, want 0", target)
	}
}

func TestMarkTwicePanics(t *testing.T) {
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.Mark(l)
	defer func() {
		if recover() == nil {
			t.Fatal("marking a label twice must panic")
		}
	}()
	b.Mark(l)
}

func TestDisassembleRoundtrip(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitAI8(OpLoadInt8, 0, 42)
	b.EmitAU16(OpMakeClosure, 1, 2)
	b.EmitRaw(1) // one capture
	b.EmitRaw(1) // isLocal
	b.EmitRaw(0) // index
	b.EmitABCD(OpCall, 0, 1, 2, 0)
	b.EmitA(OpReturn, 0)

	text := Disassemble(b.Bytes())
	for _, want := range []string{"LOAD_INT8", "MAKE_CLOSURE", "CALL", "RETURN"} {
		if !strings.Contains(text, want) {
			t.Errorf("disassembly missing %s:\n%s", want, text)
		}
	}
	if n := len(strings.Split(text, "\n")); n != 4 {
		t.Errorf("disassembly has %d lines, want 4:\n%s", n, text)
	}
}

func TestPosAt(t *testing.T) {
	c := &Chunk{
		Lines: []LineEntry{
			{PC: 0, Pos: Position{Line: 1, Column: 1}},
			{PC: 10, Pos: Position{Line: 3, Column: 5}},
		},
	}
	if got := c.PosAt(0); got.Line != 1 {
		t.Fatalf("PosAt(0) = %v", got)
	}
	if got := c.PosAt(9); got.Line != 1 {
		t.Fatalf("PosAt(9) = %v", got)
	}
	if got := c.PosAt(10); got.Line != 3 {
		t.Fatalf("PosAt(10) = %v", got)
	}
	if got := c.PosAt(99); got.Line != 3 {
		t.Fatalf("PosAt(99) = %v", got)
	}
}
