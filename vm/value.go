package vm

import (
	"fmt"
	"math"
)

// Value represents a Lumen value using NaN-boxing.
//
// All values are represented as 64-bit words. Any bit pattern that is
// not a quiet NaN is an IEEE 754 double. Non-float values are encoded
// in the quiet-NaN space using tag bits to distinguish kinds.
//
// Encoding scheme:
//   - Float: native IEEE 754 double (if not a tagged NaN, it's a float)
//   - Int: quiet NaN + tagInt + 48-bit signed payload
//   - Handle: quiet NaN + tagHandle + 16-bit generation + 32-bit arena index
//   - Symbol: quiet NaN + tagSymbol + interned symbol ID
//   - Keyword: quiet NaN + tagKeyword + interned keyword ID
//   - Special: quiet NaN + tagSpecial + special value ID (nil/true/false)
//
// Every Value is produced by one of the From* constructors (or by the
// Arena for handles); no other code builds bit patterns.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for handle/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagHandle  uint64 = 0x0001000000000000 // arena handle (generation + index)
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // nil, true, false
	tagSymbol  uint64 = 0x0004000000000000 // interned symbol ID
	tagKeyword uint64 = 0x0005000000000000 // interned keyword ID

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Int range (48-bit signed)
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// Kind identifies the logical kind of a Value without consulting the
// arena. Handle values carry their heap kind in the arena slot.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindNil
	KindBool
	KindSymbol
	KindKeyword
	KindHandle
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindSymbol:
		return "symbol"
	case KindKeyword:
		return "keyword"
	case KindHandle:
		return "handle"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Kind returns the logical kind of v. The decode is total: every
// 64-bit pattern produced by the constructors maps to exactly one kind.
func (v Value) Kind() Kind {
	bits := uint64(v)
	if bits&nanBits != nanBits {
		return KindFloat
	}
	switch bits & tagMask {
	case tagHandle:
		return KindHandle
	case tagInt:
		return KindInt
	case tagSymbol:
		return KindSymbol
	case tagKeyword:
		return KindKeyword
	case tagSpecial:
		switch bits & payloadMask {
		case specialNil:
			return KindNil
		default:
			return KindBool
		}
	}
	// A real NaN produced by float arithmetic has no tag bits set.
	return KindFloat
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromFloat64 creates a float value. Real NaNs are normalized to the
// canonical untagged quiet NaN so they can never alias a tagged value.
func FromFloat64(f float64) Value {
	if math.IsNaN(f) {
		return Value(nanBits)
	}
	return Value(math.Float64bits(f))
}

// FromInt creates an integer value. Panics if n is outside the 48-bit
// signed range; callers that may overflow should promote to float first.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic(fmt.Sprintf("vm: integer %d outside 48-bit range", n))
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// FromBool creates a boolean value.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromSymbolID creates a symbol value from an interned symbol ID.
func FromSymbolID(id uint32) Value {
	return Value(nanBits | tagSymbol | uint64(id))
}

// FromKeywordID creates a keyword value from an interned keyword ID.
func FromKeywordID(id uint32) Value {
	return Value(nanBits | tagKeyword | uint64(id))
}

// fromHandle creates a heap handle value. Only the Arena calls this.
func fromHandle(index uint32, gen uint16) Value {
	payload := uint64(gen)<<32 | uint64(index)
	return Value(nanBits | tagHandle | payload)
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v is a float64 value. This includes regular
// numbers, infinities, and real NaNs produced by arithmetic.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if bits&nanBits != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsInt returns true if v is a 48-bit integer.
func (v Value) IsInt() bool {
	bits := uint64(v)
	return bits&nanBits == nanBits && bits&tagMask == tagInt
}

// IsNumber returns true if v is an int or a float.
func (v Value) IsNumber() bool {
	return v.IsFloat() || v.IsInt()
}

// IsNil returns true if v is nil.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSymbol returns true if v is an interned symbol.
func (v Value) IsSymbol() bool {
	bits := uint64(v)
	return bits&nanBits == nanBits && bits&tagMask == tagSymbol
}

// IsKeyword returns true if v is an interned keyword.
func (v Value) IsKeyword() bool {
	bits := uint64(v)
	return bits&nanBits == nanBits && bits&tagMask == tagKeyword
}

// IsHandle returns true if v references a heap object.
func (v Value) IsHandle() bool {
	bits := uint64(v)
	return bits&nanBits == nanBits && bits&tagMask == tagHandle
}

// IsTruthy returns the conditional interpretation of v: everything is
// truthy except nil and false.
func (v Value) IsTruthy() bool {
	return v != Nil && v != False
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Float64 returns the float payload. Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("vm: Value.Float64 on non-float")
	}
	return math.Float64frombits(uint64(v))
}

// Int returns the integer payload with sign extension. Panics if v is
// not an int.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("vm: Value.Int on non-int")
	}
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// Bool returns the boolean payload. Panics if v is not a bool.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	}
	panic("vm: Value.Bool on non-bool")
}

// SymbolID returns the interned symbol ID. Panics if v is not a symbol.
func (v Value) SymbolID() uint32 {
	if !v.IsSymbol() {
		panic("vm: Value.SymbolID on non-symbol")
	}
	return uint32(uint64(v) & payloadMask)
}

// KeywordID returns the interned keyword ID. Panics if v is not a keyword.
func (v Value) KeywordID() uint32 {
	if !v.IsKeyword() {
		panic("vm: Value.KeywordID on non-keyword")
	}
	return uint32(uint64(v) & payloadMask)
}

// handleIndex returns the arena slot index. Panics if v is not a handle.
func (v Value) handleIndex() uint32 {
	if !v.IsHandle() {
		panic("vm: Value.handleIndex on non-handle")
	}
	return uint32(uint64(v) & 0xFFFFFFFF)
}

// handleGen returns the handle generation. Panics if v is not a handle.
func (v Value) handleGen() uint16 {
	if !v.IsHandle() {
		panic("vm: Value.handleGen on non-handle")
	}
	return uint16((uint64(v) >> 32) & 0xFFFF)
}

// asFloat returns the numeric payload widened to float64. Panics if v
// is not a number; callers check IsNumber first.
func (v Value) asFloat() float64 {
	if v.IsInt() {
		return float64(v.Int())
	}
	return v.Float64()
}
