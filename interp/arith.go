package interp

import (
	"math"
)

// ---------------------------------------------------------------------------
// Integer division
// ---------------------------------------------------------------------------

// DoIntDivide divides with Java semantics. ok is false for a zero divisor,
// where the caller raises ArithmeticException. MinInt32 / -1 wraps to
// MinInt32.
func DoIntDivide(dividend, divisor int32) (result int32, ok bool) {
	switch divisor {
	case 0:
		return 0, false
	case -1:
		if dividend == math.MinInt32 {
			return dividend, true
		}
	}
	return dividend / divisor, true
}

// DoIntRemainder is DoIntDivide's remainder; MinInt32 % -1 is 0.
func DoIntRemainder(dividend, divisor int32) (result int32, ok bool) {
	switch divisor {
	case 0:
		return 0, false
	case -1:
		return 0, true
	}
	return dividend % divisor, true
}

func DoLongDivide(dividend, divisor int64) (result int64, ok bool) {
	switch divisor {
	case 0:
		return 0, false
	case -1:
		if dividend == math.MinInt64 {
			return dividend, true
		}
	}
	return dividend / divisor, true
}

func DoLongRemainder(dividend, divisor int64) (result int64, ok bool) {
	switch divisor {
	case 0:
		return 0, false
	case -1:
		return 0, true
	}
	return dividend % divisor, true
}

// ---------------------------------------------------------------------------
// Binary operation families
// ---------------------------------------------------------------------------

// Positions within a binary-operation family, as laid out in the opcode
// table: add sub mul div rem and or xor shl shr ushr.
const (
	binAdd = iota
	binSub
	binMul
	binDiv
	binRem
	binAnd
	binOr
	binXor
	binShl
	binShr
	binUshr
)

// intOp applies family operation op. ok is false on division by zero.
func intOp(op int, a, b int32) (int32, bool) {
	switch op {
	case binAdd:
		return a + b, true
	case binSub:
		return a - b, true
	case binMul:
		return a * b, true
	case binDiv:
		return DoIntDivide(a, b)
	case binRem:
		return DoIntRemainder(a, b)
	case binAnd:
		return a & b, true
	case binOr:
		return a | b, true
	case binXor:
		return a ^ b, true
	case binShl:
		return a << (uint32(b) & 0x1f), true
	case binShr:
		return a >> (uint32(b) & 0x1f), true
	}
	return int32(uint32(a) >> (uint32(b) & 0x1f)), true
}

// longOp is intOp for longs. Shift distances are ints.
func longOp(op int, a, b int64) (int64, bool) {
	switch op {
	case binAdd:
		return a + b, true
	case binSub:
		return a - b, true
	case binMul:
		return a * b, true
	case binDiv:
		return DoLongDivide(a, b)
	case binRem:
		return DoLongRemainder(a, b)
	case binAnd:
		return a & b, true
	case binOr:
		return a | b, true
	case binXor:
		return a ^ b, true
	case binShl:
		return a << (uint64(b) & 0x3f), true
	case binShr:
		return a >> (uint64(b) & 0x3f), true
	}
	return int64(uint64(a) >> (uint64(b) & 0x3f)), true
}

func floatOp(op int, a, b float32) float32 {
	switch op {
	case binAdd:
		return a + b
	case binSub:
		return a - b
	case binMul:
		return a * b
	case binDiv:
		return a / b
	}
	return float32(math.Mod(float64(a), float64(b)))
}

func doubleOp(op int, a, b float64) float64 {
	switch op {
	case binAdd:
		return a + b
	case binSub:
		return a - b
	case binMul:
		return a * b
	case binDiv:
		return a / b
	}
	return math.Mod(a, b)
}

// litOp applies a lit16/lit8 operation. The second slot of those families
// is rsub: literal minus register.
func litOp(op int, reg, lit int32) (int32, bool) {
	if op == binSub {
		return lit - reg, true
	}
	return intOp(op, reg, lit)
}

// ---------------------------------------------------------------------------
// Comparisons and conversions
// ---------------------------------------------------------------------------

// cmpFloat implements cmpl/cmpg: NaN compares as -1 for cmpl and 1 for cmpg.
func cmpFloat(a, b float64, gBias bool) int32 {
	switch {
	case a > b:
		return 1
	case a == b:
		return 0
	case a < b:
		return -1
	}
	if gBias {
		return 1
	}
	return -1
}

func cmpLong(a, b int64) int32 {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// floatToInt converts with Java rules: NaN is 0, out of range saturates.
func floatToInt(f float64) int32 {
	switch {
	case f != f:
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func floatToLong(f float64) int64 {
	switch {
	case f != f:
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}
