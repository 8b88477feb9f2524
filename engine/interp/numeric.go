package interp

import (
	"math"
	"math/bits"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// numArity is the operand count of each numeric opcode, 0 for the rest.
var numArity [256]uint8

func init() {
	for op := 0; op < 256; op++ {
		if params, _, ok := wasm.NumericSignature(byte(op)); ok {
			numArity[op] = uint8(len(params))
		}
	}
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func f32(v uint64) float32  { return math.Float32frombits(uint32(v)) }
func f64(v uint64) float64  { return math.Float64frombits(v) }
func uf32(f float32) uint64 { return uint64(math.Float32bits(f)) }
func uf64(f float64) uint64 { return math.Float64bits(f) }

func trap(kind errors.TrapKind, msg string) {
	panic(errors.NewTrap(kind, "%s", msg))
}

// intBinary evaluates the integer operations that never trap.
func intBinary(op byte, a, b uint64) uint64 {
	x, y := uint32(a), uint32(b)
	switch op {
	case wasm.OpI32Add:
		return uint64(x + y)
	case wasm.OpI32Sub:
		return uint64(x - y)
	case wasm.OpI32Mul:
		return uint64(x * y)
	case wasm.OpI32And:
		return uint64(x & y)
	case wasm.OpI32Or:
		return uint64(x | y)
	case wasm.OpI32Xor:
		return uint64(x ^ y)
	case wasm.OpI32Shl:
		return uint64(x << (y & 31))
	case wasm.OpI32ShrS:
		return uint64(uint32(int32(x) >> (y & 31)))
	case wasm.OpI32ShrU:
		return uint64(x >> (y & 31))
	case wasm.OpI32Rotl:
		return uint64(bits.RotateLeft32(x, int(y&31)))
	case wasm.OpI32Rotr:
		return uint64(bits.RotateLeft32(x, -int(y&31)))
	case wasm.OpI32Eq:
		return b2u(x == y)
	case wasm.OpI32Ne:
		return b2u(x != y)
	case wasm.OpI32LtS:
		return b2u(int32(x) < int32(y))
	case wasm.OpI32LtU:
		return b2u(x < y)
	case wasm.OpI32GtS:
		return b2u(int32(x) > int32(y))
	case wasm.OpI32GtU:
		return b2u(x > y)
	case wasm.OpI32LeS:
		return b2u(int32(x) <= int32(y))
	case wasm.OpI32LeU:
		return b2u(x <= y)
	case wasm.OpI32GeS:
		return b2u(int32(x) >= int32(y))
	case wasm.OpI32GeU:
		return b2u(x >= y)

	case wasm.OpI64Add:
		return a + b
	case wasm.OpI64Sub:
		return a - b
	case wasm.OpI64Mul:
		return a * b
	case wasm.OpI64And:
		return a & b
	case wasm.OpI64Or:
		return a | b
	case wasm.OpI64Xor:
		return a ^ b
	case wasm.OpI64Shl:
		return a << (b & 63)
	case wasm.OpI64ShrS:
		return uint64(int64(a) >> (b & 63))
	case wasm.OpI64ShrU:
		return a >> (b & 63)
	case wasm.OpI64Rotl:
		return bits.RotateLeft64(a, int(b&63))
	case wasm.OpI64Rotr:
		return bits.RotateLeft64(a, -int(b&63))
	case wasm.OpI64Eq:
		return b2u(a == b)
	case wasm.OpI64Ne:
		return b2u(a != b)
	case wasm.OpI64LtS:
		return b2u(int64(a) < int64(b))
	case wasm.OpI64LtU:
		return b2u(a < b)
	case wasm.OpI64GtS:
		return b2u(int64(a) > int64(b))
	case wasm.OpI64GtU:
		return b2u(a > b)
	case wasm.OpI64LeS:
		return b2u(int64(a) <= int64(b))
	case wasm.OpI64LeU:
		return b2u(a <= b)
	case wasm.OpI64GeS:
		return b2u(int64(a) >= int64(b))
	case wasm.OpI64GeU:
		return b2u(a >= b)
	}
	panic("interp: not an integer binary operator")
}

func binop(op byte, a, b uint64) uint64 {
	if fusable(op) {
		return intBinary(op, a, b)
	}
	switch op {
	case wasm.OpI32DivS:
		x, y := int32(a), int32(b)
		if y == 0 {
			trap(errors.TrapIntegerDivideByZero, "i32.div_s")
		}
		if x == math.MinInt32 && y == -1 {
			trap(errors.TrapIntegerOverflow, "i32.div_s")
		}
		return uint64(uint32(x / y))
	case wasm.OpI32DivU:
		if uint32(b) == 0 {
			trap(errors.TrapIntegerDivideByZero, "i32.div_u")
		}
		return uint64(uint32(a) / uint32(b))
	case wasm.OpI32RemS:
		x, y := int32(a), int32(b)
		if y == 0 {
			trap(errors.TrapIntegerDivideByZero, "i32.rem_s")
		}
		if y == -1 {
			return 0
		}
		return uint64(uint32(x % y))
	case wasm.OpI32RemU:
		if uint32(b) == 0 {
			trap(errors.TrapIntegerDivideByZero, "i32.rem_u")
		}
		return uint64(uint32(a) % uint32(b))

	case wasm.OpI64DivS:
		x, y := int64(a), int64(b)
		if y == 0 {
			trap(errors.TrapIntegerDivideByZero, "i64.div_s")
		}
		if x == math.MinInt64 && y == -1 {
			trap(errors.TrapIntegerOverflow, "i64.div_s")
		}
		return uint64(x / y)
	case wasm.OpI64DivU:
		if b == 0 {
			trap(errors.TrapIntegerDivideByZero, "i64.div_u")
		}
		return a / b
	case wasm.OpI64RemS:
		x, y := int64(a), int64(b)
		if y == 0 {
			trap(errors.TrapIntegerDivideByZero, "i64.rem_s")
		}
		if y == -1 {
			return 0
		}
		return uint64(x % y)
	case wasm.OpI64RemU:
		if b == 0 {
			trap(errors.TrapIntegerDivideByZero, "i64.rem_u")
		}
		return a % b

	case wasm.OpF32Add:
		return uf32(f32(a) + f32(b))
	case wasm.OpF32Sub:
		return uf32(f32(a) - f32(b))
	case wasm.OpF32Mul:
		return uf32(f32(a) * f32(b))
	case wasm.OpF32Div:
		return uf32(f32(a) / f32(b))
	case wasm.OpF32Min:
		return uf32(float32(fmin(float64(f32(a)), float64(f32(b)))))
	case wasm.OpF32Max:
		return uf32(float32(fmax(float64(f32(a)), float64(f32(b)))))
	case wasm.OpF32Copysign:
		return uint64(uint32(a)&0x7FFFFFFF | uint32(b)&0x80000000)
	case wasm.OpF32Eq:
		return b2u(f32(a) == f32(b))
	case wasm.OpF32Ne:
		return b2u(f32(a) != f32(b))
	case wasm.OpF32Lt:
		return b2u(f32(a) < f32(b))
	case wasm.OpF32Gt:
		return b2u(f32(a) > f32(b))
	case wasm.OpF32Le:
		return b2u(f32(a) <= f32(b))
	case wasm.OpF32Ge:
		return b2u(f32(a) >= f32(b))

	case wasm.OpF64Add:
		return uf64(f64(a) + f64(b))
	case wasm.OpF64Sub:
		return uf64(f64(a) - f64(b))
	case wasm.OpF64Mul:
		return uf64(f64(a) * f64(b))
	case wasm.OpF64Div:
		return uf64(f64(a) / f64(b))
	case wasm.OpF64Min:
		return uf64(fmin(f64(a), f64(b)))
	case wasm.OpF64Max:
		return uf64(fmax(f64(a), f64(b)))
	case wasm.OpF64Copysign:
		return a&0x7FFFFFFFFFFFFFFF | b&0x8000000000000000
	case wasm.OpF64Eq:
		return b2u(f64(a) == f64(b))
	case wasm.OpF64Ne:
		return b2u(f64(a) != f64(b))
	case wasm.OpF64Lt:
		return b2u(f64(a) < f64(b))
	case wasm.OpF64Gt:
		return b2u(f64(a) > f64(b))
	case wasm.OpF64Le:
		return b2u(f64(a) <= f64(b))
	case wasm.OpF64Ge:
		return b2u(f64(a) >= f64(b))
	}
	panic("interp: not a binary operator")
}

func unary(op byte, a uint64) uint64 {
	x := uint32(a)
	switch op {
	case wasm.OpI32Eqz:
		return b2u(x == 0)
	case wasm.OpI32Clz:
		return uint64(bits.LeadingZeros32(x))
	case wasm.OpI32Ctz:
		return uint64(bits.TrailingZeros32(x))
	case wasm.OpI32Popcnt:
		return uint64(bits.OnesCount32(x))
	case wasm.OpI32Extend8S:
		return uint64(uint32(int32(int8(x))))
	case wasm.OpI32Extend16S:
		return uint64(uint32(int32(int16(x))))

	case wasm.OpI64Eqz:
		return b2u(a == 0)
	case wasm.OpI64Clz:
		return uint64(bits.LeadingZeros64(a))
	case wasm.OpI64Ctz:
		return uint64(bits.TrailingZeros64(a))
	case wasm.OpI64Popcnt:
		return uint64(bits.OnesCount64(a))
	case wasm.OpI64Extend8S:
		return uint64(int64(int8(a)))
	case wasm.OpI64Extend16S:
		return uint64(int64(int16(a)))
	case wasm.OpI64Extend32S, wasm.OpI64ExtendI32S:
		return uint64(int64(int32(a)))
	case wasm.OpI64ExtendI32U:
		return uint64(x)
	case wasm.OpI32WrapI64:
		return uint64(x)

	case wasm.OpF32Abs:
		return uint64(x &^ 0x80000000)
	case wasm.OpF32Neg:
		return uint64(x ^ 0x80000000)
	case wasm.OpF32Ceil:
		return uf32(float32(math.Ceil(float64(f32(a)))))
	case wasm.OpF32Floor:
		return uf32(float32(math.Floor(float64(f32(a)))))
	case wasm.OpF32Trunc:
		return uf32(float32(math.Trunc(float64(f32(a)))))
	case wasm.OpF32Nearest:
		return uf32(float32(math.RoundToEven(float64(f32(a)))))
	case wasm.OpF32Sqrt:
		return uf32(float32(math.Sqrt(float64(f32(a)))))

	case wasm.OpF64Abs:
		return a &^ 0x8000000000000000
	case wasm.OpF64Neg:
		return a ^ 0x8000000000000000
	case wasm.OpF64Ceil:
		return uf64(math.Ceil(f64(a)))
	case wasm.OpF64Floor:
		return uf64(math.Floor(f64(a)))
	case wasm.OpF64Trunc:
		return uf64(math.Trunc(f64(a)))
	case wasm.OpF64Nearest:
		return uf64(math.RoundToEven(f64(a)))
	case wasm.OpF64Sqrt:
		return uf64(math.Sqrt(f64(a)))

	case wasm.OpI32TruncF32S:
		return uint64(uint32(int32(truncS(float64(f32(a)), -2147483904.0, 2147483648.0))))
	case wasm.OpI32TruncF32U:
		return uint64(uint32(truncU(float64(f32(a)), 4294967296.0)))
	case wasm.OpI32TruncF64S:
		return uint64(uint32(int32(truncS(f64(a), -2147483649.0, 2147483648.0))))
	case wasm.OpI32TruncF64U:
		return uint64(uint32(truncU(f64(a), 4294967296.0)))
	case wasm.OpI64TruncF32S:
		return uint64(truncS(float64(f32(a)), -9223373136366403584.0, 9223372036854775808.0))
	case wasm.OpI64TruncF32U:
		return truncU(float64(f32(a)), 18446744073709551616.0)
	case wasm.OpI64TruncF64S:
		return uint64(truncS(f64(a), -9223372036854777856.0, 9223372036854775808.0))
	case wasm.OpI64TruncF64U:
		return truncU(f64(a), 18446744073709551616.0)

	case wasm.OpF32ConvertI32S:
		return uf32(float32(int32(x)))
	case wasm.OpF32ConvertI32U:
		return uf32(float32(x))
	case wasm.OpF32ConvertI64S:
		return uf32(float32(int64(a)))
	case wasm.OpF32ConvertI64U:
		return uf32(float32(a))
	case wasm.OpF32DemoteF64:
		return uf32(float32(f64(a)))
	case wasm.OpF64ConvertI32S:
		return uf64(float64(int32(x)))
	case wasm.OpF64ConvertI32U:
		return uf64(float64(x))
	case wasm.OpF64ConvertI64S:
		return uf64(float64(int64(a)))
	case wasm.OpF64ConvertI64U:
		return uf64(float64(a))
	case wasm.OpF64PromoteF32:
		return uf64(float64(f32(a)))

	case wasm.OpI32ReinterpretF32, wasm.OpF32ReinterpretI32:
		return uint64(x)
	case wasm.OpI64ReinterpretF64, wasm.OpF64ReinterpretI64:
		return a
	}
	panic("interp: not a unary operator")
}

// truncS truncates f toward zero, trapping unless lo < f < hi.
func truncS(f, lo, hi float64) int64 {
	if math.IsNaN(f) {
		trap(errors.TrapInvalidConversionToInteger, "NaN")
	}
	if f <= lo || f >= hi {
		trap(errors.TrapIntegerOverflow, "float out of integer range")
	}
	return int64(math.Trunc(f))
}

// truncU truncates f toward zero, trapping unless -1 < f < hi.
func truncU(f, hi float64) uint64 {
	if math.IsNaN(f) {
		trap(errors.TrapInvalidConversionToInteger, "NaN")
	}
	if f <= -1 || f >= hi {
		trap(errors.TrapIntegerOverflow, "float out of integer range")
	}
	return uint64(math.Trunc(f))
}

// truncSat implements the saturating conversions of the misc prefix.
func truncSat(sub uint32, a uint64) uint64 {
	var f float64
	switch sub {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U,
		wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U:
		f = float64(f32(a))
	default:
		f = f64(a)
	}
	if math.IsNaN(f) {
		return 0
	}
	switch sub {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF64S:
		switch {
		case f <= math.MinInt32:
			return 0x80000000
		case f >= math.MaxInt32:
			return math.MaxInt32
		}
		return uint64(uint32(int32(f)))
	case wasm.MiscI32TruncSatF32U, wasm.MiscI32TruncSatF64U:
		switch {
		case f <= 0:
			return 0
		case f >= math.MaxUint32:
			return math.MaxUint32
		}
		return uint64(uint32(f))
	case wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF64S:
		switch {
		case f <= math.MinInt64:
			return 1 << 63
		case f >= math.MaxInt64:
			return math.MaxInt64
		}
		return uint64(int64(f))
	default:
		switch {
		case f <= 0:
			return 0
		case f >= math.MaxUint64:
			return math.MaxUint64
		}
		return uint64(f)
	}
}

func fmin(a, b float64) float64 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		return math.NaN()
	case a == 0 && b == 0:
		if math.Signbit(a) {
			return a
		}
		return b
	case a < b:
		return a
	}
	return b
}

func fmax(a, b float64) float64 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		return math.NaN()
	case a == 0 && b == 0:
		if math.Signbit(a) {
			return b
		}
		return a
	case a > b:
		return a
	}
	return b
}
