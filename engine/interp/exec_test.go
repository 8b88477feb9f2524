package interp_test

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/engine/interp"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/testwasm"
	"github.com/wippyai/wasm-engine/linker"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/wasm"
)

type backend struct {
	name string
	new  func(reg *signature.Registry) engine.Compiler
}

var backends = []backend{
	{interp.BaselineName, func(reg *signature.Registry) engine.Compiler { return interp.NewBaseline(reg) }},
	{interp.OptimizingName, func(reg *signature.Registry) engine.Compiler { return interp.NewOptimizing(reg) }},
}

var (
	i32 = testwasm.I32
	i64 = testwasm.I64
	f32 = testwasm.F32
	f64 = testwasm.F64
)

func instantiate(t *testing.T, be backend, b *testwasm.Builder) *linker.Instance {
	t.Helper()
	ctx := context.Background()
	mod, err := be.new(signature.NewRegistry()).Compile(ctx, b.Bytes())
	if err != nil {
		t.Fatalf("%s: compile: %v", be.name, err)
	}
	inst, err := linker.Instantiate(ctx, mod, nil)
	if err != nil {
		t.Fatalf("%s: instantiate: %v", be.name, err)
	}
	return inst
}

func op(code byte) wasm.Instruction { return testwasm.Op(code) }

func get(i uint32) wasm.Instruction { return testwasm.LocalGet(i) }

func TestNumeric(t *testing.T) {
	tests := []struct {
		name    string
		params  []wasm.ValType
		results []wasm.ValType
		body    []wasm.Instruction
		args    []any
		want    any
	}{
		{"i32.add wraps", testwasm.Repeat(wasm.ValI32, 2), i32,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI32Add)},
			[]any{int32(math.MaxInt32), int32(1)}, int32(math.MinInt32)},
		{"i32.rotl", testwasm.Repeat(wasm.ValI32, 2), i32,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI32Rotl)},
			[]any{int32(-0x7fffffff), int32(1)}, int32(3)},
		{"i32.rem_s min by -1", testwasm.Repeat(wasm.ValI32, 2), i32,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI32RemS)},
			[]any{int32(math.MinInt32), int32(-1)}, int32(0)},
		{"i32.shr_s masks count", testwasm.Repeat(wasm.ValI32, 2), i32,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI32ShrS)},
			[]any{int32(-16), int32(34)}, int32(-4)},
		{"i32.clz", i32, i32,
			[]wasm.Instruction{get(0), op(wasm.OpI32Clz)},
			[]any{int32(1)}, int32(31)},
		{"i32.extend8_s", i32, i32,
			[]wasm.Instruction{get(0), op(wasm.OpI32Extend8S)},
			[]any{int32(0x80)}, int32(-128)},
		{"i32.wrap_i64", i64, i32,
			[]wasm.Instruction{get(0), op(wasm.OpI32WrapI64)},
			[]any{int64(0x1_0000_0005)}, int32(5)},
		{"i64.mul", testwasm.Repeat(wasm.ValI64, 2), i64,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI64Mul)},
			[]any{int64(1) << 40, int64(-3)}, int64(-3) << 40},
		{"i64.popcnt", i64, i64,
			[]wasm.Instruction{get(0), op(wasm.OpI64Popcnt)},
			[]any{int64(-1)}, int64(64)},
		{"i64.extend_i32_s", i32, i64,
			[]wasm.Instruction{get(0), op(wasm.OpI64ExtendI32S)},
			[]any{int32(-1)}, int64(-1)},
		{"i64.extend_i32_u", i32, i64,
			[]wasm.Instruction{get(0), op(wasm.OpI64ExtendI32U)},
			[]any{int32(-1)}, int64(0xFFFFFFFF)},
		{"i64.lt_u", testwasm.Repeat(wasm.ValI64, 2), i32,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI64LtU)},
			[]any{int64(1), int64(-1)}, int32(1)},
		{"f64.sqrt", f64, f64,
			[]wasm.Instruction{get(0), op(wasm.OpF64Sqrt)},
			[]any{2.25}, 1.5},
		{"f64.nearest rounds to even", f64, f64,
			[]wasm.Instruction{get(0), op(wasm.OpF64Nearest)},
			[]any{2.5}, 2.0},
		{"f32.copysign", testwasm.Repeat(wasm.ValF32, 2), f32,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpF32Copysign)},
			[]any{float32(3), float32(-0.5)}, float32(-3)},
		{"f32.min", testwasm.Repeat(wasm.ValF32, 2), f32,
			[]wasm.Instruction{get(0), get(1), op(wasm.OpF32Min)},
			[]any{float32(-1), float32(2)}, float32(-1)},
		{"f64.convert_i64_u", i64, f64,
			[]wasm.Instruction{get(0), op(wasm.OpF64ConvertI64U)},
			[]any{int64(-1)}, 18446744073709551615.0},
		{"i32.trunc_sat_f64_s clamps", f64, i32,
			[]wasm.Instruction{get(0), testwasm.Misc(wasm.MiscI32TruncSatF64S)},
			[]any{1e10}, int32(math.MaxInt32)},
		{"i32.trunc_sat_f64_u of NaN", f64, i32,
			[]wasm.Instruction{get(0), testwasm.Misc(wasm.MiscI32TruncSatF64U)},
			[]any{math.NaN()}, int32(0)},
		{"i64.trunc_f64_s", f64, i64,
			[]wasm.Instruction{get(0), op(wasm.OpI64TruncF64S)},
			[]any{-3.9}, int64(-3)},
		{"select", []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32}, i32,
			[]wasm.Instruction{get(0), get(1), get(2), op(wasm.OpSelect)},
			[]any{int32(10), int32(20), int32(0)}, int32(20)},
		{"reinterpret", f32, i32,
			[]wasm.Instruction{get(0), op(wasm.OpI32ReinterpretF32)},
			[]any{float32(1)}, int32(0x3f800000)},
	}
	for _, be := range backends {
		for _, tt := range tests {
			t.Run(be.name+"/"+tt.name, func(t *testing.T) {
				b := testwasm.New()
				b.Func("f", tt.params, tt.results, nil, tt.body...)
				inst := instantiate(t, be, b)
				got, err := inst.Call(context.Background(), "f", tt.args...)
				if err != nil {
					t.Fatalf("call failed: %v", err)
				}
				if len(got) != 1 || got[0] != tt.want {
					t.Errorf("got %v, want %v (%T)", got, tt.want, tt.want)
				}
			})
		}
	}
}

func TestTraps(t *testing.T) {
	tests := []struct {
		name   string
		params []wasm.ValType
		body   []wasm.Instruction
		args   []any
		want   error
	}{
		{"div_s overflow", testwasm.Repeat(wasm.ValI32, 2),
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI32DivS), op(wasm.OpDrop)},
			[]any{int32(math.MinInt32), int32(-1)}, errors.ErrIntegerOverflow},
		{"div_u by zero", testwasm.Repeat(wasm.ValI32, 2),
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI32DivU), op(wasm.OpDrop)},
			[]any{int32(1), int32(0)}, errors.ErrIntegerDivideByZero},
		{"rem_u by zero", testwasm.Repeat(wasm.ValI64, 2),
			[]wasm.Instruction{get(0), get(1), op(wasm.OpI64RemU), op(wasm.OpDrop)},
			[]any{int64(1), int64(0)}, errors.ErrIntegerDivideByZero},
		{"trunc NaN", f32,
			[]wasm.Instruction{get(0), op(wasm.OpI32TruncF32S), op(wasm.OpDrop)},
			[]any{float32(math.NaN())}, errors.ErrInvalidConversion},
		{"trunc out of range", f64,
			[]wasm.Instruction{get(0), op(wasm.OpI32TruncF64S), op(wasm.OpDrop)},
			[]any{3e9}, errors.ErrIntegerOverflow},
		{"load past end", i32,
			[]wasm.Instruction{get(0), testwasm.Load(wasm.OpI64Load, 0), op(wasm.OpDrop)},
			[]any{int32(65532)}, errors.ErrMemoryOutOfBounds},
		{"store offset overflow", i32,
			[]wasm.Instruction{get(0), testwasm.I32Const(1), testwasm.Store(wasm.OpI32Store, 0xFFFFFFFF)},
			[]any{int32(8)}, errors.ErrMemoryOutOfBounds},
		{"unreachable", nil,
			[]wasm.Instruction{op(wasm.OpUnreachable)},
			nil, errors.ErrUnreachable},
	}
	for _, be := range backends {
		for _, tt := range tests {
			t.Run(be.name+"/"+tt.name, func(t *testing.T) {
				b := testwasm.New()
				b.Memory(1, nil)
				b.Func("f", tt.params, nil, nil, tt.body...)
				inst := instantiate(t, be, b)
				_, err := inst.Call(context.Background(), "f", tt.args...)
				if !stderrors.Is(err, tt.want) {
					t.Errorf("error = %v, want %v", err, tt.want)
				}
			})
		}
	}
}

func TestTrapBacktrace(t *testing.T) {
	for _, be := range backends {
		t.Run(be.name, func(t *testing.T) {
			b := testwasm.New()
			inner := b.Func("inner", nil, nil, nil, op(wasm.OpUnreachable))
			b.Func("outer", nil, nil, nil, testwasm.Call(inner))
			inst := instantiate(t, be, b)
			_, err := inst.Call(context.Background(), "outer")
			trap, ok := errors.AsTrap(err)
			if !ok {
				t.Fatalf("error = %v, want trap", err)
			}
			if len(trap.Frames) != 2 || trap.Frames[0] != "inner" || trap.Frames[1] != "outer" {
				t.Errorf("frames = %v, want [inner outer]", trap.Frames)
			}
		})
	}
}

// programs builds the control-flow module shared by the execution,
// fusion, codec and differential tests.
func programs() *testwasm.Builder {
	b := testwasm.New()
	b.Memory(1, testwasm.U64(2))

	b.Func("fib", i32, i32, nil,
		get(0), testwasm.I32Const(2), op(wasm.OpI32LtS),
		testwasm.If(wasm.BlockTypeI32),
		get(0),
		testwasm.Else(),
		get(0), testwasm.I32Const(1), op(wasm.OpI32Sub), testwasm.Call(0),
		get(0), testwasm.I32Const(2), op(wasm.OpI32Sub), testwasm.Call(0),
		op(wasm.OpI32Add),
		testwasm.End())

	b.Func("fact", i64, i64, i64,
		testwasm.I64Const(1), testwasm.LocalSet(1),
		testwasm.Block(wasm.BlockTypeVoid),
		testwasm.Loop(wasm.BlockTypeVoid),
		get(0), op(wasm.OpI64Eqz), testwasm.BrIf(1),
		get(1), get(0), op(wasm.OpI64Mul), testwasm.LocalSet(1),
		get(0), testwasm.I64Const(1), op(wasm.OpI64Sub), testwasm.LocalSet(0),
		testwasm.Br(0),
		testwasm.End(),
		testwasm.End(),
		get(1))

	b.Func("switch", i32, i32, nil,
		testwasm.Block(wasm.BlockTypeVoid),
		testwasm.Block(wasm.BlockTypeVoid),
		testwasm.Block(wasm.BlockTypeVoid),
		get(0), testwasm.BrTable(2, 0, 1),
		testwasm.End(),
		testwasm.I32Const(100), op(wasm.OpReturn),
		testwasm.End(),
		testwasm.I32Const(200), op(wasm.OpReturn),
		testwasm.End(),
		testwasm.I32Const(300))

	b.Func("unwind", nil, i32, nil,
		testwasm.I32Const(9),
		testwasm.Block(wasm.BlockTypeI32),
		testwasm.I32Const(1), testwasm.I32Const(2), testwasm.Br(0),
		testwasm.End(),
		op(wasm.OpI32Add))

	b.Func("mix", testwasm.Repeat(wasm.ValI32, 2), i32, i32,
		get(0), get(1), op(wasm.OpI32Sub),
		get(0), testwasm.I32Const(7), op(wasm.OpI32Mul),
		op(wasm.OpI32Xor),
		testwasm.I32Const(3), op(wasm.OpI32Shl),
		testwasm.LocalSet(2), get(2),
		get(2), testwasm.I32Const(5), op(wasm.OpI32Rotr),
		op(wasm.OpI32Add),
		get(0), testwasm.LocalSet(1),
		get(1), op(wasm.OpI32Eqz), testwasm.BrIf(0),
		get(1), op(wasm.OpI32Xor))

	b.Func("checksum", i32, i32, []wasm.ValType{wasm.ValI32, wasm.ValI32},
		testwasm.Block(wasm.BlockTypeVoid),
		testwasm.Loop(wasm.BlockTypeVoid),
		get(1), get(0), op(wasm.OpI32GeU), testwasm.BrIf(1),
		get(1), testwasm.I32Const(2), op(wasm.OpI32Shl),
		get(1), get(1), op(wasm.OpI32Mul),
		testwasm.Store(wasm.OpI32Store, 0),
		get(1), testwasm.I32Const(1), op(wasm.OpI32Add), testwasm.LocalSet(1),
		testwasm.Br(0),
		testwasm.End(),
		testwasm.End(),
		testwasm.I32Const(0), testwasm.LocalSet(1),
		testwasm.Block(wasm.BlockTypeVoid),
		testwasm.Loop(wasm.BlockTypeVoid),
		get(1), get(0), op(wasm.OpI32GeU), testwasm.BrIf(1),
		get(2),
		get(1), testwasm.I32Const(2), op(wasm.OpI32Shl), testwasm.Load(wasm.OpI32Load, 0),
		op(wasm.OpI32Add), testwasm.LocalSet(2),
		get(1), testwasm.I32Const(1), op(wasm.OpI32Add), testwasm.LocalSet(1),
		testwasm.Br(0),
		testwasm.End(),
		testwasm.End(),
		get(2))

	b.Func("fmix", testwasm.Repeat(wasm.ValF64, 2), f64, nil,
		get(0), get(1), op(wasm.OpF64Mul),
		get(0), op(wasm.OpF64Abs), op(wasm.OpF64Sqrt),
		op(wasm.OpF64Add),
		get(1), op(wasm.OpF64Floor),
		op(wasm.OpF64Sub),
		get(0), get(1), op(wasm.OpF64Min),
		op(wasm.OpF64Add))

	b.Func("sat", f64, i32, nil, get(0), testwasm.Misc(wasm.MiscI32TruncSatF64S))
	return b
}

func TestControlFlow(t *testing.T) {
	tests := []struct {
		export string
		args   []any
		want   any
	}{
		{"fib", []any{int32(0)}, int32(0)},
		{"fib", []any{int32(20)}, int32(6765)},
		{"fact", []any{int64(0)}, int64(1)},
		{"fact", []any{int64(20)}, int64(2432902008176640000)},
		{"switch", []any{int32(0)}, int32(100)},
		{"switch", []any{int32(1)}, int32(200)},
		{"switch", []any{int32(2)}, int32(300)},
		{"switch", []any{int32(-1)}, int32(300)},
		{"unwind", nil, int32(11)},
		{"checksum", []any{int32(10)}, int32(285)},
	}
	for _, be := range backends {
		inst := instantiate(t, be, programs())
		for _, tt := range tests {
			got, err := inst.Call(context.Background(), tt.export, tt.args...)
			if err != nil {
				t.Errorf("%s: %s%v failed: %v", be.name, tt.export, tt.args, err)
				continue
			}
			if got[0] != tt.want {
				t.Errorf("%s: %s%v = %v, want %v", be.name, tt.export, tt.args, got[0], tt.want)
			}
		}
	}
}

func TestFusionEquivalence(t *testing.T) {
	base := instantiate(t, backends[0], programs())
	opt := instantiate(t, backends[1], programs())
	ctx := context.Background()

	inputs := []int32{0, 1, -1, 7, 100, math.MaxInt32, math.MinInt32, 0x5555}
	for _, a := range inputs {
		for _, b := range inputs {
			want, err := base.Call(ctx, "mix", a, b)
			if err != nil {
				t.Fatal(err)
			}
			got, err := opt.Call(ctx, "mix", a, b)
			if err != nil {
				t.Fatal(err)
			}
			if got[0] != want[0] {
				t.Errorf("mix(%d, %d): optimizing %v, baseline %v", a, b, got[0], want[0])
			}
		}
	}

	// fusion must shrink the fused bodies
	for i, body := range opt.Module().Bodies() {
		o := body.(*interp.Func)
		bl := base.Module().Body(i).(*interp.Func)
		if len(o.Code) > len(bl.Code) {
			t.Errorf("func %d: optimizing emitted %d ops, baseline %d", i, len(o.Code), len(bl.Code))
		}
	}
	fibOpt := opt.Module().Body(0).(*interp.Func)
	fibBase := base.Module().Body(0).(*interp.Func)
	if len(fibOpt.Code) >= len(fibBase.Code) {
		t.Errorf("fib: optimizing emitted %d ops, baseline %d", len(fibOpt.Code), len(fibBase.Code))
	}
}

func TestBulkMemory(t *testing.T) {
	for _, be := range backends {
		t.Run(be.name, func(t *testing.T) {
			b := testwasm.New()
			b.Memory(1, testwasm.U64(2))
			seg := b.PassiveData([]byte("xyz"))
			b.Func("bulk", nil, i32, nil,
				testwasm.I32Const(0), testwasm.I32Const(0xAB), testwasm.I32Const(4), testwasm.Misc(wasm.MiscMemoryFill, 0),
				testwasm.I32Const(8), testwasm.I32Const(0), testwasm.I32Const(4), testwasm.Misc(wasm.MiscMemoryCopy, 0, 0),
				testwasm.I32Const(16), testwasm.I32Const(0), testwasm.I32Const(3), testwasm.Misc(wasm.MiscMemoryInit, seg, 0),
				testwasm.I32Const(8), testwasm.Load(wasm.OpI32Load, 0))
			b.Func("peek", i32, i32, nil, get(0), testwasm.Load(wasm.OpI32Load8U, 0))
			b.Func("signed", nil, i32, nil,
				testwasm.I32Const(32), testwasm.I32Const(0xFF), testwasm.Store(wasm.OpI32Store8, 0),
				testwasm.I32Const(32), testwasm.Load(wasm.OpI32Load8S, 0))
			b.Func("drop", nil, nil, nil, testwasm.Misc(wasm.MiscDataDrop, seg))
			b.Func("reinit", nil, nil, nil,
				testwasm.I32Const(0), testwasm.I32Const(0), testwasm.I32Const(1), testwasm.Misc(wasm.MiscMemoryInit, seg, 0))
			b.Func("grow", i32, i32, nil, get(0), testwasm.MemoryGrow())
			inst := instantiate(t, be, b)
			ctx := context.Background()

			if got, err := inst.Call(ctx, "bulk"); err != nil || got[0] != int32(-1414812757) {
				t.Errorf("bulk = %v, %v", got, err)
			}
			if got, _ := inst.Call(ctx, "peek", int32(18)); got[0] != int32('z') {
				t.Errorf("peek(18) = %v, want 'z'", got)
			}
			if got, _ := inst.Call(ctx, "signed"); got[0] != int32(-1) {
				t.Errorf("load8_s = %v, want -1", got)
			}
			if _, err := inst.Call(ctx, "drop"); err != nil {
				t.Fatal(err)
			}
			if _, err := inst.Call(ctx, "reinit"); !stderrors.Is(err, errors.ErrMemoryOutOfBounds) {
				t.Errorf("memory.init after drop: %v", err)
			}
			if got, _ := inst.Call(ctx, "grow", int32(1)); got[0] != int32(1) {
				t.Errorf("grow(1) = %v, want old size 1", got)
			}
			if got, _ := inst.Call(ctx, "grow", int32(1)); got[0] != int32(-1) {
				t.Errorf("grow past maximum = %v, want -1", got)
			}
		})
	}
}

func TestTablesAndRefs(t *testing.T) {
	for _, be := range backends {
		t.Run(be.name, func(t *testing.T) {
			b := testwasm.New()
			seven := b.Func("", nil, i32, nil, testwasm.I32Const(7))
			b.DeclareFuncs(seven)
			b.Table(wasm.ValFuncRef, 2, testwasm.U64(10))
			elem := b.PassiveElem(seven, seven)
			b.Func("set_and_call", nil, i32, nil,
				testwasm.I32Const(1), testwasm.RefFunc(seven), testwasm.TableSet(0),
				testwasm.I32Const(1), testwasm.CallIndirect(b.Type(nil, i32), 0))
			b.Func("is_null", i32, i32, nil, get(0), testwasm.TableGet(0), op(wasm.OpRefIsNull))
			b.Func("grow", nil, i32, nil,
				testwasm.RefNull(wasm.ValFuncRef), testwasm.I32Const(3), testwasm.Misc(wasm.MiscTableGrow, 0),
				op(wasm.OpDrop),
				testwasm.Misc(wasm.MiscTableSize, 0))
			b.Func("init", nil, i32, nil,
				testwasm.I32Const(3), testwasm.I32Const(0), testwasm.I32Const(2), testwasm.Misc(wasm.MiscTableInit, elem, 0),
				testwasm.I32Const(4), testwasm.CallIndirect(b.Type(nil, i32), 0))
			inst := instantiate(t, be, b)
			ctx := context.Background()

			if got, err := inst.Call(ctx, "set_and_call"); err != nil || got[0] != int32(7) {
				t.Errorf("set_and_call = %v, %v", got, err)
			}
			if got, _ := inst.Call(ctx, "is_null", int32(1)); got[0] != int32(0) {
				t.Errorf("is_null(1) = %v, want 0", got)
			}
			if got, _ := inst.Call(ctx, "is_null", int32(0)); got[0] != int32(1) {
				t.Errorf("is_null(0) = %v, want 1", got)
			}
			if got, _ := inst.Call(ctx, "grow"); got[0] != int32(5) {
				t.Errorf("table size after grow = %v, want 5", got)
			}
			if got, err := inst.Call(ctx, "init"); err != nil || got[0] != int32(7) {
				t.Errorf("init = %v, %v", got, err)
			}
		})
	}
}
