package linker

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/engine/interp"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/testwasm"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/table"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

var (
	i32  = testwasm.I32
	none = testwasm.None
)

func compile(t *testing.T, reg *signature.Registry, b *testwasm.Builder) *engine.Module {
	t.Helper()
	mod, err := interp.NewOptimizing(reg).Compile(context.Background(), b.Bytes())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return mod
}

func instantiate(t *testing.T, b *testwasm.Builder, imports *Imports, opts ...Option) *Instance {
	t.Helper()
	inst, err := Instantiate(context.Background(), compile(t, signature.NewRegistry(), b), imports, opts...)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return inst
}

func u32(v uint32) *uint32 { return &v }

func addModule() *testwasm.Builder {
	b := testwasm.New()
	b.Func("add", testwasm.Repeat(wasm.ValI32, 2), i32, nil,
		testwasm.LocalGet(0), testwasm.LocalGet(1), testwasm.Op(wasm.OpI32Add))
	return b
}

func TestCallAdd(t *testing.T) {
	inst := instantiate(t, addModule(), nil)
	got, err := inst.Call(context.Background(), "add", int32(3), int32(4))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if len(got) != 1 || got[0] != int32(7) {
		t.Errorf("add(3, 4) = %v, want [7]", got)
	}
}

func TestCallErrors(t *testing.T) {
	b := addModule()
	b.Memory(1, nil).Export("mem", wasm.KindMemory, 0)
	inst := instantiate(t, b, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		export string
		args   []any
		want   error
	}{
		{"missing export", "sub", []any{int32(1), int32(2)}, errors.ErrNoSuchExport},
		{"not a function", "mem", nil, errors.ErrNoSuchExport},
		{"too few args", "add", []any{int32(1)}, errors.ErrArgumentType},
		{"too many args", "add", []any{int32(1), int32(2), int32(3)}, errors.ErrArgumentType},
		{"wrong type", "add", []any{int32(1), 2.5}, errors.ErrArgumentType},
		{"out of range", "add", []any{int32(1), int64(1) << 40}, errors.ErrArgumentType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := inst.Call(ctx, tt.export, tt.args...)
			if !stderrors.Is(err, tt.want) {
				t.Errorf("Call error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestArgumentTypeBeforeExecution(t *testing.T) {
	b := testwasm.New()
	g := b.Global(wasm.ValI32, true, wasm.I32Const(0))
	b.Export("calls", wasm.KindGlobal, g)
	b.Func("f", i32, i32, nil,
		testwasm.GlobalGet(g), testwasm.I32Const(1), testwasm.Op(wasm.OpI32Add), testwasm.GlobalSet(g),
		testwasm.LocalGet(0))
	inst := instantiate(t, b, nil)
	ctx := context.Background()

	if _, err := inst.Call(ctx, "f", "abc"); !stderrors.Is(err, errors.ErrArgumentType) {
		t.Fatalf("Call(\"abc\") error = %v, want argument_type", err)
	}
	calls, _ := inst.Export("calls")
	if calls.Global.Value != 0 {
		t.Fatalf("guest code ran %d time(s) despite argument error", calls.Global.Value)
	}

	got, err := inst.Call(ctx, "f", "41")
	if err != nil {
		t.Fatalf("Call(\"41\") failed: %v", err)
	}
	if got[0] != int32(41) || calls.Global.Value != 1 {
		t.Errorf("got %v with %d calls, want [41] with 1", got, calls.Global.Value)
	}
}

func TestMissingImportAllocatesNothing(t *testing.T) {
	b := testwasm.New()
	b.ImportFunc("env", "missing_fn", none, none)
	b.ImportFunc("env", "other", none, none)
	b.Memory(1, nil)
	b.Table(wasm.ValFuncRef, 1, nil)
	mod := compile(t, signature.NewRegistry(), b)

	allocs := 0
	alloc := func(n uint64) ([]byte, error) {
		allocs++
		return make([]byte, n), nil
	}
	imports := NewImports()
	imports.DefineHostFunc("env", "other", wasm.FuncType{}, func(context.Context, *Caller, []uint64, []uint64) error {
		return nil
	})

	inst, err := Instantiate(context.Background(), mod, imports, WithMemoryOptions(memory.WithAllocator(alloc)))
	if inst != nil {
		t.Fatal("Instantiate returned an instance")
	}
	if !stderrors.Is(err, errors.ErrMissingImport) {
		t.Fatalf("error = %v, want missing_import", err)
	}
	var missing *errors.MissingImportsError
	if !stderrors.As(err, &missing) || len(missing.Imports) != 1 || missing.Imports[0].Name != "missing_fn" {
		t.Errorf("missing imports = %+v, want only env.missing_fn", missing)
	}
	if allocs != 0 {
		t.Errorf("%d memory allocation(s) after failed link", allocs)
	}

	// The failed link must not have tied env.other to the first session.
	other, _ := imports.Lookup("env", "other")
	if h := other.Func.Signature(); h != signature.Invalid {
		t.Errorf("host function bound after failed link: handle %d", h)
	}
	imports.DefineHostFunc("env", "missing_fn", wasm.FuncType{}, func(context.Context, *Caller, []uint64, []uint64) error {
		return nil
	})
	reg := signature.NewRegistry()
	if _, err := Instantiate(context.Background(), compile(t, reg, b), imports); err != nil {
		t.Fatalf("link into another session: %v", err)
	}
	if h := other.Func.Signature(); h != reg.Intern(nil, nil) {
		t.Errorf("handle after link = %d, want %d", h, reg.Intern(nil, nil))
	}
}

func TestIncompatibleImports(t *testing.T) {
	mustMem := func(min uint32, max *uint32) *memory.Memory {
		m, err := memory.New(min, max)
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	mustTable := func(elem wasm.ValType, min uint32) *table.Table {
		tab, err := table.New(elem, min, nil)
		if err != nil {
			t.Fatal(err)
		}
		return tab
	}
	noop := func(context.Context, *Caller, []uint64, []uint64) error { return nil }

	tests := []struct {
		name    string
		declare func(b *testwasm.Builder)
		provide func(i *Imports)
		wantErr bool
	}{
		{
			name:    "func signature",
			declare: func(b *testwasm.Builder) { b.ImportFunc("env", "x", i32, i32) },
			provide: func(i *Imports) { i.DefineHostFunc("env", "x", wasm.FuncType{}, noop) },
			wantErr: true,
		},
		{
			name:    "kind",
			declare: func(b *testwasm.Builder) { b.ImportFunc("env", "x", none, none) },
			provide: func(i *Imports) { i.DefineMemory("env", "x", mustMem(1, nil)) },
			wantErr: true,
		},
		{
			name:    "memory too small",
			declare: func(b *testwasm.Builder) { b.ImportMemory("env", "x", 2, nil) },
			provide: func(i *Imports) { i.DefineMemory("env", "x", mustMem(1, nil)) },
			wantErr: true,
		},
		{
			name:    "memory without maximum",
			declare: func(b *testwasm.Builder) { b.ImportMemory("env", "x", 1, testwasm.U64(2)) },
			provide: func(i *Imports) { i.DefineMemory("env", "x", mustMem(1, nil)) },
			wantErr: true,
		},
		{
			name:    "memory maximum too large",
			declare: func(b *testwasm.Builder) { b.ImportMemory("env", "x", 1, testwasm.U64(2)) },
			provide: func(i *Imports) { i.DefineMemory("env", "x", mustMem(1, u32(3))) },
			wantErr: true,
		},
		{
			name:    "memory compatible",
			declare: func(b *testwasm.Builder) { b.ImportMemory("env", "x", 1, testwasm.U64(4)) },
			provide: func(i *Imports) { i.DefineMemory("env", "x", mustMem(2, u32(3))) },
		},
		{
			name:    "table element type",
			declare: func(b *testwasm.Builder) { b.ImportTable("env", "x", wasm.ValFuncRef, 1, nil) },
			provide: func(i *Imports) { i.DefineTable("env", "x", mustTable(wasm.ValExtern, 1)) },
			wantErr: true,
		},
		{
			name:    "global mutability",
			declare: func(b *testwasm.Builder) { b.ImportGlobal("env", "x", wasm.ValI32, false) },
			provide: func(i *Imports) {
				i.DefineGlobal("env", "x", vm.NewGlobal(wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}))
			},
			wantErr: true,
		},
		{
			name:    "global type",
			declare: func(b *testwasm.Builder) { b.ImportGlobal("env", "x", wasm.ValI32, false) },
			provide: func(i *Imports) {
				i.DefineGlobal("env", "x", vm.NewGlobal(wasm.GlobalType{ValType: wasm.ValI64}))
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testwasm.New()
			tt.declare(b)
			imports := NewImports()
			tt.provide(imports)
			_, err := Instantiate(context.Background(), compile(t, signature.NewRegistry(), b), imports)
			if tt.wantErr {
				if !stderrors.Is(err, errors.ErrIncompatibleImport) {
					t.Errorf("error = %v, want incompatible_import", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSegmentOutOfBoundsWritesNothing(t *testing.T) {
	mem, err := memory.New(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := testwasm.New()
	b.ImportMemory("env", "mem", 1, nil)
	b.Data(0, []byte("hello"))
	b.Data(65534, []byte("abc"))

	imports := NewImports().DefineMemory("env", "mem", mem)
	_, err = Instantiate(context.Background(), compile(t, signature.NewRegistry(), b), imports)
	if !stderrors.Is(err, errors.ErrSegmentOutOfBounds) {
		t.Fatalf("error = %v, want segment_out_of_bounds", err)
	}
	got, _ := mem.Read(0, 5)
	if string(got) != "\x00\x00\x00\x00\x00" {
		t.Errorf("first segment was written: %q", got)
	}
}

func TestElementSegmentOutOfBounds(t *testing.T) {
	b := testwasm.New()
	f := b.Func("", none, none, nil)
	b.Table(wasm.ValFuncRef, 2, nil)
	b.Elem(1, f, f)
	_, err := Instantiate(context.Background(), compile(t, signature.NewRegistry(), b), nil)
	if !stderrors.Is(err, errors.ErrSegmentOutOfBounds) {
		t.Fatalf("error = %v, want segment_out_of_bounds", err)
	}
}

func TestStartTrapKeepsSegmentWrites(t *testing.T) {
	mem, err := memory.New(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := testwasm.New()
	b.ImportMemory("env", "mem", 1, nil)
	b.Data(0, []byte("seg"))
	start := b.Func("", none, none, nil,
		testwasm.I32Const(16), testwasm.I32Const(7), testwasm.Store(wasm.OpI32Store8, 0),
		testwasm.Op(wasm.OpUnreachable))
	b.Start(start)

	imports := NewImports().DefineMemory("env", "mem", mem)
	inst, err := Instantiate(context.Background(), compile(t, signature.NewRegistry(), b), imports)
	if inst != nil {
		t.Fatal("Instantiate returned an instance")
	}
	if !stderrors.Is(err, errors.ErrStartTrapped) {
		t.Fatalf("error = %v, want start_trapped", err)
	}
	if !stderrors.Is(err, errors.ErrUnreachable) {
		t.Errorf("error = %v, want unreachable cause", err)
	}
	seg, _ := mem.Read(0, 3)
	b16, _ := mem.ReadU8(16)
	if string(seg) != "seg" || b16 != 7 {
		t.Errorf("memory = %q, %d; want segment and start writes kept", seg, b16)
	}
}

func TestStartRuns(t *testing.T) {
	b := testwasm.New()
	g := b.Global(wasm.ValI32, true, wasm.I32Const(0))
	b.Export("g", wasm.KindGlobal, g)
	start := b.Func("", none, none, nil, testwasm.I32Const(99), testwasm.GlobalSet(g))
	b.Start(start)
	inst := instantiate(t, b, nil)
	ext, _ := inst.Export("g")
	if got := ext.Global.Get(); got != int32(99) {
		t.Errorf("global after start = %v, want 99", got)
	}
}

func TestHostFunctions(t *testing.T) {
	b := testwasm.New()
	hostAdd := b.ImportFunc("env", "add", testwasm.Repeat(wasm.ValI32, 2), i32)
	peek := b.ImportFunc("env", "peek", none, i32)
	fail := b.ImportFunc("env", "fail", none, none)
	b.Memory(1, nil)
	b.Data(0, []byte{0x2a, 0, 0, 0})
	b.Func("sum", testwasm.Repeat(wasm.ValI32, 2), i32, nil,
		testwasm.LocalGet(0), testwasm.LocalGet(1), testwasm.Call(hostAdd))
	b.Func("peek", none, i32, nil, testwasm.Call(peek))
	b.Func("fail", none, none, nil, testwasm.Call(fail))

	imports := NewImports()
	err := imports.DefineFunc("env", "add", func(ctx context.Context, a, b int32) (int32, error) {
		if ctx == nil {
			return 0, stderrors.New("nil context")
		}
		return a + b, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = imports.DefineFunc("env", "peek", func(c *Caller) int32 {
		v, _ := c.Memory().ReadU32(0)
		return int32(v)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := imports.DefineFunc("env", "fail", func() error { return stderrors.New("boom") }); err != nil {
		t.Fatal(err)
	}
	inst := instantiate(t, b, imports)
	ctx := context.Background()

	got, err := inst.Call(ctx, "sum", int32(20), int32(22))
	if err != nil || got[0] != int32(42) {
		t.Errorf("sum = %v, %v; want [42]", got, err)
	}
	got, err = inst.Call(ctx, "peek")
	if err != nil || got[0] != int32(42) {
		t.Errorf("peek = %v, %v; want [42]", got, err)
	}
	_, err = inst.Call(ctx, "fail")
	if !stderrors.Is(err, errors.ErrHostRequested) {
		t.Fatalf("fail error = %v, want host_requested", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not carry the host message", err)
	}
	if _, err := inst.Call(ctx, "sum", int32(1), int32(1)); err != nil {
		t.Errorf("call after trap failed: %v", err)
	}
}

func TestDefineFuncRejectsUnsupportedTypes(t *testing.T) {
	imports := NewImports()
	tests := []struct {
		name string
		fn   any
	}{
		{"not a function", 42},
		{"string param", func(string) {}},
		{"struct result", func() struct{} { return struct{}{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := imports.DefineFunc("env", "f", tt.fn); err == nil {
				t.Error("expected error")
			}
		})
	}
}

type mathHost struct{}

func (mathHost) Namespace() string              { return "math@1.2.0" }
func (mathHost) AddOne(x int32) int32           { return x + 1 }
func (mathHost) ScaleF64(x, by float64) float64 { return x * by }

func TestDefineHost(t *testing.T) {
	b := testwasm.New()
	addOne := b.ImportFunc("math@1.0.0", "add-one", i32, i32)
	b.Func("inc", i32, i32, nil, testwasm.LocalGet(0), testwasm.Call(addOne))

	imports := NewImports()
	if err := imports.DefineHost(mathHost{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := imports.Lookup("math@1.2.0", "scale-f64"); !ok {
		t.Error("scale-f64 not defined")
	}
	inst := instantiate(t, b, imports)
	got, err := inst.Call(context.Background(), "inc", int32(9))
	if err != nil || got[0] != int32(10) {
		t.Errorf("inc(9) = %v, %v; want [10]", got, err)
	}
}

func TestTrapRecovery(t *testing.T) {
	b := testwasm.New()
	b.Func("boom", none, none, nil, testwasm.Op(wasm.OpUnreachable))
	b.Func("div", testwasm.Repeat(wasm.ValI32, 2), i32, nil,
		testwasm.LocalGet(0), testwasm.LocalGet(1), testwasm.Op(wasm.OpI32DivS))
	inst := instantiate(t, b, nil)
	ctx := context.Background()

	_, err := inst.Call(ctx, "boom")
	if !stderrors.Is(err, errors.ErrTrap) || !stderrors.Is(err, errors.ErrUnreachable) {
		t.Fatalf("boom error = %v, want unreachable trap", err)
	}
	trap, ok := errors.AsTrap(err)
	if !ok || len(trap.Frames) == 0 || trap.Frames[0] != "boom" {
		t.Errorf("trap frames = %v, want boom first", trap)
	}

	if _, err := inst.Call(ctx, "div", int32(1), int32(0)); !stderrors.Is(err, errors.ErrIntegerDivideByZero) {
		t.Errorf("div by zero error = %v", err)
	}
	got, err := inst.Call(ctx, "div", int32(-9), int32(2))
	if err != nil || got[0] != int32(-4) {
		t.Errorf("div(-9, 2) = %v, %v; want [-4]", got, err)
	}
}

func TestStackOverflow(t *testing.T) {
	b := testwasm.New()
	b.Func("rec", none, none, nil, testwasm.Call(0))
	b.Func("ok", none, i32, nil, testwasm.I32Const(1))
	inst := instantiate(t, b, nil, WithMaxCallDepth(100))
	ctx := context.Background()

	if _, err := inst.Call(ctx, "rec"); !stderrors.Is(err, errors.ErrStackOverflow) {
		t.Fatalf("rec error = %v, want stack_overflow", err)
	}
	if inst.Context().Depth != 0 {
		t.Errorf("depth after trap = %d, want 0", inst.Context().Depth)
	}
	if _, err := inst.Call(ctx, "ok"); err != nil {
		t.Errorf("call after stack overflow: %v", err)
	}
}

func spinModule() *testwasm.Builder {
	b := testwasm.New()
	b.Func("spin", i32, none, nil,
		testwasm.Block(wasm.BlockTypeVoid),
		testwasm.Loop(wasm.BlockTypeVoid),
		testwasm.LocalGet(0), testwasm.Op(wasm.OpI32Eqz), testwasm.BrIf(1),
		testwasm.LocalGet(0), testwasm.I32Const(1), testwasm.Op(wasm.OpI32Sub), testwasm.LocalSet(0),
		testwasm.Br(0),
		testwasm.End(),
		testwasm.End())
	return b
}

func TestFuelIsSticky(t *testing.T) {
	inst := instantiate(t, spinModule(), nil, WithFuel(50))
	ctx := context.Background()

	if _, err := inst.Call(ctx, "spin", int32(1000)); !stderrors.Is(err, errors.ErrHostRequested) {
		t.Fatalf("spin error = %v, want fuel exhaustion", err)
	}
	if _, err := inst.Call(ctx, "spin", int32(0)); !stderrors.Is(err, errors.ErrHostRequested) {
		t.Fatalf("call after exhaustion = %v, want sticky trap", err)
	}
	inst.AddFuel(10000)
	if _, err := inst.Call(ctx, "spin", int32(10)); err != nil {
		t.Fatalf("call after AddFuel: %v", err)
	}
	if left, ok := inst.Fuel(); !ok || left == 0 || left >= 10000 {
		t.Errorf("Fuel() = %d, %t", left, ok)
	}
}

func TestReferenceHandlesAreBounded(t *testing.T) {
	extern := []wasm.ValType{wasm.ValExtern}
	b := testwasm.New()
	b.ImportTable("env", "refs", wasm.ValExtern, 1, nil)
	observe := b.ImportFunc("env", "observe", none, none)
	b.Func("spin", i32, none, nil,
		testwasm.Block(wasm.BlockTypeVoid),
		testwasm.Loop(wasm.BlockTypeVoid),
		testwasm.LocalGet(0), testwasm.Op(wasm.OpI32Eqz), testwasm.BrIf(1),
		testwasm.I32Const(0), testwasm.TableGet(0), testwasm.Op(wasm.OpDrop),
		testwasm.LocalGet(0), testwasm.I32Const(1), testwasm.Op(wasm.OpI32Sub), testwasm.LocalSet(0),
		testwasm.Br(0),
		testwasm.End(),
		testwasm.End(),
		testwasm.Call(observe))
	b.Func("first", none, extern, nil, testwasm.I32Const(0), testwasm.TableGet(0))

	tab, err := table.New(wasm.ValExtern, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tab.Set(0, "host-value"); err != nil {
		t.Fatal(err)
	}
	var inst *Instance
	live := -1
	imports := NewImports().DefineTable("env", "refs", tab)
	if err := imports.DefineFunc("env", "observe", func() { live = inst.Context().Refs.Len() }); err != nil {
		t.Fatal(err)
	}
	inst = instantiate(t, b, imports)
	ctx := context.Background()

	if _, err := inst.Call(ctx, "spin", int32(100000)); err != nil {
		t.Fatal(err)
	}
	if live != 1 {
		t.Errorf("handles during the loop = %d, want 1", live)
	}
	if n := inst.Context().Refs.Len(); n != 0 {
		t.Errorf("handles after the call = %d, want 0", n)
	}

	got, err := inst.Call(ctx, "first")
	if err != nil || len(got) != 1 || got[0] != "host-value" {
		t.Fatalf("first() = %v, %v; want [host-value]", got, err)
	}
	if n := inst.Context().Refs.Len(); n != 0 {
		t.Errorf("handles after returning a reference = %d, want 0", n)
	}
}

func TestHostFuncIndirectConcurrent(t *testing.T) {
	b := testwasm.New()
	inc := b.ImportFunc("env", "inc", i32, i32)
	b.Table(wasm.ValFuncRef, 1, nil)
	b.Elem(0, inc)
	b.Func("ind", i32, i32, nil,
		testwasm.LocalGet(0), testwasm.I32Const(0), testwasm.CallIndirect(b.Type(i32, i32), 0))

	reg := signature.NewRegistry()
	mod := compile(t, reg, b)
	imports := NewImports()
	if err := imports.DefineFunc("env", "inc", func(x int32) int32 { return x + 1 }); err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			inst, err := Instantiate(context.Background(), mod, imports)
			if err != nil {
				return err
			}
			for n := int32(0); n < 100; n++ {
				got, err := inst.Call(context.Background(), "ind", n)
				if err != nil {
					return err
				}
				if got[0] != n+1 {
					return fmt.Errorf("ind(%d) = %v", n, got[0])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestIndirectCallSignatures(t *testing.T) {
	b := testwasm.New()
	t0 := b.Type(none, i32)
	t1 := b.Type(i32, i32)
	f0 := b.Func("", none, i32, nil, testwasm.I32Const(10))
	f1 := b.Func("", i32, i32, nil, testwasm.LocalGet(0), testwasm.I32Const(1), testwasm.Op(wasm.OpI32Add))
	b.Table(wasm.ValFuncRef, 4, nil)
	b.Elem(0, f0, f1)
	b.Func("call0", i32, i32, nil, testwasm.LocalGet(0), testwasm.CallIndirect(t0, 0))
	b.Func("call1", i32, i32, nil, testwasm.I32Const(5), testwasm.LocalGet(0), testwasm.CallIndirect(t1, 0))
	inst := instantiate(t, b, nil)

	tests := []struct {
		export string
		slot   int32
		want   int32
		err    error
	}{
		{"call0", 0, 10, nil},
		{"call1", 1, 6, nil},
		{"call0", 1, 0, errors.ErrIndirectCallTypeMismatch},
		{"call1", 0, 0, errors.ErrIndirectCallTypeMismatch},
		{"call0", 2, 0, errors.ErrUninitializedElement},
		{"call0", 9, 0, errors.ErrTableOutOfBounds},
	}
	for _, tt := range tests {
		got, err := inst.Call(context.Background(), tt.export, tt.slot)
		if tt.err != nil {
			if !stderrors.Is(err, tt.err) {
				t.Errorf("%s(%d) error = %v, want %v", tt.export, tt.slot, err, tt.err)
			}
			continue
		}
		if err != nil || got[0] != tt.want {
			t.Errorf("%s(%d) = %v, %v; want %d", tt.export, tt.slot, got, err, tt.want)
		}
	}
}

func TestCrossInstanceCalls(t *testing.T) {
	reg := signature.NewRegistry()
	ctx := context.Background()

	a := testwasm.New()
	double := a.Func("double", i32, i32, nil,
		testwasm.LocalGet(0), testwasm.I32Const(2), testwasm.Op(wasm.OpI32Mul))
	a.Table(wasm.ValFuncRef, 1, nil)
	a.Export("table", wasm.KindTable, 0)
	a.Elem(0, double)
	instA, err := Instantiate(ctx, compile(t, reg, a), nil)
	if err != nil {
		t.Fatal(err)
	}

	b := testwasm.New()
	imported := b.ImportFunc("a", "double", i32, i32)
	b.ImportTable("a", "table", wasm.ValFuncRef, 1, nil)
	b.Func("quad", i32, i32, nil,
		testwasm.LocalGet(0), testwasm.Call(imported), testwasm.Call(imported))
	b.Func("indirect", i32, i32, nil,
		testwasm.LocalGet(0), testwasm.I32Const(0), testwasm.CallIndirect(b.Type(i32, i32), 0))
	imports := NewImports().DefineInstance("a", instA)
	instB, err := Instantiate(ctx, compile(t, reg, b), imports)
	if err != nil {
		t.Fatal(err)
	}

	if got, err := instB.Call(ctx, "quad", int32(3)); err != nil || got[0] != int32(12) {
		t.Errorf("quad(3) = %v, %v; want [12]", got, err)
	}
	if got, err := instB.Call(ctx, "indirect", int32(21)); err != nil || got[0] != int32(42) {
		t.Errorf("indirect(21) = %v, %v; want [42]", got, err)
	}

	_, err = Instantiate(ctx, compile(t, signature.NewRegistry(), b), imports)
	if !stderrors.Is(err, errors.ErrIncompatibleImport) {
		t.Errorf("linking across sessions: error = %v, want incompatible_import", err)
	}
}

func TestMemoryViewRefresh(t *testing.T) {
	b := testwasm.New()
	grow := b.ImportFunc("env", "grow", none, none)
	b.Memory(1, testwasm.U64(4))
	b.Export("mem", wasm.KindMemory, 0)
	b.Func("guest_grow", none, i32, nil,
		testwasm.I32Const(1), testwasm.MemoryGrow(), testwasm.Op(wasm.OpDrop),
		testwasm.I32Const(70000), testwasm.I32Const(42), testwasm.Store(wasm.OpI32Store, 0),
		testwasm.I32Const(70000), testwasm.Load(wasm.OpI32Load, 0))
	b.Func("host_grow", none, i32, nil,
		testwasm.Call(grow),
		testwasm.I32Const(140000), testwasm.I32Const(7), testwasm.Store(wasm.OpI32Store, 0),
		testwasm.I32Const(140000), testwasm.Load(wasm.OpI32Load, 0))
	b.Func("size", none, i32, nil, testwasm.MemorySize())

	imports := NewImports()
	err := imports.DefineFunc("env", "grow", func(c *Caller) error {
		_, err := c.Memory().Grow(1)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	inst := instantiate(t, b, imports)
	ctx := context.Background()

	if got, err := inst.Call(ctx, "guest_grow"); err != nil || got[0] != int32(42) {
		t.Fatalf("guest_grow = %v, %v; want [42]", got, err)
	}
	if got, err := inst.Call(ctx, "host_grow"); err != nil || got[0] != int32(7) {
		t.Fatalf("host_grow = %v, %v; want [7]", got, err)
	}
	if got, _ := inst.Call(ctx, "size"); got[0] != int32(3) {
		t.Errorf("size = %v, want [3]", got)
	}
	if _, err := inst.Memory().Grow(5); !stderrors.Is(err, errors.ErrExceedsMaximum) {
		t.Errorf("grow past maximum: %v", err)
	}
}

func TestImportsSemver(t *testing.T) {
	noop := func(context.Context, *Caller, []uint64, []uint64) error { return nil }
	imports := NewImports().
		DefineHostFunc("wasi:io/streams@0.2.3", "read", wasm.FuncType{}, noop).
		DefineHostFunc("wasi:io/streams@0.2.1", "read", wasm.FuncType{}, noop)
	want, _ := imports.Lookup("wasi:io/streams@0.2.3", "read")

	tests := []struct {
		module string
		found  bool
	}{
		{"wasi:io/streams@0.2.3", true},
		{"wasi:io/streams@0.2.0", true},
		{"wasi:io/streams@0.2.2", true},
		{"wasi:io/streams@0.2.5", false},
		{"wasi:io/streams@0.3.0", false},
		{"wasi:io/streams@1.0.0", false},
		{"wasi:io/streams", false},
	}
	for _, tt := range tests {
		got, ok := imports.Lookup(tt.module, "read")
		if ok != tt.found {
			t.Errorf("Lookup(%q) found = %t, want %t", tt.module, ok, tt.found)
		}
		if ok && tt.module == "wasi:io/streams@0.2.0" && got.Func != want.Func {
			t.Errorf("Lookup(%q) did not pick the newest compatible version", tt.module)
		}
	}

	imports.SetSemverMatching(false)
	if _, ok := imports.Lookup("wasi:io/streams@0.2.0", "read"); ok {
		t.Error("Lookup matched with semver matching disabled")
	}
}

func TestParseArgs(t *testing.T) {
	sig := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI64, wasm.ValF32, wasm.ValF64}}

	got, err := ParseArgs(sig, []string{"-3", "0x10", "1.5", "nan"})
	if err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if got[0] != int32(-3) || got[1] != int64(16) || got[2] != float32(1.5) {
		t.Errorf("ParseArgs = %v", got)
	}
	if f, ok := got[3].(float64); !ok || f == f {
		t.Errorf("nan parsed as %v", got[3])
	}

	if got, _ := ParseArgs(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}}, []string{"4294967295"}); got[0] != int32(-1) {
		t.Errorf("unsigned i32 parsed as %v", got[0])
	}

	tests := []struct {
		name string
		args []string
	}{
		{"not a number", []string{"abc", "1", "1", "1"}},
		{"i32 overflow", []string{"4294967296", "1", "1", "1"}},
		{"float for int", []string{"1", "1.5", "1", "1"}},
		{"arity", []string{"1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseArgs(sig, tt.args); !stderrors.Is(err, errors.ErrArgumentType) {
				t.Errorf("error = %v, want argument_type", err)
			}
		})
	}
}

func TestToKebabCase(t *testing.T) {
	tests := map[string]string{
		"Add":          "add",
		"AddOne":       "add-one",
		"ReadHTTPBody": "read-http-body",
		"ScaleF64":     "scale-f64",
		"URL":          "url",
	}
	for in, want := range tests {
		if got := toKebabCase(in); got != want {
			t.Errorf("toKebabCase(%q) = %q, want %q", in, got, want)
		}
	}
}
