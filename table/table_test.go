package table

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/wasm"
)

type testFunc struct {
	sig  signature.Handle
	name string
}

func (f *testFunc) Signature() signature.Handle { return f.sig }

func u32(v uint32) *uint32 { return &v }

func TestNew(t *testing.T) {
	tbl, err := New(wasm.ValFuncRef, 3, u32(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tbl.Size() != 3 {
		t.Errorf("Size = %d, want 3", tbl.Size())
	}
	for i := uint32(0); i < 3; i++ {
		if ref, _ := tbl.Get(i); ref != nil {
			t.Errorf("element %d = %v, want null", i, ref)
		}
	}
	if _, err := New(wasm.ValI32, 1, nil); err == nil {
		t.Error("New with numeric element type succeeded")
	}
	if _, err := New(wasm.ValFuncRef, 2, u32(1)); err == nil {
		t.Error("New with min > max succeeded")
	}
}

func TestGetSet(t *testing.T) {
	tbl, _ := New(wasm.ValFuncRef, 2, nil)
	f := &testFunc{sig: 1}

	if err := tbl.Set(1, f); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ref, _ := tbl.Get(1); ref != f {
		t.Errorf("Get(1) = %v, want %v", ref, f)
	}
	if _, err := tbl.Get(2); !stderrors.Is(err, errors.ErrTableOutOfBounds) {
		t.Errorf("Get(2) = %v, want table_out_of_bounds", err)
	}
	if err := tbl.Set(2, f); !stderrors.Is(err, errors.ErrTableOutOfBounds) {
		t.Errorf("Set(2) = %v, want table_out_of_bounds", err)
	}
	if err := tbl.Set(0, "not a function"); err == nil {
		t.Error("Set of non-function into funcref table succeeded")
	}

	ext, _ := New(wasm.ValExtern, 1, nil)
	if err := ext.Set(0, "host value"); err != nil {
		t.Errorf("externref Set: %v", err)
	}
}

func TestGrow(t *testing.T) {
	tests := []struct {
		name  string
		max   *uint32
		opts  []Option
		delta uint32
		want  error
	}{
		{"within max", u32(4), nil, 3, nil},
		{"past max", u32(4), nil, 4, errors.ErrExceedsMaximum},
		{"unbounded", nil, nil, 100, nil},
		{"engine limit", nil, []Option{WithLimit(10)}, 10, errors.ErrHostAllocationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := New(wasm.ValFuncRef, 1, tt.max, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			f := &testFunc{sig: 2}
			_ = tbl.Set(0, f)

			old, err := tbl.Grow(tt.delta, nil)
			if old != 1 {
				t.Errorf("Grow old = %d, want 1", old)
			}
			if tt.want != nil {
				if !stderrors.Is(err, tt.want) {
					t.Fatalf("Grow = %v, want %v", err, tt.want)
				}
				if tbl.Size() != 1 {
					t.Errorf("Size = %d after failed grow", tbl.Size())
				}
				return
			}
			if err != nil {
				t.Fatalf("Grow: %v", err)
			}
			if tbl.Size() != 1+tt.delta {
				t.Errorf("Size = %d, want %d", tbl.Size(), 1+tt.delta)
			}
			if ref, _ := tbl.Get(0); ref != f {
				t.Error("existing element lost")
			}
			if ref, _ := tbl.Get(1); ref != nil {
				t.Error("new slot is not null")
			}
		})
	}
}

func TestGrowWithInit(t *testing.T) {
	tbl, _ := New(wasm.ValFuncRef, 0, nil)
	f := &testFunc{sig: 0}
	if _, err := tbl.Grow(3, f); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	for i := uint32(0); i < 3; i++ {
		if ref, _ := tbl.Get(i); ref != f {
			t.Errorf("element %d not initialised", i)
		}
	}
}

func TestLookup(t *testing.T) {
	reg := signature.NewRegistry()
	i32 := wasm.ValI32
	i64 := wasm.ValI64
	sigs := []signature.Handle{
		reg.Intern(nil, nil),
		reg.Intern([]wasm.ValType{i32}, []wasm.ValType{i32}),
		reg.Intern([]wasm.ValType{i64}, []wasm.ValType{i32}),
		reg.Intern([]wasm.ValType{i32, i32}, nil),
	}

	tbl, _ := New(wasm.ValFuncRef, uint32(len(sigs)), nil)
	for i, s := range sigs {
		_ = tbl.Set(uint32(i), &testFunc{sig: s})
	}

	for slot := range sigs {
		for call := range sigs {
			fn, err := tbl.Lookup(uint32(slot), sigs[call])
			if slot == call {
				if err != nil || fn == nil {
					t.Errorf("slot %d with matching signature: %v", slot, err)
				}
				continue
			}
			trap, ok := errors.AsTrap(err)
			if !ok || trap.Kind != errors.TrapIndirectCallTypeMismatch {
				t.Errorf("slot %d called as %d: err = %v, want mismatch", slot, call, err)
			}
		}
	}

	if _, err := tbl.Grow(1, nil); err != nil {
		t.Fatal(err)
	}
	_, err := tbl.Lookup(uint32(len(sigs)), sigs[0])
	if trap, ok := errors.AsTrap(err); !ok || trap.Kind != errors.TrapUninitializedElement {
		t.Errorf("null slot: err = %v, want uninitialized_element", err)
	}
	_, err = tbl.Lookup(100, sigs[0])
	if trap, ok := errors.AsTrap(err); !ok || trap.Kind != errors.TrapTableOutOfBounds {
		t.Errorf("out of range: err = %v, want table_out_of_bounds", err)
	}
}

func TestInitFillCopy(t *testing.T) {
	a, b := &testFunc{name: "a"}, &testFunc{name: "b"}
	tbl, _ := New(wasm.ValFuncRef, 4, nil)

	if err := tbl.Init(3, []any{a, b}); !stderrors.Is(err, errors.ErrTableOutOfBounds) {
		t.Fatalf("Init past end = %v", err)
	}
	if ref, _ := tbl.Get(3); ref != nil {
		t.Error("partial Init wrote an element")
	}
	if err := tbl.Init(0, []any{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Copy(1, tbl, 0, 2); err != nil {
		t.Fatal(err)
	}
	want := []any{a, a, b, nil}
	for i, w := range want {
		if ref, _ := tbl.Get(uint32(i)); ref != w {
			t.Errorf("after copy element %d = %v, want %v", i, ref, w)
		}
	}
	if err := tbl.Fill(2, 2, nil); err != nil {
		t.Fatal(err)
	}
	if ref, _ := tbl.Get(2); ref != nil {
		t.Error("Fill did not clear")
	}
	if err := tbl.Fill(3, 2, a); err == nil {
		t.Error("Fill past end succeeded")
	}
}
