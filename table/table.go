// Package table implements WebAssembly reference tables.
//
// Elements are stored as interface values. A nil element is the null
// reference. Function references implement Function so that indirect calls
// can compare interned signature handles without touching the type lists.
package table

import (
	"fmt"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/wasm"
)

// MaxElements is the default ceiling on table size.
const MaxElements = wasm.TableMaxElements

// Function is a function reference stored in a funcref table.
type Function interface {
	Signature() signature.Handle
}

// Option configures a Table.
type Option func(*Table)

// WithLimit sets the engine ceiling on table size.
func WithLimit(n uint32) Option {
	return func(t *Table) { t.limit = n }
}

// Table is a growable array of references.
type Table struct {
	max      *uint32
	elems    []any
	limit    uint32
	elemType wasm.ValType
}

// New allocates a table of min null elements.
func New(elemType wasm.ValType, min uint32, max *uint32, opts ...Option) (*Table, error) {
	t := &Table{elemType: elemType, limit: MaxElements}
	if max != nil {
		v := *max
		t.max = &v
	}
	for _, opt := range opts {
		opt(t)
	}
	if !elemType.IsRef() {
		return nil, errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("table element type %s is not a reference type", elemType))
	}
	if t.max != nil && min > *t.max {
		return nil, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("table minimum %d exceeds maximum %d", min, *t.max))
	}
	if min > t.limit {
		return nil, errors.HostAllocationFailed("table", uint64(min),
			fmt.Errorf("engine limit is %d elements", t.limit))
	}
	t.elems = make([]any, min)
	return t, nil
}

// ElemType returns funcref or externref.
func (t *Table) ElemType() wasm.ValType {
	return t.elemType
}

// Type describes the table for import matching. Min is the current size.
func (t *Table) Type() wasm.TableType {
	lim := wasm.Limits{Min: uint64(len(t.elems))}
	if t.max != nil {
		v := uint64(*t.max)
		lim.Max = &v
	}
	return wasm.TableType{ElemType: t.elemType, Limits: lim}
}

// Size returns the number of elements.
func (t *Table) Size() uint32 {
	return uint32(len(t.elems))
}

func outOfBounds(idx, n uint64, size int) *errors.Trap {
	return errors.NewTrap(errors.TrapTableOutOfBounds,
		"access [%d, %d) past table size %d", idx, idx+n, size)
}

// Get returns the element at idx.
func (t *Table) Get(idx uint32) (any, error) {
	if uint64(idx) >= uint64(len(t.elems)) {
		return nil, outOfBounds(uint64(idx), 1, len(t.elems))
	}
	return t.elems[idx], nil
}

// Set stores ref at idx. ref must be nil or, for funcref tables, a Function.
func (t *Table) Set(idx uint32, ref any) error {
	if uint64(idx) >= uint64(len(t.elems)) {
		return outOfBounds(uint64(idx), 1, len(t.elems))
	}
	if err := t.check(ref); err != nil {
		return err
	}
	t.elems[idx] = ref
	return nil
}

func (t *Table) check(ref any) error {
	if ref == nil || t.elemType != wasm.ValFuncRef {
		return nil
	}
	if _, ok := ref.(Function); !ok {
		return errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Detail("funcref table cannot hold %T", ref).Build()
	}
	return nil
}

// Grow appends delta elements set to init and returns the previous size.
// On failure the table is unchanged.
func (t *Table) Grow(delta uint32, init any) (uint32, error) {
	old := uint32(len(t.elems))
	if delta == 0 {
		return old, nil
	}
	if err := t.check(init); err != nil {
		return old, err
	}
	want := uint64(old) + uint64(delta)
	if t.max != nil && want > uint64(*t.max) {
		return old, errors.ExceedsMaximum("table", uint64(old), uint64(delta), uint64(*t.max))
	}
	if want > uint64(t.limit) {
		return old, errors.HostAllocationFailed("table", uint64(delta),
			fmt.Errorf("engine limit is %d elements", t.limit))
	}

	next := make([]any, want)
	copy(next, t.elems)
	if init != nil {
		for i := old; uint64(i) < want; i++ {
			next[i] = init
		}
	}
	t.elems = next
	return old, nil
}

// Fill sets n elements starting at idx to ref.
func (t *Table) Fill(idx, n uint32, ref any) error {
	if uint64(idx)+uint64(n) > uint64(len(t.elems)) {
		return outOfBounds(uint64(idx), uint64(n), len(t.elems))
	}
	if err := t.check(ref); err != nil {
		return err
	}
	for i := idx; i < idx+n; i++ {
		t.elems[i] = ref
	}
	return nil
}

// Init copies refs into the table at idx. Nothing is written unless the
// whole range fits.
func (t *Table) Init(idx uint32, refs []any) error {
	if uint64(idx)+uint64(len(refs)) > uint64(len(t.elems)) {
		return outOfBounds(uint64(idx), uint64(len(refs)), len(t.elems))
	}
	for _, ref := range refs {
		if err := t.check(ref); err != nil {
			return err
		}
	}
	copy(t.elems[idx:], refs)
	return nil
}

// Copy moves n elements from src[srcIdx:] to t[dstIdx:]. src may be t; the
// ranges may overlap.
func (t *Table) Copy(dstIdx uint32, src *Table, srcIdx, n uint32) error {
	if uint64(srcIdx)+uint64(n) > uint64(len(src.elems)) {
		return outOfBounds(uint64(srcIdx), uint64(n), len(src.elems))
	}
	if uint64(dstIdx)+uint64(n) > uint64(len(t.elems)) {
		return outOfBounds(uint64(dstIdx), uint64(n), len(t.elems))
	}
	copy(t.elems[dstIdx:dstIdx+n], src.elems[srcIdx:srcIdx+n])
	return nil
}

// Lookup resolves the target of an indirect call. It traps when idx is out
// of range, the slot is null, or the function's signature differs from want.
func (t *Table) Lookup(idx uint32, want signature.Handle) (Function, error) {
	if uint64(idx) >= uint64(len(t.elems)) {
		return nil, errors.NewTrap(errors.TrapTableOutOfBounds,
			"indirect call index %d past table size %d", idx, len(t.elems))
	}
	ref := t.elems[idx]
	if ref == nil {
		return nil, errors.NewTrap(errors.TrapUninitializedElement, "table element %d is null", idx)
	}
	fn, ok := ref.(Function)
	if !ok {
		return nil, errors.NewTrap(errors.TrapIndirectCallTypeMismatch, "table element %d is not a function", idx)
	}
	if fn.Signature() != want {
		return nil, errors.NewTrap(errors.TrapIndirectCallTypeMismatch,
			"table element %d has signature %d, call site expects %d", idx, fn.Signature(), want)
	}
	return fn, nil
}
