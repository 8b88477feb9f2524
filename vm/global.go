package vm

import (
	"math"

	"github.com/wippyai/wasm-engine/wasm"
)

// Global is a global variable. Numeric values are kept as raw bits in
// Value; reference values are kept in Ref.
type Global struct {
	Ref   any
	Value uint64
	Type  wasm.GlobalType
}

// NewGlobal creates a global holding the zero value of its type.
func NewGlobal(t wasm.GlobalType) *Global {
	return &Global{Type: t}
}

// Get returns the value as a Go value: int32, int64, float32, float64, or
// the reference (nil for null).
func (g *Global) Get() any {
	return FromBits(g.Type.ValType, g.Value, g.Ref)
}

// FromBits converts a raw numeric value to its Go form. ref is returned
// for reference types.
func FromBits(t wasm.ValType, bits uint64, ref any) any {
	switch t {
	case wasm.ValI32:
		return int32(uint32(bits))
	case wasm.ValI64:
		return int64(bits)
	case wasm.ValF32:
		return math.Float32frombits(uint32(bits))
	case wasm.ValF64:
		return math.Float64frombits(bits)
	}
	return ref
}
