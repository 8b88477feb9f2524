package interp

import (
	"context"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/vm"
)

// Backend names.
const (
	BaselineName   = "baseline"
	OptimizingName = "optimizing"
)

// Baseline lowers each instruction to one op.
type Baseline struct {
	codec
	reg *signature.Registry
}

// NewBaseline creates a baseline compiler interning types in reg.
func NewBaseline(reg *signature.Registry) *Baseline {
	return &Baseline{reg: reg}
}

func (b *Baseline) Name() string { return BaselineName }

func (b *Baseline) Compile(ctx context.Context, bin []byte) (*engine.Module, error) {
	return engine.Build(ctx, b.reg, bin, b)
}

func (b *Baseline) Lower(fn *engine.Function) (vm.Body, error) {
	return lower(fn, false)
}

// Optimizing additionally fuses common instruction sequences into
// superinstructions. Results are identical to Baseline.
type Optimizing struct {
	codec
	reg *signature.Registry
}

// NewOptimizing creates an optimizing compiler interning types in reg.
func NewOptimizing(reg *signature.Registry) *Optimizing {
	return &Optimizing{reg: reg}
}

func (o *Optimizing) Name() string { return OptimizingName }

func (o *Optimizing) Compile(ctx context.Context, bin []byte) (*engine.Module, error) {
	return engine.Build(ctx, o.reg, bin, o)
}

func (o *Optimizing) Lower(fn *engine.Function) (vm.Body, error) {
	return lower(fn, true)
}

var (
	_ engine.Compiler = (*Baseline)(nil)
	_ engine.Lowerer  = (*Baseline)(nil)
	_ engine.Codec    = (*Baseline)(nil)
	_ engine.Compiler = (*Optimizing)(nil)
	_ engine.Lowerer  = (*Optimizing)(nil)
	_ engine.Codec    = (*Optimizing)(nil)
)
