package vm

import (
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/table"
	"github.com/wippyai/wasm-engine/wasm"
)

// Func is a callable function reference: a guest function bound to its
// instance, or a host function.
//
// Call reads len(Type().Params) values from params and writes
// len(Type().Results) values to results. caller is the context of the code
// making the call; it is nil when the embedder calls directly. Traps
// propagate as panics.
type Func interface {
	table.Function
	Type() wasm.FuncType
	Call(caller *Context, params, results []uint64)
}

// Body is the executable form of one guest function, produced by a
// compiler backend.
type Body interface {
	Invoke(ctx *Context, params, results []uint64)
}

// BoundFunc is a guest function bound to the context of its instance.
type BoundFunc struct {
	Ctx   *Context
	Body  Body
	Name  string
	Sig   wasm.FuncType
	Index uint32
	Hdl   signature.Handle
}

var _ Func = (*BoundFunc)(nil)

// Signature implements table.Function.
func (f *BoundFunc) Signature() signature.Handle {
	return f.Hdl
}

// Type returns the function's type.
func (f *BoundFunc) Type() wasm.FuncType {
	return f.Sig
}

// Call runs the body in the function's own context. A call from another
// context continues that caller's call depth and reference handles.
func (f *BoundFunc) Call(caller *Context, params, results []uint64) {
	if caller == nil || caller == f.Ctx {
		f.Body.Invoke(f.Ctx, params, results)
		return
	}
	saved, savedRefs := f.Ctx.Depth, f.Ctx.Refs
	f.Ctx.Depth, f.Ctx.Refs = caller.Depth, caller.Refs
	defer func() { f.Ctx.Depth, f.Ctx.Refs = saved, savedRefs }()
	if f.Ctx.Go == nil {
		f.Ctx.Go = caller.Go
		defer func() { f.Ctx.Go = nil }()
	}
	f.Body.Invoke(f.Ctx, params, results)
}
