package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

// Compiler turns a WebAssembly binary into a Module. Implementations are
// independent strategies; none shares mutable state with another.
type Compiler interface {
	Compile(ctx context.Context, bin []byte) (*Module, error)
}

// Function is one validated function body handed to a Lowerer.
type Function struct {
	Module *wasm.Module
	Body   *wasm.FuncBody
	Name   string
	Instrs []wasm.Instruction
	Type   wasm.FuncType
	Index  uint32
}

// Lowerer is the backend-specific step of compilation.
type Lowerer interface {
	Name() string
	Lower(fn *Function) (vm.Body, error)
}

// Codec serializes lowered bodies so compiled modules can be cached.
type Codec interface {
	Name() string
	MarshalBody(b vm.Body) ([]byte, error)
	UnmarshalBody(data []byte) (vm.Body, error)
}

// Decode parses and validates bin, mapping failures onto the compile error
// kinds.
func Decode(bin []byte) (*wasm.Module, error) {
	m, err := wasm.ParseModule(bin)
	if err != nil {
		return nil, compileError(err)
	}
	if err := m.Validate(); err != nil {
		return nil, compileError(err)
	}
	return m, nil
}

func compileError(err error) error {
	var unsupported *wasm.UnsupportedError
	if stderrors.As(err, &unsupported) {
		return errors.Unsupported(unsupported.Feature)
	}
	var invalid *wasm.ValidationError
	if stderrors.As(err, &invalid) {
		return errors.Validation("%s", invalid.Error())
	}
	return errors.Malformed(err)
}

// Build runs the full pipeline with l as the lowering step and assembles the
// Module. Cancellation is checked between function bodies.
func Build(ctx context.Context, reg *signature.Registry, bin []byte, l Lowerer) (*Module, error) {
	start := time.Now()

	decoded, err := Decode(bin)
	if err != nil {
		Logger().Debug("compile failed", zap.String("backend", l.Name()), zap.Error(err))
		return nil, err
	}

	names := decoded.Names()
	numImported := uint32(decoded.NumImportedFuncs())
	bodies := make([]vm.Body, len(decoded.Code))
	for i := range decoded.Code {
		if err := ctx.Err(); err != nil {
			return nil, errors.BackendFailure(l.Name(), err)
		}
		idx := numImported + uint32(i)
		instrs, err := wasm.DecodeInstructions(decoded.Code[i].Code)
		if err != nil {
			return nil, compileError(err)
		}
		fn := &Function{
			Module: decoded,
			Body:   &decoded.Code[i],
			Name:   names.Funcs[idx],
			Instrs: instrs,
			Type:   *decoded.GetFuncType(idx),
			Index:  idx,
		}
		body, err := lower(l, fn)
		if err != nil {
			return nil, err
		}
		bodies[i] = body
	}

	mod, err := NewModule(reg, decoded, bin, bodies, l.Name())
	if err != nil {
		return nil, err
	}
	Logger().Debug("compiled module",
		zap.String("backend", l.Name()),
		zap.String("module", mod.Name()),
		zap.Int("functions", len(bodies)),
		zap.Duration("elapsed", time.Since(start)))
	return mod, nil
}

// lower calls the backend, converting a panic inside it into a
// backend_failure error.
func lower(l Lowerer, fn *Function) (body vm.Body, err error) {
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, errors.BackendFailure(l.Name(), fmt.Errorf("func %d: %v", fn.Index, r))
		}
	}()
	body, err = l.Lower(fn)
	if err != nil {
		var e *errors.Error
		if stderrors.As(err, &e) {
			return nil, err
		}
		return nil, errors.BackendFailure(l.Name(), fmt.Errorf("func %d: %w", fn.Index, err))
	}
	return body, nil
}

// Restore rebuilds a Module from a binary that has already been validated
// and its serialized bodies, skipping validation and lowering.
func Restore(reg *signature.Registry, bin []byte, c Codec, encoded [][]byte) (*Module, error) {
	decoded, err := wasm.ParseModule(bin)
	if err != nil {
		return nil, compileError(err)
	}
	if len(encoded) != len(decoded.Code) {
		return nil, errors.BackendFailure(c.Name(),
			fmt.Errorf("%d cached bodies for %d functions", len(encoded), len(decoded.Code)))
	}
	bodies := make([]vm.Body, len(encoded))
	for i, data := range encoded {
		body, err := c.UnmarshalBody(data)
		if err != nil {
			return nil, errors.BackendFailure(c.Name(), err)
		}
		bodies[i] = body
	}
	return NewModule(reg, decoded, bin, bodies, c.Name())
}

// Serialize encodes every body of m with c.
func Serialize(m *Module, c Codec) ([][]byte, error) {
	out := make([][]byte, len(m.bodies))
	for i, b := range m.bodies {
		data, err := c.MarshalBody(b)
		if err != nil {
			return nil, errors.BackendFailure(c.Name(), err)
		}
		out[i] = data
	}
	return out, nil
}
