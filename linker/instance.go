package linker

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

// Instance is an instantiated module. Calls into one Instance must be
// serialized by the caller; distinct instances may run concurrently.
//
// A trap aborts only the call that raised it. The exception is fuel
// exhaustion, which is sticky: every later call traps the same way until
// AddFuel is called.
type Instance struct {
	module  *engine.Module
	ctx     *vm.Context
	exports map[string]Extern
	order   []string
}

// Module returns the module the instance was created from.
func (inst *Instance) Module() *engine.Module {
	return inst.module
}

// Context returns the instance's VM context.
func (inst *Instance) Context() *vm.Context {
	return inst.ctx
}

// Memory returns memory 0, or nil.
func (inst *Instance) Memory() *memory.Memory {
	return inst.ctx.Memory()
}

// ExportNames returns the export names in declaration order.
func (inst *Instance) ExportNames() []string {
	return append([]string(nil), inst.order...)
}

// Export returns the exported value called name.
func (inst *Instance) Export(name string) (Extern, error) {
	ext, ok := inst.exports[name]
	if !ok {
		return Extern{}, errors.New(errors.PhaseCall, errors.KindNoSuchExport).
			Path(name).
			Detail("export %q not found", name).
			Build()
	}
	return ext, nil
}

// Func returns the exported function called name.
func (inst *Instance) Func(name string) (vm.Func, error) {
	ext, ok := inst.exports[name]
	if !ok || ext.Kind != wasm.KindFunc {
		return nil, errors.NoSuchExport(name)
	}
	return ext.Func, nil
}

// Call invokes an exported function with typed arguments and returns
// typed results. Arguments may be Go numbers of a compatible type, strings
// in ParseArgs syntax, or references for reference parameters. Argument
// errors are reported before any guest code runs.
func (inst *Instance) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	f, err := inst.Func(name)
	if err != nil {
		return nil, err
	}
	sig := f.Type()
	if inst.ctx.Depth == 0 {
		defer inst.ctx.Refs.Reset()
	}
	params, err := toRaw(sig, args, inst.ctx.Refs)
	if err != nil {
		return nil, err
	}
	results := make([]uint64, len(sig.Results))
	if err := inst.invoke(ctx, name, f, params, results); err != nil {
		return nil, err
	}
	return fromRaw(sig.Results, results, inst.ctx.Refs), nil
}

// CallRaw invokes an exported function with raw argument bits. Reference
// arguments are handles from Context().Refs; reference results are released
// on return, so use Call to receive references.
func (inst *Instance) CallRaw(ctx context.Context, name string, params []uint64) ([]uint64, error) {
	f, err := inst.Func(name)
	if err != nil {
		return nil, err
	}
	if inst.ctx.Depth == 0 {
		defer inst.ctx.Refs.Reset()
	}
	sig := f.Type()
	if len(params) != len(sig.Params) {
		return nil, errors.ArgumentType("expected %d argument(s), received %d", len(sig.Params), len(params))
	}
	results := make([]uint64, len(sig.Results))
	if err := inst.invoke(ctx, name, f, params, results); err != nil {
		return nil, err
	}
	return results, nil
}

// invoke runs f on the instance's context, turning a trap into an error.
func (inst *Instance) invoke(ctx context.Context, name string, f vm.Func, params, results []uint64) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	prev := inst.ctx.Go
	inst.ctx.Go = ctx
	defer func() {
		inst.ctx.Go = prev
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case *errors.Trap:
			Logger().Debug("call trapped",
				zap.String("export", name),
				zap.String("trap", string(v.Kind)),
				zap.Strings("frames", v.Frames))
			err = errors.CallTrapped(name, v)
		case error:
			var t *errors.Trap
			if stderrors.As(v, &t) {
				err = errors.CallTrapped(name, t)
				return
			}
			err = errors.Wrap(errors.PhaseCall, errors.KindTrap, v, fmt.Sprintf("call %s failed", name))
		default:
			panic(r)
		}
	}()
	f.Call(inst.ctx, params, results)
	return nil
}

// AddFuel adds n units of fuel and clears an exhausted state. It has no
// effect on an instance created without fuel metering.
func (inst *Instance) AddFuel(n uint64) {
	if inst.ctx.Fuel != nil {
		inst.ctx.Fuel.Add(n)
	}
}

// Fuel returns the remaining fuel; ok is false without metering.
func (inst *Instance) Fuel() (remaining uint64, ok bool) {
	if inst.ctx.Fuel == nil {
		return 0, false
	}
	return inst.ctx.Fuel.Remaining(), true
}
