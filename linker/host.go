package linker

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"reflect"
	"sync/atomic"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

// HostFunc is a function implemented by the embedder. It reads its
// arguments from params and writes its results to results, as raw bits.
// A non-nil error traps the calling guest code with host_requested; an
// *errors.Trap is raised as-is.
type HostFunc func(ctx context.Context, caller *Caller, params, results []uint64) error

// Caller gives a host function access to the instance that called it.
type Caller struct {
	ctx *vm.Context
}

// Memory returns the caller's memory 0, or nil.
func (c *Caller) Memory() *memory.Memory {
	if c == nil || c.ctx == nil {
		return nil
	}
	return c.ctx.Memory()
}

// Instance returns the calling instance, or nil when the function was
// called directly by the embedder.
func (c *Caller) Instance() *Instance {
	if c == nil || c.ctx == nil {
		return nil
	}
	inst, _ := c.ctx.Owner.(*Instance)
	return inst
}

// Ref resolves a reference argument.
func (c *Caller) Ref(h uint64) any {
	if c == nil || c.ctx == nil {
		return nil
	}
	return c.ctx.Refs.Ref(h)
}

// Handle converts a reference result to its raw form.
func (c *Caller) Handle(ref any) uint64 {
	if c == nil || c.ctx == nil {
		return 0
	}
	return c.ctx.Refs.Handle(ref)
}

// hostFunc is a HostFunc with its type. Its signature handle is bound to
// the registry of the first session that links it.
type hostFunc struct {
	fn    HostFunc
	bound atomic.Pointer[hostBinding]
	name  string
	sig   wasm.FuncType
}

type hostBinding struct {
	reg *signature.Registry
	hdl signature.Handle
}

var _ vm.Func = (*hostFunc)(nil)

func newHostFunc(name string, sig wasm.FuncType, fn HostFunc) *hostFunc {
	return &hostFunc{fn: fn, name: name, sig: sig}
}

func (h *hostFunc) Type() wasm.FuncType { return h.sig }

func (h *hostFunc) Signature() signature.Handle {
	if b := h.bound.Load(); b != nil {
		return b.hdl
	}
	return signature.Invalid
}

// bindable reports whether the function can be linked into reg's session.
// A function can belong to one session only, since handles from different
// registries are not comparable.
func (h *hostFunc) bindable(reg *signature.Registry) error {
	if b := h.bound.Load(); b != nil && b.reg != reg {
		return fmt.Errorf("host function %s is bound to another session", h.name)
	}
	return nil
}

// bind interns the signature in reg and binds the function to it.
func (h *hostFunc) bind(reg *signature.Registry) error {
	if b := h.bound.Load(); b != nil {
		return h.bindable(reg)
	}
	hdl, err := reg.TryIntern(h.sig.Params, h.sig.Results)
	if err != nil {
		return err
	}
	if h.bound.CompareAndSwap(nil, &hostBinding{reg: reg, hdl: hdl}) {
		return nil
	}
	return h.bindable(reg)
}

func (h *hostFunc) Call(caller *vm.Context, params, results []uint64) {
	ctx := context.Background()
	if caller != nil && caller.Go != nil {
		ctx = caller.Go
	}
	defer func() {
		if r := recover(); r != nil {
			if t, ok := r.(*errors.Trap); ok {
				panic(t)
			}
			panic(errors.HostTrap(fmt.Errorf("host function %s panicked: %v", h.name, r)))
		}
	}()
	if err := h.fn(ctx, &Caller{ctx: caller}, params, results); err != nil {
		var t *errors.Trap
		if stderrors.As(err, &t) {
			panic(t)
		}
		panic(errors.HostTrap(err))
	}
}

// DefineHostFunc binds a raw host function of the given type.
func (i *Imports) DefineHostFunc(module, name string, sig wasm.FuncType, fn HostFunc) *Imports {
	return i.DefineFuncValue(module, name, newHostFunc(module+"."+name, sig, fn))
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	callerType  = reflect.TypeOf((*Caller)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// DefineFunc binds a Go function. Its parameters may start with a
// context.Context and then a *Caller; the rest, and its results, must be
// int32, uint32, int64, uint64, float32 or float64, optionally followed by
// a final error result.
func (i *Imports) DefineFunc(module, name string, fn any) error {
	h, err := reflectHostFunc(module+"."+name, reflect.ValueOf(fn))
	if err != nil {
		return err
	}
	i.DefineFuncValue(module, name, h)
	return nil
}

// Host is a group of host functions. Every exported method other than
// Namespace is bound under Namespace() with its name in kebab case.
type Host interface {
	Namespace() string
}

// DefineHost binds the methods of h.
func (i *Imports) DefineHost(h Host) error {
	ns := h.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	rv := reflect.ValueOf(h)
	rt := rv.Type()
	for m := 0; m < rt.NumMethod(); m++ {
		method := rt.Method(m)
		if !method.IsExported() || method.Name == "Namespace" {
			continue
		}
		name := toKebabCase(method.Name)
		f, err := reflectHostFunc(ns+"."+name, rv.Method(m))
		if err != nil {
			return err
		}
		i.DefineFuncValue(ns, name, f)
	}
	return nil
}

func reflectHostFunc(name string, fv reflect.Value) (*hostFunc, error) {
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			Path(name).
			Detail("handler must be a function").
			Build()
	}
	ft := fv.Type()

	in := 0
	wantCtx := in < ft.NumIn() && ft.In(in) == contextType
	if wantCtx {
		in++
	}
	wantCaller := in < ft.NumIn() && ft.In(in) == callerType
	if wantCaller {
		in++
	}

	var sig wasm.FuncType
	var argTypes []reflect.Type
	for ; in < ft.NumIn(); in++ {
		vt, ok := goValType(ft.In(in))
		if !ok {
			return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
				Path(name).
				Detail("unsupported parameter type %s", ft.In(in)).
				Build()
		}
		sig.Params = append(sig.Params, vt)
		argTypes = append(argTypes, ft.In(in))
	}

	numOut := ft.NumOut()
	returnsErr := numOut > 0 && ft.Out(numOut-1) == errorType
	if returnsErr {
		numOut--
	}
	for o := 0; o < numOut; o++ {
		vt, ok := goValType(ft.Out(o))
		if !ok {
			return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
				Path(name).
				Detail("unsupported result type %s", ft.Out(o)).
				Build()
		}
		sig.Results = append(sig.Results, vt)
	}

	call := func(ctx context.Context, caller *Caller, params, results []uint64) error {
		args := make([]reflect.Value, 0, ft.NumIn())
		if wantCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if wantCaller {
			args = append(args, reflect.ValueOf(caller))
		}
		for k, t := range argTypes {
			args = append(args, fromBits(t, params[k]))
		}
		out := fv.Call(args)
		if returnsErr {
			if errv := out[numOut]; !errv.IsNil() {
				return errv.Interface().(error)
			}
		}
		for k := 0; k < numOut; k++ {
			results[k] = toBits(out[k])
		}
		return nil
	}
	return newHostFunc(name, sig, call), nil
}

func goValType(t reflect.Type) (wasm.ValType, bool) {
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32:
		return wasm.ValI32, true
	case reflect.Int64, reflect.Uint64:
		return wasm.ValI64, true
	case reflect.Float32:
		return wasm.ValF32, true
	case reflect.Float64:
		return wasm.ValF64, true
	}
	return 0, false
}

func fromBits(t reflect.Type, bits uint64) reflect.Value {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int32:
		v.SetInt(int64(int32(uint32(bits))))
	case reflect.Uint32:
		v.SetUint(uint64(uint32(bits)))
	case reflect.Int64:
		v.SetInt(int64(bits))
	case reflect.Uint64:
		v.SetUint(bits)
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(uint32(bits))))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(bits))
	}
	return v
}

func toBits(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Uint32:
		return uint64(uint32(v.Uint()))
	case reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return math.Float64bits(v.Float())
	}
	return 0
}
