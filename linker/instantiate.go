package linker

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/table"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

type config struct {
	memOpts  []memory.Option
	tabOpts  []table.Option
	maxDepth int
	fuel     uint64
	metered  bool
}

// Option configures one instantiation.
type Option func(*config)

// WithMemoryOptions applies options to every locally declared memory.
func WithMemoryOptions(opts ...memory.Option) Option {
	return func(c *config) { c.memOpts = append(c.memOpts, opts...) }
}

// WithTableOptions applies options to every locally declared table.
func WithTableOptions(opts ...table.Option) Option {
	return func(c *config) { c.tabOpts = append(c.tabOpts, opts...) }
}

// WithMaxCallDepth bounds nested calls; exceeding it traps with
// stack_overflow.
func WithMaxCallDepth(n int) Option {
	return func(c *config) { c.maxDepth = n }
}

// WithFuel enables fuel metering with the given initial amount.
func WithFuel(n uint64) Option {
	return func(c *config) {
		c.fuel = n
		c.metered = true
	}
}

// Instantiate links mod against imports and runs its start function. On
// any failure no instance is returned. Imports are fully resolved and
// type-checked before anything is allocated, and every segment is
// bounds-checked before any is written, so a failure before the start
// function leaves imported memories and tables untouched. Writes made by
// segments are not rolled back when the start function traps.
func Instantiate(ctx context.Context, mod *engine.Module, imports *Imports, opts ...Option) (*Instance, error) {
	start := time.Now()
	cfg := config{maxDepth: vm.DefaultMaxCallDepth}
	for _, opt := range opts {
		opt(&cfg)
	}
	if imports == nil {
		imports = NewImports()
	}

	resolved, err := resolveImports(mod, imports)
	if err != nil {
		Logger().Debug("link failed", zap.String("module", mod.Name()), zap.Error(err))
		return nil, err
	}

	inst := &Instance{module: mod, exports: make(map[string]Extern)}
	vctx := vm.NewContext(mod.Registry())
	vctx.Owner = inst
	vctx.MaxDepth = cfg.maxDepth
	if cfg.metered {
		vctx.Fuel = vm.NewMeter(cfg.fuel)
	}
	inst.ctx = vctx

	if err := allocate(vctx, mod, resolved, &cfg); err != nil {
		return nil, err
	}
	if err := initSegments(vctx, mod); err != nil {
		Logger().Debug("link failed", zap.String("module", mod.Name()), zap.Error(err))
		return nil, err
	}
	bindExports(inst)

	if idx, ok := mod.Start(); ok {
		f := vctx.Funcs[idx]
		if err := inst.invoke(ctx, "start", f, nil, nil); err != nil {
			cause := err
			if t, ok := errors.AsTrap(err); ok {
				cause = t
			}
			Logger().Debug("start function trapped", zap.String("module", mod.Name()), zap.Error(cause))
			return nil, errors.StartTrapped(cause)
		}
	}

	Logger().Debug("instantiated",
		zap.String("module", mod.Name()),
		zap.String("backend", mod.Backend()),
		zap.Int("imports", len(resolved)),
		zap.Int("exports", len(inst.order)),
		zap.Duration("elapsed", time.Since(start)))
	return inst, nil
}

// resolveImports looks up and type-checks every import. Missing imports
// are collected and reported together. Nothing is bound on failure.
func resolveImports(mod *engine.Module, imports *Imports) ([]Extern, error) {
	decls := mod.Imports()
	resolved := make([]Extern, len(decls))
	var missing []errors.MissingImportEntry
	for i, decl := range decls {
		ext, ok := imports.Lookup(decl.Module, decl.Name)
		if !ok {
			missing = append(missing, errors.MissingImportEntry{Module: decl.Module, Name: decl.Name})
			continue
		}
		if err := checkImport(mod.Registry(), decl, ext); err != nil {
			return nil, err
		}
		resolved[i] = ext
	}
	if len(missing) > 0 {
		return nil, &errors.MissingImportsError{Imports: missing}
	}

	// Host functions join the session only once every import is known to
	// link.
	for i, ext := range resolved {
		f, ok := ext.Func.(*hostFunc)
		if !ok {
			continue
		}
		if err := f.bind(mod.Registry()); err != nil {
			return nil, errors.IncompatibleImport(decls[i].Module, decls[i].Name, err.Error())
		}
	}
	return resolved, nil
}

func checkImport(reg *signature.Registry, decl engine.ImportType, ext Extern) error {
	incompatible := func(format string, args ...any) error {
		return errors.IncompatibleImport(decl.Module, decl.Name, fmt.Sprintf(format, args...))
	}
	if ext.Kind != decl.Kind {
		return incompatible("expected %s, got %s", kindName(decl.Kind), ext.KindName())
	}

	switch decl.Kind {
	case wasm.KindFunc:
		if ext.Func == nil {
			return incompatible("nil function")
		}
		if got := ext.Func.Type(); !got.Equal(*decl.Func) {
			return incompatible("expected func %s, got %s", decl.Func, got)
		}
		switch f := ext.Func.(type) {
		case *hostFunc:
			if err := f.bindable(reg); err != nil {
				return incompatible("%v", err)
			}
		case *vm.BoundFunc:
			if f.Ctx.Registry != reg {
				return incompatible("function belongs to another session")
			}
		}

	case wasm.KindMemory:
		if ext.Memory == nil {
			return incompatible("nil memory")
		}
		want, got := decl.Memory.Limits, ext.Memory.Type().Limits
		if want.Shared != got.Shared {
			return incompatible("shared memory mismatch: expected shared=%t", want.Shared)
		}
		if err := checkLimits(want, got); err != nil {
			return incompatible("memory %v", err)
		}

	case wasm.KindTable:
		if ext.Table == nil {
			return incompatible("nil table")
		}
		got := ext.Table.Type()
		if got.ElemType != decl.Table.ElemType {
			return incompatible("expected %s table, got %s", decl.Table.ElemType, got.ElemType)
		}
		if err := checkLimits(decl.Table.Limits, got.Limits); err != nil {
			return incompatible("table %v", err)
		}

	case wasm.KindGlobal:
		if ext.Global == nil {
			return incompatible("nil global")
		}
		if ext.Global.Type != *decl.Global {
			return incompatible("expected global %s (mutable=%t), got %s (mutable=%t)",
				decl.Global.ValType, decl.Global.Mutable, ext.Global.Type.ValType, ext.Global.Type.Mutable)
		}
	}
	return nil
}

// checkLimits applies the import subtyping rule: the provided size must be
// at least the required minimum and, when a maximum is required, the
// provided maximum must exist and not exceed it.
func checkLimits(want, got wasm.Limits) error {
	if got.Min < want.Min {
		return fmt.Errorf("size %d below required minimum %d", got.Min, want.Min)
	}
	if want.Max == nil {
		return nil
	}
	if got.Max == nil {
		return fmt.Errorf("has no maximum, required maximum %d", *want.Max)
	}
	if *got.Max > *want.Max {
		return fmt.Errorf("maximum %d exceeds required maximum %d", *got.Max, *want.Max)
	}
	return nil
}

func optionalU32(max *uint64) *uint32 {
	if max == nil {
		return nil
	}
	v := uint32(min(*max, math.MaxUint32))
	return &v
}

// allocate fills the context's index spaces: imports first, then local
// definitions.
func allocate(vctx *vm.Context, mod *engine.Module, resolved []Extern, cfg *config) error {
	for _, ext := range resolved {
		switch ext.Kind {
		case wasm.KindFunc:
			vctx.Funcs = append(vctx.Funcs, ext.Func)
		case wasm.KindMemory:
			vctx.Memories = append(vctx.Memories, ext.Memory)
		case wasm.KindTable:
			vctx.Tables = append(vctx.Tables, ext.Table)
		case wasm.KindGlobal:
			vctx.Globals = append(vctx.Globals, ext.Global)
		}
	}

	vctx.Types = mod.TypeHandles()

	numImported := uint32(mod.NumImportedFuncs())
	for i := uint32(0); i < uint32(mod.NumFuncs())-numImported; i++ {
		idx := numImported + i
		vctx.Funcs = append(vctx.Funcs, &vm.BoundFunc{
			Ctx:   vctx,
			Body:  mod.Body(int(i)),
			Name:  mod.FuncName(idx),
			Sig:   mod.FuncType(idx),
			Index: idx,
			Hdl:   mod.TypeHandle(mod.FuncTypeIndex(idx)),
		})
	}

	for _, mt := range mod.Memories() {
		var (
			m   *memory.Memory
			err error
		)
		minPages, maxPages := uint32(mt.Limits.Min), optionalU32(mt.Limits.Max)
		if mt.Limits.Shared {
			m, err = memory.NewShared(minPages, maxPages, cfg.memOpts...)
		} else {
			m, err = memory.New(minPages, maxPages, cfg.memOpts...)
		}
		if err != nil {
			return err
		}
		vctx.Memories = append(vctx.Memories, m)
	}

	for _, tt := range mod.Tables() {
		t, err := table.New(tt.ElemType, uint32(tt.Limits.Min), optionalU32(tt.Limits.Max), cfg.tabOpts...)
		if err != nil {
			return err
		}
		vctx.Tables = append(vctx.Tables, t)
	}

	for _, g := range mod.Globals() {
		global := vm.NewGlobal(g.Type)
		global.Value, global.Ref = evalConst(vctx, g.Init)
		vctx.Globals = append(vctx.Globals, global)
	}

	for _, d := range mod.DataSegments() {
		var data []byte
		if d.Mode == wasm.SegmentPassive {
			data = d.Init
		}
		vctx.Data = append(vctx.Data, data)
	}

	for _, e := range mod.ElementSegments() {
		refs := make([]any, len(e.Init))
		for j, ce := range e.Init {
			_, refs[j] = evalConst(vctx, ce)
		}
		vctx.Elems = append(vctx.Elems, refs)
	}
	return nil
}

// evalConst evaluates a constant expression against the globals and
// functions allocated so far.
func evalConst(vctx *vm.Context, ce wasm.ConstExpr) (uint64, any) {
	switch ce.Opcode {
	case wasm.OpGlobalGet:
		g := vctx.Globals[ce.Value]
		return g.Value, g.Ref
	case wasm.OpRefFunc:
		return 0, vctx.Funcs[ce.Value]
	case wasm.OpRefNull:
		return 0, nil
	}
	return ce.Value, nil
}

type pendingSegment struct {
	refs   []any
	data   []byte
	index  int
	offset uint32
	target uint32
}

// initSegments bounds-checks every active segment and then applies them,
// element segments first. Active and declarative element segments and
// active data segments are dropped afterwards.
func initSegments(vctx *vm.Context, mod *engine.Module) error {
	var elems, datas []pendingSegment

	for i, e := range mod.ElementSegments() {
		if e.Mode != wasm.SegmentActive {
			continue
		}
		off, _ := evalConst(vctx, e.Offset)
		t := vctx.Tables[e.TableIdx]
		if uint64(uint32(off))+uint64(len(e.Init)) > uint64(t.Size()) {
			return errors.SegmentOutOfBounds("element", i, uint64(uint32(off)), uint64(len(e.Init)), uint64(t.Size()))
		}
		elems = append(elems, pendingSegment{index: i, offset: uint32(off), target: e.TableIdx, refs: vctx.Elems[i]})
	}

	for i, d := range mod.DataSegments() {
		if d.Mode != wasm.SegmentActive {
			continue
		}
		off, _ := evalConst(vctx, d.Offset)
		m := vctx.Memories[d.MemIdx]
		if uint64(uint32(off))+uint64(len(d.Init)) > m.Size() {
			return errors.SegmentOutOfBounds("data", i, uint64(uint32(off)), uint64(len(d.Init)), m.Size())
		}
		datas = append(datas, pendingSegment{index: i, offset: uint32(off), target: d.MemIdx, data: d.Init})
	}

	for _, s := range elems {
		if err := vctx.Tables[s.target].Init(s.offset, s.refs); err != nil {
			return err
		}
	}
	for _, s := range datas {
		if err := vctx.Memories[s.target].WriteAt(s.data, uint64(s.offset)); err != nil {
			return err
		}
	}

	for i, e := range mod.ElementSegments() {
		if e.Mode != wasm.SegmentPassive {
			vctx.DropElem(uint32(i))
		}
	}
	for _, s := range datas {
		vctx.DropData(uint32(s.index))
	}
	return nil
}

func bindExports(inst *Instance) {
	vctx := inst.ctx
	for _, et := range inst.module.Exports() {
		ext := Extern{Kind: et.Kind}
		switch et.Kind {
		case wasm.KindFunc:
			ext.Func = vctx.Funcs[et.Index]
		case wasm.KindMemory:
			ext.Memory = vctx.Memories[et.Index]
		case wasm.KindTable:
			ext.Table = vctx.Tables[et.Index]
		case wasm.KindGlobal:
			ext.Global = vctx.Globals[et.Index]
		}
		inst.exports[et.Name] = ext
		inst.order = append(inst.order, et.Name)
	}
}
