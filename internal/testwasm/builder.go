// Package testwasm assembles small WebAssembly modules for tests.
package testwasm

import (
	"github.com/wippyai/wasm-engine/wasm"
)

// Common value type lists.
var (
	None []wasm.ValType
	I32  = []wasm.ValType{wasm.ValI32}
	I64  = []wasm.ValType{wasm.ValI64}
	F32  = []wasm.ValType{wasm.ValF32}
	F64  = []wasm.ValType{wasm.ValF64}
)

// Repeat returns n copies of t.
func Repeat(t wasm.ValType, n int) []wasm.ValType {
	out := make([]wasm.ValType, n)
	for i := range out {
		out[i] = t
	}
	return out
}

// Builder accumulates module sections. Imports must be declared before the
// first local function so that function indices stay stable.
type Builder struct {
	mod    wasm.Module
	names  wasm.Names
	locals int
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{names: wasm.Names{Funcs: map[uint32]string{}}}
}

// Type returns the index of the given function type, adding it if needed.
func (b *Builder) Type(params, results []wasm.ValType) uint32 {
	ft := wasm.FuncType{Params: params, Results: results}
	for i, t := range b.mod.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	b.mod.Types = append(b.mod.Types, ft)
	return uint32(len(b.mod.Types) - 1)
}

func (b *Builder) importItem(module, name string, desc wasm.ImportDesc) {
	if desc.Kind == wasm.KindFunc && b.locals > 0 {
		panic("testwasm: function import after local function")
	}
	b.mod.Imports = append(b.mod.Imports, wasm.Import{Module: module, Name: name, Desc: desc})
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []wasm.ValType) uint32 {
	b.importItem(module, name, wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: b.Type(params, results)})
	return uint32(b.mod.NumImportedFuncs() - 1)
}

// ImportMemory declares a memory import.
func (b *Builder) ImportMemory(module, name string, min uint64, max *uint64) {
	b.importItem(module, name, wasm.ImportDesc{Kind: wasm.KindMemory,
		Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: min, Max: max}}})
}

// ImportTable declares a table import.
func (b *Builder) ImportTable(module, name string, elem wasm.ValType, min uint64, max *uint64) {
	b.importItem(module, name, wasm.ImportDesc{Kind: wasm.KindTable,
		Table: &wasm.TableType{ElemType: elem, Limits: wasm.Limits{Min: min, Max: max}}})
}

// ImportGlobal declares a global import.
func (b *Builder) ImportGlobal(module, name string, t wasm.ValType, mutable bool) {
	b.importItem(module, name, wasm.ImportDesc{Kind: wasm.KindGlobal,
		Global: &wasm.GlobalType{ValType: t, Mutable: mutable}})
}

// Func adds a local function and returns its index. A non-empty name is
// both exported and recorded in the name section. The final end is
// appended to body.
func (b *Builder) Func(name string, params, results, locals []wasm.ValType, body ...wasm.Instruction) uint32 {
	b.locals++
	b.mod.Funcs = append(b.mod.Funcs, b.Type(params, results))

	fb := wasm.FuncBody{}
	for _, t := range locals {
		if n := len(fb.Locals); n > 0 && fb.Locals[n-1].ValType == t {
			fb.Locals[n-1].Count++
			continue
		}
		fb.Locals = append(fb.Locals, wasm.LocalEntry{Count: 1, ValType: t})
	}
	fb.Code = Body(body...)
	b.mod.Code = append(b.mod.Code, fb)

	idx := uint32(b.mod.NumFuncs() - 1)
	if name != "" {
		b.names.Funcs[idx] = name
		b.Export(name, wasm.KindFunc, idx)
	}
	return idx
}

// Name sets the module name.
func (b *Builder) Name(name string) *Builder {
	b.names.Module = name
	return b
}

// Memory declares a local memory.
func (b *Builder) Memory(min uint64, max *uint64) *Builder {
	b.mod.Memories = append(b.mod.Memories, wasm.MemoryType{Limits: wasm.Limits{Min: min, Max: max}})
	return b
}

// SharedMemory declares a local shared memory.
func (b *Builder) SharedMemory(min, max uint64) *Builder {
	b.mod.Memories = append(b.mod.Memories, wasm.MemoryType{Limits: wasm.Limits{Min: min, Max: &max, Shared: true}})
	return b
}

// Table declares a local table and returns its index.
func (b *Builder) Table(elem wasm.ValType, min uint64, max *uint64) uint32 {
	b.mod.Tables = append(b.mod.Tables, wasm.TableType{ElemType: elem, Limits: wasm.Limits{Min: min, Max: max}})
	return uint32(len(b.mod.Tables) - 1)
}

// Global declares a local global and returns its index in the global space.
func (b *Builder) Global(t wasm.ValType, mutable bool, init wasm.ConstExpr) uint32 {
	b.mod.Globals = append(b.mod.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: t, Mutable: mutable},
		Init: init,
	})
	imported := 0
	for _, imp := range b.mod.Imports {
		if imp.Desc.Kind == wasm.KindGlobal {
			imported++
		}
	}
	return uint32(imported + len(b.mod.Globals) - 1)
}

// Export exports an item.
func (b *Builder) Export(name string, kind byte, idx uint32) *Builder {
	b.mod.Exports = append(b.mod.Exports, wasm.Export{Name: name, Kind: kind, Idx: idx})
	return b
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.mod.Start = &idx
	return b
}

// Data adds an active data segment for memory 0.
func (b *Builder) Data(offset int32, data []byte) *Builder {
	b.mod.Data = append(b.mod.Data, wasm.DataSegment{Offset: wasm.I32Const(offset), Init: data})
	return b
}

// PassiveData adds a passive data segment and returns its index.
func (b *Builder) PassiveData(data []byte) uint32 {
	b.mod.Data = append(b.mod.Data, wasm.DataSegment{Mode: wasm.SegmentPassive, Init: data})
	return uint32(len(b.mod.Data) - 1)
}

// Elem adds an active funcref element segment for table 0.
func (b *Builder) Elem(offset int32, funcs ...uint32) *Builder {
	b.mod.Elements = append(b.mod.Elements, wasm.Element{
		Type:   wasm.ValFuncRef,
		Offset: wasm.I32Const(offset),
		Init:   refFuncs(funcs),
	})
	return b
}

// PassiveElem adds a passive funcref element segment and returns its index.
func (b *Builder) PassiveElem(funcs ...uint32) uint32 {
	b.mod.Elements = append(b.mod.Elements, wasm.Element{
		Type: wasm.ValFuncRef,
		Mode: wasm.SegmentPassive,
		Init: refFuncs(funcs),
	})
	return uint32(len(b.mod.Elements) - 1)
}

// DeclareFuncs adds a declarative element segment, which ref.func requires
// for functions not otherwise referenced.
func (b *Builder) DeclareFuncs(funcs ...uint32) *Builder {
	b.mod.Elements = append(b.mod.Elements, wasm.Element{
		Type: wasm.ValFuncRef,
		Mode: wasm.SegmentDeclarative,
		Init: refFuncs(funcs),
	})
	return b
}

func refFuncs(funcs []uint32) []wasm.ConstExpr {
	out := make([]wasm.ConstExpr, len(funcs))
	for i, f := range funcs {
		out[i] = wasm.RefFuncExpr(f)
	}
	return out
}

// Module returns the assembled module. The function bodies are copied, so
// callers may replace them without affecting the builder.
func (b *Builder) Module() *wasm.Module {
	mod := b.mod
	mod.Code = append([]wasm.FuncBody(nil), b.mod.Code...)
	if len(mod.Data) > 0 {
		n := uint32(len(mod.Data))
		mod.DataCount = &n
	}
	if b.names.Module != "" || len(b.names.Funcs) > 0 {
		mod.CustomSections = append(mod.CustomSections, wasm.CustomSection{
			Name: "name",
			Data: wasm.EncodeNames(b.names),
		})
	}
	return &mod
}

// Bytes returns the binary encoding of the module.
func (b *Builder) Bytes() []byte {
	return b.Module().Encode()
}

// U64 returns a pointer to v, for optional maxima.
func U64(v uint64) *uint64 {
	return &v
}
