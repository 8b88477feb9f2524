package engine

import (
	"fmt"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

// ImportType describes one import declaration. Exactly one of Func, Table,
// Memory and Global is set, according to Kind.
type ImportType struct {
	Func   *wasm.FuncType
	Table  *wasm.TableType
	Memory *wasm.MemoryType
	Global *wasm.GlobalType
	Module string
	Name   string
	Kind   byte
}

// ExportType describes one export with the type of the exported item.
type ExportType struct {
	Func   *wasm.FuncType
	Table  *wasm.TableType
	Memory *wasm.MemoryType
	Global *wasm.GlobalType
	Name   string
	Index  uint32
	Kind   byte
}

// Module is a validated, compiled WebAssembly module. It never changes after
// construction and is safe for concurrent use.
type Module struct {
	decoded  *wasm.Module
	registry *signature.Registry
	exports  map[string]ExportType
	names    wasm.Names
	backend  string
	binary   []byte
	types    []signature.Handle
	bodies   []vm.Body
	imports  []ImportType
	order    []string
}

// NewModule assembles a Module from a validated decoded module and one
// lowered body per local function. Every function type is interned in reg.
func NewModule(reg *signature.Registry, decoded *wasm.Module, bin []byte, bodies []vm.Body, backend string) (*Module, error) {
	if len(bodies) != len(decoded.Code) {
		return nil, errors.BackendFailure(backend,
			fmt.Errorf("%d bodies for %d functions", len(bodies), len(decoded.Code)))
	}

	m := &Module{
		decoded:  decoded,
		registry: reg,
		backend:  backend,
		binary:   append([]byte(nil), bin...),
		bodies:   bodies,
		names:    decoded.Names(),
		exports:  make(map[string]ExportType, len(decoded.Exports)),
	}

	m.types = make([]signature.Handle, len(decoded.Types))
	for i, ft := range decoded.Types {
		h, err := reg.TryIntern(ft.Params, ft.Results)
		if err != nil {
			return nil, errors.BackendFailure(backend, err)
		}
		m.types[i] = h
	}

	for _, imp := range decoded.Imports {
		it := ImportType{Module: imp.Module, Name: imp.Name, Kind: imp.Desc.Kind}
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			ft := decoded.Types[imp.Desc.TypeIdx]
			it.Func = &ft
		case wasm.KindTable:
			it.Table = imp.Desc.Table
		case wasm.KindMemory:
			it.Memory = imp.Desc.Memory
		case wasm.KindGlobal:
			it.Global = imp.Desc.Global
		}
		m.imports = append(m.imports, it)
	}

	for _, exp := range decoded.Exports {
		et := ExportType{Name: exp.Name, Kind: exp.Kind, Index: exp.Idx}
		switch exp.Kind {
		case wasm.KindFunc:
			ft := *decoded.GetFuncType(exp.Idx)
			et.Func = &ft
		case wasm.KindTable:
			tt, _ := decoded.TableTypeAt(exp.Idx)
			et.Table = &tt
		case wasm.KindMemory:
			mt, _ := decoded.MemoryTypeAt(exp.Idx)
			et.Memory = &mt
		case wasm.KindGlobal:
			gt, _ := decoded.GlobalTypeAt(exp.Idx)
			et.Global = &gt
		}
		m.exports[exp.Name] = et
		m.order = append(m.order, exp.Name)
	}
	return m, nil
}

// Name returns the module name from the name section, or "".
func (m *Module) Name() string {
	return m.names.Module
}

// Backend names the compiler that lowered the function bodies.
func (m *Module) Backend() string {
	return m.backend
}

// Registry returns the signature registry the module's types are interned in.
func (m *Module) Registry() *signature.Registry {
	return m.registry
}

// Binary returns a copy of the bytes the module was compiled from.
func (m *Module) Binary() []byte {
	return append([]byte(nil), m.binary...)
}

// NumTypes returns the size of the type section.
func (m *Module) NumTypes() int {
	return len(m.types)
}

// TypeHandle returns the interned handle of type idx.
func (m *Module) TypeHandle(idx uint32) signature.Handle {
	return m.types[idx]
}

// TypeHandles returns the interned handle of every declared type.
func (m *Module) TypeHandles() []signature.Handle {
	return append([]signature.Handle(nil), m.types...)
}

// Type returns function type idx.
func (m *Module) Type(idx uint32) wasm.FuncType {
	return m.decoded.Types[idx]
}

// Imports returns the import declarations in order.
func (m *Module) Imports() []ImportType {
	return append([]ImportType(nil), m.imports...)
}

// Exports returns the export declarations in declaration order.
func (m *Module) Exports() []ExportType {
	out := make([]ExportType, len(m.order))
	for i, name := range m.order {
		out[i] = m.exports[name]
	}
	return out
}

// ExportType looks up an export by name.
func (m *Module) ExportType(name string) (ExportType, bool) {
	et, ok := m.exports[name]
	return et, ok
}

// NumImportedFuncs returns the number of imported functions.
func (m *Module) NumImportedFuncs() int {
	return m.decoded.NumImportedFuncs()
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.decoded.NumFuncs()
}

// FuncTypeIndex returns the type index of function idx.
func (m *Module) FuncTypeIndex(idx uint32) uint32 {
	ti, _ := m.decoded.FuncTypeIndex(idx)
	return ti
}

// FuncType returns the type of function idx.
func (m *Module) FuncType(idx uint32) wasm.FuncType {
	return *m.decoded.GetFuncType(idx)
}

// FuncName returns the debug name of function idx, or "".
func (m *Module) FuncName(idx uint32) string {
	return m.names.Funcs[idx]
}

// Body returns the lowered body of local function i (0 is the first
// function after the imports).
func (m *Module) Body(i int) vm.Body {
	return m.bodies[i]
}

// Bodies returns every lowered body, for serialization.
func (m *Module) Bodies() []vm.Body {
	return append([]vm.Body(nil), m.bodies...)
}

// Memories returns the locally declared memories.
func (m *Module) Memories() []wasm.MemoryType {
	return append([]wasm.MemoryType(nil), m.decoded.Memories...)
}

// Tables returns the locally declared tables.
func (m *Module) Tables() []wasm.TableType {
	return append([]wasm.TableType(nil), m.decoded.Tables...)
}

// Globals returns the locally declared globals.
func (m *Module) Globals() []wasm.Global {
	return append([]wasm.Global(nil), m.decoded.Globals...)
}

// DataSegments returns the data segments.
func (m *Module) DataSegments() []wasm.DataSegment {
	return append([]wasm.DataSegment(nil), m.decoded.Data...)
}

// ElementSegments returns the element segments.
func (m *Module) ElementSegments() []wasm.Element {
	return append([]wasm.Element(nil), m.decoded.Elements...)
}

// Start returns the start function index, if any.
func (m *Module) Start() (uint32, bool) {
	if m.decoded.Start == nil {
		return 0, false
	}
	return *m.decoded.Start, true
}

// CustomSection returns the first custom section with the given name.
func (m *Module) CustomSection(name string) ([]byte, bool) {
	data, ok := m.decoded.CustomSection(name)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
