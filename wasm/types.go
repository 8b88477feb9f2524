package wasm

import "strings"

// Module represents a decoded WebAssembly module.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // type indices of locally defined functions
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount holds the count from the DataCount section (ID 12).
	// Required when data indices appear in code (bulk memory operations).
	DataCount *uint32

	CustomSections []CustomSection
}

// FuncType represents a WebAssembly function signature with parameter and result types.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two function types have identical parameter and result lists.
func (f FuncType) Equal(o FuncType) bool {
	return valTypesEqual(f.Params, o.Params) && valTypesEqual(f.Results, o.Results)
}

// String renders the type as "(i32, i32) -> (i32)".
func (f FuncType) String() string {
	var b strings.Builder
	writeValTypeList(&b, f.Params)
	b.WriteString(" -> ")
	writeValTypeList(&b, f.Results)
	return b.String()
}

func writeValTypeList(b *strings.Builder, types []ValType) {
	b.WriteByte('(')
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	b.WriteByte(')')
}

func valTypesEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValType represents a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	case 0:
		return "unknown"
	default:
		return "invalid"
	}
}

// IsNumeric reports whether v is one of the four number types.
func (v ValType) IsNumeric() bool {
	return v == ValI32 || v == ValI64 || v == ValF32 || v == ValF64
}

// IsRef reports whether v is a reference type.
func (v ValType) IsRef() bool {
	return v == ValFuncRef || v == ValExtern
}

// Import represents an imported function, table, memory, or global.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item.
// Kind uses KindFunc, KindTable, KindMemory, or KindGlobal.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a table with element type and size limits.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory with size limits in pages.
type MemoryType struct {
	Limits Limits
}

// Limits describes size constraints for tables and memories.
type Limits struct {
	Max    *uint64
	Min    uint64
	Shared bool
}

// MaxOr returns the declared maximum, or def when none was declared.
func (l Limits) MaxOr(def uint64) uint64 {
	if l.Max == nil {
		return def
	}
	return *l.Max
}

// GlobalType describes a global variable's type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global represents a global variable with type and initialization.
type Global struct {
	Type GlobalType
	Init ConstExpr
}

// ConstExpr is a single-instruction constant expression as used by global
// initializers and segment offsets.
//
// Value holds the raw bits of numeric constants, the index for global.get
// and ref.func, and the reference type for ref.null.
type ConstExpr struct {
	Value  uint64
	Opcode byte
}

// I32Const builds an i32.const expression.
func I32Const(v int32) ConstExpr {
	return ConstExpr{Opcode: OpI32Const, Value: uint64(uint32(v))}
}

// RefFuncExpr builds a ref.func expression.
func RefFuncExpr(funcIdx uint32) ConstExpr {
	return ConstExpr{Opcode: OpRefFunc, Value: uint64(funcIdx)}
}

// RefNullExpr builds a ref.null expression.
func RefNullExpr(t ValType) ConstExpr {
	return ConstExpr{Opcode: OpRefNull, Value: uint64(t)}
}

// GlobalGetExpr builds a global.get expression.
func GlobalGetExpr(globalIdx uint32) ConstExpr {
	return ConstExpr{Opcode: OpGlobalGet, Value: uint64(globalIdx)}
}

// Export describes an exported item.
// Kind uses KindFunc, KindTable, KindMemory, or KindGlobal.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// SegmentMode selects how an element or data segment is applied.
type SegmentMode byte

const (
	SegmentActive SegmentMode = iota
	SegmentPassive
	SegmentDeclarative
)

// Element represents an element segment. Every entry is a constant
// expression: ref.func, ref.null or global.get.
type Element struct {
	Init     []ConstExpr
	Offset   ConstExpr
	TableIdx uint32
	Mode     SegmentMode
	Type     ValType
}

// FuncIndices returns the function index of every ref.func entry.
func (e *Element) FuncIndices() []uint32 {
	var out []uint32
	for _, ex := range e.Init {
		if ex.Opcode == OpRefFunc {
			out = append(out, uint32(ex.Value))
		}
	}
	return out
}

// FuncBody represents a function's local declarations and bytecode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // raw code bytes including the final end opcode
	Offset int    // position of the body in the module binary
}

// LocalEntry represents a group of local variables with the same type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment represents a data segment.
type DataSegment struct {
	Offset ConstExpr
	Init   []byte
	MemIdx uint32
	Mode   SegmentMode
}

// CustomSection holds a named custom section's data.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions
func (m *Module) NumImportedFuncs() int {
	return m.countImports(KindFunc)
}

// NumImportedGlobals returns the number of imported globals
func (m *Module) NumImportedGlobals() int {
	return m.countImports(KindGlobal)
}

// NumImportedTables returns the number of imported tables
func (m *Module) NumImportedTables() int {
	return m.countImports(KindTable)
}

// NumImportedMemories returns the number of imported memories
func (m *Module) NumImportedMemories() int {
	return m.countImports(KindMemory)
}

func (m *Module) countImports(kind byte) int {
	count := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			count++
		}
	}
	return count
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.NumImportedFuncs() + len(m.Funcs)
}

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() int {
	return m.NumImportedGlobals() + len(m.Globals)
}

// NumTables returns the size of the table index space.
func (m *Module) NumTables() int {
	return m.NumImportedTables() + len(m.Tables)
}

// NumMemories returns the size of the memory index space.
func (m *Module) NumMemories() int {
	return m.NumImportedMemories() + len(m.Memories)
}

// FuncTypeIndex returns the type index of a function in the function index space.
func (m *Module) FuncTypeIndex(funcIdx uint32) (uint32, bool) {
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if funcIdx == 0 {
			return imp.Desc.TypeIdx, true
		}
		funcIdx--
	}
	if int(funcIdx) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[funcIdx], true
}

// GetFuncType returns the type of a function by its index, or nil when the
// index or its type index is out of range.
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	typeIdx, ok := m.FuncTypeIndex(funcIdx)
	if !ok || int(typeIdx) >= len(m.Types) {
		return nil
	}
	return &m.Types[typeIdx]
}

// GlobalTypeAt returns the type of a global in the global index space.
func (m *Module) GlobalTypeAt(idx uint32) (GlobalType, bool) {
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindGlobal {
			continue
		}
		if idx == 0 {
			return *imp.Desc.Global, true
		}
		idx--
	}
	if int(idx) >= len(m.Globals) {
		return GlobalType{}, false
	}
	return m.Globals[idx].Type, true
}

// TableTypeAt returns the type of a table in the table index space.
func (m *Module) TableTypeAt(idx uint32) (TableType, bool) {
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindTable {
			continue
		}
		if idx == 0 {
			return *imp.Desc.Table, true
		}
		idx--
	}
	if int(idx) >= len(m.Tables) {
		return TableType{}, false
	}
	return m.Tables[idx], true
}

// MemoryTypeAt returns the type of a memory in the memory index space.
func (m *Module) MemoryTypeAt(idx uint32) (MemoryType, bool) {
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindMemory {
			continue
		}
		if idx == 0 {
			return *imp.Desc.Memory, true
		}
		idx--
	}
	if int(idx) >= len(m.Memories) {
		return MemoryType{}, false
	}
	return m.Memories[idx], true
}

// ExportByName returns the export with the given name.
func (m *Module) ExportByName(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// CustomSection returns the data of the first custom section with the given name.
func (m *Module) CustomSection(name string) ([]byte, bool) {
	for _, cs := range m.CustomSections {
		if cs.Name == name {
			return cs.Data, true
		}
	}
	return nil, false
}

// AddType adds a function type and returns its index, reusing existing if equal
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	idx := uint32(len(m.Types))
	m.Types = append(m.Types, ft)
	return idx
}
