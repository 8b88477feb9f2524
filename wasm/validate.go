package wasm

// Validate checks the module against the WebAssembly validation rules:
// index ranges, limits, constant expressions, export names and the type of
// every function body. Errors are *ValidationError.
func (m *Module) Validate() error {
	if err := m.validateTypes(); err != nil {
		return err
	}
	if err := m.validateImports(); err != nil {
		return err
	}
	if err := m.validateFunctions(); err != nil {
		return err
	}
	if err := m.validateTables(); err != nil {
		return err
	}
	if err := m.validateMemories(); err != nil {
		return err
	}
	if err := m.validateGlobals(); err != nil {
		return err
	}
	if err := m.validateExports(); err != nil {
		return err
	}
	if err := m.validateStart(); err != nil {
		return err
	}
	if err := m.validateElements(); err != nil {
		return err
	}
	if err := m.validateData(); err != nil {
		return err
	}
	return m.validateCode()
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
// This is a convenience function combining ParseModule and Validate.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypes() error {
	for i, ft := range m.Types {
		if len(ft.Params) > MaxFunctionParams || len(ft.Results) > MaxFunctionParams {
			return invalid("type %d: too many parameters or results", i)
		}
	}
	return nil
}

func (m *Module) validateImports() error {
	for i, imp := range m.Imports {
		switch imp.Desc.Kind {
		case KindFunc:
			if int(imp.Desc.TypeIdx) >= len(m.Types) {
				return invalid("import %d (%s.%s): unknown type %d", i, imp.Module, imp.Name, imp.Desc.TypeIdx)
			}
		case KindTable:
			if err := validateTableLimits(imp.Desc.Table.Limits); err != nil {
				return err
			}
		case KindMemory:
			if err := validateMemoryLimits(imp.Desc.Memory.Limits); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Module) validateFunctions() error {
	for i, typeIdx := range m.Funcs {
		if int(typeIdx) >= len(m.Types) {
			return invalid("function %d: unknown type %d", i, typeIdx)
		}
	}
	return nil
}

func (m *Module) validateTables() error {
	for _, t := range m.Tables {
		if err := validateTableLimits(t.Limits); err != nil {
			return err
		}
	}
	return nil
}

func validateTableLimits(l Limits) error {
	if l.Max != nil && l.Min > *l.Max {
		return invalid("size minimum must not be greater than maximum")
	}
	return nil
}

func (m *Module) validateMemories() error {
	for _, mem := range m.Memories {
		if err := validateMemoryLimits(mem.Limits); err != nil {
			return err
		}
	}
	return nil
}

func validateMemoryLimits(l Limits) error {
	if l.Min > MemoryMaxPages32 {
		return invalid("memory size must be at most 65536 pages (4GiB)")
	}
	if l.Max != nil {
		if *l.Max > MemoryMaxPages32 {
			return invalid("memory size must be at most 65536 pages (4GiB)")
		}
		if l.Min > *l.Max {
			return invalid("size minimum must not be greater than maximum")
		}
	}
	if l.Shared && l.Max == nil {
		return invalid("shared memory must have maximum")
	}
	return nil
}

// constExprType type-checks a constant expression. global.get may only refer
// to immutable imported globals.
func (m *Module) constExprType(ce ConstExpr) (ValType, error) {
	switch ce.Opcode {
	case OpI32Const:
		return ValI32, nil
	case OpI64Const:
		return ValI64, nil
	case OpF32Const:
		return ValF32, nil
	case OpF64Const:
		return ValF64, nil
	case OpRefNull:
		return ValType(ce.Value), nil
	case OpRefFunc:
		if ce.Value >= uint64(m.NumFuncs()) {
			return 0, invalid("unknown function %d", ce.Value)
		}
		return ValFuncRef, nil
	case OpGlobalGet:
		if ce.Value >= uint64(m.NumImportedGlobals()) {
			return 0, invalid("unknown global %d", ce.Value)
		}
		gt, _ := m.GlobalTypeAt(uint32(ce.Value))
		if gt.Mutable {
			return 0, invalid("constant expression required")
		}
		return gt.ValType, nil
	}
	return 0, invalid("constant expression required")
}

func (m *Module) validateGlobals() error {
	for i, g := range m.Globals {
		t, err := m.constExprType(g.Init)
		if err != nil {
			return err
		}
		if t != g.Type.ValType {
			return invalid("type mismatch: global %d initializer is %s, want %s", i, t, g.Type.ValType)
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]bool, len(m.Exports))
	for _, e := range m.Exports {
		if seen[e.Name] {
			return invalid("duplicate export name %q", e.Name)
		}
		seen[e.Name] = true

		var limit int
		switch e.Kind {
		case KindFunc:
			limit = m.NumFuncs()
		case KindTable:
			limit = m.NumTables()
		case KindMemory:
			limit = m.NumMemories()
		case KindGlobal:
			limit = m.NumGlobals()
		}
		if int(e.Idx) >= limit {
			noun := KindName(e.Kind)
			if e.Kind == KindFunc {
				noun = "function"
			}
			return invalid("export %q: unknown %s %d", e.Name, noun, e.Idx)
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return invalid("unknown function %d", *m.Start)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return invalid("start function must have type [] -> []")
	}
	return nil
}

func (m *Module) validateElements() error {
	for i, e := range m.Elements {
		for j, ce := range e.Init {
			t, err := m.constExprType(ce)
			if err != nil {
				return err
			}
			if t != e.Type {
				return invalid("type mismatch: element %d entry %d is %s, want %s", i, j, t, e.Type)
			}
		}
		if e.Mode != SegmentActive {
			continue
		}
		tt, ok := m.TableTypeAt(e.TableIdx)
		if !ok {
			return invalid("unknown table %d", e.TableIdx)
		}
		if tt.ElemType != e.Type {
			return invalid("type mismatch: element %d of type %s in table of %s", i, e.Type, tt.ElemType)
		}
		t, err := m.constExprType(e.Offset)
		if err != nil {
			return err
		}
		if t != ValI32 {
			return invalid("type mismatch: element %d offset must be i32", i)
		}
	}
	return nil
}

func (m *Module) validateData() error {
	for i, d := range m.Data {
		if d.Mode != SegmentActive {
			continue
		}
		if int(d.MemIdx) >= m.NumMemories() {
			return invalid("unknown memory %d", d.MemIdx)
		}
		t, err := m.constExprType(d.Offset)
		if err != nil {
			return err
		}
		if t != ValI32 {
			return invalid("type mismatch: data %d offset must be i32", i)
		}
	}
	return nil
}

// declaredFuncRefs collects the functions that ref.func may name inside
// function bodies: those referenced from elements, exports and globals.
func (m *Module) declaredFuncRefs() map[uint32]bool {
	refs := make(map[uint32]bool)
	for _, e := range m.Elements {
		for _, idx := range e.FuncIndices() {
			refs[idx] = true
		}
	}
	for _, e := range m.Exports {
		if e.Kind == KindFunc {
			refs[e.Idx] = true
		}
	}
	for _, g := range m.Globals {
		if g.Init.Opcode == OpRefFunc {
			refs[uint32(g.Init.Value)] = true
		}
	}
	return refs
}

func (m *Module) validateCode() error {
	refs := m.declaredFuncRefs()
	numImported := m.NumImportedFuncs()
	for i := range m.Code {
		instrs, err := DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return err
		}
		if err := m.ValidateFunction(uint32(numImported+i), &m.Code[i], instrs, refs); err != nil {
			return err
		}
	}
	return nil
}
