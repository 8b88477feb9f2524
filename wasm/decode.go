package wasm

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/wippyai/wasm-engine/wasm/internal/binary"
)

// ParseModule decodes a WebAssembly binary module. It checks structure only;
// call Validate for the type rules.
//
// The returned error is a *binary.ParseError for malformed input or an
// *UnsupportedError for features outside the supported set.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, r.WrapError("header", ErrInvalidMagic)
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, r.WrapError("header", ErrInvalidVersion)
	}

	m := &Module{}
	var lastSectionOrder int

	for r.Len() > 0 {
		sectionID, _ := r.ReadByte()

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order == 0 {
				return nil, r.WrapError("section header", fmt.Errorf("malformed section id 0x%02x", sectionID))
			}
			if order <= lastSectionOrder {
				return nil, r.WrapError("section header", fmt.Errorf("section %d appears out of order", sectionID))
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		sr, err := r.Sub(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		var name string
		switch sectionID {
		case SectionCustom:
			name, err = "custom section", parseCustomSection(sr, m)
		case SectionType:
			name, err = "type section", parseTypeSection(sr, m)
		case SectionImport:
			name, err = "import section", parseImportSection(sr, m)
		case SectionFunction:
			name, err = "function section", parseFunctionSection(sr, m)
		case SectionTable:
			name, err = "table section", parseTableSection(sr, m)
		case SectionMemory:
			name, err = "memory section", parseMemorySection(sr, m)
		case SectionGlobal:
			name, err = "global section", parseGlobalSection(sr, m)
		case SectionExport:
			name, err = "export section", parseExportSection(sr, m)
		case SectionStart:
			name, err = "start section", parseStartSection(sr, m)
		case SectionElement:
			name, err = "element section", parseElementSection(sr, m)
		case SectionDataCount:
			name, err = "data count section", parseDataCountSection(sr, m)
		case SectionCode:
			name, err = "code section", parseCodeSection(sr, m)
		case SectionData:
			name, err = "data section", parseDataSection(sr, m)
		case SectionTag:
			return nil, unsupported("exception handling")
		}
		if err != nil {
			var ue *UnsupportedError
			var ve *ValidationError
			if errors.As(err, &ue) || errors.As(err, &ve) {
				return nil, err
			}
			return nil, sr.WrapError(name, err)
		}
		if sr.Len() != 0 {
			return nil, sr.WrapError(name, errors.New("section size mismatch"))
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, &binary.ParseError{
			Position: len(data),
			Section:  "code section",
			Err:      errors.New("function and code section have inconsistent lengths"),
		}
	}
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return nil, &binary.ParseError{
			Position: len(data),
			Section:  "data section",
			Err:      errors.New("data count and data section have inconsistent lengths"),
		}
	}
	if m.NumMemories() > 1 {
		return nil, unsupported("multi-memory")
	}

	return m, nil
}

// sectionOrder returns the canonical ordering for a section ID, or 0 for an
// unknown ID. Tags sit between memory and global; data count precedes code.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	default:
		return 0
	}
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	rest, err := r.ReadRemaining()
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: rest})
	return nil
}

// readCount reads a vector length and rejects lengths that cannot fit in
// the remaining bytes, so hostile counts never drive large allocations.
func readCount(r *binary.Reader) (uint32, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if int(n) > r.Len() {
		return 0, fmt.Errorf("vector length %d exceeds remaining %d bytes: %w", n, r.Len(), io.ErrUnexpectedEOF)
	}
	return n, nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, count)
	for i := range m.Types {
		form, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("read type form at index %d: %w", i, io.ErrUnexpectedEOF)
		}
		switch form {
		case FuncTypeByte:
		case 0x4E, 0x50, 0x4F, 0x5F, 0x5E:
			return unsupported("gc types")
		default:
			return fmt.Errorf("malformed function type form 0x%02x", form)
		}
		ft, err := readFuncType(r)
		if err != nil {
			return err
		}
		m.Types[i] = ft
	}
	return nil
}

func readFuncType(r *binary.Reader) (FuncType, error) {
	params, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := readCount(r)
	if err != nil {
		return nil, err
	}
	types := make([]ValType, count)
	for i := range types {
		types[i], err = readValType(r)
		if err != nil {
			return nil, err
		}
	}
	return types, nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	switch ValType(b) {
	case ValI32, ValI64, ValF32, ValF64, ValFuncRef, ValExtern:
		return ValType(b), nil
	case ValV128:
		return 0, unsupported("simd")
	case 0x63, 0x64, 0x6E, 0x6D, 0x6C, 0x6B, 0x6A, 0x71, 0x72, 0x73:
		return 0, unsupported("gc types")
	}
	return 0, fmt.Errorf("malformed value type 0x%02x", b)
}

func readRefType(r *binary.Reader) (ValType, error) {
	t, err := readValType(r)
	if err != nil {
		return 0, err
	}
	if !t.IsRef() {
		return 0, fmt.Errorf("malformed reference type %s", t)
	}
	return t, nil
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, count)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		imp.Desc.Kind = kind
		switch kind {
		case KindFunc:
			if imp.Desc.TypeIdx, err = r.ReadU32(); err != nil {
				return err
			}
		case KindTable:
			tt, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &tt
		case KindMemory:
			mt, err := readMemoryType(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &mt
		case KindGlobal:
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &gt
		case KindTag:
			return unsupported("exception handling")
		default:
			return fmt.Errorf("malformed import kind 0x%02x", kind)
		}
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Tables = make([]TableType, count)
	for i := range m.Tables {
		if m.Tables[i], err = readTableType(r); err != nil {
			return err
		}
	}
	return nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	elem, err := readRefType(r)
	if err != nil {
		return TableType{}, err
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	if limits.Shared {
		return TableType{}, unsupported("shared tables")
	}
	return TableType{ElemType: elem, Limits: limits}, nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Memories = make([]MemoryType, count)
	for i := range m.Memories {
		if m.Memories[i], err = readMemoryType(r); err != nil {
			return err
		}
	}
	return nil
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	limits, err := readLimits(r)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, io.ErrUnexpectedEOF
	}
	if flags&^LimitsKnownMask != 0 {
		return Limits{}, fmt.Errorf("integer too large: limits flags 0x%02x", flags)
	}
	if flags&LimitsMemory64 != 0 {
		return Limits{}, unsupported("memory64")
	}
	var l Limits
	l.Shared = flags&LimitsShared != 0
	min, err := r.ReadU32()
	if err != nil {
		return Limits{}, err
	}
	l.Min = uint64(min)
	if flags&LimitsHasMax != 0 {
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		max64 := uint64(max)
		l.Max = &max64
	}
	return l, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, io.ErrUnexpectedEOF
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("malformed mutability 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Globals = make([]Global, count)
	for i := range m.Globals {
		if m.Globals[i].Type, err = readGlobalType(r); err != nil {
			return err
		}
		if m.Globals[i].Init, err = readConstExpr(r); err != nil {
			return err
		}
	}
	return nil
}

// readConstExpr reads a constant expression terminated by end. Only single
// instruction expressions are supported.
func readConstExpr(r *binary.Reader) (ConstExpr, error) {
	op, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, io.ErrUnexpectedEOF
	}
	var ce ConstExpr
	ce.Opcode = op
	switch op {
	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return ConstExpr{}, err
		}
		ce.Value = uint64(uint32(v))
	case OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return ConstExpr{}, err
		}
		ce.Value = uint64(v)
	case OpF32Const:
		v, err := r.ReadU32LE()
		if err != nil {
			return ConstExpr{}, err
		}
		ce.Value = uint64(v)
	case OpF64Const:
		v, err := r.ReadF64()
		if err != nil {
			return ConstExpr{}, err
		}
		ce.Value = math.Float64bits(v)
	case OpGlobalGet, OpRefFunc:
		v, err := r.ReadU32()
		if err != nil {
			return ConstExpr{}, err
		}
		ce.Value = uint64(v)
	case OpRefNull:
		t, err := readRefType(r)
		if err != nil {
			return ConstExpr{}, err
		}
		ce.Value = uint64(t)
	case OpEnd:
		return ConstExpr{}, invalid("type mismatch: empty constant expression")
	default:
		return ConstExpr{}, invalid("constant expression required, found opcode 0x%02x", op)
	}
	end, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, io.ErrUnexpectedEOF
	}
	if end != OpEnd {
		switch end {
		case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
			return ConstExpr{}, unsupported("extended constant expressions")
		}
		return ConstExpr{}, invalid("constant expression required, found opcode 0x%02x", end)
	}
	return ce, nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Exports = make([]Export, count)
	for i := range m.Exports {
		e := &m.Exports[i]
		if e.Name, err = r.ReadName(); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		switch kind {
		case KindFunc, KindTable, KindMemory, KindGlobal:
		case KindTag:
			return unsupported("exception handling")
		default:
			return fmt.Errorf("malformed export kind 0x%02x", kind)
		}
		e.Kind = kind
		if e.Idx, err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Elements = make([]Element, count)
	for i := range m.Elements {
		if m.Elements[i], err = readElement(r); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return nil
}

// readElement decodes one element segment. Flags bit 0 marks passive or
// declarative, bit 1 an explicit table index (active) or declarative
// (non-active), bit 2 the expression encoding.
func readElement(r *binary.Reader) (Element, error) {
	flags, err := r.ReadU32()
	if err != nil {
		return Element{}, err
	}
	if flags > 7 {
		return Element{}, fmt.Errorf("malformed elements segment kind %d", flags)
	}
	e := Element{Type: ValFuncRef}
	switch {
	case flags&1 == 0:
		e.Mode = SegmentActive
	case flags&2 == 0:
		e.Mode = SegmentPassive
	default:
		e.Mode = SegmentDeclarative
	}
	if e.Mode == SegmentActive {
		if flags&2 != 0 {
			if e.TableIdx, err = r.ReadU32(); err != nil {
				return Element{}, err
			}
		}
		if e.Offset, err = readConstExpr(r); err != nil {
			return Element{}, err
		}
	}
	exprs := flags&4 != 0
	if flags&3 != 0 {
		if exprs {
			if e.Type, err = readRefType(r); err != nil {
				return Element{}, err
			}
		} else {
			kind, err := r.ReadByte()
			if err != nil {
				return Element{}, io.ErrUnexpectedEOF
			}
			if kind != 0x00 {
				return Element{}, fmt.Errorf("malformed element kind 0x%02x", kind)
			}
		}
	}
	n, err := readCount(r)
	if err != nil {
		return Element{}, err
	}
	e.Init = make([]ConstExpr, n)
	for j := range e.Init {
		if exprs {
			if e.Init[j], err = readConstExpr(r); err != nil {
				return Element{}, err
			}
			continue
		}
		idx, err := r.ReadU32()
		if err != nil {
			return Element{}, err
		}
		e.Init[j] = RefFuncExpr(idx)
	}
	return e, nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &n
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, count)
	for i := range m.Code {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		br, err := r.Sub(int(size))
		if err != nil {
			return err
		}
		body, err := readFuncBody(br)
		if err != nil {
			return fmt.Errorf("function body %d: %w", i, err)
		}
		m.Code[i] = body
	}
	return nil
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	body := FuncBody{Offset: r.Position()}
	groups, err := readCount(r)
	if err != nil {
		return body, err
	}
	var total uint64
	body.Locals = make([]LocalEntry, groups)
	for i := range body.Locals {
		n, err := r.ReadU32()
		if err != nil {
			return body, err
		}
		total += uint64(n)
		if total > MaxLocals {
			return body, errors.New("too many locals")
		}
		vt, err := readValType(r)
		if err != nil {
			return body, err
		}
		body.Locals[i] = LocalEntry{Count: n, ValType: vt}
	}
	if body.Code, err = r.ReadRemaining(); err != nil {
		return body, err
	}
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return body, errors.New("section size mismatch: function body must end with end opcode")
	}
	return body, nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, count)
	for i := range m.Data {
		d := &m.Data[i]
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		switch flags {
		case 0:
			d.Mode = SegmentActive
		case 1:
			d.Mode = SegmentPassive
		case 2:
			d.Mode = SegmentActive
			if d.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("malformed data segment kind %d", flags)
		}
		if d.Mode == SegmentActive {
			if d.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		n, err := readCount(r)
		if err != nil {
			return err
		}
		if d.Init, err = r.ReadBytes(int(n)); err != nil {
			return err
		}
	}
	return nil
}
