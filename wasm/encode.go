package wasm

import (
	"github.com/wippyai/wasm-engine/wasm/internal/binary"
)

// Encode encodes the module to WebAssembly binary format. Element segments
// are written in the funcidx form when every entry is ref.func, otherwise in
// the expression form.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()

	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if len(m.Types) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.Byte(FuncTypeByte)
			writeValTypes(sec, ft.Params)
			writeValTypes(sec, ft.Results)
		}
		writeSection(w, SectionType, sec)
	}

	if len(m.Imports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			sec.WriteName(imp.Module)
			sec.WriteName(imp.Name)
			sec.Byte(imp.Desc.Kind)
			switch imp.Desc.Kind {
			case KindFunc:
				sec.WriteU32(imp.Desc.TypeIdx)
			case KindTable:
				writeTableType(sec, *imp.Desc.Table)
			case KindMemory:
				writeLimits(sec, imp.Desc.Memory.Limits)
			case KindGlobal:
				writeGlobalType(sec, *imp.Desc.Global)
			}
		}
		writeSection(w, SectionImport, sec)
	}

	if len(m.Funcs) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, typeIdx := range m.Funcs {
			sec.WriteU32(typeIdx)
		}
		writeSection(w, SectionFunction, sec)
	}

	if len(m.Tables) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(sec, t)
		}
		writeSection(w, SectionTable, sec)
	}

	if len(m.Memories) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(sec, mem.Limits)
		}
		writeSection(w, SectionMemory, sec)
	}

	if len(m.Globals) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(sec, g.Type)
			writeConstExpr(sec, g.Init)
		}
		writeSection(w, SectionGlobal, sec)
	}

	if len(m.Exports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			sec.WriteName(exp.Name)
			sec.Byte(exp.Kind)
			sec.WriteU32(exp.Idx)
		}
		writeSection(w, SectionExport, sec)
	}

	if m.Start != nil {
		sec := binary.NewWriter()
		sec.WriteU32(*m.Start)
		writeSection(w, SectionStart, sec)
	}

	if len(m.Elements) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Elements)))
		for i := range m.Elements {
			writeElement(sec, &m.Elements[i])
		}
		writeSection(w, SectionElement, sec)
	}

	if m.DataCount != nil {
		sec := binary.NewWriter()
		sec.WriteU32(*m.DataCount)
		writeSection(w, SectionDataCount, sec)
	}

	if len(m.Code) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Code)))
		for _, body := range m.Code {
			bw := binary.NewWriter()
			bw.WriteU32(uint32(len(body.Locals)))
			for _, local := range body.Locals {
				bw.WriteU32(local.Count)
				bw.Byte(byte(local.ValType))
			}
			bw.WriteBytes(body.Code)
			sec.WriteU32(uint32(bw.Len()))
			sec.WriteBytes(bw.Bytes())
		}
		writeSection(w, SectionCode, sec)
	}

	if len(m.Data) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Data)))
		for _, d := range m.Data {
			switch {
			case d.Mode == SegmentPassive:
				sec.WriteU32(1)
			case d.MemIdx != 0:
				sec.WriteU32(2)
				sec.WriteU32(d.MemIdx)
				writeConstExpr(sec, d.Offset)
			default:
				sec.WriteU32(0)
				writeConstExpr(sec, d.Offset)
			}
			sec.WriteU32(uint32(len(d.Init)))
			sec.WriteBytes(d.Init)
		}
		writeSection(w, SectionData, sec)
	}

	for _, cs := range m.CustomSections {
		sec := binary.NewWriter()
		sec.WriteName(cs.Name)
		sec.WriteBytes(cs.Data)
		writeSection(w, SectionCustom, sec)
	}

	return w.Bytes()
}

func writeSection(w *binary.Writer, id byte, sec *binary.Writer) {
	w.Byte(id)
	w.WriteU32(uint32(sec.Len()))
	w.WriteBytes(sec.Bytes())
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	flags := LimitsNoMax
	if l.Max != nil {
		flags |= LimitsHasMax
	}
	if l.Shared {
		flags |= LimitsShared
	}
	w.Byte(flags)
	w.WriteU64(l.Min)
	if l.Max != nil {
		w.WriteU64(*l.Max)
	}
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(byte(t.ElemType))
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeConstExpr(w *binary.Writer, ce ConstExpr) {
	w.Byte(ce.Opcode)
	switch ce.Opcode {
	case OpI32Const:
		w.WriteS32(int32(uint32(ce.Value)))
	case OpI64Const:
		w.WriteS64(int64(ce.Value))
	case OpF32Const:
		w.WriteU32LE(uint32(ce.Value))
	case OpF64Const:
		w.WriteU32LE(uint32(ce.Value))
		w.WriteU32LE(uint32(ce.Value >> 32))
	case OpGlobalGet, OpRefFunc:
		w.WriteU32(uint32(ce.Value))
	case OpRefNull:
		w.Byte(byte(ce.Value))
	}
	w.Byte(OpEnd)
}

func writeElement(w *binary.Writer, e *Element) {
	funcIdxForm := e.Type == ValFuncRef
	for _, ce := range e.Init {
		if ce.Opcode != OpRefFunc {
			funcIdxForm = false
			break
		}
	}

	var flags uint32
	switch e.Mode {
	case SegmentPassive:
		flags = 1
	case SegmentDeclarative:
		flags = 3
	default:
		if e.TableIdx != 0 {
			flags = 2
		}
	}
	if !funcIdxForm {
		flags |= 4
	}
	// Form 4 implies funcref and has no type byte.
	if flags == 4 && e.Type != ValFuncRef {
		flags = 6
	}

	w.WriteU32(flags)
	if e.Mode == SegmentActive {
		if flags&2 != 0 {
			w.WriteU32(e.TableIdx)
		}
		writeConstExpr(w, e.Offset)
	}
	if flags&3 != 0 {
		if flags&4 != 0 {
			w.Byte(byte(e.Type))
		} else {
			w.Byte(0x00)
		}
	}
	w.WriteU32(uint32(len(e.Init)))
	for _, ce := range e.Init {
		if funcIdxForm {
			w.WriteU32(uint32(ce.Value))
		} else {
			writeConstExpr(w, ce)
		}
	}
}
