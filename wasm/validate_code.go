package wasm

import "fmt"

// unknownType is the bottom type produced by popping from an unreachable
// stack; it matches every type.
const unknownType ValType = 0

type ctrlFrame struct {
	startTypes  []ValType
	endTypes    []ValType
	height      int
	opcode      byte
	unreachable bool
}

func (f *ctrlFrame) labelTypes() []ValType {
	if f.opcode == OpLoop {
		return f.startTypes
	}
	return f.endTypes
}

type funcValidator struct {
	m      *Module
	refs   map[uint32]bool
	locals []ValType
	vals   []ValType
	ctrls  []ctrlFrame
}

type validationFailure struct {
	reason string
}

// fail aborts validation of the current function. The panic is recovered by
// ValidateFunction.
func fail(format string, args ...any) {
	panic(validationFailure{reason: fmt.Sprintf(format, args...)})
}

// ValidateFunction type-checks one decoded function body. refs is the set of
// function indices that ref.func may name.
func (m *Module) ValidateFunction(funcIdx uint32, body *FuncBody, instrs []Instruction, refs map[uint32]bool) (err error) {
	ft := m.GetFuncType(funcIdx)
	if ft == nil {
		return invalid("unknown function %d", funcIdx)
	}

	v := &funcValidator{m: m, refs: refs}
	v.locals = append(v.locals, ft.Params...)
	for _, l := range body.Locals {
		for j := uint32(0); j < l.Count; j++ {
			v.locals = append(v.locals, l.ValType)
		}
	}

	pc := 0
	defer func() {
		if r := recover(); r != nil {
			vf, ok := r.(validationFailure)
			if !ok {
				panic(r)
			}
			err = &ValidationError{Func: int(funcIdx), Instr: pc, Reason: vf.reason}
		}
	}()

	v.pushCtrl(OpBlock, nil, ft.Results)
	for ; pc < len(instrs); pc++ {
		if len(v.ctrls) == 0 {
			fail("operators remaining after end of function")
		}
		v.step(&instrs[pc])
	}
	if len(v.ctrls) != 0 {
		fail("unexpected end of function body")
	}
	return nil
}

func (v *funcValidator) pushVal(t ValType) {
	v.vals = append(v.vals, t)
}

func (v *funcValidator) popVal() ValType {
	top := &v.ctrls[len(v.ctrls)-1]
	if len(v.vals) == top.height {
		if top.unreachable {
			return unknownType
		}
		fail("type mismatch: operand stack underflow")
	}
	t := v.vals[len(v.vals)-1]
	v.vals = v.vals[:len(v.vals)-1]
	return t
}

func (v *funcValidator) popExpect(want ValType) ValType {
	got := v.popVal()
	if got != want && got != unknownType && want != unknownType {
		fail("type mismatch: expected %s, got %s", want, got)
	}
	if got == unknownType {
		return want
	}
	return got
}

func (v *funcValidator) pushVals(types []ValType) {
	v.vals = append(v.vals, types...)
}

func (v *funcValidator) popVals(types []ValType) []ValType {
	popped := make([]ValType, len(types))
	for i := len(types) - 1; i >= 0; i-- {
		popped[i] = v.popExpect(types[i])
	}
	return popped
}

func (v *funcValidator) pushCtrl(op byte, in, out []ValType) {
	v.ctrls = append(v.ctrls, ctrlFrame{
		opcode:     op,
		startTypes: in,
		endTypes:   out,
		height:     len(v.vals),
	})
	v.pushVals(in)
}

func (v *funcValidator) popCtrl() ctrlFrame {
	if len(v.ctrls) == 0 {
		fail("unexpected end")
	}
	frame := v.ctrls[len(v.ctrls)-1]
	v.popVals(frame.endTypes)
	if len(v.vals) != frame.height {
		fail("type mismatch: values remaining on stack at end of block")
	}
	v.ctrls = v.ctrls[:len(v.ctrls)-1]
	return frame
}

func (v *funcValidator) setUnreachable() {
	top := &v.ctrls[len(v.ctrls)-1]
	v.vals = v.vals[:top.height]
	top.unreachable = true
}

func (v *funcValidator) label(depth uint32) *ctrlFrame {
	if int(depth) >= len(v.ctrls) {
		fail("unknown label %d", depth)
	}
	return &v.ctrls[len(v.ctrls)-1-int(depth)]
}

func (v *funcValidator) localType(idx uint32) ValType {
	if int(idx) >= len(v.locals) {
		fail("unknown local %d", idx)
	}
	return v.locals[idx]
}

func (v *funcValidator) globalType(idx uint32) GlobalType {
	gt, ok := v.m.GlobalTypeAt(idx)
	if !ok {
		fail("unknown global %d", idx)
	}
	return gt
}

func (v *funcValidator) tableType(idx uint32) TableType {
	tt, ok := v.m.TableTypeAt(idx)
	if !ok {
		fail("unknown table %d", idx)
	}
	return tt
}

func (v *funcValidator) requireMemory() {
	if v.m.NumMemories() == 0 {
		fail("unknown memory 0")
	}
}

func (v *funcValidator) requireDataCount(idx uint32) {
	if v.m.DataCount == nil {
		fail("data count section required")
	}
	if idx >= *v.m.DataCount {
		fail("unknown data segment %d", idx)
	}
}

func (v *funcValidator) elemType(idx uint32) ValType {
	if int(idx) >= len(v.m.Elements) {
		fail("unknown elem segment %d", idx)
	}
	return v.m.Elements[idx].Type
}

func (v *funcValidator) funcType(idx uint32) *FuncType {
	ft := v.m.GetFuncType(idx)
	if ft == nil {
		fail("unknown function %d", idx)
	}
	return ft
}

func (v *funcValidator) blockType(bt int64) (params, results []ValType) {
	params, results, ok := v.m.BlockSignature(bt)
	if !ok {
		fail("unknown type %d", bt)
	}
	return params, results
}

func (v *funcValidator) step(in *Instruction) {
	if params, result, ok := NumericSignature(in.Opcode); ok {
		for i := len(params) - 1; i >= 0; i-- {
			v.popExpect(params[i])
		}
		v.pushVal(result)
		return
	}
	if acc, ok := MemoryAccessOf(in.Opcode); ok {
		v.requireMemory()
		imm := in.Imm.(MemoryImm)
		if imm.Align >= 32 || uint64(1)<<imm.Align > uint64(acc.Size) {
			fail("alignment must not be larger than natural")
		}
		if acc.Store {
			v.popExpect(acc.Type)
			v.popExpect(ValI32)
		} else {
			v.popExpect(ValI32)
			v.pushVal(acc.Type)
		}
		return
	}

	switch in.Opcode {
	case OpUnreachable:
		v.setUnreachable()
	case OpNop:

	case OpBlock, OpLoop:
		params, results := v.blockType(in.Imm.(BlockImm).Type)
		v.popVals(params)
		v.pushCtrl(in.Opcode, params, results)
	case OpIf:
		params, results := v.blockType(in.Imm.(BlockImm).Type)
		v.popExpect(ValI32)
		v.popVals(params)
		v.pushCtrl(OpIf, params, results)
	case OpElse:
		frame := v.popCtrl()
		if frame.opcode != OpIf {
			fail("else without matching if")
		}
		v.pushCtrl(OpElse, frame.startTypes, frame.endTypes)
	case OpEnd:
		frame := v.popCtrl()
		if frame.opcode == OpIf && !valTypesEqual(frame.startTypes, frame.endTypes) {
			fail("type mismatch: if without else must leave its parameters as results")
		}
		v.pushVals(frame.endTypes)

	case OpBr:
		v.popVals(v.label(in.Imm.(BranchImm).LabelIdx).labelTypes())
		v.setUnreachable()
	case OpBrIf:
		v.popExpect(ValI32)
		types := v.label(in.Imm.(BranchImm).LabelIdx).labelTypes()
		v.popVals(types)
		v.pushVals(types)
	case OpBrTable:
		imm := in.Imm.(BrTableImm)
		v.popExpect(ValI32)
		def := v.label(imm.Default).labelTypes()
		for _, l := range imm.Labels {
			types := v.label(l).labelTypes()
			if len(types) != len(def) {
				fail("type mismatch: br_table targets have inconsistent arity")
			}
			v.pushVals(v.popVals(types))
		}
		v.popVals(def)
		v.setUnreachable()
	case OpReturn:
		v.popVals(v.ctrls[0].endTypes)
		v.setUnreachable()

	case OpCall:
		ft := v.funcType(in.Imm.(CallImm).FuncIdx)
		v.popVals(ft.Params)
		v.pushVals(ft.Results)
	case OpCallIndirect:
		imm := in.Imm.(CallIndirectImm)
		if v.tableType(imm.TableIdx).ElemType != ValFuncRef {
			fail("type mismatch: call_indirect on table of %s", v.tableType(imm.TableIdx).ElemType)
		}
		if int(imm.TypeIdx) >= len(v.m.Types) {
			fail("unknown type %d", imm.TypeIdx)
		}
		ft := v.m.Types[imm.TypeIdx]
		v.popExpect(ValI32)
		v.popVals(ft.Params)
		v.pushVals(ft.Results)

	case OpDrop:
		v.popVal()
	case OpSelect:
		v.popExpect(ValI32)
		t1 := v.popVal()
		t2 := v.popVal()
		if t1.IsRef() || t2.IsRef() {
			fail("type mismatch: select without type on reference operands")
		}
		if t1 != t2 && t1 != unknownType && t2 != unknownType {
			fail("type mismatch: select operands %s and %s", t1, t2)
		}
		if t1 == unknownType {
			v.pushVal(t2)
		} else {
			v.pushVal(t1)
		}
	case OpSelectType:
		types := in.Imm.(SelectTypeImm).Types
		if len(types) != 1 {
			fail("invalid result arity for select")
		}
		v.popExpect(ValI32)
		v.popExpect(types[0])
		v.popExpect(types[0])
		v.pushVal(types[0])

	case OpLocalGet:
		v.pushVal(v.localType(in.Imm.(LocalImm).LocalIdx))
	case OpLocalSet:
		v.popExpect(v.localType(in.Imm.(LocalImm).LocalIdx))
	case OpLocalTee:
		t := v.localType(in.Imm.(LocalImm).LocalIdx)
		v.popExpect(t)
		v.pushVal(t)
	case OpGlobalGet:
		v.pushVal(v.globalType(in.Imm.(GlobalImm).GlobalIdx).ValType)
	case OpGlobalSet:
		gt := v.globalType(in.Imm.(GlobalImm).GlobalIdx)
		if !gt.Mutable {
			fail("global is immutable")
		}
		v.popExpect(gt.ValType)

	case OpTableGet:
		tt := v.tableType(in.Imm.(TableImm).TableIdx)
		v.popExpect(ValI32)
		v.pushVal(tt.ElemType)
	case OpTableSet:
		tt := v.tableType(in.Imm.(TableImm).TableIdx)
		v.popExpect(tt.ElemType)
		v.popExpect(ValI32)

	case OpMemorySize:
		v.requireMemory()
		v.pushVal(ValI32)
	case OpMemoryGrow:
		v.requireMemory()
		v.popExpect(ValI32)
		v.pushVal(ValI32)

	case OpI32Const:
		v.pushVal(ValI32)
	case OpI64Const:
		v.pushVal(ValI64)
	case OpF32Const:
		v.pushVal(ValF32)
	case OpF64Const:
		v.pushVal(ValF64)

	case OpRefNull:
		v.pushVal(in.Imm.(RefNullImm).Type)
	case OpRefIsNull:
		t := v.popVal()
		if t != unknownType && !t.IsRef() {
			fail("type mismatch: ref.is_null on %s", t)
		}
		v.pushVal(ValI32)
	case OpRefFunc:
		idx := in.Imm.(RefFuncImm).FuncIdx
		v.funcType(idx)
		if !v.refs[idx] {
			fail("undeclared function reference %d", idx)
		}
		v.pushVal(ValFuncRef)

	case OpPrefixMisc:
		v.stepMisc(in.Imm.(MiscImm))

	default:
		fail("unexpected opcode 0x%02x", in.Opcode)
	}
}

func (v *funcValidator) stepMisc(imm MiscImm) {
	switch imm.SubOpcode {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U, MiscI32TruncSatF64S, MiscI32TruncSatF64U,
		MiscI64TruncSatF32S, MiscI64TruncSatF32U, MiscI64TruncSatF64S, MiscI64TruncSatF64U:
		param, result := SatTruncSignature(imm.SubOpcode)
		v.popExpect(param)
		v.pushVal(result)
	case MiscMemoryInit:
		v.requireMemory()
		v.requireDataCount(imm.Operands[0])
		v.popExpect(ValI32)
		v.popExpect(ValI32)
		v.popExpect(ValI32)
	case MiscDataDrop:
		v.requireDataCount(imm.Operands[0])
	case MiscMemoryCopy, MiscMemoryFill:
		v.requireMemory()
		v.popExpect(ValI32)
		v.popExpect(ValI32)
		v.popExpect(ValI32)
	case MiscTableInit:
		et := v.elemType(imm.Operands[0])
		tt := v.tableType(imm.Operands[1])
		if et != tt.ElemType {
			fail("type mismatch: table.init of %s into table of %s", et, tt.ElemType)
		}
		v.popExpect(ValI32)
		v.popExpect(ValI32)
		v.popExpect(ValI32)
	case MiscElemDrop:
		v.elemType(imm.Operands[0])
	case MiscTableCopy:
		dst := v.tableType(imm.Operands[0])
		src := v.tableType(imm.Operands[1])
		if dst.ElemType != src.ElemType {
			fail("type mismatch: table.copy between %s and %s", src.ElemType, dst.ElemType)
		}
		v.popExpect(ValI32)
		v.popExpect(ValI32)
		v.popExpect(ValI32)
	case MiscTableGrow:
		tt := v.tableType(imm.Operands[0])
		v.popExpect(ValI32)
		v.popExpect(tt.ElemType)
		v.pushVal(ValI32)
	case MiscTableSize:
		v.tableType(imm.Operands[0])
		v.pushVal(ValI32)
	case MiscTableFill:
		tt := v.tableType(imm.Operands[0])
		v.popExpect(ValI32)
		v.popExpect(tt.ElemType)
		v.popExpect(ValI32)
	default:
		fail("unexpected opcode 0xfc %d", imm.SubOpcode)
	}
}
