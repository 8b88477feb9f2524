package wasm

import (
	"fmt"
	"io"
	"math"

	"github.com/wippyai/wasm-engine/wasm/internal/binary"
)

// Instruction represents a decoded WebAssembly instruction
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm holds the block type for block, loop, and if instructions.
// Type is BlockTypeVoid, a negative value type code, or a type index >= 0.
type BlockImm struct {
	Type int64
}

// BranchImm holds the label index for br and br_if instructions.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table instruction.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call instruction.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect instruction.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm holds memory access parameters for load and store instructions.
type MemoryImm struct {
	Offset uint64
	Align  uint32
}

// I32Imm holds the constant value for i32.const instruction.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const instruction.
type I64Imm struct {
	Value int64
}

// F32Imm holds the raw bits of an f32.const so NaN payloads survive.
type F32Imm struct {
	Bits uint32
}

// F64Imm holds the raw bits of an f64.const.
type F64Imm struct {
	Bits uint64
}

// MiscImm holds the sub-opcode and immediates for 0xFC prefix instructions
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// TableImm holds table index for table.get/table.set
type TableImm struct {
	TableIdx uint32
}

// RefNullImm holds the reference type for ref.null
type RefNullImm struct {
	Type ValType
}

// RefFuncImm holds the function index for ref.func
type RefFuncImm struct {
	FuncIdx uint32
}

// SelectTypeImm holds value types for typed select
type SelectTypeImm struct {
	Types []ValType
}

// DecodeInstructions decodes a function body's instruction bytes. Unknown
// opcodes are malformed; known opcodes of unimplemented proposals return an
// *UnsupportedError.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	instrs := make([]Instruction, 0, len(code)/2)

	for r.Len() > 0 {
		op, _ := r.ReadByte()
		instr, err := decodeInstruction(r, op)
		if err != nil {
			if _, ok := err.(*UnsupportedError); ok {
				return nil, err
			}
			return nil, r.WrapError("code", err)
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader, op byte) (Instruction, error) {
	instr := Instruction{Opcode: op}
	var err error

	switch op {
	case OpBlock, OpLoop, OpIf:
		bt, err := r.ReadS33()
		if err != nil {
			return instr, err
		}
		if bt == BlockTypeV128 {
			return instr, unsupported("simd")
		}
		instr.Imm = BlockImm{Type: bt}

	case OpBr, OpBrIf:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BranchImm{LabelIdx: idx}

	case OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, io.ErrUnexpectedEOF
		}
		labels := make([]uint32, count)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return instr, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BrTableImm{Labels: labels, Default: def}

	case OpCall:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallImm{FuncIdx: idx}

	case OpCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case OpLocalGet, OpLocalSet, OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = LocalImm{LocalIdx: idx}

	case OpGlobalGet, OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = GlobalImm{GlobalIdx: idx}

	case OpTableGet, OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = TableImm{TableIdx: idx}

	case OpI32Load, OpI64Load, OpF32Load, OpF64Load,
		OpI32Load8S, OpI32Load8U, OpI32Load16S, OpI32Load16U,
		OpI64Load8S, OpI64Load8U, OpI64Load16S, OpI64Load16U, OpI64Load32S, OpI64Load32U,
		OpI32Store, OpI64Store, OpF32Store, OpF64Store,
		OpI32Store8, OpI32Store16, OpI64Store8, OpI64Store16, OpI64Store32:
		memImm, err := readMemArg(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = memImm

	case OpMemorySize, OpMemoryGrow:
		if err := readZeroMemIdx(r); err != nil {
			return instr, err
		}

	case OpI32Const:
		val, err := r.ReadS32()
		if err != nil {
			return instr, err
		}
		instr.Imm = I32Imm{Value: val}

	case OpI64Const:
		val, err := r.ReadS64()
		if err != nil {
			return instr, err
		}
		instr.Imm = I64Imm{Value: val}

	case OpF32Const:
		bits, err := r.ReadU32LE()
		if err != nil {
			return instr, err
		}
		instr.Imm = F32Imm{Bits: bits}

	case OpF64Const:
		v, err := r.ReadF64()
		if err != nil {
			return instr, err
		}
		instr.Imm = F64Imm{Bits: math.Float64bits(v)}

	case OpRefNull:
		t, err := readRefType(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = RefNullImm{Type: t}

	case OpRefFunc:
		funcIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefFuncImm{FuncIdx: funcIdx}

	case OpSelectType:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, io.ErrUnexpectedEOF
		}
		types := make([]ValType, count)
		for i := range types {
			if types[i], err = readValType(r); err != nil {
				return instr, err
			}
		}
		instr.Imm = SelectTypeImm{Types: types}

	case OpPrefixMisc:
		instr.Imm, err = readMiscImm(r)
		if err != nil {
			return instr, err
		}

	case OpPrefixSIMD:
		return instr, unsupported("simd")
	case OpPrefixAtomic:
		return instr, unsupported("threads")
	case OpPrefixGC, OpCallRef, 0x15, 0xD3, 0xD4, 0xD5, 0xD6:
		return instr, unsupported("gc types")
	case OpTry, 0x07, OpThrow, 0x09, 0x0A, 0x18, 0x19, OpTryTable:
		return instr, unsupported("exception handling")
	case OpReturnCall, OpReturnCallIndirect:
		return instr, unsupported("tail calls")

	default:
		if !isPlainOpcode(op) {
			return instr, fmt.Errorf("illegal opcode 0x%02x", op)
		}
	}
	return instr, nil
}

func readZeroMemIdx(r *binary.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	if b != 0 {
		return unsupported("multi-memory")
	}
	return nil
}

// isPlainOpcode reports whether op is a known instruction without immediates.
func isPlainOpcode(op byte) bool {
	switch {
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd, op == OpReturn,
		op == OpDrop, op == OpSelect, op == OpRefIsNull:
		return true
	case op >= OpI32Eqz && op <= OpI64Extend32S:
		return true
	}
	return false
}

func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	if align&0x40 != 0 {
		return MemoryImm{}, unsupported("multi-memory")
	}
	offset, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	return MemoryImm{Align: align, Offset: uint64(offset)}, nil
}

func readMiscImm(r *binary.Reader) (MiscImm, error) {
	subOp, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	imm := MiscImm{SubOpcode: subOp}

	readIdx := func() error {
		v, err := r.ReadU32()
		if err != nil {
			return err
		}
		imm.Operands = append(imm.Operands, v)
		return nil
	}

	switch subOp {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U,
		MiscI32TruncSatF64S, MiscI32TruncSatF64U,
		MiscI64TruncSatF32S, MiscI64TruncSatF32U,
		MiscI64TruncSatF64S, MiscI64TruncSatF64U:
	case MiscMemoryInit:
		if err := readIdx(); err != nil {
			return imm, err
		}
		if err := readZeroMemIdx(r); err != nil {
			return imm, err
		}
	case MiscDataDrop, MiscElemDrop, MiscTableGrow, MiscTableSize, MiscTableFill:
		if err := readIdx(); err != nil {
			return imm, err
		}
	case MiscMemoryCopy:
		if err := readZeroMemIdx(r); err != nil {
			return imm, err
		}
		if err := readZeroMemIdx(r); err != nil {
			return imm, err
		}
	case MiscMemoryFill:
		if err := readZeroMemIdx(r); err != nil {
			return imm, err
		}
	case MiscTableInit, MiscTableCopy:
		if err := readIdx(); err != nil {
			return imm, err
		}
		if err := readIdx(); err != nil {
			return imm, err
		}
	case 0x12:
		return imm, unsupported("memory control")
	default:
		return imm, fmt.Errorf("illegal opcode 0xfc %d", subOp)
	}
	return imm, nil
}

// EncodeInstructionTo appends the binary encoding of instr to w.
func EncodeInstructionTo(w *binary.Writer, instr *Instruction) {
	w.Byte(instr.Opcode)

	switch instr.Opcode {
	case OpBlock, OpLoop, OpIf:
		w.WriteS64(instr.Imm.(BlockImm).Type)
	case OpBr, OpBrIf:
		w.WriteU32(instr.Imm.(BranchImm).LabelIdx)
	case OpBrTable:
		imm := instr.Imm.(BrTableImm)
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case OpCall:
		w.WriteU32(instr.Imm.(CallImm).FuncIdx)
	case OpCallIndirect:
		imm := instr.Imm.(CallIndirectImm)
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case OpLocalGet, OpLocalSet, OpLocalTee:
		w.WriteU32(instr.Imm.(LocalImm).LocalIdx)
	case OpGlobalGet, OpGlobalSet:
		w.WriteU32(instr.Imm.(GlobalImm).GlobalIdx)
	case OpTableGet, OpTableSet:
		w.WriteU32(instr.Imm.(TableImm).TableIdx)
	case OpI32Load, OpI64Load, OpF32Load, OpF64Load,
		OpI32Load8S, OpI32Load8U, OpI32Load16S, OpI32Load16U,
		OpI64Load8S, OpI64Load8U, OpI64Load16S, OpI64Load16U, OpI64Load32S, OpI64Load32U,
		OpI32Store, OpI64Store, OpF32Store, OpF64Store,
		OpI32Store8, OpI32Store16, OpI64Store8, OpI64Store16, OpI64Store32:
		imm := instr.Imm.(MemoryImm)
		w.WriteU32(imm.Align)
		w.WriteU64(imm.Offset)
	case OpMemorySize, OpMemoryGrow:
		w.Byte(0)
	case OpI32Const:
		w.WriteS32(instr.Imm.(I32Imm).Value)
	case OpI64Const:
		w.WriteS64(instr.Imm.(I64Imm).Value)
	case OpF32Const:
		w.WriteU32LE(instr.Imm.(F32Imm).Bits)
	case OpF64Const:
		w.WriteF64(math.Float64frombits(instr.Imm.(F64Imm).Bits))
	case OpRefNull:
		w.Byte(byte(instr.Imm.(RefNullImm).Type))
	case OpRefFunc:
		w.WriteU32(instr.Imm.(RefFuncImm).FuncIdx)
	case OpSelectType:
		imm := instr.Imm.(SelectTypeImm)
		w.WriteU32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case OpPrefixMisc:
		imm := instr.Imm.(MiscImm)
		w.WriteU32(imm.SubOpcode)
		switch imm.SubOpcode {
		case MiscMemoryInit:
			w.WriteU32(imm.Operands[0])
			w.Byte(0)
		case MiscMemoryCopy:
			w.Byte(0)
			w.Byte(0)
		case MiscMemoryFill:
			w.Byte(0)
		default:
			for _, o := range imm.Operands {
				w.WriteU32(o)
			}
		}
	}
}

// EncodeInstructions encodes instructions to bytes
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for i := range instrs {
		EncodeInstructionTo(w, &instrs[i])
	}
	return w.Bytes()
}
