package testwasm

import (
	"math"

	"github.com/wippyai/wasm-engine/wasm"
)

// Op is a plain instruction without immediates.
func Op(opcode byte) wasm.Instruction {
	return wasm.Instruction{Opcode: opcode}
}

func I32Const(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func I64Const(v int64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: v}}
}

func F32Const(v float32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Bits: math.Float32bits(v)}}
}

func F64Const(v float64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Bits: math.Float64bits(v)}}
}

func LocalGet(i uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: i}}
}

func LocalSet(i uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: i}}
}

func LocalTee(i uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: i}}
}

func GlobalGet(i uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: i}}
}

func GlobalSet(i uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: i}}
}

func Call(f uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: f}}
}

func CallIndirect(typeIdx, tableIdx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCallIndirect, Imm: wasm.CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}}
}

// Block, Loop and If take a block type: wasm.BlockTypeVoid, a value type
// code such as wasm.BlockTypeI32, or a type index.
func Block(bt int64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: bt}}
}

func Loop(bt int64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: bt}}
}

func If(bt int64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: bt}}
}

func Else() wasm.Instruction { return Op(wasm.OpElse) }

func End() wasm.Instruction { return Op(wasm.OpEnd) }

func Br(depth uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: depth}}
}

func BrIf(depth uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: depth}}
}

func BrTable(def uint32, labels ...uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpBrTable, Imm: wasm.BrTableImm{Labels: labels, Default: def}}
}

// Load builds a load with the natural alignment of its access size.
func Load(opcode byte, offset uint64) wasm.Instruction {
	return memInstr(opcode, offset)
}

// Store builds a store with the natural alignment of its access size.
func Store(opcode byte, offset uint64) wasm.Instruction {
	return memInstr(opcode, offset)
}

func memInstr(opcode byte, offset uint64) wasm.Instruction {
	acc, ok := wasm.MemoryAccessOf(opcode)
	if !ok {
		panic("testwasm: not a memory access opcode")
	}
	var align uint32
	for s := acc.Size; s > 1; s >>= 1 {
		align++
	}
	return wasm.Instruction{Opcode: opcode, Imm: wasm.MemoryImm{Offset: offset, Align: align}}
}

func MemorySize() wasm.Instruction { return Op(wasm.OpMemorySize) }

func MemoryGrow() wasm.Instruction { return Op(wasm.OpMemoryGrow) }

// Misc builds a 0xFC-prefixed instruction.
func Misc(sub uint32, operands ...uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{SubOpcode: sub, Operands: operands}}
}

func RefNull(t wasm.ValType) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpRefNull, Imm: wasm.RefNullImm{Type: t}}
}

func RefFunc(f uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpRefFunc, Imm: wasm.RefFuncImm{FuncIdx: f}}
}

func TableGet(t uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpTableGet, Imm: wasm.TableImm{TableIdx: t}}
}

func TableSet(t uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpTableSet, Imm: wasm.TableImm{TableIdx: t}}
}

// Body encodes instrs as a function body, appending the final end.
func Body(instrs ...wasm.Instruction) []byte {
	return append(wasm.EncodeInstructions(instrs), wasm.OpEnd)
}
