package interp

import (
	"fmt"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/wasm"
)

// fixup records a branch whose destination is the end of a block that has
// not been reached yet. entry is -1 for Op.Target, otherwise an index into
// Op.Table.
type fixup struct {
	op    int
	entry int
}

type ctrl struct {
	fixups  []fixup
	height  int // operand height below the block's parameters
	params  int
	results int
	start   int // loop header
	elseFix int // pending kindBrIfNot of an if without else yet, or -1
	opcode  byte
}

type lowering struct {
	fn        *engine.Function
	m         *wasm.Module
	code      []Op
	ctrls     []ctrl
	height    int
	maxHeight int
	dead      bool // rest of the current block is unreachable
	deadDepth int  // blocks opened inside dead code
	fuse      bool
}

// lower translates one validated function body into a Func.
func lower(fn *engine.Function, fuse bool) (*Func, error) {
	l := &lowering{fn: fn, m: fn.Module, fuse: fuse}

	numLocals := uint32(len(fn.Type.Params))
	for _, e := range fn.Body.Locals {
		numLocals += e.Count
	}

	l.ctrls = append(l.ctrls, ctrl{
		opcode:  wasm.OpBlock,
		results: len(fn.Type.Results),
		elseFix: -1,
	})

	instrs := fn.Instrs
	for i := 0; i < len(instrs); i++ {
		if l.dead {
			l.skip(&instrs[i])
			continue
		}
		if l.fuse {
			if n := l.tryFuse(instrs[i:]); n > 0 {
				i += n - 1
				continue
			}
		}
		if err := l.instr(&instrs[i]); err != nil {
			return nil, fmt.Errorf("instruction %d (0x%02x): %w", i, instrs[i].Opcode, err)
		}
	}
	if len(l.ctrls) != 0 {
		return nil, fmt.Errorf("unterminated block")
	}

	return &Func{
		Name:       fn.Name,
		Code:       l.code,
		Index:      fn.Index,
		NumParams:  uint32(len(fn.Type.Params)),
		NumResults: uint32(len(fn.Type.Results)),
		NumLocals:  numLocals,
		MaxHeight:  uint32(l.maxHeight),
	}, nil
}

func (l *lowering) emit(op Op) int {
	l.code = append(l.code, op)
	return len(l.code) - 1
}

func (l *lowering) push(n int) {
	l.height += n
	if l.height > l.maxHeight {
		l.maxHeight = l.height
	}
}

func (l *lowering) pop(n int) {
	l.height -= n
}

func (l *lowering) markDead() {
	l.dead = true
	l.deadDepth = 0
}

// skip walks unreachable instructions, tracking nesting so that the else or
// end closing the current block is still processed.
func (l *lowering) skip(in *wasm.Instruction) {
	switch in.Opcode {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		l.deadDepth++
	case wasm.OpElse:
		if l.deadDepth == 0 {
			l.dead = false
			l.elseInstr()
		}
	case wasm.OpEnd:
		if l.deadDepth > 0 {
			l.deadDepth--
			return
		}
		l.dead = false
		l.endInstr()
	}
}

// target resolves label depth to a branch destination, registering a
// fixup for forward branches. entry is as in fixup.
func (l *lowering) target(depth uint32, op, entry int) Target {
	c := &l.ctrls[len(l.ctrls)-1-int(depth)]
	if c.opcode == wasm.OpLoop {
		return Target{PC: uint32(c.start), Height: uint32(c.height), Arity: uint32(c.params)}
	}
	c.fixups = append(c.fixups, fixup{op: op, entry: entry})
	return Target{Height: uint32(c.height), Arity: uint32(c.results)}
}

func (l *lowering) blockSig(bt int64) (int, int) {
	params, results, _ := l.m.BlockSignature(bt)
	return len(params), len(results)
}

func (l *lowering) elseInstr() {
	c := &l.ctrls[len(l.ctrls)-1]
	jmp := l.emit(Op{Kind: kindJump})
	c.fixups = append(c.fixups, fixup{op: jmp, entry: -1})
	l.code[c.elseFix].Target.PC = uint32(len(l.code))
	c.elseFix = -1
	l.height = c.height + c.params
}

func (l *lowering) endInstr() {
	c := l.ctrls[len(l.ctrls)-1]
	l.ctrls = l.ctrls[:len(l.ctrls)-1]

	if c.elseFix >= 0 {
		l.code[c.elseFix].Target.PC = uint32(len(l.code))
	}
	if len(l.ctrls) == 0 {
		// function end: every forward branch to the function label lands on
		// the final return
		l.patch(c.fixups, len(l.code))
		l.emit(Op{Kind: Kind(wasm.OpReturn)})
		return
	}
	l.patch(c.fixups, len(l.code))
	l.height = c.height + c.results
	if l.height > l.maxHeight {
		l.maxHeight = l.height
	}
}

func (l *lowering) patch(fixups []fixup, pc int) {
	for _, f := range fixups {
		if f.entry < 0 {
			l.code[f.op].Target.PC = uint32(pc)
		} else {
			l.code[f.op].Table[f.entry].PC = uint32(pc)
		}
	}
}

func (l *lowering) instr(in *wasm.Instruction) error {
	op := in.Opcode
	switch op {
	case wasm.OpUnreachable:
		l.emit(Op{Kind: Kind(op)})
		l.markDead()

	case wasm.OpNop:

	case wasm.OpBlock, wasm.OpLoop:
		params, results := l.blockSig(in.Imm.(wasm.BlockImm).Type)
		l.ctrls = append(l.ctrls, ctrl{
			opcode:  op,
			height:  l.height - params,
			params:  params,
			results: results,
			start:   len(l.code),
			elseFix: -1,
		})

	case wasm.OpIf:
		params, results := l.blockSig(in.Imm.(wasm.BlockImm).Type)
		l.pop(1)
		br := l.emit(Op{Kind: kindBrIfNot})
		l.ctrls = append(l.ctrls, ctrl{
			opcode:  op,
			height:  l.height - params,
			params:  params,
			results: results,
			elseFix: br,
		})

	case wasm.OpElse:
		l.elseInstr()

	case wasm.OpEnd:
		l.endInstr()

	case wasm.OpBr:
		depth := in.Imm.(wasm.BranchImm).LabelIdx
		if int(depth) == len(l.ctrls)-1 {
			l.emit(Op{Kind: Kind(wasm.OpReturn)})
		} else {
			idx := l.emit(Op{Kind: Kind(op)})
			l.code[idx].Target = l.target(depth, idx, -1)
		}
		l.markDead()

	case wasm.OpBrIf:
		l.pop(1)
		idx := l.emit(Op{Kind: Kind(op)})
		l.code[idx].Target = l.target(in.Imm.(wasm.BranchImm).LabelIdx, idx, -1)

	case wasm.OpBrTable:
		imm := in.Imm.(wasm.BrTableImm)
		l.pop(1)
		idx := l.emit(Op{Kind: Kind(op), Table: make([]Target, len(imm.Labels)+1)})
		for i, depth := range imm.Labels {
			l.code[idx].Table[i] = l.target(depth, idx, i)
		}
		l.code[idx].Table[len(imm.Labels)] = l.target(imm.Default, idx, len(imm.Labels))
		l.markDead()

	case wasm.OpReturn:
		l.emit(Op{Kind: Kind(op)})
		l.markDead()

	case wasm.OpCall:
		idx := in.Imm.(wasm.CallImm).FuncIdx
		ft := l.m.GetFuncType(idx)
		l.pop(len(ft.Params))
		l.push(len(ft.Results))
		l.emit(Op{Kind: Kind(op), Idx: idx})

	case wasm.OpCallIndirect:
		imm := in.Imm.(wasm.CallIndirectImm)
		ft := l.m.Types[imm.TypeIdx]
		l.pop(1 + len(ft.Params))
		l.push(len(ft.Results))
		l.emit(Op{Kind: Kind(op), Idx: imm.TypeIdx, Imm: uint64(imm.TableIdx)})

	case wasm.OpDrop:
		l.pop(1)
		l.emit(Op{Kind: Kind(op)})

	case wasm.OpSelect, wasm.OpSelectType:
		l.pop(2)
		l.emit(Op{Kind: Kind(wasm.OpSelect)})

	case wasm.OpLocalGet:
		l.push(1)
		l.emit(Op{Kind: Kind(op), Idx: in.Imm.(wasm.LocalImm).LocalIdx})
	case wasm.OpLocalSet:
		l.pop(1)
		l.emit(Op{Kind: Kind(op), Idx: in.Imm.(wasm.LocalImm).LocalIdx})
	case wasm.OpLocalTee:
		l.emit(Op{Kind: Kind(op), Idx: in.Imm.(wasm.LocalImm).LocalIdx})

	case wasm.OpGlobalGet, wasm.OpGlobalSet:
		idx := in.Imm.(wasm.GlobalImm).GlobalIdx
		gt, _ := l.m.GlobalTypeAt(idx)
		kind := Kind(op)
		if gt.ValType.IsRef() {
			kind = kindGlobalGetRef
			if op == wasm.OpGlobalSet {
				kind = kindGlobalSetRef
			}
		}
		if op == wasm.OpGlobalGet {
			l.push(1)
		} else {
			l.pop(1)
		}
		l.emit(Op{Kind: kind, Idx: idx})

	case wasm.OpTableGet:
		l.emit(Op{Kind: Kind(op), Idx: in.Imm.(wasm.TableImm).TableIdx})
	case wasm.OpTableSet:
		l.pop(2)
		l.emit(Op{Kind: Kind(op), Idx: in.Imm.(wasm.TableImm).TableIdx})

	case wasm.OpMemorySize:
		l.push(1)
		l.emit(Op{Kind: Kind(op)})
	case wasm.OpMemoryGrow:
		l.emit(Op{Kind: Kind(op)})

	case wasm.OpI32Const:
		l.push(1)
		l.emit(Op{Kind: Kind(op), Imm: uint64(uint32(in.Imm.(wasm.I32Imm).Value))})
	case wasm.OpI64Const:
		l.push(1)
		l.emit(Op{Kind: Kind(op), Imm: uint64(in.Imm.(wasm.I64Imm).Value)})
	case wasm.OpF32Const:
		l.push(1)
		l.emit(Op{Kind: Kind(op), Imm: uint64(in.Imm.(wasm.F32Imm).Bits)})
	case wasm.OpF64Const:
		l.push(1)
		l.emit(Op{Kind: Kind(op), Imm: in.Imm.(wasm.F64Imm).Bits})

	case wasm.OpRefNull:
		l.push(1)
		l.emit(Op{Kind: Kind(op)})
	case wasm.OpRefIsNull:
		l.emit(Op{Kind: Kind(op)})
	case wasm.OpRefFunc:
		l.push(1)
		l.emit(Op{Kind: Kind(op), Idx: in.Imm.(wasm.RefFuncImm).FuncIdx})

	case wasm.OpPrefixMisc:
		return l.misc(in.Imm.(wasm.MiscImm))

	default:
		if acc, ok := wasm.MemoryAccessOf(op); ok {
			if acc.Store {
				l.pop(2)
			}
			l.emit(Op{Kind: Kind(op), Imm: in.Imm.(wasm.MemoryImm).Offset})
			return nil
		}
		params, _, ok := wasm.NumericSignature(op)
		if !ok {
			return fmt.Errorf("no lowering for opcode 0x%02x", op)
		}
		l.pop(len(params))
		l.push(1)
		l.emit(Op{Kind: Kind(op)})
	}
	return nil
}

func (l *lowering) misc(imm wasm.MiscImm) error {
	kind := kindMisc + Kind(imm.SubOpcode)
	switch imm.SubOpcode {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U,
		wasm.MiscI32TruncSatF64S, wasm.MiscI32TruncSatF64U,
		wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U,
		wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U:
		l.emit(Op{Kind: kind})
	case wasm.MiscMemoryInit:
		l.pop(3)
		l.emit(Op{Kind: kind, Idx: imm.Operands[0]})
	case wasm.MiscDataDrop, wasm.MiscElemDrop:
		l.emit(Op{Kind: kind, Idx: imm.Operands[0]})
	case wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
		l.pop(3)
		l.emit(Op{Kind: kind})
	case wasm.MiscTableInit:
		// operands: element segment, table
		l.pop(3)
		l.emit(Op{Kind: kind, Idx: imm.Operands[0], Imm: uint64(imm.Operands[1])})
	case wasm.MiscTableCopy:
		// operands: destination table, source table
		l.pop(3)
		l.emit(Op{Kind: kind, Idx: imm.Operands[0], Imm: uint64(imm.Operands[1])})
	case wasm.MiscTableGrow:
		l.pop(1)
		l.emit(Op{Kind: kind, Idx: imm.Operands[0]})
	case wasm.MiscTableSize:
		l.push(1)
		l.emit(Op{Kind: kind, Idx: imm.Operands[0]})
	case wasm.MiscTableFill:
		l.pop(3)
		l.emit(Op{Kind: kind, Idx: imm.Operands[0]})
	default:
		return fmt.Errorf("no lowering for misc opcode %d", imm.SubOpcode)
	}
	return nil
}
