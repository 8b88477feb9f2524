package interp

import "github.com/wippyai/wasm-engine/wasm"

// tryFuse matches a superinstruction at the start of in and emits it,
// returning the number of instructions consumed or 0.
func (l *lowering) tryFuse(in []wasm.Instruction) int {
	if len(in) < 2 {
		return 0
	}
	a, b := &in[0], &in[1]

	switch a.Opcode {
	case wasm.OpLocalGet:
		src := a.Imm.(wasm.LocalImm).LocalIdx
		if len(in) >= 3 && fusable(in[2].Opcode) {
			switch b.Opcode {
			case wasm.OpLocalGet:
				l.push(1)
				l.emit(Op{
					Kind: kindLocalLocal + Kind(in[2].Opcode),
					Idx:  src,
					Imm:  uint64(b.Imm.(wasm.LocalImm).LocalIdx),
				})
				return 3
			case wasm.OpI32Const, wasm.OpI64Const:
				l.push(1)
				l.emit(Op{
					Kind: kindLocalConst + Kind(in[2].Opcode),
					Idx:  src,
					Imm:  constBits(b),
				})
				return 3
			}
		}
		if b.Opcode == wasm.OpLocalSet {
			l.emit(Op{Kind: kindLocalCopy, Idx: b.Imm.(wasm.LocalImm).LocalIdx, Imm: uint64(src)})
			return 2
		}

	case wasm.OpI32Const, wasm.OpI64Const:
		if fusable(b.Opcode) {
			l.emit(Op{Kind: kindStackConst + Kind(b.Opcode), Imm: constBits(a)})
			return 2
		}

	case wasm.OpLocalSet:
		if b.Opcode == wasm.OpLocalGet && b.Imm.(wasm.LocalImm).LocalIdx == a.Imm.(wasm.LocalImm).LocalIdx {
			l.emit(Op{Kind: Kind(wasm.OpLocalTee), Idx: a.Imm.(wasm.LocalImm).LocalIdx})
			return 2
		}

	case wasm.OpI32Eqz:
		if b.Opcode == wasm.OpBrIf {
			l.pop(1)
			idx := l.emit(Op{Kind: kindBrIfEqz})
			l.code[idx].Target = l.target(b.Imm.(wasm.BranchImm).LabelIdx, idx, -1)
			return 2
		}
	}
	return 0
}

func constBits(in *wasm.Instruction) uint64 {
	if in.Opcode == wasm.OpI32Const {
		return uint64(uint32(in.Imm.(wasm.I32Imm).Value))
	}
	return uint64(in.Imm.(wasm.I64Imm).Value)
}
