package wasm

type opSig struct {
	params []ValType
	result ValType
}

var numericSigs [256]*opSig

func defineSigs(params []ValType, result ValType, ops ...byte) {
	sig := &opSig{params: params, result: result}
	for _, op := range ops {
		numericSigs[op] = sig
	}
}

func init() {
	i32, i64, f32, f64 := ValI32, ValI64, ValF32, ValF64

	defineSigs([]ValType{i32}, i32,
		OpI32Eqz, OpI32Clz, OpI32Ctz, OpI32Popcnt, OpI32Extend8S, OpI32Extend16S)
	defineSigs([]ValType{i32, i32}, i32,
		OpI32Eq, OpI32Ne, OpI32LtS, OpI32LtU, OpI32GtS, OpI32GtU, OpI32LeS, OpI32LeU, OpI32GeS, OpI32GeU,
		OpI32Add, OpI32Sub, OpI32Mul, OpI32DivS, OpI32DivU, OpI32RemS, OpI32RemU,
		OpI32And, OpI32Or, OpI32Xor, OpI32Shl, OpI32ShrS, OpI32ShrU, OpI32Rotl, OpI32Rotr)

	defineSigs([]ValType{i64}, i32, OpI64Eqz, OpI32WrapI64)
	defineSigs([]ValType{i64}, i64,
		OpI64Clz, OpI64Ctz, OpI64Popcnt, OpI64Extend8S, OpI64Extend16S, OpI64Extend32S)
	defineSigs([]ValType{i64, i64}, i32,
		OpI64Eq, OpI64Ne, OpI64LtS, OpI64LtU, OpI64GtS, OpI64GtU, OpI64LeS, OpI64LeU, OpI64GeS, OpI64GeU)
	defineSigs([]ValType{i64, i64}, i64,
		OpI64Add, OpI64Sub, OpI64Mul, OpI64DivS, OpI64DivU, OpI64RemS, OpI64RemU,
		OpI64And, OpI64Or, OpI64Xor, OpI64Shl, OpI64ShrS, OpI64ShrU, OpI64Rotl, OpI64Rotr)

	defineSigs([]ValType{f32}, f32,
		OpF32Abs, OpF32Neg, OpF32Ceil, OpF32Floor, OpF32Trunc, OpF32Nearest, OpF32Sqrt)
	defineSigs([]ValType{f32, f32}, f32,
		OpF32Add, OpF32Sub, OpF32Mul, OpF32Div, OpF32Min, OpF32Max, OpF32Copysign)
	defineSigs([]ValType{f32, f32}, i32, OpF32Eq, OpF32Ne, OpF32Lt, OpF32Gt, OpF32Le, OpF32Ge)

	defineSigs([]ValType{f64}, f64,
		OpF64Abs, OpF64Neg, OpF64Ceil, OpF64Floor, OpF64Trunc, OpF64Nearest, OpF64Sqrt)
	defineSigs([]ValType{f64, f64}, f64,
		OpF64Add, OpF64Sub, OpF64Mul, OpF64Div, OpF64Min, OpF64Max, OpF64Copysign)
	defineSigs([]ValType{f64, f64}, i32, OpF64Eq, OpF64Ne, OpF64Lt, OpF64Gt, OpF64Le, OpF64Ge)

	defineSigs([]ValType{f32}, i32, OpI32TruncF32S, OpI32TruncF32U, OpI32ReinterpretF32)
	defineSigs([]ValType{f64}, i32, OpI32TruncF64S, OpI32TruncF64U)
	defineSigs([]ValType{i32}, i64, OpI64ExtendI32S, OpI64ExtendI32U)
	defineSigs([]ValType{f32}, i64, OpI64TruncF32S, OpI64TruncF32U)
	defineSigs([]ValType{f64}, i64, OpI64TruncF64S, OpI64TruncF64U, OpI64ReinterpretF64)
	defineSigs([]ValType{i32}, f32, OpF32ConvertI32S, OpF32ConvertI32U, OpF32ReinterpretI32)
	defineSigs([]ValType{i64}, f32, OpF32ConvertI64S, OpF32ConvertI64U)
	defineSigs([]ValType{f64}, f32, OpF32DemoteF64)
	defineSigs([]ValType{i32}, f64, OpF64ConvertI32S, OpF64ConvertI32U)
	defineSigs([]ValType{i64}, f64, OpF64ConvertI64S, OpF64ConvertI64U, OpF64ReinterpretI64)
	defineSigs([]ValType{f32}, f64, OpF64PromoteF32)
}

// NumericSignature returns the operand types and result type of a numeric,
// comparison or conversion instruction. ok is false for any other opcode.
func NumericSignature(op byte) (params []ValType, result ValType, ok bool) {
	sig := numericSigs[op]
	if sig == nil {
		return nil, 0, false
	}
	return sig.params, sig.result, true
}

// SatTruncSignature returns the operand and result type of a saturating
// truncation (0xFC 0..7).
func SatTruncSignature(sub uint32) (param, result ValType) {
	switch sub {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U:
		return ValF32, ValI32
	case MiscI32TruncSatF64S, MiscI32TruncSatF64U:
		return ValF64, ValI32
	case MiscI64TruncSatF32S, MiscI64TruncSatF32U:
		return ValF32, ValI64
	default:
		return ValF64, ValI64
	}
}

// MemoryAccess describes a load or store instruction.
type MemoryAccess struct {
	Type  ValType // value type pushed by a load or popped by a store
	Size  uint32  // bytes accessed
	Store bool
}

// MemoryAccessOf returns the access shape of a load or store opcode.
func MemoryAccessOf(op byte) (MemoryAccess, bool) {
	switch op {
	case OpI32Load:
		return MemoryAccess{Type: ValI32, Size: 4}, true
	case OpI64Load:
		return MemoryAccess{Type: ValI64, Size: 8}, true
	case OpF32Load:
		return MemoryAccess{Type: ValF32, Size: 4}, true
	case OpF64Load:
		return MemoryAccess{Type: ValF64, Size: 8}, true
	case OpI32Load8S, OpI32Load8U:
		return MemoryAccess{Type: ValI32, Size: 1}, true
	case OpI32Load16S, OpI32Load16U:
		return MemoryAccess{Type: ValI32, Size: 2}, true
	case OpI64Load8S, OpI64Load8U:
		return MemoryAccess{Type: ValI64, Size: 1}, true
	case OpI64Load16S, OpI64Load16U:
		return MemoryAccess{Type: ValI64, Size: 2}, true
	case OpI64Load32S, OpI64Load32U:
		return MemoryAccess{Type: ValI64, Size: 4}, true
	case OpI32Store:
		return MemoryAccess{Type: ValI32, Size: 4, Store: true}, true
	case OpI64Store:
		return MemoryAccess{Type: ValI64, Size: 8, Store: true}, true
	case OpF32Store:
		return MemoryAccess{Type: ValF32, Size: 4, Store: true}, true
	case OpF64Store:
		return MemoryAccess{Type: ValF64, Size: 8, Store: true}, true
	case OpI32Store8:
		return MemoryAccess{Type: ValI32, Size: 1, Store: true}, true
	case OpI32Store16:
		return MemoryAccess{Type: ValI32, Size: 2, Store: true}, true
	case OpI64Store8:
		return MemoryAccess{Type: ValI64, Size: 1, Store: true}, true
	case OpI64Store16:
		return MemoryAccess{Type: ValI64, Size: 2, Store: true}, true
	case OpI64Store32:
		return MemoryAccess{Type: ValI64, Size: 4, Store: true}, true
	}
	return MemoryAccess{}, false
}

// BlockSignature resolves a block type immediate to its parameter and
// result types.
func (m *Module) BlockSignature(bt int64) (params, results []ValType, ok bool) {
	switch bt {
	case BlockTypeVoid:
		return nil, nil, true
	case BlockTypeI32:
		return nil, []ValType{ValI32}, true
	case BlockTypeI64:
		return nil, []ValType{ValI64}, true
	case BlockTypeF32:
		return nil, []ValType{ValF32}, true
	case BlockTypeF64:
		return nil, []ValType{ValF64}, true
	case BlockTypeFunc:
		return nil, []ValType{ValFuncRef}, true
	case BlockTypeExt:
		return nil, []ValType{ValExtern}, true
	}
	if bt < 0 || bt >= int64(len(m.Types)) {
		return nil, nil, false
	}
	ft := m.Types[bt]
	return ft.Params, ft.Results, true
}
