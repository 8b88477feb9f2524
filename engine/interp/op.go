package interp

import "github.com/wippyai/wasm-engine/wasm"

// Kind selects what an Op does. Values below 0x100 are the WebAssembly
// opcode of a plain instruction; higher values are interpreter-specific.
type Kind uint16

const (
	kindJump     Kind = 0x100 + iota // unconditional jump, no stack change
	kindBrIfNot                      // pop; jump when zero (if)
	kindBrIfEqz                      // fused i32.eqz + br_if
	kindGlobalGetRef
	kindGlobalSetRef
	kindLocalCopy // fused local.get Imm + local.set Idx
)

// Misc (0xFC) instructions are kindMisc + sub-opcode.
const kindMisc Kind = 0x200

// Fused integer binary operations carry the wasm opcode in the low byte.
const (
	kindLocalLocal Kind = 0x300 // operands: local Idx, local Imm
	kindLocalConst Kind = 0x400 // operands: local Idx, constant Imm
	kindStackConst Kind = 0x500 // operands: popped value, constant Imm
)

// Target is a resolved branch destination. Height is the operand height,
// relative to the frame's operand base, that the branch unwinds to; Arity
// values from the top of the stack are moved there.
type Target struct {
	_      struct{} `cbor:",toarray"`
	PC     uint32
	Height uint32
	Arity  uint32
}

// Op is one lowered instruction. Idx holds an index immediate (local,
// global, function, type, segment); Imm holds a constant's bits, a memory
// offset or a second index.
type Op struct {
	Table  []Target `cbor:"1,keyasint,omitempty"`
	Imm    uint64   `cbor:"2,keyasint,omitempty"`
	Target Target   `cbor:"3,keyasint"`
	Idx    uint32   `cbor:"4,keyasint,omitempty"`
	Kind   Kind     `cbor:"5,keyasint"`
}

// Func is a lowered function body. It implements vm.Body.
type Func struct {
	Name       string `cbor:"1,keyasint,omitempty"`
	Code       []Op   `cbor:"2,keyasint"`
	Index      uint32 `cbor:"3,keyasint"`
	NumParams  uint32 `cbor:"4,keyasint"`
	NumResults uint32 `cbor:"5,keyasint"`
	NumLocals  uint32 `cbor:"6,keyasint"` // including parameters
	MaxHeight  uint32 `cbor:"7,keyasint"`
}

// fusable reports whether op is an integer binary operation that cannot
// trap and so may be fused with its operand producers.
func fusable(op byte) bool {
	switch op {
	case wasm.OpI32Add, wasm.OpI32Sub, wasm.OpI32Mul, wasm.OpI32And, wasm.OpI32Or, wasm.OpI32Xor,
		wasm.OpI32Shl, wasm.OpI32ShrS, wasm.OpI32ShrU, wasm.OpI32Rotl, wasm.OpI32Rotr,
		wasm.OpI32Eq, wasm.OpI32Ne, wasm.OpI32LtS, wasm.OpI32LtU, wasm.OpI32GtS, wasm.OpI32GtU,
		wasm.OpI32LeS, wasm.OpI32LeU, wasm.OpI32GeS, wasm.OpI32GeU,
		wasm.OpI64Add, wasm.OpI64Sub, wasm.OpI64Mul, wasm.OpI64And, wasm.OpI64Or, wasm.OpI64Xor,
		wasm.OpI64Shl, wasm.OpI64ShrS, wasm.OpI64ShrU, wasm.OpI64Rotl, wasm.OpI64Rotr,
		wasm.OpI64Eq, wasm.OpI64Ne, wasm.OpI64LtS, wasm.OpI64LtU, wasm.OpI64GtS, wasm.OpI64GtU,
		wasm.OpI64LeS, wasm.OpI64LeU, wasm.OpI64GeS, wasm.OpI64GeU:
		return true
	}
	return false
}
