// Package interp provides two compiler backends that share one interpreter.
//
// Function bodies are lowered into a flat slice of Op values with every
// branch resolved to an absolute program counter, the operand height the
// branch unwinds to, and the number of values it carries. Values live on a
// single uint64 stack: each frame's locals sit at its base and its operands
// follow them. Calls within one instance push frames onto an explicit frame
// stack; calls that leave the instance go through vm.Func.
//
// Baseline lowers instruction by instruction. Optimizing additionally fuses
// common short sequences (local/constant operands of integer arithmetic,
// eqz followed by br_if, set followed by get) into single ops. Both produce
// bodies that serialize with CBOR for the compiled-module cache.
package interp
