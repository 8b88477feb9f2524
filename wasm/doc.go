// Package wasm decodes, validates and encodes WebAssembly 2.0 binary modules.
//
// The accepted feature set is the 2.0 core: numeric types, multi-value,
// bulk memory, reference types (funcref, externref), sign extension and
// saturating truncation. Binaries using SIMD, threads, GC, exception
// handling, tail calls, memory64, multi-memory or extended constant
// expressions are rejected with *UnsupportedError.
//
// # Parsing
//
//	data, _ := os.ReadFile("module.wasm")
//	m, err := wasm.ParseModuleValidate(data)
//
// ParseModule only decodes. Malformed input produces a *binary.ParseError
// naming the section and byte offset. Validate type-checks every function
// body and reports a *ValidationError naming the function and instruction.
//
// # Encoding
//
//	encoded := m.Encode()
//
// Round-tripping through Encode and ParseModule preserves module semantics.
//
// # Instructions
//
//	instrs, err := wasm.DecodeInstructions(body.Code)
//	code := wasm.EncodeInstructions(instrs)
package wasm
