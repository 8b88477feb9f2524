// Package engine defines the compiler capability and the compiled Module.
//
// A Compiler turns WebAssembly bytes into a Module. Every compiler runs the
// same front end (decode, validate) through Build and differs only in how
// function bodies are lowered into executable form:
//
//	bytes ──decode──> wasm.Module ──validate──> lower each body ──> Module
//
// A Module is immutable once built. It may be instantiated any number of
// times, concurrently, by the linker package. Function signatures are
// interned in the session's signature.Registry during assembly so that
// handles compare across every module of the session.
//
// # Errors
//
// Compile failures carry errors.PhaseCompile and one of the kinds
// malformed, validation, unsupported or backend_failure. No partially built
// Module is ever returned.
package engine
