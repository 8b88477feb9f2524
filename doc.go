// Package wasmengine is a WebAssembly 2.0 execution engine written in Go.
//
// # Architecture Overview
//
//	wasmengine/          Root package with the host-facing Memory interface
//	├── runtime/         Embedder facade: compile, cache, instantiate, call
//	├── engine/          Compiler capability and compiled Module
//	│   └── interp/      Baseline and Optimizing interpreter backends
//	├── linker/          Import resolution, instantiation and Instance
//	├── vm/              Per-call VM Context bridging code to live resources
//	├── memory/          Bounds-checked linear memory (exclusive and shared)
//	├── table/           Reference tables and indirect-call checks
//	├── signature/       Structural function-type interning
//	├── cache/           Content-addressed compiled-module cache
//	├── wasm/            Binary decoding, validation and encoding
//	└── errors/          Structured error types and traps
//
// # Quick Start
//
//	rt := runtime.New()
//	mod, err := rt.Compile(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := rt.Instantiate(ctx, mod, linker.NewImports())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	results, err := inst.Call(ctx, "add", int32(3), int32(4))
//	fmt.Println(results) // [7]
//
// # Thread Safety
//
// Runtime and compiled modules are safe for concurrent use. An Instance is
// not; calls into one Instance must be serialized by the embedder. Shared
// memories (memory.NewShared) may be imported by many instances running on
// different goroutines.
//
// # Memory Model
//
// Linear memory only grows. Every access is bounds-checked against the
// current size and every grow refreshes the views held by running code.
package wasmengine
