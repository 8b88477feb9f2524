// Package runtime is the embedder facade over the engine. A Runtime is one
// session: modules it compiles share its signature registry and link only
// with its own instances.
//
// # Quick Start
//
//	rt, err := runtime.New(runtime.WithCompiler("optimizing"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	imports := linker.NewImports()
//	inst, err := rt.CompileAndInstantiate(ctx, wasmBytes, imports)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results, err := inst.Call(ctx, "add", int32(3), int32(4))
//
// # Configuration
//
// Settings come from functional options or a TOML file:
//
//	compiler = "baseline"
//	memory_limit_pages = 256
//	max_call_depth = 2000
//	fuel = 1000000
//
//	[cache]
//	sqlite = "/var/cache/wasm/modules.db"
//
// Load it with LoadConfig and pass it through WithConfig.
//
// # Caching
//
// With a cache store configured, Compile looks up the binary's blake2b
// hash before lowering and stores the lowered bodies after. Entries that
// fail to decode are dropped and treated as misses.
//
// # Concurrency
//
// A Runtime and its compiled modules are safe for concurrent use. Each
// instance must be called from one goroutine at a time; InstantiateN
// creates independent instances of one module in parallel.
package runtime
