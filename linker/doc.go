// Package linker instantiates compiled modules.
//
// # Main Types
//
//   - Imports: values offered to instantiation, keyed by (module, name)
//   - Instance: an instantiated module with callable exports
//   - Caller: the view of the calling instance given to host functions
//
// # Instantiation
//
//  1. Resolve every import and check its kind and type
//  2. Allocate local memories, tables and globals
//  3. Bounds-check all active segments, then write them
//  4. Bind exports
//  5. Run the start function
//
// Failure at any step returns no instance. Steps 1 to 3 have no observable
// side effects on failure. A trap in the start function does not undo the
// segment writes of step 3, which stay visible in imported memories and
// tables.
//
// # Thread Safety
//
// Imports is safe for concurrent use. An Instance is not: calls into one
// instance must be serialized by the embedder.
//
// # Example
//
//	imports := linker.NewImports()
//	_ = imports.DefineFunc("env", "log", func(ctx context.Context, c *linker.Caller, ptr, n int32) {
//		...
//	})
//	inst, err := linker.Instantiate(ctx, mod, imports)
//	results, err := inst.Call(ctx, "add", int32(3), int32(4))
package linker
