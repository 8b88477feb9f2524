// Package vm defines the Context that running WebAssembly code executes
// against.
//
// A Context mirrors one instance's live resources: its memories, tables,
// globals, function index space, passive segments and fuel meter. Function
// bodies never hold on to a memory buffer across a point where the memory
// could have grown; they re-fetch it through SyncMemory, which compares the
// memory's generation with the one the cached view was taken at.
//
// Traps are raised with panic(*errors.Trap) and recovered at the call
// boundary by the instance.
package vm
