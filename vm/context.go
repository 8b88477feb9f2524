package vm

import (
	"context"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/table"
)

// DefaultMaxCallDepth bounds nested guest calls.
const DefaultMaxCallDepth = 10000

// Context is the per-instance bridge between executing code and the
// instance's resources. It is not safe for concurrent use; calls into one
// instance must be serialized.
type Context struct {
	// Go is the context of the embedder call in progress, handed to host
	// functions.
	Go context.Context

	// Owner is the instance this context belongs to.
	Owner any

	Memories []*memory.Memory
	Tables   []*table.Table
	Globals  []*Global

	// Funcs is the function index space: imports first, then local
	// functions.
	Funcs []Func

	// Types maps module type indices to session signature handles.
	Types []signature.Handle

	// Data and Elems hold the passive segments. A dropped segment is nil.
	Data  [][]byte
	Elems [][]any

	Refs     *RefStore
	Fuel     *Meter
	Registry *signature.Registry

	// memView caches Memories[0]'s buffer as of memGen.
	memView []byte
	memGen  uint64

	Depth    int
	MaxDepth int
}

// NewContext creates an empty context.
func NewContext(reg *signature.Registry) *Context {
	return &Context{
		Registry: reg,
		Refs:     NewRefStore(),
		MaxDepth: DefaultMaxCallDepth,
	}
}

// Memory returns memory 0, or nil when the instance has none.
func (c *Context) Memory() *memory.Memory {
	if len(c.Memories) == 0 {
		return nil
	}
	return c.Memories[0]
}

// SyncMemory returns the current buffer of memory 0, refreshing the cached
// view when the memory grew since it was taken. Shared memories and
// instances without memory return nil.
func (c *Context) SyncMemory() []byte {
	m := c.Memory()
	if m == nil || m.Shared() {
		return nil
	}
	if gen := m.Generation(); c.memView == nil || gen != c.memGen {
		c.memView = m.Bytes()
		c.memGen = gen
	}
	return c.memView
}

// GrowMemory implements memory.grow: it returns the old size in pages, or
// -1 when the memory cannot grow. The cached view is refreshed before
// returning.
func (c *Context) GrowMemory(delta uint32) int32 {
	m := c.Memory()
	if m == nil {
		return -1
	}
	old, err := m.Grow(delta)
	if err != nil {
		return -1
	}
	c.SyncMemory()
	return int32(old)
}

// GrowTable implements table.grow.
func (c *Context) GrowTable(idx uint32, delta uint32, init any) int32 {
	old, err := c.Tables[idx].Grow(delta, init)
	if err != nil {
		return -1
	}
	return int32(old)
}

// Enter records a new call frame and traps when the call depth limit is
// reached.
func (c *Context) Enter() {
	c.Depth++
	if c.MaxDepth > 0 && c.Depth > c.MaxDepth {
		c.Depth--
		panic(errors.NewTrap(errors.TrapStackOverflow, "call depth exceeds %d", c.MaxDepth))
	}
}

// Leave pops a call frame recorded by Enter.
func (c *Context) Leave() {
	c.Depth--
}

// Consume charges n units of fuel when metering is enabled.
func (c *Context) Consume(n uint64) {
	if c.Fuel != nil {
		c.Fuel.Consume(n)
	}
}

// Trap aborts execution with a trap of the given kind.
func (c *Context) Trap(kind errors.TrapKind, format string, args ...any) {
	panic(errors.NewTrap(kind, format, args...))
}

// DropData implements data.drop.
func (c *Context) DropData(idx uint32) {
	c.Data[idx] = nil
}

// DropElem implements elem.drop.
func (c *Context) DropElem(idx uint32) {
	c.Elems[idx] = nil
}
