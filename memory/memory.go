// Package memory implements bounds-checked WebAssembly linear memory.
//
// A Memory is either exclusive (owned by one instance, accessed from one
// goroutine at a time) or shared (imported by several instances, every access
// and grow serialized by a read-write lock). Growth is all-or-nothing: the
// new buffer is fully allocated and zeroed before it replaces the old one.
// Each successful grow bumps Generation so that cached views can detect
// that they are stale.
package memory

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	wasmengine "github.com/wippyai/wasm-engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// PageSize is the WebAssembly page size in bytes.
const PageSize = wasm.PageSize

// MaxPages is the largest page count a 32-bit memory can address.
const MaxPages = wasm.MemoryMaxPages32

// Allocator returns a zeroed buffer of n bytes.
type Allocator func(n uint64) ([]byte, error)

// Option configures a Memory.
type Option func(*Memory)

// WithLimitPages sets the engine ceiling on memory size. Requests past it
// fail with HostAllocationFailed even when the declared maximum allows them.
func WithLimitPages(pages uint32) Option {
	return func(m *Memory) { m.limit = pages }
}

// WithAllocator replaces the buffer allocator.
func WithAllocator(a Allocator) Option {
	return func(m *Memory) { m.alloc = a }
}

// Memory is a growable byte array whose length is a multiple of PageSize.
type Memory struct {
	alloc  Allocator
	max    *uint32
	buf    []byte
	gen    atomic.Uint64
	min    uint32
	limit  uint32
	shared bool
	mu     sync.RWMutex
}

var _ wasmengine.Memory = (*Memory)(nil)

// New allocates an exclusive memory of minPages pages.
func New(minPages uint32, maxPages *uint32, opts ...Option) (*Memory, error) {
	return newMemory(minPages, maxPages, false, opts)
}

// NewShared allocates a memory that may be imported by several instances
// running concurrently. A maximum is required.
func NewShared(minPages uint32, maxPages *uint32, opts ...Option) (*Memory, error) {
	if maxPages == nil {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "shared memory must have a maximum")
	}
	return newMemory(minPages, maxPages, true, opts)
}

func newMemory(minPages uint32, maxPages *uint32, shared bool, opts []Option) (*Memory, error) {
	m := &Memory{
		min:    minPages,
		limit:  MaxPages,
		shared: shared,
		alloc:  defaultAlloc,
	}
	if maxPages != nil {
		v := *maxPages
		m.max = &v
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.max != nil && minPages > *m.max {
		return nil, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("memory minimum %d exceeds maximum %d", minPages, *m.max))
	}
	if minPages > m.limit {
		return nil, errors.HostAllocationFailed("memory", uint64(minPages),
			fmt.Errorf("engine limit is %d pages", m.limit))
	}
	buf, err := m.allocate(uint64(minPages) * PageSize)
	if err != nil {
		return nil, errors.HostAllocationFailed("memory", uint64(minPages), err)
	}
	m.buf = buf
	return m, nil
}

func defaultAlloc(n uint64) ([]byte, error) {
	return make([]byte, n), nil
}

// allocate calls the allocator, turning a runtime allocation panic into an
// error.
func (m *Memory) allocate(n uint64) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("allocation of %d bytes failed: %v", n, r)
		}
	}()
	buf, err = m.alloc(n)
	if err == nil && uint64(len(buf)) != n {
		err = fmt.Errorf("allocator returned %d bytes, want %d", len(buf), n)
	}
	return buf, err
}

// Shared reports whether the memory was created with NewShared.
func (m *Memory) Shared() bool {
	return m.shared
}

// Max returns the declared maximum in pages.
func (m *Memory) Max() (uint32, bool) {
	if m.max == nil {
		return 0, false
	}
	return *m.max, true
}

// Type describes the memory for import matching. Min is the current size.
func (m *Memory) Type() wasm.MemoryType {
	lim := wasm.Limits{Min: uint64(m.Pages()), Shared: m.shared}
	if m.max != nil {
		v := uint64(*m.max)
		lim.Max = &v
	}
	return wasm.MemoryType{Limits: lim}
}

// Generation counts successful grows. A view taken at generation g is valid
// while Generation still returns g.
func (m *Memory) Generation() uint64 {
	return m.gen.Load()
}

// Pages returns the current size in pages.
func (m *Memory) Pages() uint32 {
	return uint32(m.Size() / PageSize)
}

// Size returns the current size in bytes.
func (m *Memory) Size() uint64 {
	if m.shared {
		m.mu.RLock()
		defer m.mu.RUnlock()
	}
	return uint64(len(m.buf))
}

// Bytes returns the backing buffer of an exclusive memory. The slice is
// invalidated by the next successful Grow. Shared memories return nil.
func (m *Memory) Bytes() []byte {
	if m.shared {
		return nil
	}
	return m.buf
}

// Grow adds delta pages and returns the previous size in pages. On failure
// the memory is unchanged.
func (m *Memory) Grow(delta uint32) (uint32, error) {
	if m.shared {
		m.mu.Lock()
		defer m.mu.Unlock()
	}

	old := uint32(uint64(len(m.buf)) / PageSize)
	if delta == 0 {
		return old, nil
	}

	want := uint64(old) + uint64(delta)
	maximum := uint64(MaxPages)
	if m.max != nil {
		maximum = uint64(*m.max)
	}
	if want > maximum {
		return old, errors.ExceedsMaximum("memory", uint64(old), uint64(delta), maximum)
	}
	if want > uint64(m.limit) {
		return old, errors.HostAllocationFailed("memory", uint64(delta),
			fmt.Errorf("engine limit is %d pages", m.limit))
	}

	next, err := m.allocate(want * PageSize)
	if err != nil {
		return old, errors.HostAllocationFailed("memory", uint64(delta), err)
	}
	copy(next, m.buf)
	m.buf = next
	m.gen.Add(1)
	return old, nil
}

func outOfBounds(offset, length uint64, size uint64) *errors.Trap {
	return errors.NewTrap(errors.TrapMemoryOutOfBounds,
		"access [%d, %d) past memory size %d", offset, offset+length, size)
}

// inBounds reports whether [offset, offset+length) lies inside a buffer of
// the given size. The sum is computed in 64 bits and cannot wrap for 32-bit
// operands.
func inBounds(offset, length, size uint64) bool {
	return offset+length <= size
}

func (m *Memory) rlock() {
	if m.shared {
		m.mu.RLock()
	}
}

func (m *Memory) runlock() {
	if m.shared {
		m.mu.RUnlock()
	}
}

// ReadAt copies len(p) bytes at offset into p.
func (m *Memory) ReadAt(p []byte, offset uint64) error {
	m.rlock()
	defer m.runlock()
	if !inBounds(offset, uint64(len(p)), uint64(len(m.buf))) {
		return outOfBounds(offset, uint64(len(p)), uint64(len(m.buf)))
	}
	copy(p, m.buf[offset:])
	return nil
}

// WriteAt copies p into memory at offset.
func (m *Memory) WriteAt(p []byte, offset uint64) error {
	m.rlock()
	defer m.runlock()
	if !inBounds(offset, uint64(len(p)), uint64(len(m.buf))) {
		return outOfBounds(offset, uint64(len(p)), uint64(len(m.buf)))
	}
	copy(m.buf[offset:], p)
	return nil
}

// Fill sets n bytes at offset to v.
func (m *Memory) Fill(offset, n uint64, v byte) error {
	m.rlock()
	defer m.runlock()
	if !inBounds(offset, n, uint64(len(m.buf))) {
		return outOfBounds(offset, n, uint64(len(m.buf)))
	}
	region := m.buf[offset : offset+n]
	for i := range region {
		region[i] = v
	}
	return nil
}

// Copy moves n bytes from src to dst. The regions may overlap.
func (m *Memory) Copy(dst, src, n uint64) error {
	m.rlock()
	defer m.runlock()
	size := uint64(len(m.buf))
	if !inBounds(src, n, size) {
		return outOfBounds(src, n, size)
	}
	if !inBounds(dst, n, size) {
		return outOfBounds(dst, n, size)
	}
	copy(m.buf[dst:dst+n], m.buf[src:src+n])
	return nil
}

// Read returns a copy of length bytes at offset.
func (m *Memory) Read(offset uint32, length uint32) ([]byte, error) {
	if size := m.Size(); !inBounds(uint64(offset), uint64(length), size) {
		return nil, outOfBounds(uint64(offset), uint64(length), size)
	}
	p := make([]byte, length)
	if err := m.ReadAt(p, uint64(offset)); err != nil {
		return nil, err
	}
	return p, nil
}

// Write writes data at offset. Nothing is written if any byte would fall
// outside memory.
func (m *Memory) Write(offset uint32, data []byte) error {
	return m.WriteAt(data, uint64(offset))
}

// ReadU8 reads an unsigned 8-bit value.
func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	var b [1]byte
	if err := m.ReadAt(b[:], uint64(offset)); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads an unsigned 16-bit little-endian value.
func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	var b [2]byte
	if err := m.ReadAt(b[:], uint64(offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	var b [4]byte
	if err := m.ReadAt(b[:], uint64(offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	var b [8]byte
	if err := m.ReadAt(b[:], uint64(offset)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteU8 writes an unsigned 8-bit value.
func (m *Memory) WriteU8(offset uint32, value uint8) error {
	return m.WriteAt([]byte{value}, uint64(offset))
}

// WriteU16 writes an unsigned 16-bit little-endian value.
func (m *Memory) WriteU16(offset uint32, value uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	return m.WriteAt(b[:], uint64(offset))
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (m *Memory) WriteU32(offset uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.WriteAt(b[:], uint64(offset))
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (m *Memory) WriteU64(offset uint32, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return m.WriteAt(b[:], uint64(offset))
}
