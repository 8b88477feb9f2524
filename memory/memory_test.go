package memory

import (
	"bytes"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/wippyai/wasm-engine/errors"
)

func u32(v uint32) *uint32 { return &v }

func TestNew(t *testing.T) {
	m, err := New(2, u32(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Pages() != 2 {
		t.Errorf("Pages = %d, want 2", m.Pages())
	}
	if m.Size() != 2*PageSize {
		t.Errorf("Size = %d, want %d", m.Size(), 2*PageSize)
	}
	for i, b := range m.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
	if _, err := New(5, u32(4)); err == nil {
		t.Error("New with min > max succeeded")
	}
}

func TestGrow_AllOrNothing(t *testing.T) {
	tests := []struct {
		name    string
		max     *uint32
		initial uint32
		delta   uint32
		ok      bool
	}{
		{"zero delta", u32(1), 1, 0, true},
		{"to maximum", u32(4), 1, 3, true},
		{"past maximum", u32(4), 1, 4, false},
		{"at maximum", u32(1), 1, 1, false},
		{"no maximum", nil, 0, 10, true},
		{"past address space", nil, 1, MaxPages, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.initial, tt.max)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := m.WriteU8(0, 0xAB); tt.initial > 0 && err != nil {
				t.Fatalf("WriteU8: %v", err)
			}
			gen := m.Generation()

			old, err := m.Grow(tt.delta)
			if old != tt.initial {
				t.Errorf("Grow returned old size %d, want %d", old, tt.initial)
			}
			if tt.ok {
				if err != nil {
					t.Fatalf("Grow: %v", err)
				}
				if m.Pages() != tt.initial+tt.delta {
					t.Errorf("Pages = %d, want %d", m.Pages(), tt.initial+tt.delta)
				}
				if tt.delta > 0 && m.Generation() == gen {
					t.Error("generation not bumped")
				}
			} else {
				if !stderrors.Is(err, errors.ErrExceedsMaximum) {
					t.Fatalf("Grow error = %v, want exceeds_maximum", err)
				}
				if m.Pages() != tt.initial {
					t.Errorf("Pages = %d after failed grow, want %d", m.Pages(), tt.initial)
				}
				if m.Generation() != gen {
					t.Error("generation bumped on failure")
				}
			}
			if tt.initial > 0 {
				if b, _ := m.ReadU8(0); b != 0xAB {
					t.Errorf("existing byte = %#x, want 0xab", b)
				}
			}
		})
	}
}

func TestGrow_ZeroFillsNewPages(t *testing.T) {
	m, _ := New(1, nil)
	if err := m.Fill(0, PageSize, 0xFF); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if _, err := m.Grow(1); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	fresh, err := m.Read(PageSize, PageSize)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(fresh, make([]byte, PageSize)) {
		t.Error("new page is not zeroed")
	}
	if b, _ := m.ReadU8(PageSize - 1); b != 0xFF {
		t.Errorf("old byte = %#x, want 0xff", b)
	}
}

func TestGrow_EngineLimit(t *testing.T) {
	m, err := New(1, u32(100), WithLimitPages(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Grow(1); err != nil {
		t.Fatalf("Grow to limit: %v", err)
	}
	_, err = m.Grow(1)
	if !stderrors.Is(err, errors.ErrHostAllocationFailed) {
		t.Fatalf("Grow past limit = %v, want host_allocation_failed", err)
	}
	if m.Pages() != 2 {
		t.Errorf("Pages = %d, want 2", m.Pages())
	}
	if _, err := New(3, nil, WithLimitPages(2)); !stderrors.Is(err, errors.ErrHostAllocationFailed) {
		t.Errorf("New past limit = %v, want host_allocation_failed", err)
	}
}

func TestGrow_AllocatorFailure(t *testing.T) {
	calls := 0
	alloc := func(n uint64) ([]byte, error) {
		calls++
		if calls > 1 {
			return nil, stderrors.New("out of memory")
		}
		return make([]byte, n), nil
	}
	m, err := New(1, nil, WithAllocator(alloc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = m.WriteU32(16, 0xDEADBEEF)

	if _, err := m.Grow(1); !stderrors.Is(err, errors.ErrHostAllocationFailed) {
		t.Fatalf("Grow = %v, want host_allocation_failed", err)
	}
	if m.Pages() != 1 {
		t.Errorf("Pages = %d, want 1", m.Pages())
	}
	if v, _ := m.ReadU32(16); v != 0xDEADBEEF {
		t.Errorf("data changed after failed grow: %#x", v)
	}
}

func TestGrow_AllocatorPanic(t *testing.T) {
	first := true
	alloc := func(n uint64) ([]byte, error) {
		if first {
			first = false
			return make([]byte, n), nil
		}
		panic("runtime: out of memory")
	}
	m, _ := New(1, nil, WithAllocator(alloc))
	if _, err := m.Grow(1); !stderrors.Is(err, errors.ErrHostAllocationFailed) {
		t.Fatalf("Grow = %v, want host_allocation_failed", err)
	}
}

func TestAccessBounds(t *testing.T) {
	m, _ := New(1, u32(1))
	size := uint32(PageSize)

	tests := []struct {
		name   string
		offset uint32
		length uint32
		ok     bool
	}{
		{"start", 0, 4, true},
		{"exact end", size - 4, 4, true},
		{"one past", size - 3, 4, false},
		{"at end empty", size, 0, true},
		{"at end one byte", size, 1, false},
		{"huge offset", 0xFFFFFFFF, 1, false},
		{"huge length", 1, 0xFFFFFFFF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := []error{}
			_, err := m.Read(tt.offset, tt.length)
			errs = append(errs, err)
			if tt.length <= 8 {
				errs = append(errs, m.WriteAt(make([]byte, tt.length), uint64(tt.offset)))
			}
			for _, err := range errs {
				if tt.ok && err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if !tt.ok && !stderrors.Is(err, errors.ErrMemoryOutOfBounds) {
					t.Errorf("error = %v, want memory_out_of_bounds", err)
				}
			}
		})
	}
}

func TestScenarioFixedSizeMemory(t *testing.T) {
	m, _ := New(1, u32(1))
	if _, err := m.Grow(1); !stderrors.Is(err, errors.ErrExceedsMaximum) {
		t.Fatalf("Grow = %v, want exceeds_maximum", err)
	}
	if m.Size() != 65536 {
		t.Errorf("Size = %d, want 65536", m.Size())
	}
	err := m.Write(65536, []byte{0})
	trap, ok := errors.AsTrap(err)
	if !ok || trap.Kind != errors.TrapMemoryOutOfBounds {
		t.Errorf("Write past end = %v, want memory_out_of_bounds trap", err)
	}
}

func TestFixedWidthAccess(t *testing.T) {
	m, _ := New(1, nil)
	if err := m.WriteU64(8, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.ReadU8(8); v != 0x08 {
		t.Errorf("ReadU8 = %#x, want little-endian low byte", v)
	}
	if v, _ := m.ReadU16(8); v != 0x0708 {
		t.Errorf("ReadU16 = %#x", v)
	}
	if v, _ := m.ReadU32(12); v != 0x01020304 {
		t.Errorf("ReadU32 = %#x", v)
	}
	if err := m.WriteU16(0, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.ReadU64(0); v != 0xBEEF {
		t.Errorf("ReadU64 = %#x", v)
	}
}

func TestCopyOverlap(t *testing.T) {
	m, _ := New(1, nil)
	_ = m.Write(0, []byte{1, 2, 3, 4, 5})
	if err := m.Copy(1, 0, 4); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Read(0, 5)
	if !bytes.Equal(got, []byte{1, 1, 2, 3, 4}) {
		t.Errorf("Copy forward overlap = %v", got)
	}
	if err := m.Copy(0, PageSize-1, 2); err == nil {
		t.Error("Copy past end succeeded")
	}
}

func TestShared(t *testing.T) {
	if _, err := NewShared(1, nil); err == nil {
		t.Fatal("NewShared without maximum succeeded")
	}
	m, err := NewShared(1, u32(64))
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	if !m.Shared() || m.Bytes() != nil {
		t.Error("shared memory exposes its buffer")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				_, _ = m.Grow(1)
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				off := uint32(i * 8)
				if err := m.WriteU64(off, uint64(j)); err != nil {
					t.Errorf("WriteU64: %v", err)
					return
				}
				if _, err := m.ReadU64(off); err != nil {
					t.Errorf("ReadU64: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if m.Pages() != 33 {
		t.Errorf("Pages = %d, want 33", m.Pages())
	}
}

func TestType(t *testing.T) {
	m, _ := New(2, u32(8))
	_, _ = m.Grow(1)
	typ := m.Type()
	if typ.Limits.Min != 3 {
		t.Errorf("Min = %d, want current size 3", typ.Limits.Min)
	}
	if typ.Limits.Max == nil || *typ.Limits.Max != 8 {
		t.Errorf("Max = %v, want 8", typ.Limits.Max)
	}
}
