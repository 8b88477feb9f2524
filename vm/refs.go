package vm

import "reflect"

// RefStore maps reference values to the 64-bit handles that travel on the
// value stack. Handle 0 is null. A value that can be compared keeps one
// handle for as long as the store holds it; other values get a new handle
// each time they enter.
//
// Each Context owns a store. Handles only live while values are on the
// stack, so the store is emptied when an embedder call returns; references
// kept by tables and globals are held as values, not handles. A call into
// another instance runs on the caller's store. A store is not safe for
// concurrent use.
type RefStore struct {
	index map[any]uint64
	refs  []any
}

// NewRefStore creates an empty store.
func NewRefStore() *RefStore {
	return &RefStore{index: make(map[any]uint64)}
}

// Handle returns the stack handle for ref.
func (s *RefStore) Handle(ref any) uint64 {
	if ref == nil {
		return 0
	}
	keyed := reflect.ValueOf(ref).Comparable()
	if keyed {
		if h, ok := s.index[ref]; ok {
			return h
		}
	}
	s.refs = append(s.refs, ref)
	h := uint64(len(s.refs))
	if keyed {
		s.index[ref] = h
	}
	return h
}

// Ref returns the value behind a handle. Unknown handles resolve to nil.
func (s *RefStore) Ref(h uint64) any {
	if h == 0 || h > uint64(len(s.refs)) {
		return nil
	}
	return s.refs[h-1]
}

// Len returns the number of live handles.
func (s *RefStore) Len() int {
	return len(s.refs)
}

// Reset drops every handle, releasing the values behind them.
func (s *RefStore) Reset() {
	clear(s.refs)
	s.refs = s.refs[:0]
	clear(s.index)
}
