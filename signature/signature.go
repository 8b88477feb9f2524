// Package signature interns function types into comparable handles.
//
// A Registry is scoped to one engine session. Every module compiled and
// every instance created within that session shares it, so signatures from
// different modules compare with a single integer comparison.
package signature

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/wippyai/wasm-engine/wasm"
)

// Handle identifies an interned function type within one Registry.
type Handle uint32

// Invalid is never returned by Intern. Null table slots carry it.
const Invalid Handle = math.MaxUint32

// DefaultMaxTypes bounds the number of distinct signatures in a session.
const DefaultMaxTypes = 1 << 20

// Registry maps structurally equal (params, results) pairs to one Handle.
// Entries are never removed. Safe for concurrent use.
type Registry struct {
	ids      map[string]Handle
	types    []wasm.FuncType
	maxTypes int
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:      make(map[string]Handle),
		maxTypes: DefaultMaxTypes,
	}
}

// key encodes a type pair unambiguously: the result list starts after a
// separator byte that is not a value type.
func key(params, results []wasm.ValType) string {
	var b strings.Builder
	b.Grow(len(params) + len(results) + 1)
	for _, p := range params {
		b.WriteByte(byte(p))
	}
	b.WriteByte(0x00)
	for _, r := range results {
		b.WriteByte(byte(r))
	}
	return b.String()
}

// Intern returns the handle for (params, results), allocating one on first
// use. The caller's slices are copied.
func (r *Registry) Intern(params, results []wasm.ValType) Handle {
	h, err := r.TryIntern(params, results)
	if err != nil {
		panic(err)
	}
	return h
}

// TryIntern is Intern with an error instead of a panic once the registry
// reaches its capacity.
func (r *Registry) TryIntern(params, results []wasm.ValType) (Handle, error) {
	k := key(params, results)

	r.mu.RLock()
	h, ok := r.ids[k]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.ids[k]; ok {
		return h, nil
	}
	if len(r.types) >= r.maxTypes {
		return Invalid, fmt.Errorf("signature registry full: %d types", len(r.types))
	}
	h = Handle(len(r.types))
	r.types = append(r.types, wasm.FuncType{
		Params:  append([]wasm.ValType(nil), params...),
		Results: append([]wasm.ValType(nil), results...),
	})
	r.ids[k] = h
	return h, nil
}

// InternType interns a decoded function type.
func (r *Registry) InternType(ft wasm.FuncType) Handle {
	return r.Intern(ft.Params, ft.Results)
}

// Resolve returns the type lists behind h. The returned slices must not be
// modified. ok is false for handles this registry never issued.
func (r *Registry) Resolve(h Handle) (params, results []wasm.ValType, ok bool) {
	ft, ok := r.Type(h)
	if !ok {
		return nil, nil, false
	}
	return ft.Params, ft.Results, true
}

// Type returns the function type behind h.
func (r *Registry) Type(h Handle) (wasm.FuncType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(h) >= len(r.types) {
		return wasm.FuncType{}, false
	}
	return r.types[h], true
}

// String renders h as its function type, for error messages.
func (r *Registry) String(h Handle) string {
	ft, ok := r.Type(h)
	if !ok {
		return fmt.Sprintf("<unknown signature %d>", uint32(h))
	}
	return ft.String()
}

// Len returns the number of interned signatures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
