package linker

import (
	"strings"
	"sync"

	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/table"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

// Extern is an importable or exported value. Exactly one of Func, Memory,
// Table and Global is set, according to Kind (wasm.KindFunc, ...).
type Extern struct {
	Func   vm.Func
	Memory *memory.Memory
	Table  *table.Table
	Global *vm.Global
	Kind   byte
}

// KindName returns the kind as it appears in error messages.
func (e Extern) KindName() string {
	return kindName(e.Kind)
}

func kindName(kind byte) string {
	switch kind {
	case wasm.KindFunc:
		return "func"
	case wasm.KindTable:
		return "table"
	case wasm.KindMemory:
		return "memory"
	case wasm.KindGlobal:
		return "global"
	}
	return "unknown"
}

type namespace struct {
	version *Version
	items   map[string]Extern
	name    string // without version
}

// Imports is a set of values keyed by (module, name) for instantiation. It
// is safe for concurrent use and may be shared by any number of
// instantiations.
//
// Module names may carry a version suffix ("wasi:io/streams@0.2.3"). With
// semver matching enabled, an import of "wasi:io/streams@0.2.0" that has
// no exact entry resolves to the newest compatible version defined.
type Imports struct {
	modules map[string]*namespace
	mu      sync.RWMutex
	semver  bool
}

// NewImports creates an empty import set with semver matching enabled.
func NewImports() *Imports {
	return &Imports{
		modules: make(map[string]*namespace),
		semver:  true,
	}
}

// SetSemverMatching enables or disables compatible-version resolution.
func (i *Imports) SetSemverMatching(enabled bool) *Imports {
	i.mu.Lock()
	i.semver = enabled
	i.mu.Unlock()
	return i
}

// Define binds ext to (module, name), replacing any previous value.
func (i *Imports) Define(module, name string, ext Extern) *Imports {
	i.mu.Lock()
	defer i.mu.Unlock()
	ns, ok := i.modules[module]
	if !ok {
		base, v := splitVersion(module)
		ns = &namespace{name: base, version: v, items: make(map[string]Extern)}
		i.modules[module] = ns
	}
	ns.items[name] = ext
	return i
}

// DefineMemory binds a memory.
func (i *Imports) DefineMemory(module, name string, m *memory.Memory) *Imports {
	return i.Define(module, name, Extern{Kind: wasm.KindMemory, Memory: m})
}

// DefineTable binds a table.
func (i *Imports) DefineTable(module, name string, t *table.Table) *Imports {
	return i.Define(module, name, Extern{Kind: wasm.KindTable, Table: t})
}

// DefineGlobal binds a global. The global is shared, not copied: writes
// through a mutable import are visible to every holder.
func (i *Imports) DefineGlobal(module, name string, g *vm.Global) *Imports {
	return i.Define(module, name, Extern{Kind: wasm.KindGlobal, Global: g})
}

// DefineFuncValue binds an existing function, such as another instance's
// export.
func (i *Imports) DefineFuncValue(module, name string, f vm.Func) *Imports {
	return i.Define(module, name, Extern{Kind: wasm.KindFunc, Func: f})
}

// DefineInstance binds every export of inst under module.
func (i *Imports) DefineInstance(module string, inst *Instance) *Imports {
	for _, name := range inst.ExportNames() {
		ext, _ := inst.Export(name)
		i.Define(module, name, ext)
	}
	return i
}

// Lookup resolves (module, name).
func (i *Imports) Lookup(module, name string) (Extern, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if ns, ok := i.modules[module]; ok {
		if ext, ok := ns.items[name]; ok {
			return ext, true
		}
	}
	if !i.semver {
		return Extern{}, false
	}
	base, want := splitVersion(module)
	if want == nil {
		return Extern{}, false
	}

	var best *namespace
	for _, ns := range i.modules {
		if ns.name != base || ns.version == nil || !ns.version.Compatible(*want) {
			continue
		}
		if _, ok := ns.items[name]; !ok {
			continue
		}
		if best == nil || best.version.Less(*ns.version) {
			best = ns
		}
	}
	if best == nil {
		return Extern{}, false
	}
	return best.items[name], true
}

// Modules returns the defined module names.
func (i *Imports) Modules() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.modules))
	for name := range i.modules {
		out = append(out, name)
	}
	return out
}

// Names returns the item names defined under module.
func (i *Imports) Names(module string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ns, ok := i.modules[module]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ns.items))
	for name := range ns.items {
		out = append(out, name)
	}
	return out
}

// toKebabCase converts a Go method name to an import name: ReadHTTPBody
// becomes read-http-body.
func toKebabCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !isUpper(r) {
			b.WriteRune(r)
			continue
		}
		end := i + 1
		for end < len(runes) && isUpper(runes[end]) {
			end++
		}
		// the last capital of an acronym followed by lowercase starts the
		// next word
		if end > i+1 && end < len(runes) && !isUpper(runes[end]) {
			end--
		}
		if i > 0 {
			b.WriteByte('-')
		}
		for j := i; j < end; j++ {
			b.WriteRune(runes[j] - 'A' + 'a')
		}
		i = end - 1
	}
	return b.String()
}

func isUpper(r rune) bool {
	return r >= 'A' && r <= 'Z'
}
