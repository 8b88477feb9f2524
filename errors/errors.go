package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCompile Phase = "compile" // decode, validate, lower
	PhaseLink    Phase = "link"    // instantiation
	PhaseGrow    Phase = "grow"    // memory/table growth
	PhaseCall    Phase = "call"    // export invocation
	PhaseRuntime Phase = "runtime" // engine/session operations
	PhaseLoad    Phase = "load"    // reading module bytes
	PhaseHost    Phase = "host"    // host function definition
	PhaseCache   Phase = "cache"   // compiled module cache
	PhaseConfig  Phase = "config"  // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindMalformed      Kind = "malformed"
	KindValidation     Kind = "validation"
	KindUnsupported    Kind = "unsupported"
	KindBackendFailure Kind = "backend_failure"

	KindMissingImport        Kind = "missing_import"
	KindIncompatibleImport   Kind = "incompatible_import"
	KindSegmentOutOfBounds   Kind = "segment_out_of_bounds"
	KindStartTrapped         Kind = "start_trapped"
	KindExceedsMaximum       Kind = "exceeds_maximum"
	KindHostAllocationFailed Kind = "host_allocation_failed"

	KindNoSuchExport Kind = "no_such_export"
	KindArgumentType Kind = "argument_type"
	KindTrap         Kind = "trap"

	KindInvalidInput Kind = "invalid_input"
	KindTypeMismatch Kind = "type_mismatch"
	KindIO           Kind = "io"
)

// Error is the structured error type used throughout the engine
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the item path (e.g. module name, item name)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is checks. They carry only phase and kind.
var (
	ErrMalformed      = &Error{Phase: PhaseCompile, Kind: KindMalformed}
	ErrValidation     = &Error{Phase: PhaseCompile, Kind: KindValidation}
	ErrUnsupported    = &Error{Phase: PhaseCompile, Kind: KindUnsupported}
	ErrBackendFailure = &Error{Phase: PhaseCompile, Kind: KindBackendFailure}

	ErrMissingImport      = &Error{Phase: PhaseLink, Kind: KindMissingImport}
	ErrIncompatibleImport = &Error{Phase: PhaseLink, Kind: KindIncompatibleImport}
	ErrSegmentOutOfBounds = &Error{Phase: PhaseLink, Kind: KindSegmentOutOfBounds}
	ErrStartTrapped       = &Error{Phase: PhaseLink, Kind: KindStartTrapped}

	ErrExceedsMaximum       = &Error{Phase: PhaseGrow, Kind: KindExceedsMaximum}
	ErrHostAllocationFailed = &Error{Phase: PhaseGrow, Kind: KindHostAllocationFailed}

	ErrNoSuchExport = &Error{Phase: PhaseCall, Kind: KindNoSuchExport}
	ErrArgumentType = &Error{Phase: PhaseCall, Kind: KindArgumentType}
	ErrTrap         = &Error{Phase: PhaseCall, Kind: KindTrap}
)

// Compile errors

// Malformed creates an error for a binary that does not decode.
func Malformed(cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindMalformed,
		Detail: "malformed module",
		Cause:  cause,
	}
}

// Validation creates an error for a decoded module that is not valid.
func Validation(reason string, args ...any) *Error {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindValidation,
		Detail: reason,
	}
}

// Unsupported creates an error for a feature the backend does not implement.
func Unsupported(feature string) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindUnsupported,
		Detail: feature,
		Value:  feature,
	}
}

// BackendFailure wraps a backend-internal failure.
func BackendFailure(backend string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindBackendFailure,
		Detail: backend,
		Cause:  cause,
	}
}

// Link errors

// MissingImport creates an error for an import with no provided value.
func MissingImport(module, name string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindMissingImport,
		Path:   []string{module, name},
		Detail: fmt.Sprintf("import %s.%s not provided", module, name),
	}
}

// IncompatibleImport creates an error for a provided value that does not
// match the import declaration.
func IncompatibleImport(module, name, reason string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindIncompatibleImport,
		Path:   []string{module, name},
		Detail: reason,
	}
}

// SegmentOutOfBounds creates an error for a data or element segment that
// does not fit its target.
func SegmentOutOfBounds(what string, index int, offset, length, size uint64) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindSegmentOutOfBounds,
		Detail: fmt.Sprintf("%s segment %d: [%d, %d) exceeds size %d", what, index, offset, offset+length, size),
		Value:  index,
	}
}

// StartTrapped wraps a trap raised by the start function.
func StartTrapped(cause error) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindStartTrapped,
		Detail: "start function trapped",
		Cause:  cause,
	}
}

// Grow errors

// ExceedsMaximum creates a grow error for a request past the declared or
// engine maximum.
func ExceedsMaximum(what string, current, delta, maximum uint64) *Error {
	return &Error{
		Phase:  PhaseGrow,
		Kind:   KindExceedsMaximum,
		Detail: fmt.Sprintf("%s: %d + %d exceeds maximum %d", what, current, delta, maximum),
	}
}

// HostAllocationFailed creates a grow error for a request the host could
// not satisfy.
func HostAllocationFailed(what string, requested uint64, cause error) *Error {
	return &Error{
		Phase:  PhaseGrow,
		Kind:   KindHostAllocationFailed,
		Detail: fmt.Sprintf("%s: cannot allocate %d units", what, requested),
		Cause:  cause,
	}
}

// Call errors

// NoSuchExport creates an error for a missing or non-function export.
func NoSuchExport(name string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindNoSuchExport,
		Path:   []string{name},
		Detail: fmt.Sprintf("function export %q not found", name),
	}
}

// ArgumentType creates an error for an argument that cannot be converted
// to the declared parameter type, or an arity mismatch.
func ArgumentType(detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindArgumentType,
		Detail: detail,
	}
}

// CallTrapped wraps a runtime trap raised during an export call.
func CallTrapped(name string, trap *Trap) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindTrap,
		Path:   []string{name},
		Detail: string(trap.Kind),
		Cause:  trap,
	}
}

// Ambient errors

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingImportEntry represents a single unresolved import
type MissingImportEntry struct {
	Module string
	Name   string
}

// MissingImportsError lists every unresolved import of a module. It matches
// ErrMissingImport under errors.Is.
type MissingImportsError struct {
	Imports []MissingImportEntry
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[link] missing_import: %d import(s) not provided:\n", len(e.Imports))

	byModule := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp.Name)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, name := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(name)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target is a MissingImportsError or the missing import sentinel.
func (e *MissingImportsError) Is(target error) bool {
	switch t := target.(type) {
	case *MissingImportsError:
		return true
	case *Error:
		return t.Kind == KindMissingImport
	}
	return false
}
