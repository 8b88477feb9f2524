package errors

import (
	"fmt"
	"strings"
)

// TrapKind identifies the reason a running function aborted.
type TrapKind string

const (
	TrapMemoryOutOfBounds          TrapKind = "memory_out_of_bounds"
	TrapTableOutOfBounds           TrapKind = "table_out_of_bounds"
	TrapIndirectCallTypeMismatch   TrapKind = "indirect_call_type_mismatch"
	TrapIntegerDivideByZero        TrapKind = "integer_divide_by_zero"
	TrapIntegerOverflow            TrapKind = "integer_overflow"
	TrapUnreachable                TrapKind = "unreachable"
	TrapStackOverflow              TrapKind = "stack_overflow"
	TrapHostRequested              TrapKind = "host_requested"
	TrapUninitializedElement       TrapKind = "uninitialized_element"
	TrapInvalidConversionToInteger TrapKind = "invalid_conversion_to_integer"
)

// Trap is a runtime abort raised while executing WebAssembly code.
// Frames holds a best-effort backtrace, innermost first.
type Trap struct {
	Cause   error
	Kind    TrapKind
	Message string
	Frames  []string
}

// NewTrap creates a trap of the given kind.
func NewTrap(kind TrapKind, format string, args ...any) *Trap {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Trap{Kind: kind, Message: msg}
}

// HostTrap creates a trap requested by a host function. The host error is
// kept as the cause.
func HostTrap(cause error) *Trap {
	t := &Trap{Kind: TrapHostRequested, Cause: cause}
	if cause != nil {
		t.Message = cause.Error()
	}
	return t
}

func (t *Trap) Error() string {
	var b strings.Builder
	b.WriteString("wasm trap: ")
	b.WriteString(strings.ReplaceAll(string(t.Kind), "_", " "))
	if t.Message != "" {
		b.WriteString(": ")
		b.WriteString(t.Message)
	}
	if len(t.Frames) > 0 {
		b.WriteString("\nwasm stack trace:")
		for _, f := range t.Frames {
			b.WriteString("\n\t")
			b.WriteString(f)
		}
	}
	return b.String()
}

func (t *Trap) Unwrap() error {
	return t.Cause
}

// Is matches another *Trap with the same Kind, or the ErrTrap sentinel.
func (t *Trap) Is(target error) bool {
	switch o := target.(type) {
	case *Trap:
		return o.Kind == t.Kind
	case *Error:
		return o.Kind == KindTrap && (o.Phase == "" || o.Phase == PhaseCall)
	}
	return false
}

// Trap sentinels, one per kind, for errors.Is checks.
var (
	ErrMemoryOutOfBounds        = &Trap{Kind: TrapMemoryOutOfBounds}
	ErrTableOutOfBounds         = &Trap{Kind: TrapTableOutOfBounds}
	ErrIndirectCallTypeMismatch = &Trap{Kind: TrapIndirectCallTypeMismatch}
	ErrIntegerDivideByZero      = &Trap{Kind: TrapIntegerDivideByZero}
	ErrIntegerOverflow          = &Trap{Kind: TrapIntegerOverflow}
	ErrUnreachable              = &Trap{Kind: TrapUnreachable}
	ErrStackOverflow            = &Trap{Kind: TrapStackOverflow}
	ErrHostRequested            = &Trap{Kind: TrapHostRequested}
	ErrUninitializedElement     = &Trap{Kind: TrapUninitializedElement}
	ErrInvalidConversion        = &Trap{Kind: TrapInvalidConversionToInteger}
)

// AsTrap returns the trap carried by err, if any.
func AsTrap(err error) (*Trap, bool) {
	for err != nil {
		if t, ok := err.(*Trap); ok {
			return t, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
