// Package errors provides structured error types for the wasm-engine library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the item path, a detail message, the offending value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLink, errors.KindIncompatibleImport).
//		Path("env", "memory").
//		Detail("provided minimum %d below required %d", 1, 2).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.MissingImport("env", "log")
//	err := errors.ExceedsMaximum("memory", 1, 2, 2)
//
// Runtime traps are *Trap values. A trap that escapes an export call is
// wrapped by CallTrapped, so both of these hold:
//
//	errors.Is(err, errors.ErrTrap)
//	errors.As(err, &trap) && trap.Kind == errors.TrapUnreachable
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
