package wasm

import (
	"errors"
	"fmt"
)

// Header errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// UnsupportedError reports a well-formed use of a WebAssembly feature the
// engine does not implement.
type UnsupportedError struct {
	Feature string
}

func (e *UnsupportedError) Error() string {
	return "unsupported feature: " + e.Feature
}

func unsupported(feature string) error {
	return &UnsupportedError{Feature: feature}
}

// ValidationError reports a decoded module that violates the WebAssembly
// validation rules. Func is the function index for errors inside a body,
// or -1.
type ValidationError struct {
	Reason string
	Func   int
	Instr  int
}

func (e *ValidationError) Error() string {
	if e.Func >= 0 {
		return fmt.Sprintf("func %d, instruction %d: %s", e.Func, e.Instr, e.Reason)
	}
	return e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Func: -1, Reason: fmt.Sprintf(format, args...)}
}
