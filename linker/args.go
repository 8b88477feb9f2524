package linker

import (
	"math"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

// ParseArgs converts command-line strings to typed arguments for sig:
// int32, int64, float32 or float64 per parameter. Integers accept an
// unsigned value of the same width and a 0x prefix; floats also accept
// "nan", "inf" and "-inf".
func ParseArgs(sig wasm.FuncType, args []string) ([]any, error) {
	if len(args) != len(sig.Params) {
		return nil, errors.ArgumentType("expected %d argument(s), received %d", len(sig.Params), len(args))
	}
	out := make([]any, len(args))
	for i, s := range args {
		v, err := parseArg(sig.Params[i], s)
		if err != nil {
			return nil, errors.ArgumentType("argument %d (%q): expected %s", i, s, sig.Params[i])
		}
		out[i] = v
	}
	return out, nil
}

func parseArg(t wasm.ValType, s string) (any, error) {
	s = strings.TrimSpace(s)
	switch t {
	case wasm.ValI32:
		if n, err := strconv.ParseInt(s, 0, 32); err == nil {
			return int32(n), nil
		}
		n, err := strconv.ParseUint(s, 0, 32)
		return int32(uint32(n)), err
	case wasm.ValI64:
		if n, err := strconv.ParseInt(s, 0, 64); err == nil {
			return n, nil
		}
		n, err := strconv.ParseUint(s, 0, 64)
		return int64(n), err
	case wasm.ValF32:
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	case wasm.ValF64:
		return strconv.ParseFloat(s, 64)
	}
	return nil, strconv.ErrSyntax
}

// toRaw converts typed arguments to raw stack values.
func toRaw(sig wasm.FuncType, args []any, refs *vm.RefStore) ([]uint64, error) {
	if len(args) != len(sig.Params) {
		return nil, errors.ArgumentType("expected %d argument(s), received %d", len(sig.Params), len(args))
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		v, ok := convertArg(sig.Params[i], a, refs)
		if !ok {
			return nil, errors.ArgumentType("argument %d: cannot use %T as %s", i, a, sig.Params[i])
		}
		raw[i] = v
	}
	return raw, nil
}

func convertArg(t wasm.ValType, a any, refs *vm.RefStore) (uint64, bool) {
	if s, ok := a.(string); ok {
		v, err := parseArg(t, s)
		if err != nil {
			return 0, false
		}
		a = v
	}
	switch t {
	case wasm.ValI32:
		switch v := a.(type) {
		case int32:
			return uint64(uint32(v)), true
		case uint32:
			return uint64(v), true
		case int:
			if n := int64(v); n < math.MinInt32 || n > math.MaxUint32 {
				return 0, false
			}
			return uint64(uint32(v)), true
		case int64:
			if v < math.MinInt32 || v > math.MaxUint32 {
				return 0, false
			}
			return uint64(uint32(v)), true
		}
	case wasm.ValI64:
		switch v := a.(type) {
		case int64:
			return uint64(v), true
		case uint64:
			return v, true
		case int:
			return uint64(int64(v)), true
		case int32:
			return uint64(int64(v)), true
		case uint32:
			return uint64(v), true
		}
	case wasm.ValF32:
		switch v := a.(type) {
		case float32:
			return uint64(math.Float32bits(v)), true
		case float64:
			return uint64(math.Float32bits(float32(v))), true
		}
	case wasm.ValF64:
		switch v := a.(type) {
		case float64:
			return math.Float64bits(v), true
		case float32:
			return math.Float64bits(float64(v)), true
		}
	case wasm.ValFuncRef:
		if a == nil {
			return 0, true
		}
		if f, ok := a.(vm.Func); ok {
			return refs.Handle(f), true
		}
	case wasm.ValExtern:
		return refs.Handle(a), true
	}
	return 0, false
}

// fromRaw converts raw results to typed values.
func fromRaw(types []wasm.ValType, raw []uint64, refs *vm.RefStore) []any {
	out := make([]any, len(raw))
	for i, bits := range raw {
		var ref any
		if types[i].IsRef() {
			ref = refs.Ref(bits)
		}
		out[i] = vm.FromBits(types[i], bits, ref)
	}
	return out
}
