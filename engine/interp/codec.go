package interp

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/wasm-engine/vm"
)

// encMode is canonical so identical bodies serialize identically.
var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("interp: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// MarshalFunc serializes a lowered function to CBOR.
func MarshalFunc(f *Func) ([]byte, error) {
	return encMode.Marshal(f)
}

// UnmarshalFunc restores a function serialized by MarshalFunc.
func UnmarshalFunc(data []byte) (*Func, error) {
	var f Func
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("interp: unmarshal func: %w", err)
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	return &f, nil
}

// check rejects decoded bodies whose branch targets or frame sizes would
// index outside the code or stack.
func (f *Func) check() error {
	if len(f.Code) == 0 {
		return fmt.Errorf("interp: func %d: empty code", f.Index)
	}
	if f.NumParams > f.NumLocals {
		return fmt.Errorf("interp: func %d: %d params exceed %d locals", f.Index, f.NumParams, f.NumLocals)
	}
	n := uint32(len(f.Code))
	for i := range f.Code {
		op := &f.Code[i]
		if op.Target.PC >= n {
			return fmt.Errorf("interp: func %d: op %d jumps to %d", f.Index, i, op.Target.PC)
		}
		for _, t := range op.Table {
			if t.PC >= n {
				return fmt.Errorf("interp: func %d: op %d jumps to %d", f.Index, i, t.PC)
			}
		}
	}
	return nil
}

type codec struct{}

func (codec) MarshalBody(b vm.Body) ([]byte, error) {
	f, ok := b.(*Func)
	if !ok {
		return nil, fmt.Errorf("interp: cannot marshal body of type %T", b)
	}
	return MarshalFunc(f)
}

func (codec) UnmarshalBody(data []byte) (vm.Body, error) {
	return UnmarshalFunc(data)
}
