package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/signature"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: cbor enc mode: %v", err))
	}
}

// entryVersion changes whenever the entry layout or a backend's body
// encoding changes incompatibly.
const entryVersion = 1

// entry is the stored form of a compiled module. The binary's hash is kept
// so an entry stored under an explicit key is never restored for other
// bytes.
type entry struct {
	Backend string   `cbor:"1,keyasint"`
	Bodies  [][]byte `cbor:"2,keyasint"`
	Source  Key      `cbor:"3,keyasint"`
	Version uint32   `cbor:"4,keyasint"`
}

// Encode serializes mod's lowered bodies with codec.
func Encode(mod *engine.Module, codec engine.Codec) ([]byte, error) {
	bodies, err := engine.Serialize(mod, codec)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(entry{
		Version: entryVersion,
		Backend: codec.Name(),
		Source:  Hash(mod.Binary()),
		Bodies:  bodies,
	})
}

// Decode restores a module from data produced by Encode for bin.
func Decode(data []byte, reg *signature.Registry, bin []byte, codec engine.Codec) (*engine.Module, error) {
	var e entry
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: decode entry: %w", err)
	}
	switch {
	case e.Version != entryVersion:
		return nil, fmt.Errorf("cache: entry version %d, want %d", e.Version, entryVersion)
	case e.Backend != codec.Name():
		return nil, fmt.Errorf("cache: entry built by %q, want %q", e.Backend, codec.Name())
	case e.Source != Hash(bin):
		return nil, fmt.Errorf("cache: entry was built from different bytes")
	}
	return engine.Restore(reg, bin, codec, e.Bodies)
}
