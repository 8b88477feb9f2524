package cache

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Key identifies a cache entry.
type Key [blake2b.Size256]byte

// Hash returns the content key of a WebAssembly binary.
func Hash(bin []byte) Key {
	return blake2b.Sum256(bin)
}

// ParseKey decodes a 64-digit hex key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("cache key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("cache key: want %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
