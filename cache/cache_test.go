package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/wippyai/wasm-engine/engine/interp"
	"github.com/wippyai/wasm-engine/internal/testwasm"
	"github.com/wippyai/wasm-engine/linker"
	"github.com/wippyai/wasm-engine/signature"
	"github.com/wippyai/wasm-engine/wasm"
)

func addBinary(bias int32) []byte {
	b := testwasm.New()
	b.Func("add", testwasm.Repeat(wasm.ValI32, 2), testwasm.I32, nil,
		testwasm.LocalGet(0), testwasm.LocalGet(1), testwasm.Op(wasm.OpI32Add),
		testwasm.I32Const(bias), testwasm.Op(wasm.OpI32Add))
	return b.Bytes()
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sqliteStore, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	key := Hash([]byte("module"))
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, key); ok || err != nil {
				t.Fatalf("Get on empty store = %t, %v", ok, err)
			}
			if err := s.Put(ctx, key, []byte("one")); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(ctx, key, []byte("two")); err != nil {
				t.Fatal(err)
			}
			data, ok, err := s.Get(ctx, key)
			if err != nil || !ok || string(data) != "two" {
				t.Errorf("Get = %q, %t, %v; want \"two\"", data, ok, err)
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := s.Get(ctx, key); ok {
				t.Error("entry still present after Delete")
			}
			if err := s.Delete(ctx, key); err != nil {
				t.Errorf("Delete of missing key: %v", err)
			}
		})
	}
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	bin := addBinary(100)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := New(s)
			backend := interp.NewOptimizing(signature.NewRegistry())
			mod, err := backend.Compile(ctx, bin)
			if err != nil {
				t.Fatal(err)
			}
			key := Hash(bin)
			if err := c.Save(ctx, key, mod, backend); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			restored, ok := c.Load(ctx, key, signature.NewRegistry(), bin, backend)
			if !ok {
				t.Fatal("Load missed a stored entry")
			}
			inst, err := linker.Instantiate(ctx, restored, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, err := inst.Call(ctx, "add", int32(1), int32(2))
			if err != nil || got[0] != int32(103) {
				t.Errorf("add(1, 2) = %v, %v; want [103]", got, err)
			}

			if _, ok := c.Load(ctx, key, signature.NewRegistry(), bin, interp.NewBaseline(nil)); ok {
				t.Error("entry restored for a different backend")
			}
		})
	}
}

func TestCacheMisses(t *testing.T) {
	ctx := context.Background()
	bin := addBinary(1)
	backend := interp.NewBaseline(signature.NewRegistry())
	mod, err := backend.Compile(ctx, bin)
	if err != nil {
		t.Fatal(err)
	}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := New(s)
			key := Hash([]byte("explicit"))
			if err := c.Save(ctx, key, mod, backend); err != nil {
				t.Fatal(err)
			}
			if _, ok := c.Load(ctx, key, signature.NewRegistry(), addBinary(2), backend); ok {
				t.Error("entry restored for different bytes")
			}
			if _, ok, _ := s.Get(ctx, key); ok {
				t.Error("stale entry was not deleted")
			}

			if err := s.Put(ctx, key, []byte{0xde, 0xad}); err != nil {
				t.Fatal(err)
			}
			if _, ok := c.Load(ctx, key, signature.NewRegistry(), bin, backend); ok {
				t.Error("corrupt entry reported as a hit")
			}
			if _, ok, _ := s.Get(ctx, key); ok {
				t.Error("corrupt entry was not deleted")
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	k := Hash([]byte("x"))
	got, err := ParseKey(k.String())
	if err != nil || got != k {
		t.Errorf("ParseKey(%s) = %s, %v", k, got, err)
	}
	if k == Hash([]byte("y")) {
		t.Error("distinct inputs hashed to the same key")
	}

	for _, s := range []string{"", "zz", "abcd", strings.Repeat("0", 66)} {
		if _, err := ParseKey(s); err == nil {
			t.Errorf("ParseKey(%q) succeeded", s)
		}
	}
}
