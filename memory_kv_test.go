package posbase

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryKV_BasicOperations(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	t.Run("get missing", func(t *testing.T) {
		if _, err := kv.Get(ctx, "dishes:nope"); !IsNotFound(err) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("set then get", func(t *testing.T) {
		if err := kv.Set(ctx, "dishes:a", []byte(`{"name":"a"}`)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		data, err := kv.Get(ctx, "dishes:a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(data) != `{"name":"a"}` {
			t.Errorf("got %q", data)
		}
	})

	t.Run("delete reports presence", func(t *testing.T) {
		present, err := kv.Delete(ctx, "dishes:a")
		if err != nil || !present {
			t.Errorf("expected present=true, got %v %v", present, err)
		}
		present, err = kv.Delete(ctx, "dishes:a")
		if err != nil || present {
			t.Errorf("expected present=false on second delete, got %v %v", present, err)
		}
	})

	t.Run("status is fallback", func(t *testing.T) {
		status := kv.Status()
		if status.Real {
			t.Error("memory backend must report Real=false")
		}
		if status.Type != "memory" {
			t.Errorf("unexpected type %q", status.Type)
		}
	})
}

func TestMemoryKV_Keys(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	for _, key := range []string{"dishes:1", "dishes:2", "dishes:index", "orders:1"} {
		if err := kv.Set(ctx, key, []byte("x")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	keys, err := kv.Keys(ctx, "dishes:*")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	want := []string{"dishes:1", "dishes:2", "dishes:index"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("got %v, want %v", keys, want)
		}
	}
}

func TestMemoryKV_SetIfMatch(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	t.Run("create asserts absence", func(t *testing.T) {
		v1, err := kv.SetIfMatch(ctx, "k", []byte("one"), "")
		if err != nil {
			t.Fatalf("initial SetIfMatch failed: %v", err)
		}
		if v1 == "" {
			t.Error("expected a version token")
		}

		if _, err := kv.SetIfMatch(ctx, "k", []byte("two"), ""); !IsConflict(err) {
			t.Errorf("creating over existing key should conflict, got %v", err)
		}
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		_, version, err := kv.GetWithVersion(ctx, "k")
		if err != nil {
			t.Fatalf("GetWithVersion failed: %v", err)
		}

		if _, err := kv.SetIfMatch(ctx, "k", []byte("two"), version); err != nil {
			t.Fatalf("matching SetIfMatch failed: %v", err)
		}

		// The old version is now stale
		if _, err := kv.SetIfMatch(ctx, "k", []byte("three"), version); !IsConflict(err) {
			t.Errorf("stale version should conflict, got %v", err)
		}
	})

	t.Run("missing key with version", func(t *testing.T) {
		if _, err := kv.SetIfMatch(ctx, "gone", []byte("x"), "7"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
