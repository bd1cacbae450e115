package posbase

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := NewRedisKV(client)
	t.Cleanup(func() { kv.Close() })
	return kv, mr
}

func TestRedisKV_BasicOperations(t *testing.T) {
	ctx := context.Background()
	kv, _ := newTestRedisKV(t)

	t.Run("get missing is normalized", func(t *testing.T) {
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
			t.Errorf("expected present=false, got %v %v", present, err)
		}
	})

	t.Run("keys scan", func(t *testing.T) {
		for _, key := range []string{"dishes:1", "dishes:2", "orders:1"} {
			if err := kv.Set(ctx, key, []byte("x")); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}
		keys, err := kv.Keys(ctx, "dishes:*")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 {
			t.Errorf("got %v", keys)
		}
	})

	t.Run("status is real", func(t *testing.T) {
		if !kv.Status().Real {
			t.Error("redis backend must report Real=true")
		}
		if kv.Status().Type != "redis" {
			t.Errorf("unexpected type %q", kv.Status().Type)
		}
	})
}

func TestRedisKV_UnreachableServer(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr})
	kv := NewRedisKV(client)
	defer kv.Close()

	if err := kv.Ping(ctx); !IsUnavailable(err) {
		t.Errorf("expected ErrBackendUnavailable-class error, got %v", err)
	}
	if _, err := kv.Get(ctx, "dishes:a"); !IsUnavailable(err) {
		t.Errorf("expected ErrBackendUnavailable-class error, got %v", err)
	}
}

func TestRedisKV_SetIfMatch(t *testing.T) {
	ctx := context.Background()
	kv, mr := newTestRedisKV(t)

	version, err := kv.SetIfMatch(ctx, "dishes:index", []byte(`["a"]`), "")
	if err != nil {
		t.Fatalf("initial SetIfMatch failed: %v", err)
	}

	// Mutate behind our back
	mr.Set("dishes:index", `["a","b"]`)

	if _, err := kv.SetIfMatch(ctx, "dishes:index", []byte(`["a","c"]`), version); !IsConflict(err) {
		t.Errorf("stale version should conflict, got %v", err)
	}
}

func TestRedisKV_NativeSetIndexes(t *testing.T) {
	ctx := context.Background()
	kv, mr := newTestRedisKV(t)
	store := NewEntityStore(kv)

	rec, err := store.Create(ctx, "dishes", Record{"name": "宫保鸡丁", "category": "热菜"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The index is a native Redis set, not a JSON blob
	members, err := mr.SMembers("dishes:index")
	if err != nil {
		t.Fatalf("index is not a redis set: %v", err)
	}
	if len(members) != 1 || members[0] != rec.ID() {
		t.Errorf("set members = %v, want [%s]", members, rec.ID())
	}

	ids, err := store.GetIndex(ctx, "dishes")
	if err != nil {
		t.Fatalf("GetIndex failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != rec.ID() {
		t.Errorf("GetIndex = %v", ids)
	}

	if _, err := store.Delete(ctx, "dishes", rec.ID()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	ids, err = store.GetIndex(ctx, "dishes")
	if err != nil {
		t.Fatalf("GetIndex failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("index not emptied: %v", ids)
	}
}

func TestRedisKV_StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv, _ := newTestRedisKV(t)
	store := NewEntityStore(kv)
	store.RegisterBucket("dishes", "category")

	created, err := store.Create(ctx, "dishes", Record{"name": "麻婆豆腐", "price": 22.0, "category": "热菜"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "dishes", created.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["name"] != "麻婆豆腐" || got["price"] != 22.0 {
		t.Errorf("round trip mismatch: %v", got)
	}

	bucket, err := store.GetBucket(ctx, "dishes", "热菜")
	if err != nil {
		t.Fatalf("GetBucket failed: %v", err)
	}
	if len(bucket) != 1 || bucket[0] != created.ID() {
		t.Errorf("bucket = %v", bucket)
	}
}
