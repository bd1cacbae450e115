package posbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore() (*EntityStore, *MemoryKV) {
	kv := NewMemoryKV()
	store := NewEntityStore(kv)
	// Short backoff keeps retry-path tests fast
	store.retry.InitialBackoff = time.Millisecond
	return store, kv
}

func TestEntityStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	payload := Record{"name": "Kung Pao Chicken", "price": 35.0, "category": "热菜"}

	created, err := store.Create(ctx, "dishes", payload)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if created.ID() == "" {
		t.Error("expected generated id")
	}
	if created.CreatedAt() == "" || created.CreatedAt() != created.UpdatedAt() {
		t.Errorf("expected createdAt == updatedAt, got %q / %q", created.CreatedAt(), created.UpdatedAt())
	}
	if _, err := time.Parse(TimeLayout, created.CreatedAt()); err != nil {
		t.Errorf("createdAt is not a valid timestamp: %v", err)
	}

	got, err := store.Get(ctx, "dishes", created.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Original payload fields survive, plus the generated ones
	for k, want := range payload {
		if got[k] != want {
			t.Errorf("field %q: got %v, want %v", k, got[k], want)
		}
	}
	if got.ID() != created.ID() || got.CreatedAt() != created.CreatedAt() {
		t.Errorf("generated fields differ after round trip: %+v vs %+v", got, created)
	}

	// Input payload was not mutated
	if _, ok := payload[FieldID]; ok {
		t.Error("Create mutated the input payload")
	}
}

func TestEntityStore_IndexConsistency(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	// After every sequential create/delete, the index must equal exactly
	// the set of IDs whose record exists
	verify := func(step string) {
		t.Helper()
		ids, err := store.GetIndex(ctx, "orders")
		if err != nil {
			t.Fatalf("%s: GetIndex failed: %v", step, err)
		}
		for _, id := range ids {
			if _, err := store.Get(ctx, "orders", id); err != nil {
				t.Errorf("%s: indexed id %s has no record: %v", step, id, err)
			}
		}
		all, err := store.GetAll(ctx, "orders")
		if err != nil {
			t.Fatalf("%s: GetAll failed: %v", step, err)
		}
		if len(all) != len(ids) {
			t.Errorf("%s: index lists %d ids but %d records exist", step, len(ids), len(all))
		}
	}

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := store.Create(ctx, "orders", Record{"table": fmt.Sprintf("T%d", i)})
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		ids = append(ids, rec.ID())
		verify(fmt.Sprintf("after create %d", i))
	}

	for i, id := range ids {
		if _, err := store.Delete(ctx, "orders", id); err != nil {
			t.Fatalf("Delete %d failed: %v", i, err)
		}
		verify(fmt.Sprintf("after delete %d", i))
	}

	final, err := store.GetIndex(ctx, "orders")
	if err != nil {
		t.Fatalf("GetIndex failed: %v", err)
	}
	if len(final) != 0 {
		t.Errorf("expected empty index, got %v", final)
	}
}

func TestEntityStore_IdempotentDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	rec, err := store.Create(ctx, "dishes", Record{"name": "麻婆豆腐"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	present, err := store.Delete(ctx, "dishes", rec.ID())
	if err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	if !present {
		t.Error("first delete should report the record was present")
	}

	present, err = store.Delete(ctx, "dishes", rec.ID())
	if err != nil {
		t.Fatalf("second Delete errored, want no-op: %v", err)
	}
	if present {
		t.Error("second delete should report the record was absent")
	}
}

func TestEntityStore_GetAllResilience(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()
	metrics := NewInMemoryMetrics()
	store.SetMetrics(metrics)

	var keep []string
	for i := 0; i < 3; i++ {
		rec, err := store.Create(ctx, "dishes", Record{"name": fmt.Sprintf("dish-%d", i)})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		keep = append(keep, rec.ID())
	}

	// Simulate drift: remove one record directly, leaving its index entry
	if _, err := kv.Delete(ctx, RecordKey("dishes", keep[1])); err != nil {
		t.Fatalf("raw delete failed: %v", err)
	}

	all, err := store.GetAll(ctx, "dishes")
	if err != nil {
		t.Fatalf("GetAll must tolerate a dangling index entry: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 surviving records, got %d", len(all))
	}
	for _, rec := range all {
		if rec.ID() == keep[1] {
			t.Error("deleted record came back from GetAll")
		}
	}
	if metrics.Counters[MetricIndexSkipped] != 1 {
		t.Errorf("expected 1 skipped record counted, got %d", metrics.Counters[MetricIndexSkipped])
	}
}

func TestEntityStore_GetAllSkipsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()

	good, err := store.Create(ctx, "dishes", Record{"name": "good"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	bad, err := store.Create(ctx, "dishes", Record{"name": "bad"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := kv.Set(ctx, RecordKey("dishes", bad.ID()), []byte("{not json")); err != nil {
		t.Fatalf("raw set failed: %v", err)
	}

	all, err := store.GetAll(ctx, "dishes")
	if err != nil {
		t.Fatalf("GetAll must tolerate one corrupt record: %v", err)
	}
	if len(all) != 1 || all[0].ID() != good.ID() {
		t.Errorf("expected only the good record, got %v", all)
	}
}

func TestEntityStore_UpdatePreservesIdentity(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	created, err := store.Create(ctx, "hotel_rooms", Record{"roomNumber": "201", "status": "vacant"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := store.Update(ctx, "hotel_rooms", created.ID(), Record{"status": "occupied"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if updated.ID() != created.ID() {
		t.Errorf("id changed: %s -> %s", created.ID(), updated.ID())
	}
	if updated.CreatedAt() != created.CreatedAt() {
		t.Errorf("createdAt changed: %s -> %s", created.CreatedAt(), updated.CreatedAt())
	}
	if updated["status"] != "occupied" {
		t.Errorf("patch not applied: %v", updated["status"])
	}
	if updated["roomNumber"] != "201" {
		t.Errorf("unpatched field lost: %v", updated["roomNumber"])
	}

	before, _ := time.Parse(TimeLayout, created.UpdatedAt())
	after, err := time.Parse(TimeLayout, updated.UpdatedAt())
	if err != nil {
		t.Fatalf("updatedAt unparseable: %v", err)
	}
	if !after.After(before) {
		t.Errorf("updatedAt did not strictly increase: %s -> %s", created.UpdatedAt(), updated.UpdatedAt())
	}

	// Patch must not be able to overwrite the managed fields
	sneaky, err := store.Update(ctx, "hotel_rooms", created.ID(), Record{FieldID: "evil", FieldCreatedAt: "1999-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if sneaky.ID() != created.ID() || sneaky.CreatedAt() != created.CreatedAt() {
		t.Error("patch overwrote managed id/createdAt fields")
	}
}

func TestEntityStore_UpdateMissing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	_, err := store.Update(ctx, "dishes", "no-such-id", Record{"price": 1.0})
	if !IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEntityStore_InvalidPayload(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()

	before := kv.Len()

	for _, payload := range []interface{}{
		nil,
		[]interface{}{1, 2, 3},
		"just a string",
		42.0,
		Record(nil),
	} {
		if _, err := store.Create(ctx, "dishes", payload); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("payload %v: expected ErrInvalidPayload, got %v", payload, err)
		}
	}

	if kv.Len() != before {
		t.Errorf("invalid payloads performed writes: %d keys before, %d after", before, kv.Len())
	}
}

func TestEntityStore_ValidatorRejects(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	store.RegisterValidator("dishes", func(rec Record) error {
		if _, ok := rec["name"].(string); !ok {
			return fmt.Errorf("name is required")
		}
		return nil
	})

	if _, err := store.Create(ctx, "dishes", Record{"price": 9.0}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected validator rejection as ErrInvalidPayload, got %v", err)
	}
	if _, err := store.Create(ctx, "dishes", Record{"name": "ok", "price": 9.0}); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
}

func TestEntityStore_DishScenario(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	store.RegisterBucket("dishes", "category")

	created, err := store.Create(ctx, "dishes", Record{
		"name":     "Kung Pao Chicken",
		"price":    35.0,
		"category": "热菜",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created["category"] != "热菜" {
		t.Errorf("category field lost: %v", created["category"])
	}

	t.Run("listed after create", func(t *testing.T) {
		all, err := store.GetAll(ctx, "dishes")
		if err != nil {
			t.Fatalf("GetAll failed: %v", err)
		}
		found := false
		for _, rec := range all {
			if rec.ID() == created.ID() {
				found = true
			}
		}
		if !found {
			t.Error("created dish missing from GetAll")
		}

		bucket, err := store.GetBucket(ctx, "dishes", "热菜")
		if err != nil {
			t.Fatalf("GetBucket failed: %v", err)
		}
		if len(bucket) != 1 || bucket[0] != created.ID() {
			t.Errorf("expected dish in 热菜 bucket, got %v", bucket)
		}
	})

	t.Run("gone after delete", func(t *testing.T) {
		if _, err := store.Delete(ctx, "dishes", created.ID()); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		all, err := store.GetAll(ctx, "dishes")
		if err != nil {
			t.Fatalf("GetAll failed: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("deleted dish still listed: %v", all)
		}

		ids, err := store.GetIndex(ctx, "dishes")
		if err != nil {
			t.Fatalf("GetIndex failed: %v", err)
		}
		for _, id := range ids {
			if id == created.ID() {
				t.Error("deleted dish still in index")
			}
		}

		bucket, err := store.GetBucket(ctx, "dishes", "热菜")
		if err != nil {
			t.Fatalf("GetBucket failed: %v", err)
		}
		if len(bucket) != 0 {
			t.Errorf("deleted dish still in bucket index: %v", bucket)
		}
	})
}

func TestEntityStore_BucketMovesOnUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	store.RegisterBucket("dishes", "category")

	rec, err := store.Create(ctx, "dishes", Record{"name": "拍黄瓜", "category": "凉菜"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Update(ctx, "dishes", rec.ID(), Record{"category": "热菜"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	old, err := store.GetBucket(ctx, "dishes", "凉菜")
	if err != nil {
		t.Fatalf("GetBucket failed: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("record still in old bucket: %v", old)
	}

	now, err := store.GetBucket(ctx, "dishes", "热菜")
	if err != nil {
		t.Fatalf("GetBucket failed: %v", err)
	}
	if len(now) != 1 || now[0] != rec.ID() {
		t.Errorf("record missing from new bucket: %v", now)
	}
}

func TestEntityStore_ConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	// Enough retries to absorb heavy CAS contention on one index key
	store.retry.MaxRetries = 20

	// The versioned read-modify-write loop must not lose index entries
	// under concurrent creates of the same collection
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Create(ctx, "orders", Record{"seq": float64(i)}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent create failed: %v", err)
	}

	ids, err := store.GetIndex(ctx, "orders")
	if err != nil {
		t.Fatalf("GetIndex failed: %v", err)
	}
	if len(ids) != n {
		t.Errorf("lost index updates: %d ids indexed, want %d", len(ids), n)
	}
}
