package posbase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// EntityStore provides per-collection CRUD on top of a KV, and owns the
// discipline that keeps each collection's "<collection>:index" record in
// sync with the record keys actually present.
//
// Create and Delete are two-phase (record write, then index update) with no
// transaction across the phases. A crash between them leaves drift that
// RepairService can detect and rebuild; this is the system's documented
// consistency model, not a bug.
type EntityStore struct {
	kv      KV
	logger  Logger
	metrics Metrics
	retry   RetryConfig

	mu         sync.RWMutex
	buckets    map[string]string // collection -> field bucketed into secondary indexes
	validators map[string]func(Record) error
}

// NewEntityStore creates an entity store with no-op logger and metrics
func NewEntityStore(kv KV) *EntityStore {
	return &EntityStore{
		kv:         kv,
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
		retry:      DefaultRetryConfig(),
		buckets:    make(map[string]string),
		validators: make(map[string]func(Record) error),
	}
}

// SetLogger updates the logger for this store
func (s *EntityStore) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMetrics updates the metrics collector for this store
func (s *EntityStore) SetMetrics(metrics Metrics) {
	s.metrics = metrics
}

// KV returns the underlying primitive (for repair and migration tooling,
// which are allowed to bypass the index-maintenance logic here)
func (s *EntityStore) KV() KV {
	return s.kv
}

// RegisterBucket maintains a secondary index per distinct value of field,
// e.g. RegisterBucket("dishes", "category") keeps "dishes:热菜:index".
// Bucket indexes follow the same set-of-IDs discipline as the primary index.
func (s *EntityStore) RegisterBucket(collection, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[collection] = field
}

// RegisterValidator installs a payload validator run before Create and
// Update writes for one collection. Validation failures surface as
// ErrInvalidPayload.
func (s *EntityStore) RegisterValidator(collection string, fn func(Record) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[collection] = fn
}

func (s *EntityStore) bucketField(collection string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buckets[collection]
}

func (s *EntityStore) validate(collection string, rec Record) error {
	s.mu.RLock()
	fn := s.validators[collection]
	s.mu.RUnlock()

	if fn == nil {
		return nil
	}
	if err := fn(rec); err != nil {
		return WithContext(ErrInvalidPayload, map[string]interface{}{
			"collection": collection,
			"reason":     err.Error(),
		})
	}
	return nil
}

// Create stores a new record: generates the ID and timestamps, writes the
// record key, then adds the ID to the collection index. The payload must be
// a plain field mapping; anything else is rejected before any write.
func (s *EntityStore) Create(ctx context.Context, collection string, data interface{}) (Record, error) {
	payload, err := AsRecord(data)
	if err != nil {
		return nil, err
	}
	if err := s.validate(collection, payload); err != nil {
		return nil, err
	}

	rec := payload.Clone()
	id := NewID()
	now := Now().Format(TimeLayout)
	rec[FieldID] = id
	rec[FieldCreatedAt] = now
	rec[FieldUpdatedAt] = now

	if err := s.putRecord(ctx, collection, id, rec); err != nil {
		return nil, err
	}

	if err := s.indexAdd(ctx, IndexKey(collection), id); err != nil {
		// Record is written but unindexed: drift the repair tooling can
		// find. Surface the failure rather than hiding it.
		s.logger.Error("record written but index update failed",
			"collection", collection, "id", id, "error", err)
		return nil, err
	}

	if field := s.bucketField(collection); field != "" {
		if value, ok := rec[field].(string); ok && value != "" {
			if err := s.indexAdd(ctx, BucketIndexKey(collection, value), id); err != nil {
				s.logger.Error("bucket index update failed",
					"collection", collection, "id", id, "bucket", value, "error", err)
				return nil, err
			}
		}
	}

	s.logger.Debug("record created", "collection", collection, "id", id)
	return rec, nil
}

// Get fetches one record by ID. No index involvement.
func (s *EntityStore) Get(ctx context.Context, collection, id string) (Record, error) {
	start := time.Now()
	data, err := s.kv.Get(ctx, RecordKey(collection, id))
	s.metrics.Timing(MetricGetDuration, time.Since(start))

	if err != nil {
		if !IsNotFound(err) {
			s.metrics.Increment(MetricGetError)
		}
		return nil, err
	}
	s.metrics.Increment(MetricGetSuccess)

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, WithContext(ErrIndexDrift, map[string]interface{}{
			"collection": collection,
			"id":         id,
			"reason":     "stored record is not valid JSON",
		})
	}
	return rec, nil
}

// GetAll reads the collection index and fetches every referenced record.
// IDs whose record is missing or unreadable are skipped (logged and
// counted), never failing the whole listing: one drifted entry must not
// blank out an entire page.
func (s *EntityStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	ids, err := s.GetIndex(ctx, collection)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		rec, err := s.Get(ctx, collection, id)
		if err != nil {
			if IsNotFound(err) || errors.Is(err, ErrIndexDrift) {
				skipped++
				s.logger.Warn("indexed record missing, skipping",
					"collection", collection, "id", id)
				s.metrics.Increment(MetricIndexSkipped, "collection", collection)
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}

	if skipped > 0 {
		s.logger.Warn("collection listing skipped drifted entries",
			"collection", collection, "skipped", skipped, "returned", len(records))
	}
	return records, nil
}

// Update shallow-merges patch over the existing record. The id and
// createdAt fields are preserved, updatedAt is bumped, and the index is
// never touched: updates cannot change collection membership.
func (s *EntityStore) Update(ctx context.Context, collection, id string, patch interface{}) (Record, error) {
	fields, err := AsRecord(patch)
	if err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	merged := existing.Clone()
	for k, v := range fields {
		merged[k] = v
	}
	merged[FieldID] = existing.ID()
	merged[FieldCreatedAt] = existing[FieldCreatedAt]
	merged[FieldUpdatedAt] = nextTimestamp(existing.UpdatedAt())

	if err := s.validate(collection, merged); err != nil {
		return nil, err
	}

	if err := s.putRecord(ctx, collection, id, merged); err != nil {
		return nil, err
	}

	// Bucket membership can change on update even though the primary
	// index does not
	if field := s.bucketField(collection); field != "" {
		oldValue, _ := existing[field].(string)
		newValue, _ := merged[field].(string)
		if oldValue != newValue {
			if oldValue != "" {
				if err := s.indexRemove(ctx, BucketIndexKey(collection, oldValue), id); err != nil {
					return nil, err
				}
			}
			if newValue != "" {
				if err := s.indexAdd(ctx, BucketIndexKey(collection, newValue), id); err != nil {
					return nil, err
				}
			}
		}
	}

	s.logger.Debug("record updated", "collection", collection, "id", id)
	return merged, nil
}

// Delete removes the record key, then the ID from the collection index.
// Deleting a missing ID is a successful no-op returning false. The index
// entry is cleaned up either way, so a dangling entry does not survive a
// second delete.
func (s *EntityStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	// Fetch first so the bucket entry can be cleaned up; a missing or
	// unreadable record still gets its key and index entries removed
	existing, err := s.Get(ctx, collection, id)
	if err != nil && !IsNotFound(err) && !errors.Is(err, ErrIndexDrift) {
		return false, err
	}

	start := time.Now()
	present, err := s.kv.Delete(ctx, RecordKey(collection, id))
	s.metrics.Timing(MetricDeleteDuration, time.Since(start))
	if err != nil {
		s.metrics.Increment(MetricDeleteError)
		return false, err
	}
	s.metrics.Increment(MetricDeleteSuccess)

	if err := s.indexRemove(ctx, IndexKey(collection), id); err != nil {
		return present, err
	}

	if field := s.bucketField(collection); field != "" && existing != nil {
		if value, ok := existing[field].(string); ok && value != "" {
			if err := s.indexRemove(ctx, BucketIndexKey(collection, value), id); err != nil {
				return present, err
			}
		}
	}

	s.logger.Debug("record deleted", "collection", collection, "id", id, "present", present)
	return present, nil
}

// GetIndex returns the raw primary index: the IDs believed live in the
// collection. Exposed for diagnostics; an empty collection yields an empty
// slice, not an error.
func (s *EntityStore) GetIndex(ctx context.Context, collection string) ([]string, error) {
	return s.indexMembers(ctx, IndexKey(collection))
}

// GetBucket returns the IDs in one secondary index bucket, e.g. all dishes
// whose category is "热菜"
func (s *EntityStore) GetBucket(ctx context.Context, collection, bucketValue string) ([]string, error) {
	return s.indexMembers(ctx, BucketIndexKey(collection, bucketValue))
}

func (s *EntityStore) putRecord(ctx context.Context, collection, id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return WithContext(ErrInvalidPayload, map[string]interface{}{
			"collection": collection,
			"reason":     err.Error(),
		})
	}

	start := time.Now()
	err = s.kv.Set(ctx, RecordKey(collection, id), data)
	s.metrics.Timing(MetricSetDuration, time.Since(start))
	if err != nil {
		s.metrics.Increment(MetricSetError)
		return err
	}
	s.metrics.Increment(MetricSetSuccess)
	return nil
}

// Index maintenance. Backends with native sets (Redis) get atomic add and
// remove; everyone else goes through a version-checked read-modify-write
// loop with exponential backoff, which closes the lost-update race between
// concurrent creates without backend support.

func (s *EntityStore) indexAdd(ctx context.Context, key, id string) error {
	if set, ok := s.kv.(IDSet); ok {
		if err := set.SetAdd(ctx, key, id); err != nil {
			s.metrics.Increment(MetricIndexErrors)
			return err
		}
		s.metrics.Increment(MetricIndexUpdate)
		return nil
	}
	return s.indexModify(ctx, key, func(ids []string) []string {
		for _, existing := range ids {
			if existing == id {
				return ids
			}
		}
		return append(ids, id)
	})
}

func (s *EntityStore) indexRemove(ctx context.Context, key, id string) error {
	if set, ok := s.kv.(IDSet); ok {
		if err := set.SetRemove(ctx, key, id); err != nil {
			s.metrics.Increment(MetricIndexErrors)
			return err
		}
		s.metrics.Increment(MetricIndexUpdate)
		return nil
	}
	return s.indexModify(ctx, key, func(ids []string) []string {
		out := ids[:0]
		for _, existing := range ids {
			if existing != id {
				out = append(out, existing)
			}
		}
		return out
	})
}

func (s *EntityStore) indexMembers(ctx context.Context, key string) ([]string, error) {
	if set, ok := s.kv.(IDSet); ok {
		return set.SetMembers(ctx, key)
	}

	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return decodeIDList(data)
}

func (s *EntityStore) indexModify(ctx context.Context, key string, fn func([]string) []string) error {
	for attempt := 0; attempt < s.retry.MaxRetries; attempt++ {
		var ids []string
		data, version, err := s.kv.GetWithVersion(ctx, key)
		switch {
		case err == nil:
			ids, err = decodeIDList(data)
			if err != nil {
				// Undecodable index: refusing to guess here keeps
				// the corruption visible for Rebuild
				return err
			}
		case IsNotFound(err):
			version = ""
		default:
			return err
		}

		encoded, err := encodeIDList(fn(ids))
		if err != nil {
			return err
		}

		_, err = s.kv.SetIfMatch(ctx, key, encoded, version)
		if err == nil {
			s.metrics.Increment(MetricIndexUpdate)
			return nil
		}
		if !IsConflict(err) && !IsNotFound(err) {
			s.metrics.Increment(MetricIndexErrors)
			return err
		}

		s.metrics.Increment(MetricIndexRetries)
		if attempt < s.retry.MaxRetries-1 {
			backoff := s.retry.InitialBackoff * time.Duration(1<<uint(attempt))
			jitter := time.Duration(float64(backoff) * s.retry.JitterPercent * (1.0 - (float64(attempt%2) * 0.5)))
			time.Sleep(backoff + jitter)
		}
	}

	err := WithContext(ErrIndexRetries, map[string]interface{}{
		"key":     key,
		"retries": s.retry.MaxRetries,
	})
	s.logger.Error("index update failed after retries",
		"key", key,
		"retries", s.retry.MaxRetries,
		"error", err,
	)
	s.metrics.Increment(MetricIndexErrors)
	return err
}

// nextTimestamp returns now, nudged forward when the clock has not advanced
// past the previous timestamp, so updatedAt strictly increases
func nextTimestamp(previous string) string {
	now := Now()
	if prev, err := time.Parse(TimeLayout, previous); err == nil && !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now.Format(TimeLayout)
}
