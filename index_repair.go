package posbase

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// RepairService detects and repairs drift between a collection's records
// and its index. It talks to the KV primitive directly, bypassing the
// EntityStore's index maintenance: the ground truth is the set of record
// keys actually present, and repair means recomputing the index as exactly
// that set. Drift is a report, never an exception.
type RepairService struct {
	kv      KV
	logger  Logger
	metrics Metrics
	lock    *DistributedLock

	buckets map[string]string // collection -> bucket field, mirrors EntityStore registration
}

// DriftReport describes the difference between a collection's index and its
// actual record keys, and what a rebuild changed.
type DriftReport struct {
	Collection     string    `json:"collection"`
	CheckedAt      time.Time `json:"checkedAt"`
	RecordCount    int       `json:"recordCount"`
	IndexedCount   int       `json:"indexedCount"`
	OrphanRecords  []string  `json:"orphanRecords"` // record exists, missing from index
	DanglingIDs    []string  `json:"danglingIds"`   // indexed, but record is gone
	IndexCorrupt   bool      `json:"indexCorrupt"`  // index value was undecodable
	Rebuilt        bool      `json:"rebuilt"`
	BucketsRebuilt int       `json:"bucketsRebuilt"`
}

// Drifted reports whether the index disagrees with the record keys
func (r *DriftReport) Drifted() bool {
	return r.IndexCorrupt || len(r.OrphanRecords) > 0 || len(r.DanglingIDs) > 0
}

// NewRepairService creates a repair service over the raw KV
func NewRepairService(kv KV) *RepairService {
	return &RepairService{
		kv:      kv,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
		buckets: make(map[string]string),
	}
}

// SetLogger updates the logger
func (r *RepairService) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics updates the metrics collector
func (r *RepairService) SetMetrics(metrics Metrics) {
	r.metrics = metrics
}

// WithBucket registers a bucket field so Rebuild can recompute the
// collection's secondary indexes as well
func (r *RepairService) WithBucket(collection, field string) *RepairService {
	r.buckets[collection] = field
	return r
}

// WithLock guards rebuilds with a distributed lock so two maintenance runs
// cannot interleave on the same collection
func (r *RepairService) WithLock(lock *DistributedLock) *RepairService {
	r.lock = lock
	return r
}

// Check scans all keys under the collection prefix, partitions them into
// the index key and data keys, and reports where the two views disagree.
// Read-only: nothing is modified.
func (r *RepairService) Check(ctx context.Context, collection string) (*DriftReport, error) {
	report := &DriftReport{
		Collection: collection,
		CheckedAt:  Now(),
	}

	recordIDs, err := r.scanRecordIDs(ctx, collection)
	if err != nil {
		return nil, err
	}
	report.RecordCount = len(recordIDs)

	indexed, corrupt, err := r.readIndex(ctx, IndexKey(collection))
	if err != nil {
		return nil, err
	}
	report.IndexCorrupt = corrupt
	report.IndexedCount = len(indexed)

	indexedSet := make(map[string]bool, len(indexed))
	for _, id := range indexed {
		indexedSet[id] = true
	}

	for id := range recordIDs {
		if !indexedSet[id] {
			report.OrphanRecords = append(report.OrphanRecords, id)
		}
	}
	for _, id := range indexed {
		if !recordIDs[id] {
			report.DanglingIDs = append(report.DanglingIDs, id)
		}
	}

	r.metrics.Increment(MetricRepairChecked, "collection", collection)
	if report.Drifted() {
		r.logger.Warn("index drift detected",
			"collection", collection,
			"orphans", len(report.OrphanRecords),
			"dangling", len(report.DanglingIDs),
			"corrupt", report.IndexCorrupt)
	}
	return report, nil
}

// Rebuild recomputes the primary index as exactly the set of record keys
// present, and rebuilds registered bucket indexes from a full scan of the
// record payloads. Full rebuild, not incremental patching: the scan is the
// only trustworthy source once drift exists.
func (r *RepairService) Rebuild(ctx context.Context, collection string) (*DriftReport, error) {
	if r.lock != nil {
		release, err := r.lock.TryLockWithRetry(ctx, "repair:"+collection, time.Minute, DefaultMaxRetries)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	report, err := r.Check(ctx, collection)
	if err != nil {
		return nil, err
	}

	recordIDs, err := r.scanRecordIDs(ctx, collection)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recordIDs))
	for id := range recordIDs {
		ids = append(ids, id)
	}

	if err := r.writeIndex(ctx, IndexKey(collection), ids); err != nil {
		return nil, err
	}

	if field, ok := r.buckets[collection]; ok {
		rebuilt, err := r.rebuildBuckets(ctx, collection, field, ids)
		if err != nil {
			return nil, err
		}
		report.BucketsRebuilt = rebuilt
	}

	report.Rebuilt = true
	r.metrics.Increment(MetricRepairRebuilt, "collection", collection)
	r.logger.Info("index rebuilt",
		"collection", collection,
		"records", len(ids),
		"buckets", report.BucketsRebuilt)
	return report, nil
}

// scanRecordIDs returns the set of IDs present as data keys under the
// collection prefix, excluding the primary and bucket index keys
func (r *RepairService) scanRecordIDs(ctx context.Context, collection string) (map[string]bool, error) {
	keys, err := r.kv.Keys(ctx, collection+":*")
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool)
	for _, key := range keys {
		if id, ok := recordIDFromKey(collection, key); ok {
			ids[id] = true
		}
	}
	return ids, nil
}

// readIndex reads index membership directly. An undecodable value is
// reported as corruption, treated as an empty index rather than an error.
func (r *RepairService) readIndex(ctx context.Context, key string) ([]string, bool, error) {
	if set, ok := r.kv.(IDSet); ok {
		members, err := set.SetMembers(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return members, false, nil
	}

	data, err := r.kv.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	ids, err := decodeIDList(data)
	if err != nil {
		return nil, true, nil
	}
	return ids, false, nil
}

// writeIndex replaces index membership wholesale
func (r *RepairService) writeIndex(ctx context.Context, key string, ids []string) error {
	if set, ok := r.kv.(IDSet); ok {
		if _, err := r.kv.Delete(ctx, key); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return set.SetAdd(ctx, key, ids...)
	}

	data, err := encodeIDList(ids)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, key, data)
}

// rebuildBuckets scans every record payload, groups IDs by the bucket
// field's value, rewrites one secondary index per value, and deletes stale
// bucket index keys for values that no longer occur.
func (r *RepairService) rebuildBuckets(ctx context.Context, collection, field string, ids []string) (int, error) {
	byValue := make(map[string][]string)
	for _, id := range ids {
		data, err := r.kv.Get(ctx, RecordKey(collection, id))
		if err != nil {
			if IsNotFound(err) {
				continue // deleted mid-scan
			}
			return 0, err
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping unreadable record during bucket rebuild",
				"collection", collection, "id", id)
			continue
		}
		if value, ok := rec[field].(string); ok && value != "" {
			byValue[value] = append(byValue[value], id)
		}
	}

	// Drop bucket indexes whose value no longer occurs in any record
	existing, err := r.kv.Keys(ctx, collection+":*:"+indexSuffix)
	if err != nil {
		return 0, err
	}
	for _, key := range existing {
		value := strings.TrimSuffix(strings.TrimPrefix(key, collection+":"), ":"+indexSuffix)
		if _, live := byValue[value]; !live {
			if _, err := r.kv.Delete(ctx, key); err != nil {
				return 0, err
			}
		}
	}

	for value, members := range byValue {
		if err := r.writeIndex(ctx, BucketIndexKey(collection, value), members); err != nil {
			return 0, err
		}
	}
	return len(byValue), nil
}
