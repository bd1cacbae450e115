package posbase

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config selects and tunes the backend. The selection happens exactly once,
// in Open; there is no lazy module-global client and no runtime switching
// mid-request.
type Config struct {
	// RedisURL selects the Redis/Upstash backend when non-empty
	// (redis:// or rediss:// URL).
	RedisURL string
	// DataPath selects the filesystem backend when non-empty and no
	// RedisURL is set.
	DataPath string
	// KV overrides backend selection entirely (tests, embedding).
	KV KV

	// OpTimeout bounds each Redis round-trip. Zero means DefaultOpTimeout.
	OpTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// ConfigFromEnv builds a Config from environment variables:
// REDIS_URL (or UPSTASH_REDIS_URL), then DATA_PATH. When neither is set the
// non-persistent in-process fallback is used rather than failing startup.
func ConfigFromEnv() Config {
	return Config{
		RedisURL: firstEnv("REDIS_URL", "UPSTASH_REDIS_URL"),
		DataPath: os.Getenv("DATA_PATH"),
	}
}

// BackendInfo is backend metadata for diagnostics endpoints
type BackendInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Storage is the stable facade consumed by API handlers and tooling. It
// hides which concrete backend is active and never leaks backend-specific
// error types: everything surfaces as the posbase sentinel taxonomy.
type Storage struct {
	store  *EntityStore
	repair *RepairService
	kv     KV
	lock   *DistributedLock
	logger Logger
}

// Open builds the storage stack from config. Called once at process
// startup; the result is shared read-only state across requests.
func Open(cfg Config) (*Storage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	var (
		kv   KV
		lock *DistributedLock
	)
	switch {
	case cfg.KV != nil:
		kv = cfg.KV
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "RedisURL",
				"reason": err.Error(),
			})
		}
		client := redis.NewClient(opts)
		redisKV := NewRedisKV(client)
		if cfg.OpTimeout > 0 {
			redisKV.WithOpTimeout(cfg.OpTimeout)
		}
		kv = redisKV
		lock = NewDistributedLock(client, "posbase")
	case cfg.DataPath != "":
		kv = NewFilesystemKV(cfg.DataPath)
	default:
		// Credentials absent: run on the in-process fallback so the
		// system stays demoable. Not persistent; seeding will refuse.
		kv = NewMemoryKV()
		logger.Warn("no backend configured, using non-persistent in-process fallback")
	}

	store := NewEntityStore(kv)
	store.SetLogger(logger)
	store.SetMetrics(metrics)

	repair := NewRepairService(kv)
	repair.SetLogger(logger)
	repair.SetMetrics(metrics)
	if lock != nil {
		repair.WithLock(lock)
	}

	status := kv.Status()
	logger.Info("storage opened", "backend", status.Type, "real", status.Real)

	return &Storage{
		store:  store,
		repair: repair,
		kv:     kv,
		lock:   lock,
		logger: logger,
	}, nil
}

// GetAll lists every live record in a collection
func (s *Storage) GetAll(ctx context.Context, collection string) ([]Record, error) {
	return s.store.GetAll(ctx, collection)
}

// Create stores a new record and returns it with generated fields
func (s *Storage) Create(ctx context.Context, collection string, data interface{}) (Record, error) {
	return s.store.Create(ctx, collection, data)
}

// Get fetches one record by ID
func (s *Storage) Get(ctx context.Context, collection, id string) (Record, error) {
	return s.store.Get(ctx, collection, id)
}

// Update merges a partial patch over an existing record
func (s *Storage) Update(ctx context.Context, collection, id string, patch interface{}) (Record, error) {
	return s.store.Update(ctx, collection, id, patch)
}

// Delete removes a record; deleting a missing ID returns false, not an error
func (s *Storage) Delete(ctx context.Context, collection, id string) (bool, error) {
	return s.store.Delete(ctx, collection, id)
}

// GenerateID returns a fresh record ID without storing anything
func (s *Storage) GenerateID() string {
	return NewID()
}

// GetIndex exposes the raw collection index for diagnostics
func (s *Storage) GetIndex(ctx context.Context, collection string) ([]string, error) {
	return s.store.GetIndex(ctx, collection)
}

// GetBucket exposes one secondary index bucket
func (s *Storage) GetBucket(ctx context.Context, collection, bucketValue string) ([]string, error) {
	return s.store.GetBucket(ctx, collection, bucketValue)
}

// RegisterBucket maintains a secondary index on field for collection,
// wired into both CRUD maintenance and rebuilds
func (s *Storage) RegisterBucket(collection, field string) {
	s.store.RegisterBucket(collection, field)
	s.repair.WithBucket(collection, field)
}

// RegisterValidator installs a per-collection payload validator
func (s *Storage) RegisterValidator(collection string, fn func(Record) error) {
	s.store.RegisterValidator(collection, fn)
}

// Info returns backend metadata for diagnostics endpoints
func (s *Storage) Info() BackendInfo {
	status := s.kv.Status()
	return BackendInfo{
		Type:        status.Type,
		Description: status.Description,
	}
}

// Status reports which backend is active and whether it is real
func (s *Storage) Status() ConnectionStatus {
	return s.kv.Status()
}

// Ping checks backend connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

// Store returns the underlying entity store
func (s *Storage) Store() *EntityStore {
	return s.store
}

// Repair returns the drift detection/repair service
func (s *Storage) Repair() *RepairService {
	return s.repair
}

// KV returns the raw primitive for migration tooling. Callers going through
// this bypass index maintenance and own the resulting consistency.
func (s *Storage) KV() KV {
	return s.kv
}

// Close releases the backend
func (s *Storage) Close() error {
	return s.kv.Close()
}
