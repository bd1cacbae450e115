package posbase

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock provides Redis-based locking for coordinating maintenance
// operations across processes. posbase uses it to keep two concurrent index
// rebuilds of the same collection from interleaving; backends without Redis
// skip locking (single-process deployments do not need it).
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// NewDistributedLock creates a lock manager. The caller keeps ownership of
// the Redis client.
func NewDistributedLock(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
	}
}

// Lock acquires a distributed lock for the given key.
// Returns a release function that MUST be called to release the lock.
func (l *DistributedLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl == 0 {
		ttl = l.defaultTTL
	}

	lockKey := fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())

	success, err := l.redis.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":    lockKey,
			"reason": err.Error(),
		})
	}

	if !success {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	release := func() {
		// Background context for cleanup: the release must run even
		// when the parent context was cancelled
		cleanupCtx := context.Background()

		// Only delete if we still own the lock (value matches)
		script := `
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			else
				return 0
			end
		`
		l.redis.Eval(cleanupCtx, script, []string{lockKey}, lockValue).Result()
	}

	return release, nil
}

// TryLockWithRetry attempts to acquire a lock with exponential backoff.
// Useful for handling temporary contention between maintenance runs.
func (l *DistributedLock) TryLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int) (func(), error) {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		release, err := l.Lock(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if i < config.MaxRetries-1 {
			backoff := config.InitialBackoff * time.Duration(int64(1)<<uint(i))
			jitter := time.Duration(float64(backoff) * config.JitterPercent)
			time.Sleep(backoff + jitter)
		}
	}

	return nil, WithContext(ErrLockTimeout, map[string]interface{}{
		"key":     key,
		"retries": config.MaxRetries,
		"last":    lastErr.Error(),
	})
}
