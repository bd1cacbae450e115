package posbase

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV against a Redis or Upstash-compatible server.
// It also implements IDSet, so index membership changes use native set
// commands instead of whole-value rewrites.
//
// Every call is bounded by an operation timeout; a timeout leaves the
// operation's completion state undefined and the caller must re-read to
// discover the outcome. The client handle is shared and never mutated after
// construction.
type RedisKV struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisKV wraps an existing Redis client. The caller keeps ownership of
// the client unless Close is used.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{
		client:    client,
		opTimeout: DefaultOpTimeout,
	}
}

// WithOpTimeout sets the per-call timeout bound
func (c *RedisKV) WithOpTimeout(timeout time.Duration) *RedisKV {
	c.opTimeout = timeout
	return c
}

func (c *RedisKV) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// normalizeErr maps go-redis errors onto the posbase taxonomy so no
// redis-specific error type crosses this boundary.
func (c *RedisKV) normalizeErr(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return WithContext(ErrTimeout, map[string]interface{}{"key": key})
	default:
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":    key,
			"reason": err.Error(),
		})
	}
}

func (c *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, c.normalizeErr(err, key)
	}
	return data, nil
}

func (c *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	return c.normalizeErr(c.client.Set(ctx, key, value, 0).Err(), key)
}

func (c *RedisKV) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, c.normalizeErr(err, key)
	}
	return n > 0, nil
}

func (c *RedisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	// SCAN, not KEYS: this runs against live stores during repair
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, c.normalizeErr(err, pattern)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *RedisKV) GetWithVersion(ctx context.Context, key string) ([]byte, string, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, contentVersion(data), nil
}

func (c *RedisKV) SetIfMatch(ctx context.Context, key string, data []byte, version string) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if version == "" {
				return WithContext(ErrConflict, map[string]interface{}{
					"key":    key,
					"reason": "key already exists",
				})
			}
			if actual := contentVersion(current); actual != version {
				return WithContext(ErrConflict, map[string]interface{}{
					"key":      key,
					"expected": version,
					"actual":   actual,
				})
			}
		case errors.Is(err, redis.Nil):
			if version != "" {
				return ErrNotFound
			}
		default:
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return contentVersion(data), nil
	case errors.Is(err, redis.TxFailedErr):
		return "", WithContext(ErrConflict, map[string]interface{}{
			"key":    key,
			"reason": "value changed during transaction",
		})
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return "", err
	default:
		return "", c.normalizeErr(err, key)
	}
}

// IDSet implementation: index membership via native Redis sets

func (c *RedisKV) SetAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.normalizeErr(c.client.SAdd(ctx, key, args...).Err(), key)
}

func (c *RedisKV) SetRemove(ctx context.Context, key string, members ...string) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.normalizeErr(c.client.SRem(ctx, key, args...).Err(), key)
}

func (c *RedisKV) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, c.normalizeErr(err, key)
	}
	sort.Strings(members)
	return members, nil
}

func (c *RedisKV) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	return c.normalizeErr(c.client.Ping(ctx).Err(), "")
}

func (c *RedisKV) Status() ConnectionStatus {
	return ConnectionStatus{
		Real:        true,
		Type:        "redis",
		Description: "redis server at " + c.client.Options().Addr,
	}
}

func (c *RedisKV) Close() error {
	return c.client.Close()
}
