package posbase

import (
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Configuration constants for posbase operations
const (
	// Index update retry configuration
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5 // 50% jitter to avoid thundering herd

	// Per-call bound on backend round-trips
	DefaultOpTimeout = 5 * time.Second

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	BackoffMultiple int
	JitterPercent   float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// RedisOptions returns redis.Options populated from standard environment
// variables, following 12-factor conventions. REDIS_URL (or its Upstash
// alias UPSTASH_REDIS_URL) takes precedence and is parsed as a full
// redis:// / rediss:// URL; otherwise discrete variables are read:
//
//   - REDIS_ADDR (default: "localhost:6379")
//   - REDIS_PASSWORD (default: "")
//   - REDIS_DB (default: 0)
func RedisOptions() (*redis.Options, error) {
	if url := firstEnv("REDIS_URL", "UPSTASH_REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "REDIS_URL",
				"reason": err.Error(),
			})
		}
		return opts, nil
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func getEnvAsInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
