package posbase

import "context"

// KV is the flat key-value primitive every backend implements.
// It is deliberately small: the EntityStore builds all collection semantics
// on top of it, and diagnostic tooling is allowed to talk to it directly.
type KV interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete reports whether a value was actually present.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys returns all keys matching a glob pattern (e.g. "dishes:*").
	// Used by repair/migration tooling only, never on the steady-state path.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Versioned operations for optimistic concurrency on whole-value
	// read-modify-write cycles (index maintenance).
	// GetWithVersion returns ("", nil value, ErrNotFound) for missing keys.
	// SetIfMatch with version "" asserts the key does not exist yet.
	// A stale version yields ErrConflict.
	GetWithVersion(ctx context.Context, key string) (data []byte, version string, err error)
	SetIfMatch(ctx context.Context, key string, data []byte, version string) (newVersion string, err error)

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error

	// Status describes the active backend. Real is false for the
	// in-process fallback; callers performing destructive bulk writes
	// (seeding, migration) must check it.
	Status() ConnectionStatus

	Close() error
}

// IDSet is an optional KV capability: native set operations used for index
// membership changes. Backends that implement it (Redis) get atomic index
// add/remove; the others fall back to the versioned read-modify-write loop.
type IDSet interface {
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// ConnectionStatus describes which backend is active and whether it is a
// real (persistent, external) store or the in-process fallback.
type ConnectionStatus struct {
	Real        bool   `json:"isRealConnection"`
	Type        string `json:"type"`
	Description string `json:"description"`
}
