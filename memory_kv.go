package posbase

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
)

// MemoryKV is the non-persistent in-process fallback backend, used when no
// real backend is configured. It keeps the rest of the system testable and
// demoable without credentials, and Status().Real == false so destructive
// bulk operations (seeding, migration) can refuse to run against it.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	version uint64
}

// NewMemoryKV creates an empty in-process backend
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[key]
	entry.data = append([]byte(nil), value...)
	entry.version++
	m.entries[key] = entry
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *MemoryKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.entries {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"pattern": pattern,
				"reason":  err.Error(),
			})
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) GetWithVersion(ctx context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, strconv.FormatUint(entry.version, 10), nil
}

func (m *MemoryKV) SetIfMatch(ctx context.Context, key string, data []byte, version string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]

	if version == "" {
		if exists {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":    key,
				"reason": "key already exists",
			})
		}
	} else {
		if !exists {
			return "", ErrNotFound
		}
		if strconv.FormatUint(entry.version, 10) != version {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": version,
				"actual":   strconv.FormatUint(entry.version, 10),
			})
		}
	}

	entry.data = append([]byte(nil), data...)
	entry.version++
	m.entries[key] = entry
	return strconv.FormatUint(entry.version, 10), nil
}

func (m *MemoryKV) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryKV) Status() ConnectionStatus {
	return ConnectionStatus{
		Real:        false,
		Type:        "memory",
		Description: "in-process map, not persistent across restarts",
	}
}

func (m *MemoryKV) Close() error {
	return nil
}

// Len reports the number of stored keys. Test helper.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
