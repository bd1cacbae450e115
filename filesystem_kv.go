package posbase

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemKV implements KV on the local filesystem. Each logical key maps
// to one JSON file ("dishes:abc" -> "<base>/dishes/abc.json"), so the data
// directory stays human-inspectable and editable. Suitable for single-host
// deployments without a Redis server; counts as a real backend for seeding.
type FilesystemKV struct {
	basePath string
	locks    *stripedLocks // check-and-write cycles serialize per key
}

// NewFilesystemKV creates a filesystem backend rooted at basePath
func NewFilesystemKV(basePath string) *FilesystemKV {
	return &FilesystemKV{
		basePath: basePath,
		locks:    newStripedLocks(32),
	}
}

func (b *FilesystemKV) pathFor(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(strings.ReplaceAll(key, ":", "/"))+".json")
}

func (b *FilesystemKV) keyFor(filePath string) (string, bool) {
	rel, err := filepath.Rel(b.basePath, filePath)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	rel, found := strings.CutSuffix(rel, ".json")
	if !found {
		return "", false
	}
	return strings.ReplaceAll(rel, "/", ":"), true
}

func (b *FilesystemKV) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := b.locks.RLock(key)
	defer unlock()
	return b.read(key)
}

func (b *FilesystemKV) read(key string) ([]byte, error) {
	data, err := os.ReadFile(b.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":    key,
			"reason": err.Error(),
		})
	}
	return data, nil
}

func (b *FilesystemKV) Set(ctx context.Context, key string, value []byte) error {
	unlock := b.locks.Lock(key)
	defer unlock()
	return b.write(key, value)
}

func (b *FilesystemKV) write(key string, value []byte) error {
	p := b.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), DefaultDirPermissions); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":    key,
			"reason": err.Error(),
		})
	}
	if err := os.WriteFile(p, value, DefaultFilePermissions); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":    key,
			"reason": err.Error(),
		})
	}
	return nil
}

func (b *FilesystemKV) Delete(ctx context.Context, key string) (bool, error) {
	unlock := b.locks.Lock(key)
	defer unlock()

	err := os.Remove(b.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"key":    key,
			"reason": err.Error(),
		})
	}
	return true, nil
}

func (b *FilesystemKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(b.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		key, ok := b.keyFor(p)
		if !ok {
			return nil
		}
		matched, err := path.Match(pattern, key)
		if err != nil {
			return err
		}
		if matched {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"pattern": pattern,
			"reason":  err.Error(),
		})
	}

	sort.Strings(keys)
	return keys, nil
}

func (b *FilesystemKV) GetWithVersion(ctx context.Context, key string) ([]byte, string, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := b.read(key)
	if err != nil {
		return nil, "", err
	}
	return data, contentVersion(data), nil
}

func (b *FilesystemKV) SetIfMatch(ctx context.Context, key string, data []byte, version string) (string, error) {
	// Lock this specific key so the check and the write are one step
	unlock := b.locks.Lock(key)
	defer unlock()

	current, err := b.read(key)
	switch {
	case err == nil:
		if version == "" {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":    key,
				"reason": "key already exists",
			})
		}
		if actual := contentVersion(current); actual != version {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": version,
				"actual":   actual,
			})
		}
	case IsNotFound(err):
		if version != "" {
			return "", ErrNotFound
		}
	default:
		return "", err
	}

	if err := b.write(key, data); err != nil {
		return "", err
	}
	return contentVersion(data), nil
}

func (b *FilesystemKV) Ping(ctx context.Context) error {
	if err := os.MkdirAll(b.basePath, DefaultDirPermissions); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"path":   b.basePath,
			"reason": err.Error(),
		})
	}
	return nil
}

func (b *FilesystemKV) Status() ConnectionStatus {
	return ConnectionStatus{
		Real:        true,
		Type:        "filesystem",
		Description: "JSON files under " + b.basePath,
	}
}

func (b *FilesystemKV) Close() error {
	return nil
}

// contentVersion derives a version token from the value itself (MD5, hex).
// Filesystems have no native version counters, and content hashing gives the
// same compare-and-swap semantics without sidecar files.
func contentVersion(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
