package posbase

import (
	"hash/fnv"
	"sync"
)

// stripedLocks provides fine-grained per-key locking using multiple mutexes
// to reduce contention compared to a single global mutex. The same key always
// hashes to the same stripe, so check-and-write cycles on one key serialize
// while unrelated keys proceed concurrently.
type stripedLocks struct {
	stripes []sync.RWMutex
	count   uint32
}

// newStripedLocks creates a striped lock with the specified number of
// stripes. 32 is plenty for the per-process write rates a POS sees.
func newStripedLocks(stripeCount int) *stripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &stripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock acquires an exclusive lock for the given key.
// Returns an unlock function that MUST be called to release the lock.
func (sl *stripedLocks) Lock(key string) func() {
	idx := sl.stripeIndex(key)
	sl.stripes[idx].Lock()
	return func() {
		sl.stripes[idx].Unlock()
	}
}

// RLock acquires a shared read lock for the given key.
func (sl *stripedLocks) RLock(key string) func() {
	idx := sl.stripeIndex(key)
	sl.stripes[idx].RLock()
	return func() {
		sl.stripes[idx].RUnlock()
	}
}

func (sl *stripedLocks) stripeIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
