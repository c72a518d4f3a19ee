// Package scrape provides the incremental fetch orchestrator, the scrape
// queue runner and their supporting pieces: the mutual-exclusion lock
// registry and the post-fetch eligibility reconciler.
package scrape

import (
	"sync"

	"github.com/researchaccelerator-hub/profile-scraper/common"
)

// LockRegistry grants at most one concurrent fetch per (platform, handle)
// key within the process. Acquire never blocks; a held key fails fast.
// No fairness guarantee and no cross-process coordination.
type LockRegistry struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockRegistry creates an empty registry. Inject one per process; the
// registry is the only shared mutable structure of the fetch path.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		held: make(map[string]bool),
	}
}

// TryAcquire attempts to take the lock for a (platform, handle) key.
// Returns false without blocking when the key is already held.
func (r *LockRegistry) TryAcquire(platform common.PlatformType, handle string) bool {
	key := common.LockKey(platform, handle)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.held[key] {
		return false
	}
	r.held[key] = true
	return true
}

// Release frees the lock for a key. Releasing an unheld key is a no-op.
func (r *LockRegistry) Release(platform common.PlatformType, handle string) {
	key := common.LockKey(platform, handle)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, key)
}

// Held reports whether a key is currently locked.
func (r *LockRegistry) Held(platform common.PlatformType, handle string) bool {
	key := common.LockKey(platform, handle)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[key]
}
