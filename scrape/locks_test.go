package scrape

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/researchaccelerator-hub/profile-scraper/common"
)

func TestLockRegistryMutualExclusion(t *testing.T) {
	registry := NewLockRegistry()

	assert.True(t, registry.TryAcquire(common.PlatformInstagram, "acme"))
	assert.False(t, registry.TryAcquire(common.PlatformInstagram, "acme"))
	assert.True(t, registry.Held(common.PlatformInstagram, "acme"))

	registry.Release(common.PlatformInstagram, "acme")
	assert.False(t, registry.Held(common.PlatformInstagram, "acme"))
	assert.True(t, registry.TryAcquire(common.PlatformInstagram, "acme"))
}

func TestLockRegistryKeysAreIndependent(t *testing.T) {
	registry := NewLockRegistry()

	assert.True(t, registry.TryAcquire(common.PlatformInstagram, "acme"))
	assert.True(t, registry.TryAcquire(common.PlatformTikTok, "acme"))
	assert.True(t, registry.TryAcquire(common.PlatformInstagram, "other"))
}

func TestLockRegistryReleaseUnheldIsNoop(t *testing.T) {
	registry := NewLockRegistry()

	registry.Release(common.PlatformInstagram, "never-held")
	assert.True(t, registry.TryAcquire(common.PlatformInstagram, "never-held"))
}

func TestLockRegistryConcurrentAcquire(t *testing.T) {
	registry := NewLockRegistry()

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if registry.TryAcquire(common.PlatformInstagram, "contested") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
