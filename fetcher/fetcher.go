// Package fetcher provides the platform fetch adapter chain: an ordered list
// of fallback strategies per platform, each returning a normalized profile
// payload or a typed failure.
package fetcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/model"
)

// Options bound a single fetch call.
type Options struct {
	// PostLimit caps how many posts a strategy may return.
	PostLimit int

	// ProfileOnly accepts a payload with profile metadata but no posts,
	// used for cheap availability checks.
	ProfileOnly bool
}

// Fetcher is a single named fetch strategy for one platform. Strategies are
// stateless from the chain's point of view.
type Fetcher interface {
	// Name identifies the strategy in logs and aggregate errors.
	Name() string

	// Fetch retrieves profile metadata and recent posts for a handle.
	Fetch(ctx context.Context, handle string, opts Options) (*model.ProfilePayload, error)
}

// Factory creates fetch chains for supported platforms.
type Factory interface {
	GetChain(platform common.PlatformType) (*Chain, error)
}

// StrategyConstructor builds one strategy instance.
type StrategyConstructor func() Fetcher

// DefaultFactory is a registry-based factory keyed by platform. Strategy
// order at registration time is the fallback order of the chain.
type DefaultFactory struct {
	mu         sync.RWMutex
	strategies map[common.PlatformType][]StrategyConstructor
}

// NewFactory creates an empty fetcher factory.
func NewFactory() *DefaultFactory {
	return &DefaultFactory{
		strategies: make(map[common.PlatformType][]StrategyConstructor),
	}
}

// RegisterStrategy appends a strategy constructor to a platform's chain.
func (f *DefaultFactory) RegisterStrategy(platform common.PlatformType, constructor StrategyConstructor) error {
	if constructor == nil {
		return fmt.Errorf("strategy constructor for platform %s cannot be nil", platform)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies[platform] = append(f.strategies[platform], constructor)
	return nil
}

// GetChain builds the adapter chain for a platform.
func (f *DefaultFactory) GetChain(platform common.PlatformType) (*Chain, error) {
	f.mu.RLock()
	constructors, exists := f.strategies[platform]
	f.mu.RUnlock()

	if !exists || len(constructors) == 0 {
		return nil, fmt.Errorf("no fetch strategies registered for platform %s", platform)
	}

	fetchers := make([]Fetcher, 0, len(constructors))
	for _, c := range constructors {
		fetchers = append(fetchers, c())
	}

	return NewChain(platform, fetchers), nil
}
