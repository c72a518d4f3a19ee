package fetcher

import (
	"context"

	"github.com/researchaccelerator-hub/profile-scraper/model"
)

// Strategy names form a closed set. The order they are registered in is the
// fallback order of each platform's chain.
const (
	StrategyManagedAPI     = "managed_api"
	StrategyStealthBrowser = "stealth_browser"
	StrategyScripted       = "scripted"
	StrategyProtocolAPI    = "protocol_api"
)

// stubFetcher stands in for a platform adapter whose real implementation is
// deployed separately. It fails with a typed error so the chain falls through
// cleanly when a strategy is not wired up.
type stubFetcher struct {
	name string
}

func (s *stubFetcher) Name() string {
	return s.name
}

func (s *stubFetcher) Fetch(ctx context.Context, handle string, opts Options) (*model.ProfilePayload, error) {
	return nil, WrapFetchError(ErrorTypeUnavailable, s.name, ErrStrategyUnavailable)
}

// NewStub returns a placeholder strategy with the given name.
func NewStub(name string) Fetcher {
	return &stubFetcher{name: name}
}
