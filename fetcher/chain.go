package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/model"
)

// Chain walks an ordered list of fetch strategies until one returns a usable
// payload. A hard-stop (rate-limit) failure aborts the whole chain
// immediately; ordinary failures fall through to the next strategy.
type Chain struct {
	platform   common.PlatformType
	strategies []Fetcher
}

// NewChain creates a chain over the given strategies in fallback order.
func NewChain(platform common.PlatformType, strategies []Fetcher) *Chain {
	return &Chain{
		platform:   platform,
		strategies: strategies,
	}
}

// Platform returns the platform this chain fetches from.
func (c *Chain) Platform() common.PlatformType {
	return c.platform
}

// StrategyNames returns the names of the strategies in fallback order.
func (c *Chain) StrategyNames() []string {
	names := make([]string, 0, len(c.strategies))
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Fetch tries each strategy in order and returns the first usable payload.
// A payload is usable when it has at least one post, or any non-empty profile
// field for profile-only calls. If every strategy fails, the per-strategy
// error messages are joined into one aggregate failure for diagnostics.
func (c *Chain) Fetch(ctx context.Context, handle string, opts Options) (*model.ProfilePayload, error) {
	if len(c.strategies) == 0 {
		return nil, fmt.Errorf("no fetch strategies configured for platform %s", c.platform)
	}

	failures := make([]string, 0, len(c.strategies))

	for _, strategy := range c.strategies {
		log.Debug().
			Str("platform", string(c.platform)).
			Str("handle", handle).
			Str("strategy", strategy.Name()).
			Msg("Trying fetch strategy")

		payload, err := strategy.Fetch(ctx, handle, opts)
		if err != nil {
			if IsHardStop(err) {
				// Do not try remaining strategies: a rate-limit signal
				// means further attempts risk punitive throttling.
				log.Warn().
					Err(err).
					Str("platform", string(c.platform)).
					Str("handle", handle).
					Str("strategy", strategy.Name()).
					Msg("Hard-stop from fetch strategy, aborting chain")
				return nil, err
			}

			log.Warn().
				Err(err).
				Str("platform", string(c.platform)).
				Str("handle", handle).
				Str("strategy", strategy.Name()).
				Msg("Fetch strategy failed, trying next")
			failures = append(failures, fmt.Sprintf("%s: %v", strategy.Name(), err))
			continue
		}

		if usable(payload, opts) {
			payload.Strategy = strategy.Name()
			log.Info().
				Str("platform", string(c.platform)).
				Str("handle", handle).
				Str("strategy", strategy.Name()).
				Int("post_count", len(payload.Posts)).
				Msg("Fetch strategy succeeded")
			return payload, nil
		}

		log.Debug().
			Str("platform", string(c.platform)).
			Str("handle", handle).
			Str("strategy", strategy.Name()).
			Msg("Fetch strategy returned empty payload, trying next")
		failures = append(failures, fmt.Sprintf("%s: empty payload", strategy.Name()))
	}

	return nil, NewFetchError(ErrorTypeUnavailable, "",
		fmt.Sprintf("all fetch strategies exhausted for %s/%s: %s",
			c.platform, handle, strings.Join(failures, "; ")))
}

// usable decides whether a payload satisfies the caller. Full fetches need at
// least one post; profile-only calls need any non-empty profile field.
func usable(payload *model.ProfilePayload, opts Options) bool {
	if payload == nil {
		return false
	}
	if len(payload.Posts) > 0 {
		return true
	}
	if opts.ProfileOnly {
		return payload.DisplayName != "" || payload.Bio != "" ||
			payload.Engagement.FollowerCount > 0 || payload.Engagement.PostCount > 0
	}
	return false
}
