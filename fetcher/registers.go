package fetcher

import (
	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/common"
)

// RegisterInstagramStrategies registers the Instagram fallback chain with the
// factory: managed API actor, then stealth browser, then scripted scraper.
func RegisterInstagramStrategies(factory *DefaultFactory) error {
	log.Info().Msg("Registering Instagram fetch strategies")

	for _, name := range []string{StrategyManagedAPI, StrategyStealthBrowser, StrategyScripted} {
		name := name
		if err := factory.RegisterStrategy(common.PlatformInstagram, func() Fetcher {
			return NewStub(name)
		}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTikTokStrategies registers the TikTok fallback chain with the
// factory: managed API actor, then protocol API client, then stealth browser.
func RegisterTikTokStrategies(factory *DefaultFactory) error {
	log.Info().Msg("Registering TikTok fetch strategies")

	for _, name := range []string{StrategyManagedAPI, StrategyProtocolAPI, StrategyStealthBrowser} {
		name := name
		if err := factory.RegisterStrategy(common.PlatformTikTok, func() Fetcher {
			return NewStub(name)
		}); err != nil {
			return err
		}
	}
	return nil
}

// RegisterAllStrategies registers every supported platform's chain.
func RegisterAllStrategies(factory *DefaultFactory) error {
	if err := RegisterInstagramStrategies(factory); err != nil {
		return err
	}

	if err := RegisterTikTokStrategies(factory); err != nil {
		return err
	}

	return nil
}
