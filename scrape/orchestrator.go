package scrape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/config"
	"github.com/researchaccelerator-hub/profile-scraper/events"
	"github.com/researchaccelerator-hub/profile-scraper/fetcher"
	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

// Enricher runs a best-effort side pass over freshly persisted posts, e.g.
// media download. Failures are logged by the orchestrator and never surfaced
// to the fetch caller.
type Enricher interface {
	Enrich(ctx context.Context, jobID string, platform common.PlatformType, handle string, posts []model.Post) error
}

// FetchOptions bound one orchestrated fetch.
type FetchOptions struct {
	// PostLimit overrides the configured per-platform limit when positive.
	PostLimit int

	// ProfileOnly requests profile metadata without posts.
	ProfileOnly bool

	// RunID tags emitted events with the triggering run, when known.
	RunID string
}

// FetchResult is the outcome of one FetchAndPersist call. A skipped result is
// not an error: it means another fetch for the same profile was in flight.
type FetchResult struct {
	Skipped  bool
	Payload  *model.ProfilePayload
	NewPosts int
}

// Orchestrator coordinates one profile fetch end to end: lock, adapter chain,
// checkpoint diff, atomic persist, checkpoint advance, reconcile, release.
type Orchestrator struct {
	locks      *LockRegistry
	factory    fetcher.Factory
	store      store.Store
	sink       events.Sink
	cfg        *config.ScraperConfig
	reconciler *Reconciler
	enricher   Enricher

	chains  map[common.PlatformType]*fetcher.Chain
	chainMu sync.Mutex
}

// NewOrchestrator creates a fetch orchestrator. The enricher may be nil.
func NewOrchestrator(locks *LockRegistry, factory fetcher.Factory, st store.Store, sink events.Sink, cfg *config.ScraperConfig, enricher Enricher) *Orchestrator {
	return &Orchestrator{
		locks:      locks,
		factory:    factory,
		store:      st,
		sink:       sink,
		cfg:        cfg,
		reconciler: NewReconciler(st, sink),
		enricher:   enricher,
		chains:     make(map[common.PlatformType]*fetcher.Chain),
	}
}

// getChain gets or creates the adapter chain for a platform.
func (o *Orchestrator) getChain(platform common.PlatformType) (*fetcher.Chain, error) {
	o.chainMu.Lock()
	defer o.chainMu.Unlock()

	if chain, exists := o.chains[platform]; exists {
		return chain, nil
	}

	chain, err := o.factory.GetChain(platform)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch chain for platform %s: %w", platform, err)
	}
	o.chains[platform] = chain
	return chain, nil
}

// FetchAndPersist runs one incremental fetch for a (job, platform, handle)
// profile. Lock contention returns a skip result, not an error. A hard-stop
// (rate-limit) failure returns before any persisted state is touched. The
// lock is released on every exit path, including panics.
func (o *Orchestrator) FetchAndPersist(ctx context.Context, jobID string, platform common.PlatformType, handle string, opts FetchOptions) (result FetchResult, err error) {
	if !common.IsSupportedPlatform(string(platform)) {
		return FetchResult{}, fmt.Errorf("unsupported platform %s", platform)
	}

	if !o.locks.TryAcquire(platform, handle) {
		log.Info().
			Str("job_id", jobID).
			Str("platform", string(platform)).
			Str("handle", handle).
			Msg("Fetch already in progress, skipping")
		o.emit(jobID, opts.RunID, platform, handle, events.CodeFetchSkipped, events.LevelInfo,
			"fetch already in progress", nil)
		return FetchResult{Skipped: true}, nil
	}

	defer func() {
		o.locks.Release(platform, handle)
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked for %s/%s: %v", platform, handle, r)
			log.Error().
				Str("job_id", jobID).
				Str("platform", string(platform)).
				Str("handle", handle).
				Interface("panic", r).
				Msg("Recovered panic during fetch")
		}
	}()

	o.emit(jobID, opts.RunID, platform, handle, events.CodeFetchStarted, events.LevelInfo, "fetch started", nil)

	checkpoint, hasCheckpoint, err := o.store.GetCheckpoint(ctx, jobID, string(platform), handle)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	chain, err := o.getChain(platform)
	if err != nil {
		return FetchResult{}, err
	}

	limit := opts.PostLimit
	if limit <= 0 {
		limit = o.cfg.PostLimit(string(platform))
	}

	payload, err := chain.Fetch(ctx, handle, fetcher.Options{PostLimit: limit, ProfileOnly: opts.ProfileOnly})
	if err != nil {
		if fetcher.IsHardStop(err) {
			// Leave persisted state untouched: upstream decides how
			// long to cool down before trying this profile again.
			o.emit(jobID, opts.RunID, platform, handle, events.CodeFetchRateLimit, events.LevelWarn,
				err.Error(), nil)
			return FetchResult{}, err
		}
		o.emit(jobID, opts.RunID, platform, handle, events.CodeFetchFailed, events.LevelError, err.Error(), nil)
		return FetchResult{}, err
	}

	if payload.FetchedAt.IsZero() {
		payload.FetchedAt = time.Now()
	}

	newPosts := payload.Posts
	if hasCheckpoint && checkpoint.LastPostID != "" {
		newPosts = truncateAtCheckpoint(payload.Posts, checkpoint.LastPostID)
	}
	// Fill hashtags/mentions before the transaction: backends may serialize
	// posts as soon as SavePosts buffers them, so the rows have to match the
	// trend signals tallied from them.
	extractMissingTags(newPosts)

	err = o.store.RunTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveProfileSnapshot(jobID, *payload); err != nil {
			return err
		}
		if err := tx.SavePosts(jobID, string(platform), handle, newPosts); err != nil {
			return err
		}
		if err := recordTrendSignals(tx, jobID, string(platform), newPosts); err != nil {
			return err
		}
		if len(payload.Posts) > 0 {
			// Advance to the newest post of the full batch. The cursor
			// never moves backwards: an empty diff means it stays put.
			return tx.SetCheckpoint(model.ScrapeCheckpoint{
				JobID:      jobID,
				Platform:   string(platform),
				Handle:     handle,
				LastPostID: payload.Posts[0].ExternalID,
				UpdatedAt:  time.Now(),
			})
		}
		return nil
	})
	if err != nil {
		o.emit(jobID, opts.RunID, platform, handle, events.CodeFetchFailed, events.LevelError,
			fmt.Sprintf("persist failed: %v", err), nil)
		return FetchResult{}, fmt.Errorf("failed to persist fetch for %s/%s: %w", platform, handle, err)
	}

	o.emit(jobID, opts.RunID, platform, handle, events.CodeFetchSaved, events.LevelInfo, "fetch persisted",
		map[string]int{"posts_total": len(payload.Posts), "posts_new": len(newPosts)})

	if len(payload.Posts) > 0 {
		o.emit(jobID, opts.RunID, platform, handle, events.CodeCheckpoint, events.LevelInfo,
			payload.Posts[0].ExternalID, nil)
	}

	// A successful fetch is authoritative evidence the handle is reachable;
	// flip any stale ineligibility flags.
	if _, err := o.reconciler.Reconcile(ctx, jobID, platform, handle, "orchestrator"); err != nil {
		log.Warn().
			Err(err).
			Str("job_id", jobID).
			Str("platform", string(platform)).
			Str("handle", handle).
			Msg("Post-fetch reconciliation failed")
	}

	if o.enricher != nil && len(newPosts) > 0 {
		o.enrichDetached(jobID, platform, handle, opts.RunID, newPosts)
	}

	return FetchResult{Payload: payload, NewPosts: len(newPosts)}, nil
}

// enrichDetached fires the enrichment pass without awaiting completion. It
// has its own error boundary: failures are logged and emitted, never
// propagated to the fetch caller.
func (o *Orchestrator) enrichDetached(jobID string, platform common.PlatformType, handle, runID string, posts []model.Post) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("platform", string(platform)).
					Str("handle", handle).
					Msg("Recovered panic during enrichment")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := o.enricher.Enrich(ctx, jobID, platform, handle, posts); err != nil {
			log.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("platform", string(platform)).
				Str("handle", handle).
				Int("post_count", len(posts)).
				Msg("Enrichment pass failed")
			o.emit(jobID, runID, platform, handle, events.CodeEnrichmentError, events.LevelWarn,
				err.Error(), map[string]int{"post_count": len(posts)})
		}
	}()
}

func (o *Orchestrator) emit(jobID, runID string, platform common.PlatformType, handle, code string, level events.Level, message string, metrics map[string]int) {
	o.sink.Emit(events.Notice{
		JobID:    jobID,
		RunID:    runID,
		Source:   "scrape",
		Code:     code,
		Level:    level,
		Message:  message,
		Platform: string(platform),
		Handle:   handle,
		Metrics:  metrics,
	})
}

// truncateAtCheckpoint keeps only the posts that appear before the
// checkpointed post in the reverse-chronological batch. When the checkpoint
// is not in the batch it fell outside the fetch window, so the entire batch
// is new.
func truncateAtCheckpoint(posts []model.Post, lastPostID string) []model.Post {
	for i, post := range posts {
		if post.ExternalID == lastPostID {
			return posts[:i]
		}
	}
	return posts
}

// extractMissingTags fills hashtags and mentions from the caption for posts
// whose adapter did not populate them.
func extractMissingTags(posts []model.Post) {
	for i := range posts {
		if len(posts[i].Hashtags) == 0 && posts[i].Caption != "" {
			hashtags, mentions := common.ExtractTags(posts[i].Caption)
			posts[i].Hashtags = hashtags
			if len(posts[i].Mentions) == 0 {
				posts[i].Mentions = mentions
			}
		}
	}
}

// recordTrendSignals tallies hashtag occurrences across the new posts.
func recordTrendSignals(tx store.Tx, jobID, platform string, posts []model.Post) error {
	now := time.Now()
	counts := make(map[string]int)

	for _, post := range posts {
		for _, tag := range post.Hashtags {
			counts[tag]++
		}
	}

	for tag, count := range counts {
		err := tx.RecordTrendSignal(model.TrendSignal{
			JobID:     jobID,
			Platform:  platform,
			Hashtag:   tag,
			Count:     count,
			FirstSeen: now,
			LastSeen:  now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
