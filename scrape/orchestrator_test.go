package scrape

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/config"
	"github.com/researchaccelerator-hub/profile-scraper/events"
	"github.com/researchaccelerator-hub/profile-scraper/fetcher"
	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

// fetchFunc adapts a function to the fetcher.Fetcher interface for tests.
type fetchFunc struct {
	name string
	fn   func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error)
}

func (f *fetchFunc) Name() string { return f.name }

func (f *fetchFunc) Fetch(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
	return f.fn(ctx, handle, opts)
}

// testHarness bundles an orchestrator with its observable collaborators.
type testHarness struct {
	orchestrator *Orchestrator
	locks        *LockRegistry
	store        *store.MemoryStore
	sink         *events.CaptureSink
}

func newTestHarness(t *testing.T, fn func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error)) *testHarness {
	t.Helper()

	factory := fetcher.NewFactory()
	require.NoError(t, factory.RegisterStrategy(common.PlatformInstagram, func() fetcher.Fetcher {
		return &fetchFunc{name: "scripted", fn: fn}
	}))

	locks := NewLockRegistry()
	st := store.NewMemoryStore()
	sink := events.NewCaptureSink()
	cfg := config.DefaultScraperConfig()

	return &testHarness{
		orchestrator: NewOrchestrator(locks, factory, st, sink, cfg, nil),
		locks:        locks,
		store:        st,
		sink:         sink,
	}
}

func batch(ids ...string) []model.Post {
	posts := make([]model.Post, 0, len(ids))
	for _, id := range ids {
		posts = append(posts, model.Post{ExternalID: id, Caption: "post " + id})
	}
	return posts
}

func instagramPayload(handle string, posts []model.Post) *model.ProfilePayload {
	return &model.ProfilePayload{
		Platform: "instagram",
		Handle:   handle,
		Posts:    posts,
	}
}

func TestFetchAndPersistSavesPostsAndCheckpoint(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return instagramPayload(handle, batch("p3", "p2", "p1")), nil
	})
	ctx := context.Background()

	result, err := h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 3, result.NewPosts)

	posts, err := h.store.GetPosts(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	assert.Len(t, posts, 3)

	checkpoint, found, err := h.store.GetCheckpoint(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p3", checkpoint.LastPostID)

	snapshot, found, err := h.store.GetProfileSnapshot(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "acme", snapshot.Handle)

	codes := h.sink.Codes()
	assert.Contains(t, codes, events.CodeFetchStarted)
	assert.Contains(t, codes, events.CodeFetchSaved)
	assert.Contains(t, codes, events.CodeCheckpoint)

	assert.False(t, h.locks.Held(common.PlatformInstagram, "acme"))
}

func TestFetchSkippedWhenLockHeld(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return instagramPayload(handle, batch("p1")), nil
	})

	require.True(t, h.locks.TryAcquire(common.PlatformInstagram, "acme"))

	result, err := h.orchestrator.FetchAndPersist(context.Background(), "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Nil(t, result.Payload)

	// The contending holder keeps its lock.
	assert.True(t, h.locks.Held(common.PlatformInstagram, "acme"))
	assert.Contains(t, h.sink.Codes(), events.CodeFetchSkipped)
}

func TestCheckpointMonotonicity(t *testing.T) {
	var mu sync.Mutex
	posts := batch("p3", "p2", "p1")

	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		mu.Lock()
		defer mu.Unlock()
		current := make([]model.Post, len(posts))
		copy(current, posts)
		return instagramPayload(handle, current), nil
	})
	ctx := context.Background()

	result, err := h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewPosts)

	// Same batch again: nothing new, checkpoint stays put.
	result, err = h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewPosts)

	checkpoint, _, err := h.store.GetCheckpoint(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	assert.Equal(t, "p3", checkpoint.LastPostID)

	// Two newer posts appear: only they count, checkpoint advances.
	mu.Lock()
	posts = batch("p5", "p4", "p3", "p2")
	mu.Unlock()

	result, err = h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewPosts)

	checkpoint, _, err = h.store.GetCheckpoint(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	assert.Equal(t, "p5", checkpoint.LastPostID)
}

func TestCheckpointOutsideWindowKeepsWholeBatch(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return instagramPayload(handle, batch("p9", "p8")), nil
	})
	ctx := context.Background()

	err := h.store.RunTx(ctx, func(tx store.Tx) error {
		return tx.SetCheckpoint(model.ScrapeCheckpoint{
			JobID:      "job1",
			Platform:   "instagram",
			Handle:     "acme",
			LastPostID: "p0",
			UpdatedAt:  time.Now(),
		})
	})
	require.NoError(t, err)

	result, err := h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewPosts)

	checkpoint, _, err := h.store.GetCheckpoint(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	assert.Equal(t, "p9", checkpoint.LastPostID)
}

func TestHardStopShortCircuits(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return nil, fetcher.NewFetchError(fetcher.ErrorTypeRateLimit, "scripted", "429 from platform")
	})
	ctx := context.Background()

	_, err := h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.Error(t, err)
	assert.True(t, fetcher.IsHardStop(err))

	// No persisted mutation of any kind.
	_, found, err := h.store.GetCheckpoint(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	assert.False(t, found)

	posts, err := h.store.GetPosts(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	assert.Empty(t, posts)

	assert.Contains(t, h.sink.Codes(), events.CodeFetchRateLimit)
	assert.False(t, h.locks.Held(common.PlatformInstagram, "acme"))
}

func TestFetchFailureReleasesLock(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return nil, fetcher.NewFetchError(fetcher.ErrorTypeNetwork, "scripted", "connection reset")
	})

	_, err := h.orchestrator.FetchAndPersist(context.Background(), "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.Error(t, err)
	assert.False(t, fetcher.IsHardStop(err))
	assert.False(t, h.locks.Held(common.PlatformInstagram, "acme"))
	assert.Contains(t, h.sink.Codes(), events.CodeFetchFailed)
}

func TestFetchUnsupportedPlatform(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return instagramPayload(handle, batch("p1")), nil
	})

	_, err := h.orchestrator.FetchAndPersist(context.Background(), "job1", common.PlatformType("youtube"), "acme", FetchOptions{})
	assert.Error(t, err)
}

func TestFetchRecordsTrendSignals(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return instagramPayload(handle, []model.Post{
			{ExternalID: "p2", Caption: "morning #latte #coffee"},
			{ExternalID: "p1", Caption: "afternoon #latte"},
		}), nil
	})
	ctx := context.Background()

	_, err := h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)

	signal, found, err := h.store.GetTrendSignal(ctx, "job1", "instagram", "latte")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, signal.Count)

	signal, found, err = h.store.GetTrendSignal(ctx, "job1", "instagram", "coffee")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, signal.Count)
}

// copyOnBufferStore buffers copies of post rows the moment SavePosts is
// called, the way serializing backends do, so later mutation of the caller's
// slice cannot leak into the committed rows.
type copyOnBufferStore struct {
	*store.MemoryStore
}

func (s *copyOnBufferStore) RunTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.MemoryStore.RunTx(ctx, func(tx store.Tx) error {
		return fn(&copyOnBufferTx{Tx: tx})
	})
}

type copyOnBufferTx struct {
	store.Tx
}

func (tx *copyOnBufferTx) SavePosts(jobID, platform, handle string, posts []model.Post) error {
	copied := make([]model.Post, len(posts))
	copy(copied, posts)
	return tx.Tx.SavePosts(jobID, platform, handle, copied)
}

func TestFetchTagsPostsBeforeBuffering(t *testing.T) {
	factory := fetcher.NewFactory()
	require.NoError(t, factory.RegisterStrategy(common.PlatformInstagram, func() fetcher.Fetcher {
		return &fetchFunc{name: "scripted", fn: func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
			return instagramPayload(handle, []model.Post{
				{ExternalID: "p1", Caption: "morning #latte with @barista"},
			}), nil
		}}
	}))

	st := &copyOnBufferStore{MemoryStore: store.NewMemoryStore()}
	o := NewOrchestrator(NewLockRegistry(), factory, st, events.NewNopSink(), config.DefaultScraperConfig(), nil)
	ctx := context.Background()

	_, err := o.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)

	posts, err := st.GetPosts(ctx, "job1", "instagram", "acme")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, []string{"latte"}, posts[0].Hashtags)
	assert.Equal(t, []string{"barista"}, posts[0].Mentions)

	signal, found, err := st.GetTrendSignal(ctx, "job1", "instagram", "latte")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, signal.Count)
}

func TestFetchReconcilesAvailability(t *testing.T) {
	h := newTestHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		return instagramPayload(handle, batch("p1")), nil
	})
	ctx := context.Background()

	profile, err := h.store.UpsertCandidateProfile(ctx, model.CandidateProfile{
		JobID:        "job1",
		Platform:     "instagram",
		Handle:       "acme",
		Availability: model.AvailabilityUnverified,
		Selection:    model.SelectionShortlisted,
	})
	require.NoError(t, err)

	_, err = h.orchestrator.FetchAndPersist(ctx, "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)

	updated, err := h.store.GetCandidateProfile(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AvailabilityVerified, updated.Availability)
	assert.Equal(t, 1, updated.VerificationAttempts)
}

func TestTruncateAtCheckpoint(t *testing.T) {
	posts := batch("p5", "p4", "p3", "p2")

	assert.Len(t, truncateAtCheckpoint(posts, "p3"), 2)
	assert.Len(t, truncateAtCheckpoint(posts, "p5"), 0)
	assert.Len(t, truncateAtCheckpoint(posts, "unknown"), 4)
	assert.Empty(t, truncateAtCheckpoint(nil, "p1"))
}

// blockingEnricher records invocations and lets the test await them.
type blockingEnricher struct {
	called chan int
}

func (e *blockingEnricher) Enrich(ctx context.Context, jobID string, platform common.PlatformType, handle string, posts []model.Post) error {
	e.called <- len(posts)
	return nil
}

func TestEnrichmentRunsDetached(t *testing.T) {
	factory := fetcher.NewFactory()
	require.NoError(t, factory.RegisterStrategy(common.PlatformInstagram, func() fetcher.Fetcher {
		return &fetchFunc{name: "scripted", fn: func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
			return instagramPayload(handle, batch("p2", "p1")), nil
		}}
	}))

	enricher := &blockingEnricher{called: make(chan int, 1)}
	orchestrator := NewOrchestrator(NewLockRegistry(), factory, store.NewMemoryStore(), events.NewNopSink(), config.DefaultScraperConfig(), enricher)

	_, err := orchestrator.FetchAndPersist(context.Background(), "job1", common.PlatformInstagram, "acme", FetchOptions{})
	require.NoError(t, err)

	select {
	case count := <-enricher.called:
		assert.Equal(t, 2, count)
	case <-time.After(2 * time.Second):
		t.Fatal("enrichment pass never ran")
	}
}
