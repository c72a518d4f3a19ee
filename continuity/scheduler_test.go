package continuity

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
	"github.com/researchaccelerator-hub/profile-scraper/scrape"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

// scriptedFetcher runs a caller-supplied function as a fetch strategy.
type scriptedFetcher struct {
	fn func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error)
}

func (f *scriptedFetcher) Name() string { return "scripted" }

func (f *scriptedFetcher) Fetch(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
	return f.fn(ctx, handle, opts)
}

func newSchedulerHarness(t *testing.T, fn func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error)) (*Scheduler, *store.MemoryStore, *events.CaptureSink) {
	t.Helper()

	if fn == nil {
		fn = func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
			return &model.ProfilePayload{
				Platform: "instagram",
				Handle:   handle,
				Posts:    []model.Post{{ExternalID: "p1"}},
			}, nil
		}
	}

	factory := fetcher.NewFactory()
	require.NoError(t, factory.RegisterStrategy(common.PlatformInstagram, func() fetcher.Fetcher {
		return &scriptedFetcher{fn: fn}
	}))

	st := store.NewMemoryStore()
	sink := events.NewCaptureSink()
	cfg := config.DefaultScraperConfig()
	orchestrator := scrape.NewOrchestrator(scrape.NewLockRegistry(), factory, st, sink, cfg, nil)

	return NewScheduler(st, orchestrator, sink, cfg), st, sink
}

func TestConfigureClampsIntervalToFloor(t *testing.T) {
	scheduler, _, _ := newSchedulerHarness(t, nil)

	schedule, err := scheduler.Configure(context.Background(), "job1", true, 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, schedule.Interval)
	assert.True(t, schedule.Enabled)
	assert.False(t, schedule.NextRunAt.IsZero())
}

func TestConfigureAcceptsIntervalAboveFloor(t *testing.T) {
	scheduler, _, _ := newSchedulerHarness(t, nil)

	schedule, err := scheduler.Configure(context.Background(), "job1", true, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, schedule.Interval)
}

func TestConfigureDisableClearsSchedule(t *testing.T) {
	scheduler, st, _ := newSchedulerHarness(t, nil)
	ctx := context.Background()

	_, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)

	schedule, err := scheduler.Configure(ctx, "job1", false, 4*time.Hour)
	require.NoError(t, err)
	assert.False(t, schedule.Enabled)
	assert.True(t, schedule.NextRunAt.IsZero())
	assert.False(t, schedule.Running)

	due, err := st.FindDueSchedules(ctx, time.Now().Add(100*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRunCycleEmptyJob(t *testing.T) {
	scheduler, st, sink := newSchedulerHarness(t, nil)
	ctx := context.Background()

	_, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)

	result, err := scheduler.RunCycle(ctx, "job1", "manual")
	require.NoError(t, err)

	// No linked accounts and no competitors: everything at zero, schedule
	// advanced and unlocked anyway.
	assert.Equal(t, 0, result.ClientAttempted)
	assert.Equal(t, 0, result.CompetitorAttempted)
	assert.Equal(t, 0, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Errors)

	schedule, found, err := st.GetSchedule(ctx, "job1")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, schedule.Running)
	assert.False(t, schedule.LastRunAt.IsZero())
	assert.True(t, schedule.NextRunAt.After(time.Now()))
	assert.Empty(t, schedule.LastError)

	codes := sink.Codes()
	assert.Contains(t, codes, events.CodeCycleStarted)
	assert.Contains(t, codes, events.CodeCycleCompleted)
}

func TestRunCycleFetchesLinkedAndCompetitors(t *testing.T) {
	var mu sync.Mutex
	var fetched []string

	scheduler, st, _ := newSchedulerHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		mu.Lock()
		fetched = append(fetched, handle)
		mu.Unlock()
		return &model.ProfilePayload{
			Platform: "instagram",
			Handle:   handle,
			Posts:    []model.Post{{ExternalID: "p1"}},
		}, nil
	})
	ctx := context.Background()

	schedule, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)
	schedule.LinkedHandles = []model.JobHandle{{Platform: "instagram", Handle: "clientaccount"}}
	require.NoError(t, st.SaveSchedule(ctx, schedule))

	_, err = st.UpsertCandidateProfile(ctx, model.CandidateProfile{
		JobID:        "job1",
		Platform:     "instagram",
		Handle:       "competitor1",
		Availability: model.AvailabilityVerified,
		Selection:    model.SelectionTopPick,
		Score:        0.9,
	})
	require.NoError(t, err)

	result, err := scheduler.RunCycle(ctx, "job1", "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, result.ClientAttempted)
	assert.Equal(t, 1, result.CompetitorAttempted)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"clientaccount", "competitor1"}, fetched)
}

func TestRunCycleStampsRunIDOnEvents(t *testing.T) {
	scheduler, st, sink := newSchedulerHarness(t, nil)
	ctx := context.Background()

	schedule, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)
	schedule.LinkedHandles = []model.JobHandle{{Platform: "instagram", Handle: "clientaccount"}}
	require.NoError(t, st.SaveSchedule(ctx, schedule))

	_, err = scheduler.RunCycle(ctx, "job1", "manual")
	require.NoError(t, err)

	var runID string
	for _, notice := range sink.Notices() {
		if notice.Code == events.CodeCycleStarted {
			runID = notice.RunID
		}
	}
	require.NotEmpty(t, runID)

	// The fetches and the completion event belong to the same cycle run.
	for _, notice := range sink.Notices() {
		if notice.Code == events.CodeFetchSaved || notice.Code == events.CodeCycleCompleted {
			assert.Equal(t, runID, notice.RunID, "code %s", notice.Code)
		}
	}
}

func TestRunDueUsesSchedulerTrigger(t *testing.T) {
	scheduler, st, sink := newSchedulerHarness(t, nil)
	ctx := context.Background()

	schedule, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)
	schedule.NextRunAt = time.Now().Add(-time.Minute)
	require.NoError(t, st.SaveSchedule(ctx, schedule))

	scheduler.runDue(ctx)

	started := false
	for _, notice := range sink.Notices() {
		if notice.Code == events.CodeCycleStarted {
			started = true
			assert.Contains(t, notice.Message, "(scheduler)")
		}
	}
	assert.True(t, started)
}

func TestRunCycleCollectsErrorsWithoutAborting(t *testing.T) {
	scheduler, st, _ := newSchedulerHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		if handle == "broken" {
			return nil, fetcher.NewFetchError(fetcher.ErrorTypeNetwork, "scripted", "connection reset")
		}
		return &model.ProfilePayload{
			Platform: "instagram",
			Handle:   handle,
			Posts:    []model.Post{{ExternalID: "p1"}},
		}, nil
	})
	ctx := context.Background()

	schedule, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)
	schedule.LinkedHandles = []model.JobHandle{
		{Platform: "instagram", Handle: "broken"},
		{Platform: "instagram", Handle: "working"},
	}
	require.NoError(t, st.SaveSchedule(ctx, schedule))

	result, err := scheduler.RunCycle(ctx, "job1", "manual")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)

	saved, _, err := st.GetSchedule(ctx, "job1")
	require.NoError(t, err)
	assert.Contains(t, saved.LastError, "connection reset")
	assert.False(t, saved.Running)
}

func TestRunCycleInFlightDeduplication(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	scheduler, _, _ := newSchedulerHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		close(started)
		<-release
		return &model.ProfilePayload{
			Platform: "instagram",
			Handle:   handle,
			Posts:    []model.Post{{ExternalID: "p1"}},
		}, nil
	})
	ctx := context.Background()

	schedule, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)
	schedule.LinkedHandles = []model.JobHandle{{Platform: "instagram", Handle: "clientaccount"}}
	require.NoError(t, scheduler.store.SaveSchedule(ctx, schedule))

	done := make(chan CycleResult)
	go func() {
		result, _ := scheduler.RunCycle(ctx, "job1", "poll")
		done <- result
	}()

	<-started

	// A second trigger while the first cycle holds the job must no-op.
	second, err := scheduler.RunCycle(ctx, "job1", "manual")
	require.NoError(t, err)
	assert.Equal(t, CycleResult{}, second)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
}

func TestRunCycleRecoversFromPanic(t *testing.T) {
	scheduler, st, _ := newSchedulerHarness(t, func(ctx context.Context, handle string, opts fetcher.Options) (*model.ProfilePayload, error) {
		panic("adapter blew up")
	})
	ctx := context.Background()

	schedule, err := scheduler.Configure(ctx, "job1", true, 4*time.Hour)
	require.NoError(t, err)
	schedule.LinkedHandles = []model.JobHandle{{Platform: "instagram", Handle: "clientaccount"}}
	require.NoError(t, st.SaveSchedule(ctx, schedule))

	result, err := scheduler.RunCycle(ctx, "job1", "manual")
	require.NoError(t, err)
	// The orchestrator turns the panic into a per-target error.
	assert.Equal(t, 1, result.Failed)

	saved, _, err := st.GetSchedule(ctx, "job1")
	require.NoError(t, err)
	assert.False(t, saved.Running)
	assert.True(t, saved.NextRunAt.After(time.Now()))
	assert.NotEmpty(t, saved.LastError)
}

func TestJoinErrors(t *testing.T) {
	assert.Empty(t, joinErrors(nil))
	assert.Equal(t, "a; b", joinErrors([]string{"a", "b"}))

	many := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	joined := joinErrors(many)
	assert.Contains(t, joined, "e5")
	assert.NotContains(t, joined, "e6")
	assert.Contains(t, joined, "and 2 more")
}
