// Package continuity re-runs the fetch path for a job's linked accounts and
// top competitors on a recurring per-job interval. Cycles are deliberately
// sequential: continuity favors predictability over throughput.
package continuity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/config"
	"github.com/researchaccelerator-hub/profile-scraper/events"
	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/scrape"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

// Reported errors per cycle are truncated to this many before joining.
const maxReportedErrors = 5

// CycleResult summarizes one continuity cycle.
type CycleResult struct {
	ClientAttempted     int
	CompetitorAttempted int
	Succeeded           int
	Failed              int
	Errors              []string
}

// Scheduler owns the continuity schedules of all jobs within the process. An
// in-flight set keyed by job guards against a poll tick and a manual trigger
// running the same job's cycle twice.
type Scheduler struct {
	store        store.Store
	orchestrator *scrape.Orchestrator
	sink         events.Sink
	cfg          *config.ScraperConfig

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewScheduler creates a continuity scheduler.
func NewScheduler(st store.Store, orchestrator *scrape.Orchestrator, sink events.Sink, cfg *config.ScraperConfig) *Scheduler {
	return &Scheduler{
		store:        st,
		orchestrator: orchestrator,
		sink:         sink,
		cfg:          cfg,
		inFlight:     make(map[string]bool),
	}
}

// Configure enables or disables continuity for a job. The interval is clamped
// to the configured floor regardless of the requested value. Enabling
// schedules the first run one interval out; disabling clears the schedule
// state.
func (s *Scheduler) Configure(ctx context.Context, jobID string, enabled bool, interval time.Duration) (model.ContinuitySchedule, error) {
	if interval < s.cfg.MinContinuityPeriod {
		log.Info().
			Str("job_id", jobID).
			Dur("requested", interval).
			Dur("floor", s.cfg.MinContinuityPeriod).
			Msg("Continuity interval below floor, clamping")
		interval = s.cfg.MinContinuityPeriod
	}

	schedule, _, err := s.store.GetSchedule(ctx, jobID)
	if err != nil {
		return model.ContinuitySchedule{}, fmt.Errorf("failed to load schedule for job %s: %w", jobID, err)
	}
	schedule.JobID = jobID
	schedule.Enabled = enabled
	schedule.Interval = interval
	schedule.UpdatedAt = time.Now()

	if enabled {
		schedule.NextRunAt = time.Now().Add(interval)
	} else {
		schedule.NextRunAt = time.Time{}
		schedule.Running = false
	}

	if err := s.store.SaveSchedule(ctx, schedule); err != nil {
		return model.ContinuitySchedule{}, fmt.Errorf("failed to save schedule for job %s: %w", jobID, err)
	}
	return schedule, nil
}

// RunCycle runs one continuity cycle for a job: the client's own linked
// accounts first, then up to the configured number of top-ranked competitor
// targets, each fetched sequentially. Per-target errors are collected, never
// fatal. Whatever happens, the running flag is cleared and the next run is
// scheduled; continuity must never get permanently stuck.
func (s *Scheduler) RunCycle(ctx context.Context, jobID, trigger string) (result CycleResult, err error) {
	if !s.acquire(jobID) {
		log.Info().Str("job_id", jobID).Str("trigger", trigger).Msg("Continuity cycle already in flight, skipping")
		return CycleResult{}, nil
	}
	defer s.release(jobID)

	runID := common.GenerateRunID()

	schedule, _, err := s.store.GetSchedule(ctx, jobID)
	if err != nil {
		return CycleResult{}, fmt.Errorf("failed to load schedule for job %s: %w", jobID, err)
	}
	schedule.JobID = jobID
	schedule.Running = true
	schedule.UpdatedAt = time.Now()
	if err := s.store.SaveSchedule(ctx, schedule); err != nil {
		return CycleResult{}, fmt.Errorf("failed to mark job %s running: %w", jobID, err)
	}

	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cycle panicked: %v", r))
			log.Error().
				Str("job_id", jobID).
				Interface("panic", r).
				Msg("Recovered panic during continuity cycle")
		}
		s.finishCycle(jobID, runID, schedule, &result)
	}()

	s.sink.Emit(events.Notice{
		JobID:   jobID,
		RunID:   runID,
		Source:  "continuity",
		Code:    events.CodeCycleStarted,
		Level:   events.LevelInfo,
		Message: fmt.Sprintf("continuity cycle started (%s)", trigger),
	})

	for _, target := range schedule.LinkedHandles {
		result.ClientAttempted++
		s.fetchTarget(ctx, jobID, runID, target, &result)
	}

	competitors, err := s.competitorTargets(ctx, jobID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("competitor lookup: %v", err))
	}
	for _, target := range competitors {
		result.CompetitorAttempted++
		s.fetchTarget(ctx, jobID, runID, target, &result)
	}

	return result, nil
}

// fetchTarget runs one target through the orchestrator, folding the outcome
// into the cycle result.
func (s *Scheduler) fetchTarget(ctx context.Context, jobID, runID string, target model.JobHandle, result *CycleResult) {
	fetch, err := s.orchestrator.FetchAndPersist(ctx, jobID, common.PlatformType(target.Platform), target.Handle, scrape.FetchOptions{RunID: runID})
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("%s/%s: %v", target.Platform, target.Handle, err))
		return
	}
	if fetch.Skipped {
		return
	}
	result.Succeeded++
}

// competitorTargets returns up to MaxCompetitors (platform, handle) pairs of
// the job's top-ranked non-rejected, non-filtered candidates.
func (s *Scheduler) competitorTargets(ctx context.Context, jobID string) ([]model.JobHandle, error) {
	profiles, err := s.store.FindCandidateProfiles(ctx, jobID, store.ProfileFilter{
		Selections: []model.SelectionState{model.SelectionShortlisted, model.SelectionApproved, model.SelectionTopPick},
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Score > profiles[j].Score
	})

	limit := s.cfg.MaxCompetitors
	targets := make([]model.JobHandle, 0, limit)
	for _, profile := range profiles {
		if len(targets) >= limit {
			break
		}
		targets = append(targets, model.JobHandle{Platform: profile.Platform, Handle: profile.Handle})
	}
	return targets, nil
}

// finishCycle persists the post-cycle schedule state and emits the completion
// event. It runs on every exit path of RunCycle, panics included.
func (s *Scheduler) finishCycle(jobID, runID string, schedule model.ContinuitySchedule, result *CycleResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	interval := schedule.Interval
	if interval < s.cfg.MinContinuityPeriod {
		interval = s.cfg.MinContinuityPeriod
	}

	schedule.Running = false
	schedule.LastRunAt = now
	schedule.NextRunAt = now.Add(interval)
	schedule.LastError = joinErrors(result.Errors)
	schedule.UpdatedAt = now

	if err := s.store.SaveSchedule(ctx, schedule); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist schedule after cycle")
	}

	level := events.LevelInfo
	if result.Failed > 0 || len(result.Errors) > 0 {
		level = events.LevelWarn
	}
	s.sink.Emit(events.Notice{
		JobID:   jobID,
		RunID:   runID,
		Source:  "continuity",
		Code:    events.CodeCycleCompleted,
		Level:   level,
		Message: "continuity cycle completed",
		Metrics: map[string]int{
			"client_attempted":     result.ClientAttempted,
			"competitor_attempted": result.CompetitorAttempted,
			"succeeded":            result.Succeeded,
			"failed":               result.Failed,
		},
	})

	log.Info().
		Str("job_id", jobID).
		Int("client_attempted", result.ClientAttempted).
		Int("competitor_attempted", result.CompetitorAttempted).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Time("next_run_at", schedule.NextRunAt).
		Msg("Continuity cycle completed")
}

// Loop polls for due schedules until the context is cancelled. A primer tick
// fires shortly after start so a restart does not wait a full poll interval
// to pick up overdue jobs. Due cycles run serially.
func (s *Scheduler) Loop(ctx context.Context) {
	log.Info().Dur("poll_interval", s.cfg.PollInterval).Msg("Continuity loop started")

	primer := time.NewTimer(5 * time.Second)
	defer primer.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Continuity loop stopped")
			return
		case <-primer.C:
			s.runDue(ctx)
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue executes one poll tick: load due schedules up to the batch size and
// run their cycles one after another.
func (s *Scheduler) runDue(ctx context.Context) {
	due, err := s.store.FindDueSchedules(ctx, time.Now(), s.cfg.DueBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query due continuity schedules")
		return
	}

	for _, schedule := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunCycle(ctx, schedule.JobID, "scheduler"); err != nil {
			log.Error().Err(err).Str("job_id", schedule.JobID).Msg("Continuity cycle failed")
		}
	}
}

func (s *Scheduler) acquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[jobID] {
		return false
	}
	s.inFlight[jobID] = true
	return true
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, jobID)
}

// joinErrors joins at most maxReportedErrors messages, noting how many were
// dropped.
func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) > maxReportedErrors {
		kept := errs[:maxReportedErrors]
		return fmt.Sprintf("%s (and %d more)", strings.Join(kept, "; "), len(errs)-maxReportedErrors)
	}
	return strings.Join(errs, "; ")
}
