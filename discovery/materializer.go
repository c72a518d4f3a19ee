// Package discovery turns scored discovery candidates into durable candidate
// profiles and queue-facing discovered records, applying the selection state
// machine and the closed-world approval rule.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/events"
	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

const (
	// Score at or above which a candidate is auto-promoted to top_pick.
	topPickThreshold = 0.8

	// Score at or above which a candidate is shortlisted.
	shortlistThreshold = 0.5

	// Evidence rows kept per profile, most relevant first.
	evidenceCap = 25
)

// PersistSummary tallies one discovery batch by final selection state.
type PersistSummary struct {
	RunID       string
	Discovered  int
	Filtered    int
	Shortlisted int
	TopPicks    int
	Unavailable int
}

// ApprovalSummary reports the outcome of one ApproveAndQueue call.
type ApprovalSummary struct {
	Approved int
	Rejected int
	Queued   int
	Skipped  int
}

// ContinueOptions filters ContinueQueue. IncludeFiltered forces
// materialization of previously filtered-out profiles.
type ContinueOptions struct {
	IncludeFiltered bool
}

// Materializer persists scored candidates and drives the selection state
// machine. Operator decisions flow through Shortlist and ApproveAndQueue;
// batch scoring flows through Persist.
type Materializer struct {
	store store.Store
	sink  events.Sink
}

// NewMaterializer creates a materializer over the given store.
func NewMaterializer(st store.Store, sink events.Sink) *Materializer {
	return &Materializer{store: st, sink: sink}
}

// Persist writes one scored batch: for each candidate it finds or creates the
// canonical identity group, upserts the candidate profile preserving a prior
// operator approval, replaces the evidence rows, and derives the matching
// discovered record. Non-actionable records are pruned after the loop. The
// batch is wrapped in an orchestration run that carries the scoring
// configuration snapshot and diagnostics.
func (m *Materializer) Persist(ctx context.Context, jobID string, scored []model.ScoredCandidate, mode string, configSnapshot map[string]string, diagnostics []string) (PersistSummary, error) {
	run := model.OrchestrationRun{
		ID:             uuid.New().String(),
		JobID:          jobID,
		Phase:          model.RunPersisting,
		Mode:           mode,
		ConfigSnapshot: configSnapshot,
		Diagnostics:    diagnostics,
		StartedAt:      time.Now(),
	}
	if err := m.store.SaveOrchestrationRun(ctx, run); err != nil {
		return PersistSummary{}, fmt.Errorf("failed to open orchestration run: %w", err)
	}

	summary := PersistSummary{RunID: run.ID}
	var notes []string

	for _, candidate := range scored {
		selection, availability, err := m.materializeOne(ctx, jobID, candidate)
		if err != nil {
			log.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("platform", candidate.Platform).
				Str("handle", candidate.Handle).
				Msg("Failed to materialize candidate")
			note := fmt.Sprintf("%s/%s: %v", candidate.Platform, candidate.Handle, err)
			notes = append(notes, note)
			if dErr := m.store.AppendRunDiagnostics(ctx, run.ID, note); dErr != nil {
				log.Error().Err(dErr).Str("run_id", run.ID).Msg("Failed to append run diagnostic")
			}
			continue
		}

		summary.Discovered++
		switch selection {
		case model.SelectionTopPick:
			summary.TopPicks++
		case model.SelectionShortlisted:
			summary.Shortlisted++
		case model.SelectionFilteredOut:
			summary.Filtered++
		}
		if availability == model.AvailabilityUnavailable {
			summary.Unavailable++
		}
	}

	if err := m.prune(ctx, jobID); err != nil {
		return summary, fmt.Errorf("failed to prune non-actionable records: %w", err)
	}

	// The completion write replaces the whole row, so it has to carry the
	// diagnostics appended during the loop, not just the caller's input.
	if len(notes) > 0 {
		run.Diagnostics = append(append([]string(nil), run.Diagnostics...), notes...)
	}
	run.Phase = model.RunCompleted
	run.Discovered = summary.Discovered
	run.Filtered = summary.Filtered
	run.Shortlisted = summary.Shortlisted
	run.TopPicks = summary.TopPicks
	run.Unavailable = summary.Unavailable
	run.CompletedAt = time.Now()
	if err := m.store.SaveOrchestrationRun(ctx, run); err != nil {
		return summary, fmt.Errorf("failed to complete orchestration run: %w", err)
	}

	log.Info().
		Str("job_id", jobID).
		Str("run_id", run.ID).
		Int("discovered", summary.Discovered).
		Int("shortlisted", summary.Shortlisted).
		Int("top_picks", summary.TopPicks).
		Int("filtered", summary.Filtered).
		Msg("Discovery batch persisted")
	m.sink.Emit(events.Notice{
		JobID:   jobID,
		RunID:   run.ID,
		Source:  "discovery",
		Code:    events.CodeBatchPersisted,
		Level:   events.LevelInfo,
		Message: "discovery batch persisted",
		Metrics: map[string]int{
			"discovered":  summary.Discovered,
			"filtered":    summary.Filtered,
			"shortlisted": summary.Shortlisted,
			"top_picks":   summary.TopPicks,
			"unavailable": summary.Unavailable,
		},
	})

	return summary, nil
}

// materializeOne upserts a single candidate and its discovered record,
// returning the final selection state and availability.
func (m *Materializer) materializeOne(ctx context.Context, jobID string, candidate model.ScoredCandidate) (model.SelectionState, model.AvailabilityStatus, error) {
	if !common.IsSupportedPlatform(candidate.Platform) {
		return "", "", fmt.Errorf("unsupported platform %s", candidate.Platform)
	}
	handle := common.NormalizeHandle(common.PlatformType(candidate.Platform), candidate.Handle)
	if handle == "" {
		return "", "", fmt.Errorf("handle %q did not normalize", candidate.Handle)
	}

	canonical := candidate.CanonicalName
	if canonical == "" {
		canonical = handle
	}
	group, err := m.store.FindOrCreateIdentityGroup(ctx, jobID, canonical)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve identity group: %w", err)
	}

	selection := classify(candidate)
	availability := model.AvailabilityUnverified
	availabilityReason := ""
	if candidate.Unavailable {
		availability = model.AvailabilityUnavailable
		availabilityReason = candidate.UnavailableWhy
	}

	now := time.Now()
	profile := model.CandidateProfile{
		JobID:              jobID,
		IdentityGroupID:    group.ID,
		Platform:           candidate.Platform,
		Handle:             handle,
		Availability:       availability,
		AvailabilityReason: availabilityReason,
		Selection:          selection,
		Score:              candidate.Score,
		Breakdown:          candidate.Breakdown,
		Evidence:           capEvidence(candidate.Evidence),
		DiscoverySources:   candidate.Sources,
		CompetitorType:     candidate.CompetitorType,
		DiscoveryReason:    candidate.DiscoveryReason,
		UpdatedAt:          now,
	}

	// Operator approval outranks re-scoring: a profile the operator already
	// approved or promoted keeps its state and verified availability.
	existing, err := m.store.FindCandidateProfilesByHandle(ctx, jobID, candidate.Platform, handle)
	if err != nil {
		return "", "", fmt.Errorf("failed to look up existing profile: %w", err)
	}
	for _, prior := range existing {
		if prior.Selection == model.SelectionApproved || prior.Selection == model.SelectionTopPick {
			profile.Selection = prior.Selection
			profile.SelectionReason = prior.SelectionReason
			selection = prior.Selection
		}
		if prior.Availability == model.AvailabilityVerified && availability == model.AvailabilityUnverified {
			profile.Availability = prior.Availability
			availability = prior.Availability
		}
	}

	saved, err := m.store.UpsertCandidateProfile(ctx, profile)
	if err != nil {
		return "", "", fmt.Errorf("failed to upsert candidate profile: %w", err)
	}

	if err := m.deriveRecord(ctx, saved); err != nil {
		return "", "", err
	}
	return selection, availability, nil
}

// deriveRecord creates or refreshes the queue-facing record for execution-
// relevant profiles. Records with scrape history are left in place regardless
// of selection; prune handles the rest.
func (m *Materializer) deriveRecord(ctx context.Context, profile model.CandidateProfile) error {
	record, found, err := m.store.GetDiscoveredRecord(ctx, profile.JobID, profile.Platform, profile.Handle)
	if err != nil {
		return fmt.Errorf("failed to look up discovered record: %w", err)
	}

	if !executionRelevant(profile.Selection) && !found {
		return nil
	}

	if !found {
		record = model.DiscoveredRecord{
			JobID:    profile.JobID,
			Platform: profile.Platform,
			Handle:   profile.Handle,
			Status:   model.RecordSuggested,
		}
	}
	record.ProfileID = profile.ID
	record.Availability = profile.Availability
	record.Selection = profile.Selection
	record.UpdatedAt = time.Now()

	if _, err := m.store.UpsertDiscoveredRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to upsert discovered record: %w", err)
	}
	return nil
}

// prune soft-deletes records that are neither execution-relevant nor carrying
// scrape history worth preserving.
func (m *Materializer) prune(ctx context.Context, jobID string) error {
	records, err := m.store.FindDiscoveredRecords(ctx, jobID, store.RecordFilter{})
	if err != nil {
		return err
	}

	pruned := 0
	for _, record := range records {
		if executionRelevant(record.Selection) || hasScrapeHistory(record.Status) {
			continue
		}
		if err := m.store.SoftDeleteDiscoveredRecord(ctx, record.ID); err != nil {
			return fmt.Errorf("failed to prune record %s: %w", record.ID, err)
		}
		pruned++
	}
	if pruned > 0 {
		log.Info().Str("job_id", jobID).Int("pruned", pruned).Msg("Pruned non-actionable discovered records")
	}
	return nil
}

// Shortlist manually promotes a single candidate, independent of the batch
// scorer. Returns the id of the derived discovered record.
func (m *Materializer) Shortlist(ctx context.Context, profileID string) (string, error) {
	profile, err := m.store.GetCandidateProfile(ctx, profileID)
	if err != nil {
		return "", fmt.Errorf("failed to load candidate profile %s: %w", profileID, err)
	}

	profile.Selection = model.SelectionShortlisted
	profile.SelectionReason = "manually shortlisted by operator"
	profile.UpdatedAt = time.Now()
	saved, err := m.store.UpsertCandidateProfile(ctx, profile)
	if err != nil {
		return "", fmt.Errorf("failed to shortlist profile %s: %w", profileID, err)
	}

	if err := m.deriveRecord(ctx, saved); err != nil {
		return "", err
	}
	record, found, err := m.store.GetDiscoveredRecord(ctx, saved.JobID, saved.Platform, saved.Handle)
	if err != nil {
		return "", fmt.Errorf("failed to load derived record: %w", err)
	}
	if !found {
		return "", fmt.Errorf("derived record missing for profile %s", profileID)
	}
	return record.ID, nil
}

// ApproveAndQueue marks the given profiles approved and demotes every other
// previously shortlisted, approved or top-pick profile of the job to
// rejected. Approving a subset implicitly rejects the rest of the batch, so
// stale approvals never linger. It then queues every approved,
// platform-supported, verified profile whose record is not already in flight
// or finished.
func (m *Materializer) ApproveAndQueue(ctx context.Context, jobID string, profileIDs []string) (ApprovalSummary, error) {
	summary := ApprovalSummary{}
	chosen := make(map[string]bool, len(profileIDs))
	for _, id := range profileIDs {
		chosen[id] = true
	}

	active, err := m.store.FindCandidateProfiles(ctx, jobID, store.ProfileFilter{
		Selections: []model.SelectionState{model.SelectionShortlisted, model.SelectionApproved, model.SelectionTopPick},
	})
	if err != nil {
		return summary, fmt.Errorf("failed to list active profiles for job %s: %w", jobID, err)
	}

	for _, profile := range active {
		if chosen[profile.ID] {
			continue
		}
		profile.Selection = model.SelectionRejected
		profile.SelectionReason = "not selected at approval"
		profile.UpdatedAt = time.Now()
		if _, err := m.store.UpsertCandidateProfile(ctx, profile); err != nil {
			return summary, fmt.Errorf("failed to reject profile %s: %w", profile.ID, err)
		}
		summary.Rejected++
	}

	var approved []model.CandidateProfile
	for _, id := range profileIDs {
		profile, err := m.store.GetCandidateProfile(ctx, id)
		if err != nil {
			return summary, fmt.Errorf("failed to load profile %s: %w", id, err)
		}
		if profile.JobID != jobID {
			return summary, fmt.Errorf("profile %s belongs to job %s, not %s", id, profile.JobID, jobID)
		}
		profile.Selection = model.SelectionApproved
		profile.SelectionReason = "approved by operator"
		profile.UpdatedAt = time.Now()
		saved, err := m.store.UpsertCandidateProfile(ctx, profile)
		if err != nil {
			return summary, fmt.Errorf("failed to approve profile %s: %w", id, err)
		}
		summary.Approved++
		approved = append(approved, saved)
	}

	for _, profile := range approved {
		queued, err := m.queueProfile(ctx, profile)
		if err != nil {
			return summary, err
		}
		if queued {
			summary.Queued++
		} else {
			summary.Skipped++
		}
	}

	log.Info().
		Str("job_id", jobID).
		Int("approved", summary.Approved).
		Int("rejected", summary.Rejected).
		Int("queued", summary.Queued).
		Int("skipped", summary.Skipped).
		Msg("Approval applied")
	return summary, nil
}

// queueProfile puts an approved profile's record into the scrape queue when
// it is eligible. Records already being scraped, scraped or confirmed are
// left alone.
func (m *Materializer) queueProfile(ctx context.Context, profile model.CandidateProfile) (bool, error) {
	if !common.IsSupportedPlatform(profile.Platform) {
		return false, nil
	}
	if profile.Availability != model.AvailabilityVerified {
		return false, nil
	}

	record, found, err := m.store.GetDiscoveredRecord(ctx, profile.JobID, profile.Platform, profile.Handle)
	if err != nil {
		return false, fmt.Errorf("failed to load record for %s/%s: %w", profile.Platform, profile.Handle, err)
	}
	if found && hasScrapeHistory(record.Status) {
		return false, nil
	}

	if !found {
		record = model.DiscoveredRecord{
			JobID:    profile.JobID,
			Platform: profile.Platform,
			Handle:   profile.Handle,
		}
	}
	record.ProfileID = profile.ID
	record.Availability = profile.Availability
	record.Selection = profile.Selection
	record.Status = model.RecordSuggested
	record.Deleted = false
	record.UpdatedAt = time.Now()
	if _, err := m.store.UpsertDiscoveredRecord(ctx, record); err != nil {
		return false, fmt.Errorf("failed to queue record for %s/%s: %w", profile.Platform, profile.Handle, err)
	}
	return true, nil
}

// ContinueQueue re-derives queueable records from existing candidate
// profiles, for resuming a partially completed batch. With IncludeFiltered it
// also materializes previously filtered-out profiles. Returns the number of
// records (re)queued.
func (m *Materializer) ContinueQueue(ctx context.Context, jobID string, opts ContinueOptions) (int, error) {
	selections := []model.SelectionState{model.SelectionShortlisted, model.SelectionApproved, model.SelectionTopPick}
	if opts.IncludeFiltered {
		selections = append(selections, model.SelectionFilteredOut)
	}

	profiles, err := m.store.FindCandidateProfiles(ctx, jobID, store.ProfileFilter{Selections: selections})
	if err != nil {
		return 0, fmt.Errorf("failed to list profiles for job %s: %w", jobID, err)
	}

	queued := 0
	for _, profile := range profiles {
		record, found, err := m.store.GetDiscoveredRecord(ctx, jobID, profile.Platform, profile.Handle)
		if err != nil {
			return queued, fmt.Errorf("failed to load record for %s/%s: %w", profile.Platform, profile.Handle, err)
		}
		if found && (record.Status == model.RecordScraping || record.Status == model.RecordScraped || record.Status == model.RecordConfirmed) {
			continue
		}

		if !found {
			record = model.DiscoveredRecord{
				JobID:    jobID,
				Platform: profile.Platform,
				Handle:   profile.Handle,
			}
		}
		record.ProfileID = profile.ID
		record.Availability = profile.Availability
		record.Selection = profile.Selection
		record.Status = model.RecordSuggested
		record.LastError = ""
		record.Deleted = false
		record.UpdatedAt = time.Now()
		if _, err := m.store.UpsertDiscoveredRecord(ctx, record); err != nil {
			return queued, fmt.Errorf("failed to requeue record for %s/%s: %w", profile.Platform, profile.Handle, err)
		}
		queued++
	}

	log.Info().Str("job_id", jobID).Int("queued", queued).Msg("Queue continuation applied")
	return queued, nil
}

// classify maps a scored candidate to its initial selection state.
func classify(candidate model.ScoredCandidate) model.SelectionState {
	if candidate.Unavailable {
		return model.SelectionFilteredOut
	}
	switch {
	case candidate.Score >= topPickThreshold:
		return model.SelectionTopPick
	case candidate.Score >= shortlistThreshold:
		return model.SelectionShortlisted
	default:
		return model.SelectionFilteredOut
	}
}

// executionRelevant reports whether a selection state warrants a queue-facing
// record.
func executionRelevant(selection model.SelectionState) bool {
	switch selection {
	case model.SelectionShortlisted, model.SelectionApproved, model.SelectionTopPick:
		return true
	}
	return false
}

// hasScrapeHistory reports whether a record's status represents work that
// must survive pruning.
func hasScrapeHistory(status model.RecordStatus) bool {
	switch status {
	case model.RecordScraping, model.RecordScraped, model.RecordConfirmed:
		return true
	}
	return false
}

// capEvidence keeps at most evidenceCap rows, most relevant first.
func capEvidence(evidence []model.Evidence) []model.Evidence {
	if len(evidence) == 0 {
		return nil
	}
	sorted := make([]model.Evidence, len(evidence))
	copy(sorted, evidence)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Relevance > sorted[j].Relevance
	})
	if len(sorted) > evidenceCap {
		sorted = sorted[:evidenceCap]
	}
	return sorted
}
