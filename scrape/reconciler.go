package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/events"
	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

// ReconcileResult summarizes one eligibility reconciliation pass.
type ReconcileResult struct {
	NormalizedHandle string
	ProfilesUpdated  int
	RecordsUpdated   int
}

// Reconciler flips stale ineligibility flags after a fetch proved a handle
// reachable. It is idempotent: a second pass over already-verified rows
// updates nothing.
type Reconciler struct {
	store store.Store
	sink  events.Sink
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(st store.Store, sink events.Sink) *Reconciler {
	return &Reconciler{store: st, sink: sink}
}

// Reconcile marks every candidate profile and discovered record matching the
// normalized handle as verified, recording the audit reason and bumping the
// verification attempt counter. An unnormalizable handle is a no-op, not an
// error. The source tag names the caller for the audit trail.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string, platform common.PlatformType, handle, source string) (ReconcileResult, error) {
	normalized := common.NormalizeHandle(platform, handle)
	if normalized == "" {
		log.Debug().
			Str("job_id", jobID).
			Str("platform", string(platform)).
			Str("handle", handle).
			Msg("Handle did not normalize, nothing to reconcile")
		return ReconcileResult{}, nil
	}

	result := ReconcileResult{NormalizedHandle: normalized}
	reason := fmt.Sprintf("verified by successful fetch (%s)", source)
	now := time.Now()

	profiles, err := r.store.FindCandidateProfilesByHandle(ctx, jobID, string(platform), normalized)
	if err != nil {
		return result, fmt.Errorf("failed to load candidate profiles for %s/%s: %w", platform, normalized, err)
	}

	for _, profile := range profiles {
		if profile.Availability == model.AvailabilityVerified {
			continue
		}
		profile.VerificationAttempts++
		profile.Availability = model.AvailabilityVerified
		profile.AvailabilityReason = reason
		profile.UpdatedAt = now
		if _, err := r.store.UpsertCandidateProfile(ctx, profile); err != nil {
			return result, fmt.Errorf("failed to update candidate profile %s: %w", profile.ID, err)
		}
		result.ProfilesUpdated++
	}

	record, found, err := r.store.GetDiscoveredRecord(ctx, jobID, string(platform), normalized)
	if err != nil {
		return result, fmt.Errorf("failed to load discovered record for %s/%s: %w", platform, normalized, err)
	}
	if found && record.Availability != model.AvailabilityVerified {
		record.Availability = model.AvailabilityVerified
		record.UpdatedAt = now
		if _, err := r.store.UpsertDiscoveredRecord(ctx, record); err != nil {
			return result, fmt.Errorf("failed to update discovered record %s: %w", record.ID, err)
		}
		result.RecordsUpdated++
	}

	if result.ProfilesUpdated > 0 || result.RecordsUpdated > 0 {
		log.Info().
			Str("job_id", jobID).
			Str("platform", string(platform)).
			Str("handle", normalized).
			Int("profiles_updated", result.ProfilesUpdated).
			Int("records_updated", result.RecordsUpdated).
			Msg("Reconciled availability after successful fetch")
		r.sink.Emit(events.Notice{
			JobID:    jobID,
			Source:   source,
			Code:     events.CodeReconciled,
			Level:    events.LevelInfo,
			Message:  reason,
			Platform: string(platform),
			Handle:   normalized,
			Metrics: map[string]int{
				"profiles_updated": result.ProfilesUpdated,
				"records_updated":  result.RecordsUpdated,
			},
		})
	}

	return result, nil
}
