// Package store provides the persistence collaborator for the scraper engine:
// upsert-by-natural-key operations, filtered queries, and an atomic
// transaction boundary for a fetch's multi-entity write.
package store

import (
	"context"
	"time"

	"github.com/researchaccelerator-hub/profile-scraper/model"
)

// ProfileFilter narrows candidate profile queries.
type ProfileFilter struct {
	Selections []model.SelectionState
	Platforms  []string
}

// RecordFilter narrows discovered record queries.
type RecordFilter struct {
	Statuses       []model.RecordStatus
	IncludeDeleted bool
}

// Tx collects the writes of one fetch so they commit together. A returned
// error from the transaction function discards every buffered write.
type Tx interface {
	// SaveProfileSnapshot stores the fetched profile metadata for a
	// (job, platform, handle) key.
	SaveProfileSnapshot(jobID string, payload model.ProfilePayload) error

	// SavePosts upserts post rows keyed by (profile, external id).
	SavePosts(jobID, platform, handle string, posts []model.Post) error

	// RecordTrendSignal increments the per-hashtag trend counter.
	RecordTrendSignal(signal model.TrendSignal) error

	// SetCheckpoint advances the incremental fetch cursor.
	SetCheckpoint(checkpoint model.ScrapeCheckpoint) error
}

// Store defines the persistence operations the engine depends on. The natural
// keys are (jobID, platform, normalizedHandle) for candidate profiles,
// (jobID, platform, handle) for discovered records and profile snapshots, and
// (profile, externalID) for posts.
type Store interface {
	// Candidate profiles
	UpsertCandidateProfile(ctx context.Context, profile model.CandidateProfile) (model.CandidateProfile, error)
	GetCandidateProfile(ctx context.Context, id string) (model.CandidateProfile, error)
	FindCandidateProfiles(ctx context.Context, jobID string, filter ProfileFilter) ([]model.CandidateProfile, error)
	FindCandidateProfilesByHandle(ctx context.Context, jobID, platform, handle string) ([]model.CandidateProfile, error)

	// Identity groups
	FindOrCreateIdentityGroup(ctx context.Context, jobID, canonicalName string) (model.IdentityGroup, error)
	FindIdentityGroups(ctx context.Context, jobID string) ([]model.IdentityGroup, error)

	// Discovered records
	UpsertDiscoveredRecord(ctx context.Context, record model.DiscoveredRecord) (model.DiscoveredRecord, error)
	GetDiscoveredRecord(ctx context.Context, jobID, platform, handle string) (model.DiscoveredRecord, bool, error)
	FindDiscoveredRecords(ctx context.Context, jobID string, filter RecordFilter) ([]model.DiscoveredRecord, error)
	SoftDeleteDiscoveredRecord(ctx context.Context, id string) error

	// Orchestration runs
	SaveOrchestrationRun(ctx context.Context, run model.OrchestrationRun) error
	GetOrchestrationRun(ctx context.Context, id string) (model.OrchestrationRun, error)
	AppendRunDiagnostics(ctx context.Context, runID string, notes ...string) error

	// Profile fetch state
	GetProfileSnapshot(ctx context.Context, jobID, platform, handle string) (model.ProfilePayload, bool, error)
	GetPosts(ctx context.Context, jobID, platform, handle string) ([]model.Post, error)
	GetCheckpoint(ctx context.Context, jobID, platform, handle string) (model.ScrapeCheckpoint, bool, error)
	GetTrendSignal(ctx context.Context, jobID, platform, hashtag string) (model.TrendSignal, bool, error)

	// Continuity schedules
	GetSchedule(ctx context.Context, jobID string) (model.ContinuitySchedule, bool, error)
	SaveSchedule(ctx context.Context, schedule model.ContinuitySchedule) error
	FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.ContinuitySchedule, error)

	// RunTx executes fn against a transaction; all writes commit together
	// or not at all.
	RunTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases backend resources.
	Close() error
}

// Factory creates the appropriate store implementation.
type Factory interface {
	Create(config Config) (Store, error)
}

// Config contains common configuration for all store implementations.
type Config struct {
	// Backend selects the implementation: "memory" or "dapr".
	Backend string

	DaprConfig *DaprConfig
}

// DaprConfig contains Dapr-specific configuration.
type DaprConfig struct {
	StateStoreName string
}
