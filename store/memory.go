package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/model"
)

// MemoryStore is an in-process store implementation backed by keyed maps.
// It is the default backend and the one used by tests.
type MemoryStore struct {
	mutex sync.RWMutex

	profiles     map[string]model.CandidateProfile // id -> profile
	profileByKey map[string]string                 // job|platform|handle -> id

	groups     map[string]model.IdentityGroup // id -> group
	groupByKey map[string]string              // job|name -> id

	records     map[string]model.DiscoveredRecord // id -> record
	recordByKey map[string]string                 // job|platform|handle -> id

	runs map[string]model.OrchestrationRun // id -> run

	snapshots   map[string]model.ProfilePayload   // job|platform|handle -> payload
	posts       map[string][]model.Post           // job|platform|handle -> posts
	checkpoints map[string]model.ScrapeCheckpoint // job|platform|handle -> checkpoint
	trends      map[string]model.TrendSignal      // job|platform|hashtag -> signal

	schedules map[string]model.ContinuitySchedule // jobID -> schedule
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:     make(map[string]model.CandidateProfile),
		profileByKey: make(map[string]string),
		groups:       make(map[string]model.IdentityGroup),
		groupByKey:   make(map[string]string),
		records:      make(map[string]model.DiscoveredRecord),
		recordByKey:  make(map[string]string),
		runs:         make(map[string]model.OrchestrationRun),
		snapshots:    make(map[string]model.ProfilePayload),
		posts:        make(map[string][]model.Post),
		checkpoints:  make(map[string]model.ScrapeCheckpoint),
		trends:       make(map[string]model.TrendSignal),
		schedules:    make(map[string]model.ContinuitySchedule),
	}
}

func profileKey(jobID, platform, handle string) string {
	return fmt.Sprintf("%s|%s|%s", jobID, platform, handle)
}

func groupKey(jobID, name string) string {
	return fmt.Sprintf("%s|%s", jobID, name)
}

func trendKey(jobID, platform, hashtag string) string {
	return fmt.Sprintf("%s|%s|%s", jobID, platform, hashtag)
}

// UpsertCandidateProfile inserts or updates a profile by its natural key
// (jobID, platform, handle), preserving the id and creation time of an
// existing row.
func (ms *MemoryStore) UpsertCandidateProfile(ctx context.Context, profile model.CandidateProfile) (model.CandidateProfile, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	return ms.upsertProfileLocked(profile)
}

func (ms *MemoryStore) upsertProfileLocked(profile model.CandidateProfile) (model.CandidateProfile, error) {
	key := profileKey(profile.JobID, profile.Platform, profile.Handle)
	now := time.Now()

	if existingID, exists := ms.profileByKey[key]; exists {
		existing := ms.profiles[existingID]
		profile.ID = existing.ID
		profile.CreatedAt = existing.CreatedAt
	} else {
		if profile.ID == "" {
			profile.ID = uuid.New().String()
		}
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	ms.profiles[profile.ID] = copyProfile(profile)
	ms.profileByKey[key] = profile.ID
	return copyProfile(profile), nil
}

// GetCandidateProfile retrieves a profile by id.
func (ms *MemoryStore) GetCandidateProfile(ctx context.Context, id string) (model.CandidateProfile, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	profile, exists := ms.profiles[id]
	if !exists {
		return model.CandidateProfile{}, fmt.Errorf("candidate profile with ID %s not found", id)
	}
	return copyProfile(profile), nil
}

// FindCandidateProfiles returns a job's profiles matching the filter, ordered
// by score descending.
func (ms *MemoryStore) FindCandidateProfiles(ctx context.Context, jobID string, filter ProfileFilter) ([]model.CandidateProfile, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	matches := make([]model.CandidateProfile, 0)
	for _, p := range ms.profiles {
		if p.JobID != jobID {
			continue
		}
		if len(filter.Selections) > 0 && !containsSelection(filter.Selections, p.Selection) {
			continue
		}
		if len(filter.Platforms) > 0 && !containsString(filter.Platforms, p.Platform) {
			continue
		}
		matches = append(matches, copyProfile(p))
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Handle < matches[j].Handle
	})
	return matches, nil
}

// FindCandidateProfilesByHandle returns every profile row matching the
// natural key. At most one row can exist per key, but callers treat the
// result as a list for symmetry with record updates.
func (ms *MemoryStore) FindCandidateProfilesByHandle(ctx context.Context, jobID, platform, handle string) ([]model.CandidateProfile, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	id, exists := ms.profileByKey[profileKey(jobID, platform, handle)]
	if !exists {
		return nil, nil
	}
	return []model.CandidateProfile{copyProfile(ms.profiles[id])}, nil
}

// FindOrCreateIdentityGroup returns the group for a canonical name, creating
// it when absent.
func (ms *MemoryStore) FindOrCreateIdentityGroup(ctx context.Context, jobID, canonicalName string) (model.IdentityGroup, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	key := groupKey(jobID, canonicalName)
	if id, exists := ms.groupByKey[key]; exists {
		return ms.groups[id], nil
	}

	group := model.IdentityGroup{
		ID:            uuid.New().String(),
		JobID:         jobID,
		CanonicalName: canonicalName,
		CreatedAt:     time.Now(),
	}
	ms.groups[group.ID] = group
	ms.groupByKey[key] = group.ID
	return group, nil
}

// FindIdentityGroups returns all of a job's identity groups.
func (ms *MemoryStore) FindIdentityGroups(ctx context.Context, jobID string) ([]model.IdentityGroup, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	groups := make([]model.IdentityGroup, 0)
	for _, g := range ms.groups {
		if g.JobID == jobID {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].CanonicalName < groups[j].CanonicalName })
	return groups, nil
}

// UpsertDiscoveredRecord inserts or updates a record by its natural key,
// preserving id, creation time and scrape counters of an existing row unless
// the caller set them.
func (ms *MemoryStore) UpsertDiscoveredRecord(ctx context.Context, record model.DiscoveredRecord) (model.DiscoveredRecord, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	return ms.upsertRecordLocked(record)
}

func (ms *MemoryStore) upsertRecordLocked(record model.DiscoveredRecord) (model.DiscoveredRecord, error) {
	key := profileKey(record.JobID, record.Platform, record.Handle)
	now := time.Now()

	if existingID, exists := ms.recordByKey[key]; exists {
		existing := ms.records[existingID]
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		if record.PostsFetched == 0 {
			record.PostsFetched = existing.PostsFetched
		}
		if record.LastScrapedAt.IsZero() {
			record.LastScrapedAt = existing.LastScrapedAt
		}
	} else {
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	ms.records[record.ID] = record
	ms.recordByKey[key] = record.ID
	return record, nil
}

// GetDiscoveredRecord retrieves a record by its natural key.
func (ms *MemoryStore) GetDiscoveredRecord(ctx context.Context, jobID, platform, handle string) (model.DiscoveredRecord, bool, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	id, exists := ms.recordByKey[profileKey(jobID, platform, handle)]
	if !exists {
		return model.DiscoveredRecord{}, false, nil
	}
	record := ms.records[id]
	if record.Deleted {
		return model.DiscoveredRecord{}, false, nil
	}
	return record, true, nil
}

// FindDiscoveredRecords returns a job's records matching the filter.
func (ms *MemoryStore) FindDiscoveredRecords(ctx context.Context, jobID string, filter RecordFilter) ([]model.DiscoveredRecord, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	matches := make([]model.DiscoveredRecord, 0)
	for _, r := range ms.records {
		if r.JobID != jobID {
			continue
		}
		if r.Deleted && !filter.IncludeDeleted {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, r.Status) {
			continue
		}
		matches = append(matches, r)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Handle < matches[j].Handle })
	return matches, nil
}

// SoftDeleteDiscoveredRecord marks a record deleted without removing the row.
func (ms *MemoryStore) SoftDeleteDiscoveredRecord(ctx context.Context, id string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	record, exists := ms.records[id]
	if !exists {
		return fmt.Errorf("discovered record with ID %s not found", id)
	}
	record.Deleted = true
	record.UpdatedAt = time.Now()
	ms.records[id] = record
	return nil
}

// SaveOrchestrationRun stores or replaces a run.
func (ms *MemoryStore) SaveOrchestrationRun(ctx context.Context, run model.OrchestrationRun) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.runs[run.ID] = run
	return nil
}

// GetOrchestrationRun retrieves a run by id.
func (ms *MemoryStore) GetOrchestrationRun(ctx context.Context, id string) (model.OrchestrationRun, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	run, exists := ms.runs[id]
	if !exists {
		return model.OrchestrationRun{}, fmt.Errorf("orchestration run with ID %s not found", id)
	}
	return run, nil
}

// AppendRunDiagnostics appends notes to a run. This is the only mutation
// allowed after a run completes.
func (ms *MemoryStore) AppendRunDiagnostics(ctx context.Context, runID string, notes ...string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	run, exists := ms.runs[runID]
	if !exists {
		return fmt.Errorf("orchestration run with ID %s not found", runID)
	}
	run.Diagnostics = append(run.Diagnostics, notes...)
	ms.runs[runID] = run
	return nil
}

// GetProfileSnapshot retrieves the last persisted fetch payload for a profile.
func (ms *MemoryStore) GetProfileSnapshot(ctx context.Context, jobID, platform, handle string) (model.ProfilePayload, bool, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	payload, exists := ms.snapshots[profileKey(jobID, platform, handle)]
	return payload, exists, nil
}

// GetPosts returns the persisted posts for a profile in insertion order.
func (ms *MemoryStore) GetPosts(ctx context.Context, jobID, platform, handle string) ([]model.Post, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	posts := ms.posts[profileKey(jobID, platform, handle)]
	out := make([]model.Post, len(posts))
	copy(out, posts)
	return out, nil
}

// GetCheckpoint retrieves the incremental fetch cursor for a profile.
func (ms *MemoryStore) GetCheckpoint(ctx context.Context, jobID, platform, handle string) (model.ScrapeCheckpoint, bool, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	cp, exists := ms.checkpoints[profileKey(jobID, platform, handle)]
	return cp, exists, nil
}

// GetTrendSignal retrieves a hashtag trend counter.
func (ms *MemoryStore) GetTrendSignal(ctx context.Context, jobID, platform, hashtag string) (model.TrendSignal, bool, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	sig, exists := ms.trends[trendKey(jobID, platform, hashtag)]
	return sig, exists, nil
}

// GetSchedule retrieves a job's continuity schedule.
func (ms *MemoryStore) GetSchedule(ctx context.Context, jobID string) (model.ContinuitySchedule, bool, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	s, exists := ms.schedules[jobID]
	return s, exists, nil
}

// SaveSchedule stores or replaces a job's continuity schedule.
func (ms *MemoryStore) SaveSchedule(ctx context.Context, schedule model.ContinuitySchedule) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	schedule.UpdatedAt = time.Now()
	ms.schedules[schedule.JobID] = schedule
	return nil
}

// FindDueSchedules returns enabled, non-running schedules whose next run time
// has elapsed (or was never set), capped to limit.
func (ms *MemoryStore) FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.ContinuitySchedule, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	due := make([]model.ContinuitySchedule, 0)
	for _, s := range ms.schedules {
		if !s.Enabled || s.Running {
			continue
		}
		if !s.NextRunAt.IsZero() && s.NextRunAt.After(now) {
			continue
		}
		due = append(due, s)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// memTx buffers writes until the transaction function returns successfully,
// then applies them under one lock acquisition.
type memTx struct {
	ops []func(ms *MemoryStore)
}

func (tx *memTx) SaveProfileSnapshot(jobID string, payload model.ProfilePayload) error {
	tx.ops = append(tx.ops, func(ms *MemoryStore) {
		ms.snapshots[profileKey(jobID, payload.Platform, payload.Handle)] = payload
	})
	return nil
}

func (tx *memTx) SavePosts(jobID, platform, handle string, posts []model.Post) error {
	tx.ops = append(tx.ops, func(ms *MemoryStore) {
		key := profileKey(jobID, platform, handle)
		existing := ms.posts[key]
		index := make(map[string]int, len(existing))
		for i, p := range existing {
			index[p.ExternalID] = i
		}
		for _, p := range posts {
			if i, ok := index[p.ExternalID]; ok {
				existing[i] = p
				continue
			}
			existing = append(existing, p)
			index[p.ExternalID] = len(existing) - 1
		}
		ms.posts[key] = existing
	})
	return nil
}

func (tx *memTx) RecordTrendSignal(signal model.TrendSignal) error {
	tx.ops = append(tx.ops, func(ms *MemoryStore) {
		key := trendKey(signal.JobID, signal.Platform, signal.Hashtag)
		if existing, ok := ms.trends[key]; ok {
			existing.Count += signal.Count
			existing.LastSeen = signal.LastSeen
			ms.trends[key] = existing
			return
		}
		ms.trends[key] = signal
	})
	return nil
}

func (tx *memTx) SetCheckpoint(checkpoint model.ScrapeCheckpoint) error {
	tx.ops = append(tx.ops, func(ms *MemoryStore) {
		ms.checkpoints[profileKey(checkpoint.JobID, checkpoint.Platform, checkpoint.Handle)] = checkpoint
	})
	return nil
}

// RunTx executes fn against a buffering transaction; writes apply only when
// fn returns nil.
func (ms *MemoryStore) RunTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{}
	if err := fn(tx); err != nil {
		log.Debug().Err(err).Int("buffered_ops", len(tx.ops)).Msg("Transaction rolled back")
		return err
	}

	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	for _, op := range tx.ops {
		op(ms)
	}
	return nil
}

// Close is a no-op for the memory store.
func (ms *MemoryStore) Close() error {
	return nil
}

func copyProfile(p model.CandidateProfile) model.CandidateProfile {
	out := p
	if p.Evidence != nil {
		out.Evidence = make([]model.Evidence, len(p.Evidence))
		copy(out.Evidence, p.Evidence)
	}
	if p.DiscoverySources != nil {
		out.DiscoverySources = make([]string, len(p.DiscoverySources))
		copy(out.DiscoverySources, p.DiscoverySources)
	}
	return out
}

func containsSelection(list []model.SelectionState, s model.SelectionState) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsStatus(list []model.RecordStatus, s model.RecordStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
