package store

import (
	"context"
	"encoding/json"
	"fmt"

	daprc "github.com/dapr/go-sdk/client"
	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/profile-scraper/model"
)

const defaultStateStoreName = "statestore"

// DaprStore is a store implementation that uses a Dapr state store for
// durability. It embeds the memory store as a write-through cache: reads are
// served from memory, writes go to both.
type DaprStore struct {
	*MemoryStore
	client         daprc.Client
	stateStoreName string
}

// NewDaprStore creates a store backed by a Dapr state store component.
func NewDaprStore(config Config) (*DaprStore, error) {
	client, err := daprc.NewClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create Dapr client: %w", err)
	}

	stateStoreName := defaultStateStoreName
	if config.DaprConfig != nil && config.DaprConfig.StateStoreName != "" {
		stateStoreName = config.DaprConfig.StateStoreName
	}

	log.Info().Str("state_store", stateStoreName).Msg("Created Dapr-backed store")

	return &DaprStore{
		MemoryStore:    NewMemoryStore(),
		client:         client,
		stateStoreName: stateStoreName,
	}, nil
}

func (ds *DaprStore) saveEntity(ctx context.Context, key string, entity interface{}) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity for key %s: %w", key, err)
	}

	if err := ds.client.SaveState(ctx, ds.stateStoreName, key, data, nil); err != nil {
		return fmt.Errorf("failed to save state for key %s: %w", key, err)
	}
	return nil
}

// UpsertCandidateProfile writes through to the state store after updating the
// in-memory cache.
func (ds *DaprStore) UpsertCandidateProfile(ctx context.Context, profile model.CandidateProfile) (model.CandidateProfile, error) {
	saved, err := ds.MemoryStore.UpsertCandidateProfile(ctx, profile)
	if err != nil {
		return model.CandidateProfile{}, err
	}

	key := fmt.Sprintf("profile/%s", saved.ID)
	if err := ds.saveEntity(ctx, key, saved); err != nil {
		return model.CandidateProfile{}, err
	}
	return saved, nil
}

// UpsertDiscoveredRecord writes through to the state store.
func (ds *DaprStore) UpsertDiscoveredRecord(ctx context.Context, record model.DiscoveredRecord) (model.DiscoveredRecord, error) {
	saved, err := ds.MemoryStore.UpsertDiscoveredRecord(ctx, record)
	if err != nil {
		return model.DiscoveredRecord{}, err
	}

	key := fmt.Sprintf("record/%s", saved.ID)
	if err := ds.saveEntity(ctx, key, saved); err != nil {
		return model.DiscoveredRecord{}, err
	}
	return saved, nil
}

// SaveOrchestrationRun writes through to the state store.
func (ds *DaprStore) SaveOrchestrationRun(ctx context.Context, run model.OrchestrationRun) error {
	if err := ds.MemoryStore.SaveOrchestrationRun(ctx, run); err != nil {
		return err
	}
	return ds.saveEntity(ctx, fmt.Sprintf("run/%s", run.ID), run)
}

// SaveSchedule writes through to the state store.
func (ds *DaprStore) SaveSchedule(ctx context.Context, schedule model.ContinuitySchedule) error {
	if err := ds.MemoryStore.SaveSchedule(ctx, schedule); err != nil {
		return err
	}
	return ds.saveEntity(ctx, fmt.Sprintf("schedule/%s", schedule.JobID), schedule)
}

// daprTx buffers memory writes and their remote counterparts so both commit
// together: memory first, then one Dapr state transaction.
type daprTx struct {
	mem   *memTx
	items []*daprc.SetStateItem
}

func (tx *daprTx) add(key string, entity interface{}) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal entity for key %s: %w", key, err)
	}
	tx.items = append(tx.items, &daprc.SetStateItem{Key: key, Value: data})
	return nil
}

func (tx *daprTx) SaveProfileSnapshot(jobID string, payload model.ProfilePayload) error {
	if err := tx.mem.SaveProfileSnapshot(jobID, payload); err != nil {
		return err
	}
	key := fmt.Sprintf("snapshot/%s", profileKey(jobID, payload.Platform, payload.Handle))
	return tx.add(key, payload)
}

func (tx *daprTx) SavePosts(jobID, platform, handle string, posts []model.Post) error {
	if err := tx.mem.SavePosts(jobID, platform, handle, posts); err != nil {
		return err
	}
	for _, post := range posts {
		key := fmt.Sprintf("post/%s/%s", profileKey(jobID, platform, handle), post.ExternalID)
		if err := tx.add(key, post); err != nil {
			return err
		}
	}
	return nil
}

func (tx *daprTx) RecordTrendSignal(signal model.TrendSignal) error {
	if err := tx.mem.RecordTrendSignal(signal); err != nil {
		return err
	}
	key := fmt.Sprintf("trend/%s", trendKey(signal.JobID, signal.Platform, signal.Hashtag))
	return tx.add(key, signal)
}

func (tx *daprTx) SetCheckpoint(checkpoint model.ScrapeCheckpoint) error {
	if err := tx.mem.SetCheckpoint(checkpoint); err != nil {
		return err
	}
	key := fmt.Sprintf("checkpoint/%s", profileKey(checkpoint.JobID, checkpoint.Platform, checkpoint.Handle))
	return tx.add(key, checkpoint)
}

// RunTx executes fn and commits the buffered writes: the remote state
// transaction first, then the memory cache. A remote failure leaves the cache
// untouched so nothing is partially visible.
func (ds *DaprStore) RunTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &daprTx{mem: &memTx{}}
	if err := fn(tx); err != nil {
		return err
	}

	if len(tx.items) > 0 {
		ops := make([]*daprc.StateOperation, 0, len(tx.items))
		for _, item := range tx.items {
			ops = append(ops, &daprc.StateOperation{
				Type: daprc.StateOperationTypeUpsert,
				Item: item,
			})
		}
		if err := ds.client.ExecuteStateTransaction(ctx, ds.stateStoreName, nil, ops); err != nil {
			return fmt.Errorf("failed to execute state transaction: %w", err)
		}
	}

	ds.mutex.Lock()
	defer ds.mutex.Unlock()
	for _, op := range tx.mem.ops {
		op(ds.MemoryStore)
	}
	return nil
}

// GetCheckpoint reads from the cache first, falling back to the state store
// for checkpoints persisted by a previous process.
func (ds *DaprStore) GetCheckpoint(ctx context.Context, jobID, platform, handle string) (model.ScrapeCheckpoint, bool, error) {
	if cp, exists, err := ds.MemoryStore.GetCheckpoint(ctx, jobID, platform, handle); err != nil || exists {
		return cp, exists, err
	}

	key := fmt.Sprintf("checkpoint/%s", profileKey(jobID, platform, handle))
	response, err := ds.client.GetState(ctx, ds.stateStoreName, key, nil)
	if err != nil {
		return model.ScrapeCheckpoint{}, false, fmt.Errorf("failed to get checkpoint from state store: %w", err)
	}
	if response.Value == nil {
		return model.ScrapeCheckpoint{}, false, nil
	}

	var cp model.ScrapeCheckpoint
	if err := json.Unmarshal(response.Value, &cp); err != nil {
		return model.ScrapeCheckpoint{}, false, fmt.Errorf("failed to parse checkpoint data: %w", err)
	}

	// Cache for subsequent reads.
	ds.mutex.Lock()
	ds.checkpoints[profileKey(jobID, platform, handle)] = cp
	ds.mutex.Unlock()

	return cp, true, nil
}

// GetSchedule reads from the cache first, falling back to the state store.
func (ds *DaprStore) GetSchedule(ctx context.Context, jobID string) (model.ContinuitySchedule, bool, error) {
	if s, exists, err := ds.MemoryStore.GetSchedule(ctx, jobID); err != nil || exists {
		return s, exists, err
	}

	response, err := ds.client.GetState(ctx, ds.stateStoreName, fmt.Sprintf("schedule/%s", jobID), nil)
	if err != nil {
		return model.ContinuitySchedule{}, false, fmt.Errorf("failed to get schedule from state store: %w", err)
	}
	if response.Value == nil {
		return model.ContinuitySchedule{}, false, nil
	}

	var s model.ContinuitySchedule
	if err := json.Unmarshal(response.Value, &s); err != nil {
		return model.ContinuitySchedule{}, false, fmt.Errorf("failed to parse schedule data: %w", err)
	}

	ds.mutex.Lock()
	ds.schedules[jobID] = s
	ds.mutex.Unlock()

	return s, true, nil
}

// Close releases the Dapr client.
func (ds *DaprStore) Close() error {
	if ds.client != nil {
		ds.client.Close()
	}
	return nil
}
