package scrape

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/researchaccelerator-hub/profile-scraper/common"
	"github.com/researchaccelerator-hub/profile-scraper/config"
	"github.com/researchaccelerator-hub/profile-scraper/events"
	"github.com/researchaccelerator-hub/profile-scraper/model"
	"github.com/researchaccelerator-hub/profile-scraper/store"
)

// RunSummary aggregates one queue run over a job's approved records.
type RunSummary struct {
	Total   int
	Scraped int
	Failed  int
	Skipped int
}

// QueueRunner drains a job's approved discovered records in fixed-size
// chunks, fetching the targets of each chunk concurrently with a pause
// between chunks.
type QueueRunner struct {
	orchestrator *Orchestrator
	store        store.Store
	sink         events.Sink
	cfg          *config.ScraperConfig
}

// NewQueueRunner creates a queue runner backed by the given orchestrator.
func NewQueueRunner(orchestrator *Orchestrator, st store.Store, sink events.Sink, cfg *config.ScraperConfig) *QueueRunner {
	return &QueueRunner{
		orchestrator: orchestrator,
		store:        st,
		sink:         sink,
		cfg:          cfg,
	}
}

// Run fetches every queued record of the job whose status is in statuses
// (defaults to suggested and failed). One target failing never aborts the
// others; per-target outcomes land on the record rows and the aggregate
// comes back in the summary.
func (r *QueueRunner) Run(ctx context.Context, jobID string, statuses []model.RecordStatus) (RunSummary, error) {
	if len(statuses) == 0 {
		statuses = []model.RecordStatus{model.RecordSuggested, model.RecordFailed}
	}

	records, err := r.store.FindDiscoveredRecords(ctx, jobID, store.RecordFilter{Statuses: statuses})
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to list queued records for job %s: %w", jobID, err)
	}

	summary := RunSummary{Total: len(records)}
	if len(records) == 0 {
		log.Info().Str("job_id", jobID).Msg("Scrape queue empty, nothing to do")
		return summary, nil
	}

	chunkSize := r.cfg.EffectiveChunkSize()
	chunks := chunkRecords(records, chunkSize)
	log.Info().
		Str("job_id", jobID).
		Int("total", len(records)).
		Int("chunks", len(chunks)).
		Int("chunk_size", chunkSize).
		Msg("Starting scrape queue run")

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		g, gctx := errgroup.WithContext(ctx)
		outcomes := make([]recordOutcome, len(chunk))
		for j := range chunk {
			j := j
			record := chunk[j]
			g.Go(func() error {
				outcomes[j] = r.fetchOne(gctx, record)
				return nil
			})
		}
		// Goroutines report through outcomes; Wait only gathers.
		_ = g.Wait()

		for _, outcome := range outcomes {
			switch {
			case outcome.skipped:
				summary.Skipped++
			case outcome.err != nil:
				summary.Failed++
			default:
				summary.Scraped++
			}
		}

		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(r.cfg.ChunkDelay):
			}
		}
	}

	log.Info().
		Str("job_id", jobID).
		Int("scraped", summary.Scraped).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Scrape queue run completed")
	r.sink.Emit(events.Notice{
		JobID:   jobID,
		Source:  "scrape",
		Code:    events.CodeQueueCompleted,
		Level:   events.LevelInfo,
		Message: "scrape queue run completed",
		Metrics: map[string]int{
			"total":   summary.Total,
			"scraped": summary.Scraped,
			"failed":  summary.Failed,
			"skipped": summary.Skipped,
		},
	})

	return summary, nil
}

type recordOutcome struct {
	skipped bool
	err     error
}

// fetchOne runs one record through the orchestrator and writes the resulting
// status transition back onto the record. Status errors are folded into the
// outcome so a flaky store write counts the target as failed rather than
// aborting the chunk.
func (r *QueueRunner) fetchOne(ctx context.Context, record model.DiscoveredRecord) recordOutcome {
	record.Status = model.RecordScraping
	record.UpdatedAt = time.Now()
	updated, err := r.store.UpsertDiscoveredRecord(ctx, record)
	if err != nil {
		return recordOutcome{err: fmt.Errorf("failed to mark record %s scraping: %w", record.ID, err)}
	}
	record = updated

	result, err := r.orchestrator.FetchAndPersist(ctx, record.JobID, common.PlatformType(record.Platform), record.Handle, FetchOptions{})
	if err != nil {
		record.Status = model.RecordFailed
		record.LastError = err.Error()
		record.UpdatedAt = time.Now()
		if _, upErr := r.store.UpsertDiscoveredRecord(ctx, record); upErr != nil {
			log.Error().
				Err(upErr).
				Str("record_id", record.ID).
				Msg("Failed to mark record failed")
		}
		return recordOutcome{err: err}
	}

	if result.Skipped {
		// Another fetch owns the profile; put the record back so the next
		// run picks it up.
		record.Status = model.RecordSuggested
		record.UpdatedAt = time.Now()
		if _, upErr := r.store.UpsertDiscoveredRecord(ctx, record); upErr != nil {
			log.Error().
				Err(upErr).
				Str("record_id", record.ID).
				Msg("Failed to requeue skipped record")
		}
		return recordOutcome{skipped: true}
	}

	record.Status = model.RecordScraped
	record.PostsFetched += result.NewPosts
	record.LastScrapedAt = time.Now()
	record.LastError = ""
	record.UpdatedAt = record.LastScrapedAt
	if _, err := r.store.UpsertDiscoveredRecord(ctx, record); err != nil {
		return recordOutcome{err: fmt.Errorf("failed to mark record %s scraped: %w", record.ID, err)}
	}
	return recordOutcome{}
}

// chunkRecords splits records into slices of at most size elements.
func chunkRecords(records []model.DiscoveredRecord, size int) [][]model.DiscoveredRecord {
	if size <= 0 {
		size = 1
	}
	var chunks [][]model.DiscoveredRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}
