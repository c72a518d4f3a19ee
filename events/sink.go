// Package events provides the append-only event sink for scrape lifecycle
// notices. Emitting is fire-and-forget: a sink must never block or surface an
// error to the caller.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level mirrors log severity for downstream consumers.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Well-known notice codes emitted by the engine.
const (
	CodeFetchStarted    = "fetch_started"
	CodeFetchSkipped    = "fetch_skipped"
	CodeFetchSaved      = "fetch_saved"
	CodeFetchFailed     = "fetch_failed"
	CodeFetchRateLimit  = "fetch_rate_limited"
	CodeCheckpoint      = "checkpoint_advanced"
	CodeReconciled      = "availability_reconciled"
	CodeQueueCompleted  = "queue_completed"
	CodeCycleStarted    = "cycle_started"
	CodeCycleCompleted  = "cycle_completed"
	CodeBatchPersisted  = "batch_persisted"
	CodeEnrichmentError = "enrichment_error"
)

// Notice is one lifecycle event keyed by job and optional run.
type Notice struct {
	JobID      string            `json:"job_id"`
	RunID      string            `json:"run_id,omitempty"`
	Source     string            `json:"source"`
	Code       string            `json:"code"`
	Level      Level             `json:"level"`
	Message    string            `json:"message"`
	Platform   string            `json:"platform,omitempty"`
	Handle     string            `json:"handle,omitempty"`
	EntityType string            `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Metrics    map[string]int    `json:"metrics,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Sink receives lifecycle notices. Emit must not block or fail the caller.
type Sink interface {
	Emit(notice Notice)
}

// LogSink writes notices as structured log lines.
type LogSink struct{}

// NewLogSink creates a sink that logs every notice.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Emit logs the notice at its level.
func (s *LogSink) Emit(notice Notice) {
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now()
	}

	var event *zerolog.Event
	switch notice.Level {
	case LevelError:
		event = log.Error()
	case LevelWarn:
		event = log.Warn()
	default:
		event = log.Info()
	}

	event = event.
		Str("job_id", notice.JobID).
		Str("source", notice.Source).
		Str("code", notice.Code)

	if notice.RunID != "" {
		event = event.Str("run_id", notice.RunID)
	}
	if notice.Platform != "" {
		event = event.Str("platform", notice.Platform)
	}
	if notice.Handle != "" {
		event = event.Str("handle", notice.Handle)
	}
	if notice.EntityType != "" {
		event = event.Str("entity_type", notice.EntityType).Str("entity_id", notice.EntityID)
	}
	if len(notice.Metrics) > 0 {
		event = event.Interface("metrics", notice.Metrics)
	}

	event.Msg(notice.Message)
}

// NopSink discards every notice. Used in tests.
type NopSink struct{}

// NewNopSink creates a sink that discards notices.
func NewNopSink() *NopSink {
	return &NopSink{}
}

// Emit discards the notice.
func (s *NopSink) Emit(notice Notice) {}

// CaptureSink records notices in memory for assertions in tests.
type CaptureSink struct {
	mu      sync.Mutex
	notices []Notice
}

// NewCaptureSink creates a recording sink.
func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

// Emit appends the notice.
func (s *CaptureSink) Emit(notice Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, notice)
}

// Notices returns a copy of the emitted notices in order.
func (s *CaptureSink) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

// Codes returns the emitted notice codes in order.
func (s *CaptureSink) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.notices))
	for _, n := range s.notices {
		codes = append(codes, n.Code)
	}
	return codes
}
