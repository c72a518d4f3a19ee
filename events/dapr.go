package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	daprc "github.com/dapr/go-sdk/client"
	"github.com/rs/zerolog/log"
)

// DaprSink publishes notices to a Dapr pubsub topic. Publish errors are
// logged and swallowed: the sink contract forbids failing the caller.
type DaprSink struct {
	client     daprc.Client
	pubsubName string
	topic      string
}

// NewDaprSink creates a pubsub-backed event sink.
func NewDaprSink(pubsubName, topic string) (*DaprSink, error) {
	client, err := daprc.NewClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create Dapr client: %w", err)
	}

	return &DaprSink{
		client:     client,
		pubsubName: pubsubName,
		topic:      topic,
	}, nil
}

// Emit marshals and publishes the notice. Never blocks the caller beyond the
// publish call itself; errors are logged only.
func (s *DaprSink) Emit(notice Notice) {
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now()
	}

	data, err := json.Marshal(notice)
	if err != nil {
		log.Error().Err(err).Str("code", notice.Code).Msg("Failed to marshal event notice")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.PublishEvent(ctx, s.pubsubName, s.topic, data); err != nil {
		log.Error().
			Err(err).
			Str("job_id", notice.JobID).
			Str("code", notice.Code).
			Str("topic", s.topic).
			Msg("Failed to publish event notice")
		return
	}

	log.Debug().
		Str("job_id", notice.JobID).
		Str("code", notice.Code).
		Str("topic", s.topic).
		Msg("Published event notice")
}

// Close releases the Dapr client.
func (s *DaprSink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
