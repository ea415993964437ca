package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// JobEvent is one job lifecycle change published to the events topic for
// downstream consumers (dashboards, audit).
type JobEvent struct {
	JobID            string    `json:"job_id"`
	InfrastructureID string    `json:"infrastructure_id"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Publisher produces job lifecycle events to Kafka. A nil Publisher is valid
// and drops events, so deployments without a broker need no special casing.
type Publisher struct {
	writer *kafkago.Writer
	logger zerolog.Logger
}

// NewPublisher creates a producer for the given brokers and topic. Returns
// nil when no brokers are configured.
func NewPublisher(brokers []string, topic string, logger zerolog.Logger) *Publisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
	}
	return &Publisher{
		writer: w,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// PublishJobEvent sends one lifecycle event. Delivery failures are logged and
// swallowed: the event stream is advisory, never load-bearing for job state.
func (p *Publisher) PublishJobEvent(ctx context.Context, evt JobEvent) {
	if p == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	msg, err := serializeJobEvent(evt)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", evt.JobID).Msg("failed to serialize job event")
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn().Err(err).Str("job_id", evt.JobID).Str("status", evt.Status).Msg("failed to publish job event")
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}

func serializeJobEvent(evt JobEvent) (kafkago.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize job event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(evt.JobID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(evt.Status)},
			{Key: "occurred_at", Value: []byte(evt.OccurredAt.Format(time.RFC3339))},
		},
	}, nil
}
