package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream carries committed ledger events to downstream consumers.
const OutboundStream = "COVER_LEDGER_EVENTS"

// Publisher is the subset of jetstream.JetStream the outbound side needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events. It is fed only after the
// event log commit, so nothing downstream ever sees an unlogged command.
type OutboundPublisher struct {
	js      Publisher
	queue   chan PublishableEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishableEvent is a committed command as seen downstream.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PoolID         *uint64         `json:"pool_id,omitempty"`
	Caller         string          `json:"caller"`
	Rejection      string          `json:"rejection,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Receipt        *core.Receipt   `json:"receipt,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Subject is cover.ledger.events.<EventType>[.<pool>].
func (e PublishableEvent) Subject() string {
	subject := "cover.ledger.events." + e.EventType
	if e.PoolID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *e.PoolID)
	}
	return subject
}

func PublishableFromOutput(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		Caller:         env.Caller.Hex(),
		Rejection:      env.Rejection,
		Payload:        env.Payload,
		Receipt:        out.Receipt,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func NewOutboundPublisher(js Publisher, queueSize int, metrics *observability.Metrics) *OutboundPublisher {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan PublishableEvent, queueSize),
		metrics: metrics,
		logger:  observability.NewLogger("publisher"),
	}
}

// Enqueue is the persistence commit hook. It never blocks the persistence
// worker; when the queue is full the event is dropped and counted.
func (op *OutboundPublisher) Enqueue(outputs []core.CoreOutput) {
	for _, out := range outputs {
		select {
		case op.queue <- PublishableFromOutput(out):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
			op.logger.Warn().Int64("seq", out.Envelope.Sequence).Msg("outbound queue full, event dropped")
		}
	}
}

// Run publishes queued events until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-op.queue:
			if err := op.publish(ctx, evt); err != nil {
				// downstream consumers can catch up from the event log
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// the sequence doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("seq-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"cover.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
