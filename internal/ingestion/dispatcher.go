package ingestion

import (
	"context"
	"errors"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/state"

	"github.com/rs/zerolog"
)

// Dispatcher drains raw messages into the ingest service and settles each
// message according to the outcome.
type Dispatcher struct {
	svc    *IngestService
	logger zerolog.Logger
}

func NewDispatcher(svc *IngestService) *Dispatcher {
	return &Dispatcher{svc: svc, logger: observability.NewLogger("dispatcher")}
}

// Outcome is how a message was settled.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeNak
	OutcomeTerm
)

// Run processes messages until ctx is cancelled or in closes.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle applies one message and acks, naks or terminates it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) Outcome {
	receipt, err := d.svc.Ingest(ctx, raw.EventType(), raw.Data)
	outcome := classify(err)

	log := d.logger.Debug()
	if outcome != OutcomeAck {
		log = d.logger.Warn()
	}
	log = log.Str("subject", raw.Subject).Err(err)
	if receipt != nil {
		log = log.Int64("seq", receipt.Sequence).Bool("duplicate", receipt.Duplicate)
	}
	log.Msg("command settled")

	switch outcome {
	case OutcomeNak:
		call(raw.NakFunc)
	case OutcomeTerm:
		call(raw.TermFunc)
	default:
		call(raw.AckFunc)
	}
	return outcome
}

// classify decides whether redelivery can change the result. Anything the
// core logged, or any domain refusal, is final. Gaps and shutdowns are not.
func classify(err error) Outcome {
	var (
		rejected *core.RejectedError
		domain   *state.Error
	)
	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, ErrMalformedCommand),
		errors.Is(err, core.ErrMissingIdempotencyKey),
		errors.Is(err, core.ErrMissingTimestamp),
		errors.Is(err, core.ErrUnknownCommand):
		return OutcomeTerm
	case errors.As(err, &rejected):
		return OutcomeAck
	case errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrRunnerStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeNak
	case errors.Is(err, core.ErrOutOfOrder):
		return OutcomeAck
	case errors.As(err, &domain):
		return OutcomeAck
	default:
		return OutcomeNak
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
