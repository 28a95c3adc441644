package projection

import (
	"context"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Sink receives projection updates. *Store is the production sink.
type Sink interface {
	Apply(ctx context.Context, checkpoint string, updates []Update) error
}

// ProjectionWorker turns core outputs into read-model updates. The core
// drops outputs when this worker lags; a gap is repaired by Rebuild.
type ProjectionWorker struct {
	sink         Sink
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
	lastSeq      int64
}

func NewProjectionWorker(sink Sink, inputChan <-chan core.CoreOutput, batchSize int, metrics *observability.Metrics) *ProjectionWorker {
	if batchSize <= 0 {
		batchSize = 128
	}
	return &ProjectionWorker{
		sink:         sink,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: 50 * time.Millisecond,
		metrics:      metrics,
		logger:       observability.NewLogger("projection"),
		lastSeq:      -1,
	}
}

// LastSequence is the highest sequence handed to the sink.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run applies updates until ctx is cancelled or the channel closes.
// Failures are logged and skipped: the read model is eventually consistent
// and can always be rebuilt from the event log.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	pending := make([]Update, 0, pw.batchSize)
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		pw.apply(ctx, pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			if out.Envelope.Sequence <= pw.lastSeq {
				continue
			}
			if gap := out.Envelope.Sequence - pw.lastSeq; pw.lastSeq >= 0 && gap > 1 {
				pw.logger.Warn().Int64("from", pw.lastSeq+1).Int64("to", out.Envelope.Sequence-1).Msg("projection gap, rebuild required")
			}
			pw.lastSeq = out.Envelope.Sequence

			u := BuildUpdate(out)
			if u.Empty() {
				continue
			}
			pending = append(pending, u)
			if len(pending) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, updates []Update) {
	start := time.Now()
	if err := pw.sink.Apply(ctx, Checkpoint, updates); err != nil {
		pw.logger.Warn().
			Err(err).
			Int64("first_seq", updates[0].Sequence).
			Int64("last_seq", updates[len(updates)-1].Sequence).
			Msg("projection update failed")
		return
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(Checkpoint).Observe(time.Since(start).Seconds())
	}
}
