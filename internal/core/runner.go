package core

import (
	"context"
	"errors"
	"time"

	"CoverLedger/internal/event"

	"github.com/rs/zerolog"
)

var ErrRunnerStopped = errors.New("core runner stopped")

type submission struct {
	evt      event.Event
	received time.Time
	reply    chan result
}

type result struct {
	receipt *Receipt
	err     error
}

type viewRequest struct {
	fn    func(*DeterministicCore) error
	reply chan error
}

// Runner owns the core goroutine. Every ingestion path and every read goes
// through it, so the core never sees two callers at once.
type Runner struct {
	core     *DeterministicCore
	commands chan submission
	views    chan viewRequest
	done     chan struct{}
	logger   zerolog.Logger
}

func NewRunner(core *DeterministicCore, queueSize int, logger zerolog.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if core.metrics != nil {
		core.metrics.ChannelCapacity.WithLabelValues("core_commands").Set(float64(queueSize))
	}
	return &Runner{
		core:     core,
		commands: make(chan submission, queueSize),
		views:    make(chan viewRequest),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Run processes submissions until ctx is cancelled. Views are served
// between commands.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-r.commands:
			receipt, err := r.apply(s)
			s.reply <- result{receipt: receipt, err: err}
		case v := <-r.views:
			v.reply <- v.fn(r.core)
		}
	}
}

func (r *Runner) apply(s submission) (*Receipt, error) {
	if m := r.core.metrics; m != nil {
		m.IngestToApply.WithLabelValues(s.evt.EventType().String()).Observe(time.Since(s.received).Seconds())
		m.ChannelSize.WithLabelValues("core_commands").Set(float64(len(r.commands)))
	}

	receipt, err := r.core.ProcessEvent(s.evt)
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		r.logger.Warn().
			Int64("seq", rejected.Sequence).
			Str("type", s.evt.EventType().String()).
			Str("key", s.evt.IdempotencyKey()).
			Err(rejected.Err).
			Msg("command rejected")
	case err != nil:
		r.logger.Debug().
			Str("type", s.evt.EventType().String()).
			Str("key", s.evt.IdempotencyKey()).
			Err(err).
			Msg("command refused")
	case receipt != nil && receipt.Duplicate:
		r.logger.Debug().
			Str("type", s.evt.EventType().String()).
			Str("key", s.evt.IdempotencyKey()).
			Msg("duplicate command")
	}
	return receipt, err
}

// Submit queues a command and waits for its receipt.
func (r *Runner) Submit(ctx context.Context, evt event.Event) (*Receipt, error) {
	s := submission{evt: evt, received: time.Now(), reply: make(chan result, 1)}
	select {
	case r.commands <- s:
	case <-r.done:
		return nil, ErrRunnerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// once queued the command will be applied; wait for the outcome even if
	// the caller gives up so the result is not silently lost
	select {
	case res := <-s.reply:
		return res.receipt, res.err
	case <-r.done:
		return nil, ErrRunnerStopped
	}
}

// View runs fn on the core goroutine. fn must not retain the core.
func (r *Runner) View(ctx context.Context, fn func(*DeterministicCore) error) error {
	v := viewRequest{fn: fn, reply: make(chan error, 1)}
	select {
	case r.views <- v:
	case <-r.done:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-v.reply:
		return err
	case <-r.done:
		return ErrRunnerStopped
	}
}

// Done is closed once Run returns.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}
