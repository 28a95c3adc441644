package projection

import (
	"context"
	"fmt"

	"CoverLedger/internal/core"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/state"
)

// EventSource pages through the event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// Rebuild replays the whole event log into a scratch core and writes every
// resulting update to sink. The scratch core verifies each logged state
// hash, so a rebuild also audits the log. It returns the last sequence.
func Rebuild(ctx context.Context, src EventSource, cfg state.Config, sink Sink, pageSize int) (int64, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	projChan := make(chan core.CoreOutput, 1)
	scratch, err := core.NewDeterministicCore(cfg, core.Options{LRUCapacity: 1}, nil, projChan)
	if err != nil {
		return -1, err
	}

	last := int64(-1)
	for {
		rows, err := src.LoadEventsFrom(ctx, last+1, pageSize)
		if err != nil {
			return last, err
		}
		if len(rows) == 0 {
			return last, nil
		}

		updates := make([]Update, 0, len(rows))
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return last, fmt.Errorf("decode seq %d: %w", row.Sequence, err)
			}
			if err := scratch.ReplayEvent(env); err != nil {
				return last, err
			}
			out := <-projChan
			if u := BuildUpdate(out); !u.Empty() {
				updates = append(updates, u)
			}
			last = row.Sequence
		}
		if err := sink.Apply(ctx, Checkpoint, updates); err != nil {
			return last, err
		}
	}
}
