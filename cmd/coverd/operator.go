package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/state"

	"github.com/rs/zerolog"
)

// operator backs the admin endpoints and the periodic snapshot loop.
type operator struct {
	runner    *core.Runner
	snapshots *persistence.SnapshotManager
	store     *projection.Store
	stateCfg  state.Config
	keep      int
	metrics   *observability.Metrics
	logger    zerolog.Logger

	rebuildMu sync.Mutex
}

// TakeSnapshot captures the state on the core goroutine and stores it.
func (o *operator) TakeSnapshot(ctx context.Context) (int64, error) {
	var st *core.SnapshotState
	err := o.runner.View(ctx, func(c *core.DeterministicCore) error {
		st = c.CreateSnapshotState()
		return nil
	})
	if err != nil {
		return -1, err
	}
	return o.save(ctx, st)
}

func (o *operator) save(ctx context.Context, st *core.SnapshotState) (int64, error) {
	if st.Sequence < 0 {
		return -1, nil
	}
	start := time.Now()
	size, err := o.snapshots.SaveSnapshot(ctx, persistence.SnapshotFromState(st, time.Now()))
	if err != nil {
		return -1, fmt.Errorf("save snapshot %d: %w", st.Sequence, err)
	}
	if o.metrics != nil {
		o.metrics.SnapshotTaken.Inc()
		o.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		o.metrics.SnapshotSizeBytes.Set(float64(size))
		o.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	if o.keep > 0 {
		if pruned, err := o.snapshots.PruneSnapshots(ctx, o.keep); err != nil {
			o.logger.Warn().Err(err).Msg("prune snapshots")
		} else if pruned > 0 {
			o.logger.Debug().Int64("pruned", pruned).Msg("old snapshots pruned")
		}
	}
	o.logger.Info().Int64("sequence", st.Sequence).Int("bytes", size).Msg("snapshot saved")
	return st.Sequence, nil
}

// RebuildProjections truncates the read model and replays the log into it.
func (o *operator) RebuildProjections(ctx context.Context) (int64, error) {
	if o.store == nil {
		return -1, fmt.Errorf("projection store not configured")
	}
	o.rebuildMu.Lock()
	defer o.rebuildMu.Unlock()

	start := time.Now()
	if err := o.store.Reset(ctx); err != nil {
		return -1, fmt.Errorf("reset projections: %w", err)
	}
	last, err := projection.Rebuild(ctx, o.snapshots, o.stateCfg, o.store, replayPageSize)
	if err != nil {
		return last, fmt.Errorf("rebuild projections: %w", err)
	}
	o.logger.Info().Int64("sequence", last).Dur("took", time.Since(start)).Msg("projections rebuilt")
	return last, nil
}

// runSnapshots takes a snapshot every interval until ctx is cancelled.
func (o *operator) runSnapshots(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var st *core.SnapshotState
			err := o.runner.View(ctx, func(c *core.DeterministicCore) error {
				// nothing new since the previous snapshot
				if c.GetSequence()-1 == last {
					return nil
				}
				st = c.CreateSnapshotState()
				return nil
			})
			if err != nil || st == nil {
				continue
			}
			seq, err := o.save(ctx, st)
			if err != nil {
				o.logger.Error().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
		}
	}
}
