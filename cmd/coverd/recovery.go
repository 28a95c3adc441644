package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"

	"github.com/rs/zerolog"
)

const replayPageSize = 1000

// recovery rebuilds the in-memory state from the newest snapshot plus the
// log tail. A snapshot whose hash disagrees with the log is ignored.
type recovery struct {
	snapshots *persistence.SnapshotManager
	newCore   func() (*core.DeterministicCore, error)
	lruKeys   int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func (r *recovery) run(ctx context.Context) (*core.DeterministicCore, error) {
	c, err := r.newCore()
	if err != nil {
		return nil, err
	}

	restored, err := r.restore(ctx, c)
	if err != nil {
		return nil, err
	}
	if !restored {
		// the snapshot may have been applied partially; start clean
		if c, err = r.newCore(); err != nil {
			return nil, err
		}
		keys, err := r.snapshots.RecentIdempotencyKeys(ctx, r.lruKeys)
		if err != nil {
			return nil, fmt.Errorf("load idempotency keys: %w", err)
		}
		c.WarmLRU(keys)
		r.logger.Info().Int("keys", len(keys)).Msg("cold start, LRU warmed from log")
	}

	start := time.Now()
	replayed, err := replay(ctx, r.snapshots, c)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.ReplayEventsTotal.Add(float64(replayed))
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	hash := c.GetStateHash()
	r.logger.Info().
		Int("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Str("state_hash", hex.EncodeToString(hash[:])).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return c, nil
}

// restore loads the newest snapshot into c and checks it against the
// logged hash at the same sequence. It reports false when there is nothing
// usable to restore.
func (r *recovery) restore(ctx context.Context, c *core.DeterministicCore) (bool, error) {
	snap, err := r.snapshots.LoadLatestSnapshot(ctx, false)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to load snapshot")
		return false, nil
	}
	if snap == nil || snap.Sequence < 0 {
		return false, nil
	}
	log := r.logger.With().Int64("snapshot_seq", snap.Sequence).Logger()

	rows, err := r.snapshots.LoadEventsFrom(ctx, snap.Sequence, 1)
	if err != nil {
		return false, fmt.Errorf("load event %d: %w", snap.Sequence, err)
	}
	if len(rows) == 0 || rows[0].Sequence != snap.Sequence {
		log.Warn().Msg("snapshot is ahead of the event log, ignoring it")
		return false, nil
	}
	if logged := hex.EncodeToString(rows[0].StateHash); logged != snap.StateHash {
		log.Error().Str("snapshot_hash", snap.StateHash).Str("logged_hash", logged).
			Msg("snapshot hash disagrees with the event log, ignoring it")
		return false, nil
	}

	st, err := snap.ToState()
	if err != nil {
		log.Warn().Err(err).Msg("snapshot unreadable, ignoring it")
		return false, nil
	}
	if err := c.RestoreFromSnapshot(st); err != nil {
		log.Warn().Err(err).Msg("snapshot restore failed, ignoring it")
		return false, nil
	}
	if err := r.snapshots.MarkVerified(ctx, snap.Sequence); err != nil {
		log.Warn().Err(err).Msg("mark snapshot verified")
	}
	log.Info().Int("idempotency_keys", len(st.IdempotencyKeys)).Msg("restored from snapshot")
	return true, nil
}

// replay applies the log from c's next sequence to the head. Every entry's
// stored hash is checked as it is applied.
func replay(ctx context.Context, src *persistence.SnapshotManager, c *core.DeterministicCore) (int, error) {
	count := 0
	for {
		rows, err := src.LoadEventsFrom(ctx, c.GetSequence(), replayPageSize)
		if err != nil {
			return count, fmt.Errorf("load events from %d: %w", c.GetSequence(), err)
		}
		if len(rows) == 0 {
			return count, nil
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return count, fmt.Errorf("event %d: %w", row.Sequence, err)
			}
			if err := c.ReplayEvent(env); err != nil {
				return count, fmt.Errorf("replay event %d: %w", row.Sequence, err)
			}
			count++
		}
	}
}
