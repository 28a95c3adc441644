package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Checkpoint is the name under which the live projection records progress.
const Checkpoint = "read_model"

// Store writes the read model. Every upsert is guarded by the source
// sequence so replays and late duplicates never move a row backwards.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("projection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("projection ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const (
	upsertPool = `
INSERT INTO projections.pools (pool_id, asset, strategy_id, paused, total_liquidity, total_insured,
    utilization, premium_rate, remaining_policies, claims_count, ongoing_claims, last_update_ts, data, sequence, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8::text::numeric, $9, $10, $11, $12, $13, $14, NOW())
ON CONFLICT (pool_id) DO UPDATE SET
    asset = EXCLUDED.asset,
    strategy_id = EXCLUDED.strategy_id,
    paused = EXCLUDED.paused,
    total_liquidity = EXCLUDED.total_liquidity,
    total_insured = EXCLUDED.total_insured,
    utilization = EXCLUDED.utilization,
    premium_rate = EXCLUDED.premium_rate,
    remaining_policies = EXCLUDED.remaining_policies,
    claims_count = EXCLUDED.claims_count,
    ongoing_claims = EXCLUDED.ongoing_claims,
    last_update_ts = EXCLUDED.last_update_ts,
    data = EXCLUDED.data,
    sequence = EXCLUDED.sequence,
    updated_at = NOW()
WHERE projections.pools.sequence < EXCLUDED.sequence`

	upsertPosition = `
INSERT INTO projections.positions (position_id, owner, supplied, discount_locked, pool_ids, commit_withdraw_ts, data, sequence, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (position_id) DO UPDATE SET
    owner = EXCLUDED.owner,
    supplied = EXCLUDED.supplied,
    discount_locked = EXCLUDED.discount_locked,
    pool_ids = EXCLUDED.pool_ids,
    commit_withdraw_ts = EXCLUDED.commit_withdraw_ts,
    data = EXCLUDED.data,
    sequence = EXCLUDED.sequence,
    updated_at = NOW()
WHERE projections.positions.sequence < EXCLUDED.sequence`

	upsertCover = `
INSERT INTO projections.covers (cover_id, pool_id, owner, cover_amount, premiums, active, start_ts, end_ts, data, sequence, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (cover_id) DO UPDATE SET
    owner = EXCLUDED.owner,
    cover_amount = EXCLUDED.cover_amount,
    premiums = EXCLUDED.premiums,
    active = EXCLUDED.active,
    start_ts = EXCLUDED.start_ts,
    end_ts = EXCLUDED.end_ts,
    data = EXCLUDED.data,
    sequence = EXCLUDED.sequence,
    updated_at = NOW()
WHERE projections.covers.sequence < EXCLUDED.sequence`

	insertClaim = `
INSERT INTO projections.claims (compensation_id, from_pool_id, cover_id, amount, ratio, timestamp, affected_pools, sequence)
VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8)
ON CONFLICT (compensation_id) DO NOTHING`

	upsertBalance = `
INSERT INTO projections.balances (account_path, asset, balance, sequence, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (account_path) DO UPDATE SET
    balance = EXCLUDED.balance,
    sequence = EXCLUDED.sequence,
    updated_at = NOW()
WHERE projections.balances.sequence < EXCLUDED.sequence`

	upsertCheckpoint = `
INSERT INTO projections.checkpoints (projection, sequence, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (projection) DO UPDATE SET sequence = EXCLUDED.sequence, updated_at = NOW()
WHERE projections.checkpoints.sequence < EXCLUDED.sequence`
)

// Apply writes a run of updates and advances the named checkpoint in one
// transaction.
func (s *Store) Apply(ctx context.Context, checkpoint string, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	last := int64(-1)
	for i := range updates {
		if err := queueUpdate(batch, &updates[i]); err != nil {
			return err
		}
		if updates[i].Sequence > last {
			last = updates[i].Sequence
		}
	}
	batch.Queue(upsertCheckpoint, checkpoint, last)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin projection tx: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("projection statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close projection batch: %w", err)
	}
	return tx.Commit(ctx)
}

func queueUpdate(batch *pgx.Batch, u *Update) error {
	seq := u.Sequence
	for _, p := range u.Pools {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return fmt.Errorf("marshal pool %d: %w", p.PoolID, err)
		}
		batch.Queue(upsertPool, p.PoolID, p.Asset, p.StrategyID, p.Paused, p.TotalLiquidity, p.TotalInsured,
			p.Utilization, p.PremiumRate, p.RemainingPolicies, p.ClaimsCount, p.OngoingClaims, p.LastUpdateTS, data, seq)
	}
	for _, p := range u.Positions {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return fmt.Errorf("marshal position %d: %w", p.PositionID, err)
		}
		batch.Queue(upsertPosition, p.PositionID, p.Owner, p.Supplied, p.DiscountLocked, p.PoolIDs, p.CommitWithdrawTS, data, seq)
	}
	for _, c := range u.Covers {
		data, err := json.Marshal(c.Data)
		if err != nil {
			return fmt.Errorf("marshal cover %d: %w", c.CoverID, err)
		}
		batch.Queue(upsertCover, c.CoverID, c.PoolID, c.Owner, c.CoverAmount, c.Premiums, c.Active, c.StartTS, c.EndTS, data, seq)
	}
	for _, c := range u.Claims {
		batch.Queue(insertClaim, c.CompensationID, c.FromPoolID, c.CoverID, c.Amount, c.Ratio, c.Timestamp, c.AffectedPools, seq)
	}
	for _, b := range u.Balances {
		batch.Queue(upsertBalance, b.AccountPath, b.Asset, b.Balance, seq)
	}
	return nil
}

// LoadCheckpoint returns the last applied sequence, or -1.
func (s *Store) LoadCheckpoint(ctx context.Context, checkpoint string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT sequence FROM projections.checkpoints WHERE projection = $1`, checkpoint,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", checkpoint, err)
	}
	return seq, nil
}

// Reset empties the read model ahead of a rebuild.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE projections.pools, projections.positions, projections.covers,
    projections.claims, projections.balances, projections.checkpoints`)
	if err != nil {
		return fmt.Errorf("reset projections: %w", err)
	}
	return nil
}
