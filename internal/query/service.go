package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"CoverLedger/internal/ledger"
	"CoverLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables and the
// event log. Every response carries as_of_sequence: the last command the
// read model has absorbed.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const poolColumns = `pool_id, asset, strategy_id, paused, total_liquidity, total_insured,
	utilization::text, premium_rate::text, remaining_policies, claims_count, ongoing_claims, last_update_ts`

func (qs *QueryService) GetPool(ctx context.Context, poolID uint64) (*PoolSummary, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	row := qs.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM projections.pools WHERE pool_id = $1`, int64(poolID))
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool %d: %w", poolID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.AsOfSequence = asOf
	return p, nil
}

func (qs *QueryService) ListPools(ctx context.Context) ([]PoolSummary, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM projections.pools ORDER BY pool_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []PoolSummary
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOf
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPool(s scanner) (*PoolSummary, error) {
	var (
		p                  PoolSummary
		id                 int64
		strategyID         int32
		liquidity, insured int64
		utilization, rate  string
	)
	if err := s.Scan(&id, &p.Asset, &strategyID, &p.Paused, &liquidity, &insured,
		&utilization, &rate, &p.RemainingPolicies, &p.ClaimsCount, &p.OngoingClaims, &p.LastUpdate); err != nil {
		return nil, err
	}
	p.PoolID = uint64(id)
	p.StrategyID = uint32(strategyID)
	p.TotalLiquidity = FormatAmount(p.Asset, liquidity)
	p.TotalInsured = FormatAmount(p.Asset, insured)
	p.Available = FormatAmount(p.Asset, liquidity-insured)
	p.Utilization = normalizeNumeric(utilization)
	p.PremiumRate = normalizeNumeric(rate)
	return &p, nil
}

// GetPositions returns the positions held by owner.
func (qs *QueryService) GetPositions(ctx context.Context, owner common.Address) ([]PositionSummary, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT pos.position_id, pos.owner, pos.supplied, pos.discount_locked, pos.pool_ids,
		       pos.commit_withdraw_ts, COALESCE(p.asset, '')
		FROM projections.positions pos
		LEFT JOIN projections.pools p ON p.pool_id = pos.pool_ids[1]
		WHERE pos.owner = $1
		ORDER BY pos.position_id
	`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionSummary
	for rows.Next() {
		var (
			p                  PositionSummary
			id                 int64
			supplied, discount int64
			poolIDs            []int64
			asset              string
		)
		if err := rows.Scan(&id, &p.Owner, &supplied, &discount, pq.Array(&poolIDs), &p.CommitWithdrawAt, &asset); err != nil {
			return nil, err
		}
		p.PositionID = uint64(id)
		p.Supplied = FormatAmount(asset, supplied)
		p.DiscountLocked = FormatAmount(ledger.DiscountAsset, discount)
		p.PoolIDs = toUint64s(poolIDs)
		p.AsOfSequence = asOf
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetCovers returns the covers held by owner, optionally only active ones.
func (qs *QueryService) GetCovers(ctx context.Context, owner common.Address, activeOnly bool) ([]CoverSummary, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT c.cover_id, c.pool_id, c.owner, p.asset, c.cover_amount, c.premiums, c.active, c.start_ts, c.end_ts
		FROM projections.covers c
		JOIN projections.pools p ON p.pool_id = c.pool_id
		WHERE c.owner = $1`
	if activeOnly {
		query += ` AND c.active`
	}
	query += ` ORDER BY c.cover_id`

	rows, err := qs.db.QueryContext(ctx, query, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var covers []CoverSummary
	for rows.Next() {
		var (
			c                CoverSummary
			id, poolID       int64
			amount, premiums int64
		)
		if err := rows.Scan(&id, &poolID, &c.Owner, &c.Asset, &amount, &premiums, &c.Active, &c.Start, &c.End); err != nil {
			return nil, err
		}
		c.CoverID = uint64(id)
		c.PoolID = uint64(poolID)
		c.CoverAmount = FormatAmount(c.Asset, amount)
		c.Premiums = FormatAmount(c.Asset, premiums)
		c.AsOfSequence = asOf
		covers = append(covers, c)
	}
	return covers, rows.Err()
}

// GetClaims returns the claims paid out of poolID, newest first, optionally
// strictly before a timestamp.
func (qs *QueryService) GetClaims(ctx context.Context, poolID uint64, limit int, before *int64) ([]ClaimRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT c.compensation_id, c.from_pool_id, c.cover_id, c.amount, c.ratio::text, c.timestamp,
		       c.affected_pools, p.asset
		FROM projections.claims c
		JOIN projections.pools p ON p.pool_id = c.from_pool_id
		WHERE c.from_pool_id = $1`
	args := []any{int64(poolID)}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND c.timestamp < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY c.timestamp DESC, c.compensation_id DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimRecord
	for rows.Next() {
		var (
			c                 ClaimRecord
			id, from, coverID int64
			amount            int64
			ratio, asset      string
			affected          []int64
		)
		if err := rows.Scan(&id, &from, &coverID, &amount, &ratio, &c.Timestamp, pq.Array(&affected), &asset); err != nil {
			return nil, err
		}
		c.CompensationID = uint64(id)
		c.FromPoolID = uint64(from)
		c.CoverID = uint64(coverID)
		c.Amount = FormatAmount(asset, amount)
		c.Ratio = normalizeNumeric(ratio)
		c.AffectedPools = toUint64s(affected)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// GetBalances returns the wallet boundary accounts of owner. A wallet that
// has paid in more than it received shows a negative balance.
func (qs *QueryService) GetBalances(ctx context.Context, owner common.Address) ([]BalanceEntry, error) {
	return qs.balancesLike(ctx, fmt.Sprintf("external:wallet:%s:%%", owner.Hex()))
}

// GetPoolReserve returns the premium reserve accounts of a pool.
func (qs *QueryService) GetPoolReserve(ctx context.Context, poolID uint64) ([]BalanceEntry, error) {
	return qs.balancesLike(ctx, fmt.Sprintf("system:premiums:%d:%%", poolID))
}

func (qs *QueryService) balancesLike(ctx context.Context, pattern string) ([]BalanceEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance, sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []BalanceEntry
	for rows.Next() {
		var (
			e   BalanceEntry
			bal int64
		)
		if err := rows.Scan(&e.AccountPath, &e.Asset, &bal, &e.Sequence); err != nil {
			return nil, err
		}
		e.Balance = FormatAmount(e.Asset, bal)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetJournalHistory returns ledger movements touching owner's wallet, newest
// first, paginated by sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	accountPrefix := fmt.Sprintf("external:wallet:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e       JournalHistoryEntry
			assetID int32
			amount  int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &assetID, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
		e.Amount = FormatAmount(e.Asset, amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the event log and that the
// projected balances of every asset sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::bigint
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var (
			asset string
			total int64
		)
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: FormatAmount(asset, total),
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	var logHead int64
	if err := qs.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), -1) FROM event_log.events`).Scan(&logHead); err != nil {
		return nil, err
	}
	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionLag = logHead - watermark

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT sequence FROM projections.checkpoints WHERE projection = $1`, projection.Checkpoint,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return seq, nil
}

func normalizeNumeric(s string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return d.String()
}

func toUint64s(ids []int64) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}
