package server

import (
	"encoding/hex"
	"encoding/json"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/query"
	"CoverLedger/internal/state"
)

// Request and response messages. They travel as JSON over both gRPC and
// the HTTP gateway; amounts are decimal strings in the asset's units.

type Empty struct{}

type SubmitRequest struct {
	Type    string          `json:"type"`
	Command json.RawMessage `json:"command"`
}

type SubmitResponse struct {
	*core.Receipt
	StateHash string `json:"state_hash,omitempty"`
}

func newSubmitResponse(r *core.Receipt) *SubmitResponse {
	resp := &SubmitResponse{Receipt: r}
	if r.Sequence >= 0 {
		resp.StateHash = hex.EncodeToString(r.StateHash[:])
	}
	return resp
}

// PoolRequest asks for a live view. At is a unix time; zero means the
// ledger clock.
type PoolRequest struct {
	PoolID uint64 `json:"pool_id"`
	At     int64  `json:"at,omitempty"`
}

type CoverRequest struct {
	CoverID uint64 `json:"cover_id"`
	At      int64  `json:"at,omitempty"`
}

type PositionRequest struct {
	PositionID uint64 `json:"position_id"`
	At         int64  `json:"at,omitempty"`
}

type OwnerRequest struct {
	Owner      string `json:"owner"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Before     int64  `json:"before,omitempty"` // sequence cursor, 0 for the newest page
}

type ClaimsRequest struct {
	PoolID uint64 `json:"pool_id"`
	Limit  int    `json:"limit,omitempty"`
	Before int64  `json:"before,omitempty"`
}

type LivePool struct {
	ID               uint64   `json:"id"`
	Asset            string   `json:"asset"`
	StrategyID       uint32   `json:"strategy_id"`
	Paused           bool     `json:"paused"`
	Utilization      string   `json:"utilization"`  // percent
	PremiumRate      string   `json:"premium_rate"` // percent per year
	FeeRate          string   `json:"fee_rate"`
	TotalLiquidity   string   `json:"total_liquidity"`
	AvailableCapital string   `json:"available_capital"`
	OngoingClaims    uint64   `json:"ongoing_claims"`
	Compensations    []uint64 `json:"compensation_ids"`
	PendingExpiries  []uint64 `json:"pending_expiries,omitempty"`
	At               int64    `json:"at"`
}

func newLivePool(v core.PoolView) *LivePool {
	p := v.Pool
	asset := assetOf(p.AssetID)
	lp := &LivePool{
		ID:               p.ID,
		Asset:            asset,
		StrategyID:       p.StrategyID,
		Paused:           p.Paused,
		Utilization:      event.FormatPercent(&v.Utilization),
		PremiumRate:      event.FormatPercent(&p.PremiumRate),
		FeeRate:          event.FormatPercent(&p.FeeRate),
		TotalLiquidity:   query.FormatAmount(asset, p.TotalLiquidity),
		AvailableCapital: query.FormatAmount(asset, v.AvailableCapital),
		OngoingClaims:    p.OngoingClaims,
		Compensations:    append([]uint64{}, p.CompensationIDs...),
		At:               v.At,
	}
	for _, e := range v.PendingExpiries {
		lp.PendingExpiries = append(lp.PendingExpiries, e.CoverID)
	}
	return lp
}

type LiveCover struct {
	ID               uint64 `json:"id"`
	PoolID           uint64 `json:"pool_id"`
	Owner            string `json:"owner"`
	Asset            string `json:"asset"`
	CoverAmount      string `json:"cover_amount"`
	Premiums         string `json:"premiums"`
	PremiumsLeft     string `json:"premiums_left"`
	DailyCost        string `json:"daily_cost"`
	BeginPremiumRate string `json:"begin_premium_rate"`
	Start            int64  `json:"start"`
	End              int64  `json:"end,omitempty"`
	Active           bool   `json:"active"`
}

func newLiveCover(v state.CoverView, asset string) *LiveCover {
	return &LiveCover{
		ID:               v.ID,
		PoolID:           v.PoolID,
		Owner:            v.Owner.Hex(),
		Asset:            asset,
		CoverAmount:      query.FormatAmount(asset, v.CoverAmount),
		Premiums:         query.FormatAmount(asset, v.Premiums),
		PremiumsLeft:     query.FormatAmount(asset, v.PremiumsLeft),
		DailyCost:        query.FormatAmount(asset, v.DailyCost),
		BeginPremiumRate: event.FormatPercent(&v.BeginPremiumRate),
		Start:            v.Start,
		End:              v.End,
		Active:           v.Active,
	}
}

type PendingInterests struct {
	Capital         string   `json:"capital"`
	CapitalLost     string   `json:"capital_lost"`
	RewardsGross    string   `json:"rewards_gross"`
	Fee             string   `json:"fee"`
	RewardsNet      string   `json:"rewards_net"`
	StrategyRewards string   `json:"strategy_rewards"`
	ClaimsApplied   []uint64 `json:"claims_applied"`
}

type LivePosition struct {
	ID                        uint64           `json:"id"`
	Owner                     string           `json:"owner"`
	Asset                     string           `json:"asset"`
	Supplied                  string           `json:"supplied"`
	DiscountLocked            string           `json:"discount_locked"`
	StrategyID                uint32           `json:"strategy_id"`
	PoolIDs                   []uint64         `json:"pool_ids"`
	CommitWithdrawalTimestamp int64            `json:"commit_withdrawal_timestamp,omitempty"`
	Pending                   PendingInterests `json:"pending"`
}

func newLivePosition(v state.PositionView) *LivePosition {
	asset := assetOf(v.AssetID)
	lp := &LivePosition{
		ID:                        v.ID,
		Owner:                     v.Owner.Hex(),
		Asset:                     asset,
		Supplied:                  query.FormatAmount(asset, v.Supplied),
		DiscountLocked:            query.FormatAmount(discountAsset, v.DiscountLocked),
		StrategyID:                v.StrategyID,
		CommitWithdrawalTimestamp: v.CommitWithdrawalTimestamp,
		Pending: PendingInterests{
			Capital:         query.FormatAmount(asset, v.Pending.Capital),
			CapitalLost:     query.FormatAmount(asset, v.Pending.CapitalLost),
			RewardsGross:    query.FormatAmount(asset, v.Pending.RewardsGross),
			Fee:             query.FormatAmount(asset, v.Pending.Fee),
			RewardsNet:      query.FormatAmount(asset, v.Pending.RewardsNet),
			StrategyRewards: query.FormatAmount(asset, v.Pending.StrategyRewards),
			ClaimsApplied:   append([]uint64{}, v.Pending.ClaimsApplied...),
		},
	}
	for _, s := range v.Stakes {
		lp.PoolIDs = append(lp.PoolIDs, s.PoolID)
	}
	return lp
}

type OverlapRequest struct {
	PoolID uint64 `json:"pool_id"`
}

type Overlap struct {
	PoolID uint64 `json:"pool_id"`
	Amount string `json:"amount"`
}

type OverlapList struct {
	PoolID   uint64    `json:"pool_id"`
	Overlaps []Overlap `json:"overlaps"`
}

type PoolList struct {
	Pools []query.PoolSummary `json:"pools"`
}

type PositionList struct {
	Positions []query.PositionSummary `json:"positions"`
}

type CoverList struct {
	Covers []query.CoverSummary `json:"covers"`
}

type ClaimList struct {
	Claims []query.ClaimRecord `json:"claims"`
}

type BalanceList struct {
	Balances []query.BalanceEntry `json:"balances"`
}

type JournalList struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type AdminResponse struct {
	Sequence int64 `json:"sequence"`
}
