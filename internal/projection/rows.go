package projection

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
)

// Update is everything one core output changes in the read model.
type Update struct {
	Sequence  int64
	Pools     []PoolRow
	Positions []PositionRow
	Covers    []CoverRow
	Claims    []ClaimRow
	Balances  []BalanceRow
}

func (u *Update) Empty() bool {
	return len(u.Pools) == 0 && len(u.Positions) == 0 && len(u.Covers) == 0 &&
		len(u.Claims) == 0 && len(u.Balances) == 0
}

type PoolRow struct {
	PoolID            int64
	Asset             string
	StrategyID        int32
	Paused            bool
	TotalLiquidity    int64
	TotalInsured      int64
	Utilization       string // percent
	PremiumRate       string // percent
	RemainingPolicies int64
	ClaimsCount       int32
	OngoingClaims     int64
	LastUpdateTS      int64
	Data              any
}

type PositionRow struct {
	PositionID       int64
	Owner            string
	Supplied         int64
	DiscountLocked   int64
	PoolIDs          []int64
	CommitWithdrawTS int64
	Data             any
}

type CoverRow struct {
	CoverID     int64
	PoolID      int64
	Owner       string
	CoverAmount int64
	Premiums    int64
	Active      bool
	StartTS     int64
	EndTS       int64
	Data        any
}

type ClaimRow struct {
	CompensationID int64
	FromPoolID     int64
	CoverID        int64
	Amount         int64
	Ratio          string // fraction
	Timestamp      int64
	AffectedPools  []int64
}

type BalanceRow struct {
	AccountPath string
	Asset       string
	Balance     int64
}

// BuildUpdate maps a core output onto read-model rows.
func BuildUpdate(out core.CoreOutput) Update {
	u := Update{Sequence: out.Envelope.Sequence}

	for key, bal := range out.Balances {
		asset, _ := ledger.GetAssetName(key.AssetID)
		u.Balances = append(u.Balances, BalanceRow{AccountPath: key.AccountPath(), Asset: asset, Balance: bal})
	}

	d := out.Delta
	if d == nil {
		return u
	}
	for _, p := range d.Pools {
		asset, _ := ledger.GetAssetName(p.AssetID)
		u.Pools = append(u.Pools, PoolRow{
			PoolID:            int64(p.ID),
			Asset:             asset,
			StrategyID:        int32(p.StrategyID),
			Paused:            p.Paused,
			TotalLiquidity:    p.TotalLiquidity,
			TotalInsured:      p.Slot0.TotalInsuredCapital,
			Utilization:       event.FormatPercent(p.Utilization()),
			PremiumRate:       event.FormatPercent(&p.PremiumRate),
			RemainingPolicies: int64(p.Slot0.RemainingPolicies),
			ClaimsCount:       int32(p.ClaimsCount()),
			OngoingClaims:     int64(p.OngoingClaims),
			LastUpdateTS:      p.Slot0.LastUpdateTimestamp,
			Data:              p,
		})
	}
	for i := range d.Positions {
		p := &d.Positions[i]
		u.Positions = append(u.Positions, PositionRow{
			PositionID:       int64(p.ID),
			Owner:            p.Owner.Hex(),
			Supplied:         p.Supplied,
			DiscountLocked:   p.DiscountLocked,
			PoolIDs:          toInt64s(p.PoolIDs()),
			CommitWithdrawTS: p.CommitWithdrawalTimestamp,
			Data:             p,
		})
	}
	for i := range d.Covers {
		c := &d.Covers[i]
		u.Covers = append(u.Covers, CoverRow{
			CoverID:     int64(c.ID),
			PoolID:      int64(c.PoolID),
			Owner:       c.Owner.Hex(),
			CoverAmount: c.CoverAmount,
			Premiums:    c.Premiums,
			Active:      c.Active,
			StartTS:     c.Start,
			EndTS:       c.End,
			Data:        c,
		})
	}
	for _, comp := range d.Compensations {
		affected := make([]int64, len(comp.PoolIndices))
		for i, idx := range comp.PoolIndices {
			affected[i] = int64(idx.PoolID)
		}
		u.Claims = append(u.Claims, ClaimRow{
			CompensationID: int64(comp.ID),
			FromPoolID:     int64(comp.FromPoolID),
			CoverID:        int64(comp.CoverID),
			Amount:         comp.Amount,
			Ratio:          event.FormatRay(&comp.Ratio),
			Timestamp:      comp.Timestamp,
			AffectedPools:  affected,
		})
	}
	return u
}

func toInt64s(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
