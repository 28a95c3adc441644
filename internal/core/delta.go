package core

import (
	"strconv"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"
	"CoverLedger/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt is what a caller learns about its command.
type Receipt struct {
	Sequence   int64              `json:"sequence"` // -1 when nothing was logged
	EventType  string             `json:"event_type"`
	Duplicate  bool               `json:"duplicate,omitempty"`
	Rejection  string             `json:"rejection,omitempty"`
	StateHash  [32]byte           `json:"-"`
	PoolID     *uint64            `json:"pool_id,omitempty"`
	PositionID *uint64            `json:"position_id,omitempty"`
	CoverID    *uint64            `json:"cover_id,omitempty"`
	StrategyID *uint32            `json:"strategy_id,omitempty"`
	Interests  *state.Interests   `json:"interests,omitempty"`
	Claim      *state.ClaimResult `json:"claim,omitempty"`
	Expired    []state.Expiry     `json:"expired,omitempty"`
}

type PositionRecord struct {
	*state.Position
	Owner common.Address `json:"owner"`
}

type CoverRecord struct {
	*state.Cover
	Owner common.Address `json:"owner"`
}

// Delta carries copies of everything a command changed. It feeds the state
// hash and the read-model projections.
type Delta struct {
	Pools             []*state.Pool         `json:"pools,omitempty"`
	Positions         []PositionRecord      `json:"positions,omitempty"`
	Covers            []CoverRecord         `json:"covers,omitempty"`
	Compensations     []*state.Compensation `json:"compensations,omitempty"`
	Strategies        []strategy.Strategy   `json:"strategies,omitempty"`
	Config            *state.Config         `json:"config,omitempty"`
	IncompatiblePairs [][2]uint64           `json:"incompatible_pairs,omitempty"`
}

func (d *Delta) Empty() bool {
	return d == nil || (len(d.Pools) == 0 && len(d.Positions) == 0 && len(d.Covers) == 0 &&
		len(d.Compensations) == 0 && len(d.Strategies) == 0 && d.Config == nil)
}

func (c *DeterministicCore) collectDelta(ch state.Changes, strategyID *uint32) *Delta {
	d := &Delta{}
	for _, id := range ch.Pools {
		if p, err := c.registry.Pool(id); err == nil {
			d.Pools = append(d.Pools, p)
		}
	}
	for _, id := range ch.Positions {
		if p, err := c.registry.PositionRecord(id); err == nil {
			owner, _ := c.tokens.OwnerOf(state.TokenPosition, id)
			d.Positions = append(d.Positions, PositionRecord{Position: p, Owner: owner})
		}
	}
	for _, id := range ch.Covers {
		if cv, err := c.registry.CoverRecord(id); err == nil {
			owner, _ := c.tokens.OwnerOf(state.TokenCover, id)
			d.Covers = append(d.Covers, CoverRecord{Cover: cv, Owner: owner})
		}
	}
	for _, id := range ch.Compensations {
		if comp, err := c.registry.Compensation(id); err == nil {
			d.Compensations = append(d.Compensations, comp)
		}
	}
	if ch.Config {
		cfg := c.registry.Config()
		d.Config = &cfg
		d.IncompatiblePairs = c.registry.IncompatiblePairs()
	}
	if strategyID != nil {
		for _, s := range c.strategies.Export() {
			if s.ID == *strategyID {
				d.Strategies = append(d.Strategies, s)
			}
		}
	}
	return d
}

// observeDomain exports pool gauges and cover/claim counters.
func (c *DeterministicCore) observeDomain(evt event.Event, r *Receipt, d *Delta, batch *ledger.Batch) {
	m := c.metrics
	for _, p := range d.Pools {
		label := strconv.FormatUint(p.ID, 10)
		m.PoolUtilization.WithLabelValues(label).Set(percentFloat(event.FormatPercent(p.Utilization())))
		m.PoolPremiumRate.WithLabelValues(label).Set(percentFloat(event.FormatPercent(&p.PremiumRate)))
		m.PoolLiquidity.WithLabelValues(label).Set(float64(p.TotalLiquidity))
		m.PoolInsured.WithLabelValues(label).Set(float64(p.Slot0.TotalInsuredCapital))
	}
	if r.Rejection != "" {
		return
	}

	if oc, ok := evt.(*event.OpenCover); ok {
		m.CoversOpened.WithLabelValues(strconv.FormatUint(oc.Pool, 10)).Inc()
	}
	if sp, ok := evt.(*event.SyncPool); ok && len(r.Expired) > 0 {
		m.CoversExpired.WithLabelValues(strconv.FormatUint(sp.Pool, 10), "premiums").Add(float64(len(r.Expired)))
	}
	if r.Claim != nil && len(d.Compensations) > 0 {
		comp := d.Compensations[0]
		m.ClaimsPaid.WithLabelValues(strconv.FormatUint(comp.FromPoolID, 10)).Inc()
		if len(r.Claim.ForcedExpiries) > 0 {
			m.CoversExpired.WithLabelValues(strconv.FormatUint(comp.FromPoolID, 10), "claim").Add(float64(len(r.Claim.ForcedExpiries)))
		}
	}
	for _, j := range batch.Journals {
		asset, _ := ledger.GetAssetName(j.AssetID)
		switch j.JournalType {
		case ledger.JournalTypeClaimPayout:
			m.ClaimPayoutTotal.WithLabelValues(asset).Add(float64(j.Amount))
		case ledger.JournalTypeRewardPayout:
			m.RewardsPaid.WithLabelValues(asset).Add(float64(j.Amount))
		}
	}
}

func percentFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
