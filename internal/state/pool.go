package state

import (
	"fmt"
	gomath "math"
	"slices"
	"sort"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// Slot0 is the pool's pricing and time cursor.
type Slot0 struct {
	Tick                uint64      `json:"tick"`
	SecondsPerTick      uint64      `json:"seconds_per_tick"`
	SecondsInTick       uint64      `json:"seconds_in_tick"` // seconds already elapsed inside Tick
	TotalInsuredCapital int64       `json:"total_insured_capital"`
	RemainingPolicies   uint64      `json:"remaining_policies"`
	LastUpdateTimestamp int64       `json:"last_update_timestamp"`
	LiquidityIndex      uint256.Int `json:"liquidity_index"` // fraction ray
	// EmissionWeight sums dailyCost * 1e54 / beginRate over the active
	// covers. Times the current rate, over 1e54, it is the premium the pool
	// consumes per day.
	EmissionWeight uint256.Int `json:"emission_weight"`
}

// TickBucket lists the active covers whose last tick is Tick.
type TickBucket struct {
	Tick     uint64   `json:"tick"`
	CoverIDs []uint64 `json:"cover_ids"`
}

// Overlap is the capital this pool shares with another pool.
type Overlap struct {
	PoolID uint64 `json:"pool_id"`
	Amount int64  `json:"amount"`
}

// Bundle is the capital of the positions backing exactly PoolIDs. Every
// member pool holds an identical copy.
type Bundle struct {
	PoolIDs []uint64 `json:"pool_ids"` // sorted
	Capital int64    `json:"capital"`
}

// Pool is one underwriting pool. Formula, asset and strategy are fixed at
// creation; everything else moves with covers, positions and claims.
type Pool struct {
	ID         uint64         `json:"id"`
	Formula    Formula        `json:"formula"`
	FeeRate    uint256.Int    `json:"fee_rate"` // percent ray
	AssetID    ledger.AssetID `json:"asset_id"`
	StrategyID uint32         `json:"strategy_id"`

	Slot0          Slot0       `json:"slot0"`
	PremiumRate    uint256.Int `json:"premium_rate"` // percent ray, derived from utilization
	TotalLiquidity int64       `json:"total_liquidity"`

	// Ticks is sorted ascending; every bucket lies strictly after Slot0.Tick.
	Ticks           []TickBucket `json:"ticks"`
	Overlaps        []Overlap    `json:"overlaps"`
	Bundles         []Bundle     `json:"bundles"` // multi-pool sets only
	CompensationIDs []uint64     `json:"compensation_ids"`
	OngoingClaims   uint64       `json:"ongoing_claims"`
	Paused          bool         `json:"paused"`
}

func newPool(id uint64, formula Formula, feeRate *uint256.Int, assetID ledger.AssetID, strategyID uint32, now int64) *Pool {
	p := &Pool{
		ID:         id,
		Formula:    formula,
		AssetID:    assetID,
		StrategyID: strategyID,
		Slot0: Slot0{
			SecondsPerTick:      MaxSecondsPerTick,
			LastUpdateTimestamp: now,
		},
	}
	p.FeeRate.Set(feeRate)
	p.refreshPricing()
	return p
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	c := *p
	c.Ticks = make([]TickBucket, len(p.Ticks))
	for i, b := range p.Ticks {
		c.Ticks[i] = TickBucket{Tick: b.Tick, CoverIDs: append([]uint64(nil), b.CoverIDs...)}
	}
	c.Overlaps = append([]Overlap(nil), p.Overlaps...)
	c.Bundles = make([]Bundle, len(p.Bundles))
	for i, b := range p.Bundles {
		c.Bundles[i] = Bundle{PoolIDs: append([]uint64(nil), b.PoolIDs...), Capital: b.Capital}
	}
	c.CompensationIDs = append([]uint64(nil), p.CompensationIDs...)
	return &c
}

// AvailableCapital is liquidity not backing any cover.
func (p *Pool) AvailableCapital() int64 {
	return p.TotalLiquidity - p.Slot0.TotalInsuredCapital
}

// checkDeposit rejects capital that would overflow the pool's liquidity.
func (p *Pool) checkDeposit(amount int64) error {
	if p.TotalLiquidity > gomath.MaxInt64-amount {
		return fmt.Errorf("pool %d: liquidity %d + %d: %w", p.ID, p.TotalLiquidity, amount, ErrLiquidityOverflow)
	}
	return nil
}

// Utilization returns the current utilization as a percent ray.
func (p *Pool) Utilization() *uint256.Int {
	return Utilization(p.Slot0.TotalInsuredCapital, p.TotalLiquidity)
}

// ClaimsCount is the number of compensations applied to the pool.
func (p *Pool) ClaimsCount() int {
	return len(p.CompensationIDs)
}

// refreshPricing re-derives rate and tick length after utilization changed.
// The elapsed part of the current tick is rescaled so the tick keeps the
// same fraction consumed.
func (p *Pool) refreshPricing() {
	rate := p.Formula.Rate(p.Utilization())
	p.PremiumRate.Set(rate)

	old := p.Slot0.SecondsPerTick
	next := p.Formula.SecondsPerTick(rate)
	if old != 0 && old != next && p.Slot0.SecondsInTick > 0 {
		scaled := fpmath.MulDiv(uint256.NewInt(p.Slot0.SecondsInTick), uint256.NewInt(next), uint256.NewInt(old)).Uint64()
		if scaled >= next {
			scaled = next - 1
		}
		p.Slot0.SecondsInTick = scaled
	}
	p.Slot0.SecondsPerTick = next
}

// accrue spreads the premiums consumed over seconds across the liquidity:
// Δindex = weight * rate * seconds / (1e27 * day * liquidity).
// Covers are charged their truncated daily cost, so the index never pays
// out more than the premiums held.
func (p *Pool) accrue(seconds uint64) {
	s := &p.Slot0
	if seconds == 0 || s.EmissionWeight.IsZero() || p.TotalLiquidity <= 0 {
		return
	}
	elapsed := new(uint256.Int).Mul(&p.PremiumRate, uint256.NewInt(seconds))
	den := new(uint256.Int).Mul(fpmath.FromInt64(p.TotalLiquidity), uint256.NewInt(fpmath.SecondsPerDay))
	den.Mul(den, fpmath.Ray())
	delta := fpmath.MulDiv(&s.EmissionWeight, elapsed, den)
	s.LiquidityIndex.Add(&s.LiquidityIndex, delta)
}

func (p *Pool) addEmission(w *uint256.Int) {
	p.Slot0.EmissionWeight.Add(&p.Slot0.EmissionWeight, w)
}

func (p *Pool) removeEmission(w *uint256.Int) {
	p.Slot0.EmissionWeight.Set(fpmath.Sub(&p.Slot0.EmissionWeight, w))
}

// addToTick registers a cover in the bucket of its last tick.
func (p *Pool) addToTick(tick, coverID uint64) {
	i := sort.Search(len(p.Ticks), func(i int) bool { return p.Ticks[i].Tick >= tick })
	if i < len(p.Ticks) && p.Ticks[i].Tick == tick {
		p.Ticks[i].CoverIDs = append(p.Ticks[i].CoverIDs, coverID)
		return
	}
	p.Ticks = append(p.Ticks, TickBucket{})
	copy(p.Ticks[i+1:], p.Ticks[i:])
	p.Ticks[i] = TickBucket{Tick: tick, CoverIDs: []uint64{coverID}}
}

// removeFromTick drops a cover from its bucket, discarding empty buckets.
func (p *Pool) removeFromTick(tick, coverID uint64) bool {
	i := sort.Search(len(p.Ticks), func(i int) bool { return p.Ticks[i].Tick >= tick })
	if i == len(p.Ticks) || p.Ticks[i].Tick != tick {
		return false
	}
	ids := p.Ticks[i].CoverIDs
	for j, id := range ids {
		if id != coverID {
			continue
		}
		ids = append(ids[:j], ids[j+1:]...)
		if len(ids) == 0 {
			p.Ticks = append(p.Ticks[:i], p.Ticks[i+1:]...)
		} else {
			p.Ticks[i].CoverIDs = ids
		}
		return true
	}
	return false
}

// activeCoverIDs lists every cover still registered in a tick bucket.
func (p *Pool) activeCoverIDs() []uint64 {
	var ids []uint64
	for _, b := range p.Ticks {
		ids = append(ids, b.CoverIDs...)
	}
	return ids
}

// overlapIndex finds the overlap entry for another pool.
func (p *Pool) overlapIndex(poolID uint64) int {
	for i, o := range p.Overlaps {
		if o.PoolID == poolID {
			return i
		}
	}
	return -1
}

// adjustOverlap adds delta to the shared amount with another pool. Entries
// are kept once created so claim propagation still reaches pools whose
// shared capital has been withdrawn.
func (p *Pool) adjustOverlap(poolID uint64, delta int64) {
	i := p.overlapIndex(poolID)
	if i < 0 {
		if delta <= 0 {
			return
		}
		p.Overlaps = append(p.Overlaps, Overlap{PoolID: poolID, Amount: delta})
		return
	}
	p.Overlaps[i].Amount += delta
	if p.Overlaps[i].Amount < 0 {
		p.Overlaps[i].Amount = 0
	}
}

func (p *Pool) bundleIndex(poolIDs []uint64) int {
	for i, b := range p.Bundles {
		if slices.Equal(b.PoolIDs, poolIDs) {
			return i
		}
	}
	return -1
}

// adjustBundle adds delta to the capital of a pool set. Empty bundles are
// dropped.
func (p *Pool) adjustBundle(poolIDs []uint64, delta int64) {
	i := p.bundleIndex(poolIDs)
	if i < 0 {
		if delta > 0 {
			p.Bundles = append(p.Bundles, Bundle{PoolIDs: append([]uint64(nil), poolIDs...), Capital: delta})
		}
		return
	}
	p.Bundles[i].Capital += delta
	if p.Bundles[i].Capital <= 0 {
		p.Bundles = append(p.Bundles[:i], p.Bundles[i+1:]...)
	}
}
