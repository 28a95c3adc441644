package state

import (
	"fmt"
	gomath "math"

	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxPremiums passed as premiumsToRemove withdraws every unused premium and
// closes the cover.
const MaxPremiums int64 = gomath.MaxInt64

// Cover is a buyer's policy inside one pool.
type Cover struct {
	ID               uint64      `json:"id"`
	PoolID           uint64      `json:"pool_id"`
	CoverAmount      int64       `json:"cover_amount"`
	Start            int64       `json:"start"`
	BeginPremiumRate uint256.Int `json:"begin_premium_rate"` // percent ray
	Premiums         int64       `json:"premiums"`           // premiums funding the current term
	DailyCost        int64       `json:"daily_cost"`
	EmissionWeight   uint256.Int `json:"emission_weight"` // dailyCost * 1e54 / beginRate
	LastTick         uint64      `json:"last_tick"`
	Active           bool        `json:"active"`
	End              int64       `json:"end"` // 0 while active
}

func (c *Cover) Clone() *Cover {
	cp := *c
	return &cp
}

// CoverView is a cover as seen at a point in time.
type CoverView struct {
	Cover
	Owner        common.Address `json:"owner"`
	PremiumsLeft int64          `json:"premiums_left"`
}

// CoverUpdate holds the deltas applied by UpdateCover.
type CoverUpdate struct {
	CoverToAdd       int64
	CoverToRemove    int64
	PremiumsToAdd    int64
	PremiumsToRemove int64
}

// premiumsLeft is the unconsumed premium of a cover on a caught-up pool:
// remaining seconds * dailyCost * rate / (beginRate * 1 day).
func premiumsLeft(c *Cover, p *Pool) int64 {
	s := &p.Slot0
	if !c.Active || c.LastTick <= s.Tick || c.BeginPremiumRate.IsZero() {
		return 0
	}
	remaining := (c.LastTick-s.Tick)*s.SecondsPerTick - s.SecondsInTick

	num := new(uint256.Int).Mul(uint256.NewInt(remaining), fpmath.FromInt64(c.DailyCost))
	den := new(uint256.Int).Mul(&c.BeginPremiumRate, uint256.NewInt(fpmath.SecondsPerDay))
	left := fpmath.ToInt64(fpmath.MulDiv(num, &p.PremiumRate, den))
	return fpmath.MinInt64(left, c.Premiums)
}

// attachCover prices the cover at the pool's post-insertion rate and
// schedules its expiry tick.
func attachCover(p *Pool, c *Cover, premiums int64) error {
	s := &p.Slot0
	s.TotalInsuredCapital += c.CoverAmount
	s.RemainingPolicies++
	p.refreshPricing()

	c.BeginPremiumRate.Set(&p.PremiumRate)
	c.DailyCost = DailyCost(c.CoverAmount, &p.PremiumRate)
	if c.DailyCost == 0 {
		return fmt.Errorf("cover %d: amount %d yields no daily cost: %w", c.ID, c.CoverAmount, ErrCoverAmountTooLow)
	}

	coverage := uint64(fpmath.MulDivInt(premiums, fpmath.SecondsPerDay, c.DailyCost))
	ticks := (s.SecondsInTick + coverage) / s.SecondsPerTick
	if ticks == 0 {
		return fmt.Errorf("cover %d: premiums %d: %w", c.ID, premiums, ErrDurationBelowOneTick)
	}

	c.LastTick = s.Tick + ticks
	c.Premiums = premiums
	c.Active = true
	c.End = 0
	c.EmissionWeight.Set(emissionWeight(c.DailyCost, &c.BeginPremiumRate))
	p.addToTick(c.LastTick, c.ID)
	p.addEmission(&c.EmissionWeight)
	return nil
}

// detachCover removes an active cover from the pool's books and re-prices.
func detachCover(p *Pool, c *Cover) {
	if p.removeFromTick(c.LastTick, c.ID) {
		p.Slot0.TotalInsuredCapital -= c.CoverAmount
		p.Slot0.RemainingPolicies--
		p.removeEmission(&c.EmissionWeight)
	}
	p.refreshPricing()
}

// OpenCover buys cover in a pool, paying premiums up front.
func (r *Registry) OpenCover(call Call, poolID uint64, coverAmount, premiums int64) (uint64, error) {
	var id uint64
	err := r.atomic(func() error {
		if coverAmount <= 0 || premiums <= 0 {
			return fmt.Errorf("open cover: %w", ErrZeroAmount)
		}
		p, err := r.touchPool(poolID)
		if err != nil {
			return err
		}
		r.catchUp(p, call.Now)

		if p.Paused {
			return fmt.Errorf("pool %d: %w", poolID, ErrPoolIsPaused)
		}
		if p.AvailableCapital() < coverAmount {
			return fmt.Errorf("pool %d: available %d < %d: %w",
				poolID, p.AvailableCapital(), coverAmount, ErrInsufficientLiquidityForCover)
		}

		id = uint64(len(r.covers))
		c := &Cover{ID: id, PoolID: poolID, CoverAmount: coverAmount, Start: call.Now}
		r.covers = append(r.covers, c)
		if err := attachCover(p, c, premiums); err != nil {
			return err
		}

		r.tokens.Mint(TokenCover, id, call.Caller)
		call.Mover.DepositPremiums(call.Caller, poolID, p.AssetID, premiums)
		return nil
	})
	return id, err
}

// UpdateCover nets the amount and premium deltas into a re-priced cover.
// PremiumsToRemove == MaxPremiums refunds every unused premium and closes
// the cover. A paused pool only accepts reductions.
func (r *Registry) UpdateCover(call Call, coverID uint64, u CoverUpdate) error {
	return r.atomic(func() error {
		if u.CoverToAdd < 0 || u.CoverToRemove < 0 || u.PremiumsToAdd < 0 || u.PremiumsToRemove < 0 {
			return fmt.Errorf("update cover %d: negative delta: %w", coverID, ErrZeroAmount)
		}
		if _, err := r.getCover(coverID); err != nil {
			return err
		}
		if owner, ok := r.tokens.OwnerOf(TokenCover, coverID); !ok || owner != call.Caller {
			return fmt.Errorf("cover %d: %w", coverID, ErrOnlyTokenOwner)
		}

		c := r.touchCover(coverID)
		p, err := r.touchPool(c.PoolID)
		if err != nil {
			return err
		}
		r.catchUp(p, call.Now)
		if !c.Active {
			return fmt.Errorf("cover %d: %w", coverID, ErrCoverIsExpired)
		}
		if p.Paused && (u.CoverToAdd > 0 || u.PremiumsToAdd > 0) {
			return fmt.Errorf("pool %d: %w", p.ID, ErrPoolIsPaused)
		}

		left := premiumsLeft(c, p)

		if u.PremiumsToRemove == MaxPremiums {
			r.closeCover(p, c, call.Now)
			call.Mover.RefundPremiums(call.Caller, p.ID, p.AssetID, left)
			return nil
		}

		if u.CoverToRemove > c.CoverAmount+u.CoverToAdd {
			return fmt.Errorf("cover %d: removing %d: %w", coverID, u.CoverToRemove, ErrAmountExceedsCover)
		}
		if u.PremiumsToRemove > left+u.PremiumsToAdd {
			return fmt.Errorf("cover %d: removing %d premiums, %d left: %w",
				coverID, u.PremiumsToRemove, left, ErrPremiumsExceedRemaining)
		}

		newAmount := c.CoverAmount + u.CoverToAdd - u.CoverToRemove
		newPremiums := left + u.PremiumsToAdd - u.PremiumsToRemove
		if newAmount == 0 {
			return fmt.Errorf("cover %d: use the premium sentinel to close: %w", coverID, ErrCoverAmountTooLow)
		}

		detachCover(p, c)
		if newPremiums == 0 {
			c.Active = false
			c.End = call.Now
		} else {
			if p.AvailableCapital() < newAmount {
				return fmt.Errorf("pool %d: available %d < %d: %w",
					p.ID, p.AvailableCapital(), newAmount, ErrInsufficientLiquidityForCover)
			}
			c.CoverAmount = newAmount
			if err := attachCover(p, c, newPremiums); err != nil {
				return err
			}
		}

		call.Mover.DepositPremiums(call.Caller, p.ID, p.AssetID, u.PremiumsToAdd)
		call.Mover.RefundPremiums(call.Caller, p.ID, p.AssetID, u.PremiumsToRemove)
		return nil
	})
}

// closeCover deactivates an active cover; the caller settles premiums.
func (r *Registry) closeCover(p *Pool, c *Cover, now int64) {
	detachCover(p, c)
	c.Active = false
	c.End = now
}

// Cover returns a cover projected to now.
func (r *Registry) Cover(coverID uint64, now int64) (CoverView, error) {
	c, err := r.getCover(coverID)
	if err != nil {
		return CoverView{}, err
	}
	p, err := r.projectedPool(c.PoolID, now)
	if err != nil {
		return CoverView{}, err
	}

	view := CoverView{Cover: *c.Clone()}
	if view.Active && !p.hasCover(view.LastTick, view.ID) {
		view.Active = false
	}
	view.PremiumsLeft = premiumsLeft(&view.Cover, p)
	view.Owner, _ = r.tokens.OwnerOf(TokenCover, coverID)
	return view, nil
}

// CoverCount returns the number of covers opened.
func (r *Registry) CoverCount() int {
	return len(r.covers)
}

func (p *Pool) hasCover(tick, coverID uint64) bool {
	for _, b := range p.Ticks {
		if b.Tick != tick {
			continue
		}
		for _, id := range b.CoverIDs {
			if id == coverID {
				return true
			}
		}
	}
	return false
}
