package state

import (
	"fmt"
	"slices"
	"sort"

	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// PoolIndex is a pool's liquidity index captured at claim time.
type PoolIndex struct {
	PoolID         uint64      `json:"pool_id"`
	LiquidityIndex uint256.Int `json:"liquidity_index"`
}

// Compensation is a settled claim. Positions reconcile against it lazily.
type Compensation struct {
	ID                        uint64      `json:"id"`
	FromPoolID                uint64      `json:"from_pool_id"`
	CoverID                   uint64      `json:"cover_id"`
	Ratio                     uint256.Int `json:"ratio"` // fraction ray: amount / liquidity
	LiquidityIndexBeforeClaim uint256.Int `json:"liquidity_index_before_claim"`
	Amount                    int64       `json:"amount"`
	Timestamp                 int64       `json:"timestamp"`
	PoolIndices               []PoolIndex `json:"pool_indices"`
}

func (c *Compensation) Clone() *Compensation {
	cp := *c
	cp.PoolIndices = append([]PoolIndex(nil), c.PoolIndices...)
	return &cp
}

func (c *Compensation) indexFor(poolID uint64) (*uint256.Int, bool) {
	for i := range c.PoolIndices {
		if c.PoolIndices[i].PoolID == poolID {
			return &c.PoolIndices[i].LiquidityIndex, true
		}
	}
	return nil, false
}

// ClaimResult summarizes a payout.
type ClaimResult struct {
	CompensationID uint64      `json:"compensation_id"`
	Ratio          uint256.Int `json:"ratio"`
	AffectedPools  []uint64    `json:"affected_pools"`
	ForcedExpiries []uint64    `json:"forced_expiries"`
	Claimant       string      `json:"claimant"`
}

func (r *Registry) requireClaimManager(call Call) error {
	if call.Caller != r.cfg.ClaimManager {
		return fmt.Errorf("caller %s: %w", call.Caller.Hex(), ErrOnlyClaimManager)
	}
	return nil
}

// AddClaimToPool marks a claim as under dispute in the cover's pool, which
// freezes withdrawals from it.
func (r *Registry) AddClaimToPool(call Call, coverID uint64) error {
	return r.atomic(func() error {
		if err := r.requireClaimManager(call); err != nil {
			return err
		}
		c, err := r.getCover(coverID)
		if err != nil {
			return err
		}
		p, err := r.touchPool(c.PoolID)
		if err != nil {
			return err
		}
		p.OngoingClaims++
		return nil
	})
}

// RemoveClaimFromPool resolves a disputed claim.
func (r *Registry) RemoveClaimFromPool(call Call, coverID uint64) error {
	return r.atomic(func() error {
		if err := r.requireClaimManager(call); err != nil {
			return err
		}
		c, err := r.getCover(coverID)
		if err != nil {
			return err
		}
		p, err := r.touchPool(c.PoolID)
		if err != nil {
			return err
		}
		if p.OngoingClaims == 0 {
			return fmt.Errorf("pool %d: %w", p.ID, ErrNoOngoingClaims)
		}
		p.OngoingClaims--
		return nil
	})
}

// PayoutClaim compensates the owner of a cover. The pool loses exactly the
// amount; every overlapping pool loses the same ratio of each pool set it
// shares with the origin. Covers left under-collateralized are
// closed and refunded instead of failing the payout.
func (r *Registry) PayoutClaim(call Call, coverID uint64, amount int64) (ClaimResult, error) {
	var res ClaimResult
	err := r.atomic(func() error {
		if err := r.requireClaimManager(call); err != nil {
			return err
		}
		if amount <= 0 {
			return fmt.Errorf("payout claim: %w", ErrZeroAmount)
		}
		cover, err := r.getCover(coverID)
		if err != nil {
			return err
		}
		claimant, ok := r.tokens.OwnerOf(TokenCover, coverID)
		if !ok {
			return fmt.Errorf("cover %d has no owner: %w", coverID, ErrCoverDoesNotExist)
		}

		origin, err := r.touchPool(cover.PoolID)
		if err != nil {
			return err
		}
		r.catchUp(origin, call.Now)
		if amount > origin.TotalLiquidity {
			return fmt.Errorf("pool %d: %d above liquidity %d: %w",
				origin.ID, amount, origin.TotalLiquidity, ErrRatioAbovePoolCapacity)
		}
		ratio := fpmath.RayDivInt(amount, origin.TotalLiquidity)

		affected := []*Pool{origin}
		byID := map[uint64]*Pool{origin.ID: origin}
		for _, o := range origin.Overlaps {
			p, err := r.touchPool(o.PoolID)
			if err != nil {
				return err
			}
			r.catchUp(p, call.Now)
			affected = append(affected, p)
			byID[p.ID] = p
		}

		// each pool set containing the origin loses the ratio of its
		// capital in every member and every pair it spans
		keep := fpmath.Sub(fpmath.Ray(), ratio)
		reductions := make(map[uint64]int64, len(affected))
		for _, b := range slices.Clone(origin.Bundles) {
			loss := b.Capital - fpmath.RayMulInt(b.Capital, keep)
			if loss <= 0 {
				continue
			}
			for i, a := range b.PoolIDs {
				pa := byID[a]
				if pa == nil {
					continue
				}
				if a != origin.ID {
					reductions[a] += loss
				}
				pa.adjustBundle(b.PoolIDs, -loss)
				for _, c := range b.PoolIDs[i+1:] {
					if pc := byID[c]; pc != nil {
						debitOverlap(pa, pc, loss)
					}
				}
			}
		}

		comp := &Compensation{
			ID:         uint64(len(r.compensations)),
			FromPoolID: origin.ID,
			CoverID:    coverID,
			Amount:     amount,
			Timestamp:  call.Now,
		}
		comp.Ratio.Set(ratio)
		comp.LiquidityIndexBeforeClaim.Set(&origin.Slot0.LiquidityIndex)

		for _, p := range affected {
			var idx PoolIndex
			idx.PoolID = p.ID
			idx.LiquidityIndex.Set(&p.Slot0.LiquidityIndex)
			comp.PoolIndices = append(comp.PoolIndices, idx)
			p.CompensationIDs = append(p.CompensationIDs, comp.ID)

			reduction := amount
			if p != origin {
				reduction = fpmath.MinInt64(reductions[p.ID], p.TotalLiquidity)
			}
			p.TotalLiquidity -= reduction
			p.refreshPricing()
			res.AffectedPools = append(res.AffectedPools, p.ID)
		}
		r.compensations = append(r.compensations, comp)

		for _, p := range affected {
			res.ForcedExpiries = append(res.ForcedExpiries, r.forceExpire(call, p)...)
		}

		if err := r.strategy.Withdraw(r.cfg.LiquidityManager, origin.StrategyID, amount); err != nil {
			return err
		}
		call.Mover.PayClaim(claimant, origin.StrategyID, origin.AssetID, amount)

		res.CompensationID = comp.ID
		res.Ratio.Set(ratio)
		res.Claimant = claimant.Hex()
		return nil
	})
	return res, err
}

// forceExpire closes the newest covers of a pool until insured capital fits
// in liquidity again, refunding their unused premiums.
func (r *Registry) forceExpire(call Call, p *Pool) []uint64 {
	if p.AvailableCapital() >= 0 {
		return nil
	}
	ids := p.activeCoverIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var closed []uint64
	for _, id := range ids {
		if p.AvailableCapital() >= 0 {
			break
		}
		c := r.touchCover(id)
		left := premiumsLeft(c, p)
		r.closeCover(p, c, call.Now)
		if owner, ok := r.tokens.OwnerOf(TokenCover, id); ok {
			call.Mover.RefundPremiums(owner, p.ID, p.AssetID, left)
		}
		closed = append(closed, id)
	}
	return closed
}

// ClaimsCount returns the number of compensations applied to a pool.
func (r *Registry) ClaimsCount(poolID uint64) (int, error) {
	p, err := r.getPool(poolID)
	if err != nil {
		return 0, err
	}
	return p.ClaimsCount(), nil
}

// CompensationCount returns the number of claims paid so far.
func (r *Registry) CompensationCount() int {
	return len(r.compensations)
}
