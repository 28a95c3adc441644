package state

import (
	"fmt"
	"slices"
)

// poolPair is an unordered pair of pool ids.
type poolPair struct{ a, b uint64 }

func newPoolPair(a, b uint64) poolPair {
	if a > b {
		a, b = b, a
	}
	return poolPair{a: a, b: b}
}

// PoolOverlaps returns the capital shared by two pools. A pool overlaps
// itself with its whole liquidity.
func (r *Registry) PoolOverlaps(a, b uint64) (int64, error) {
	pa, err := r.getPool(a)
	if err != nil {
		return 0, err
	}
	if a == b {
		return pa.TotalLiquidity, nil
	}
	if _, err := r.getPool(b); err != nil {
		return 0, err
	}
	if i := pa.overlapIndex(b); i >= 0 {
		return pa.Overlaps[i].Amount, nil
	}
	return 0, nil
}

// OverlappedPools lists the pools sharing capital with poolID, in the order
// the overlaps were first recorded.
func (r *Registry) OverlappedPools(poolID uint64) ([]uint64, error) {
	p, err := r.getPool(poolID)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(p.Overlaps))
	for i, o := range p.Overlaps {
		ids[i] = o.PoolID
	}
	return ids, nil
}

// SetIncompatiblePools flags or clears a pair of pools that may not back
// the same position.
func (r *Registry) SetIncompatiblePools(call Call, a, b uint64, incompatible bool) error {
	return r.atomic(func() error {
		if err := r.requireOwner(call.Caller); err != nil {
			return err
		}
		if a == b {
			return fmt.Errorf("pool %d: %w", a, ErrSamePool)
		}
		if _, err := r.getPool(a); err != nil {
			return err
		}
		if _, err := r.getPool(b); err != nil {
			return err
		}
		r.touchIncompatible()
		if incompatible {
			r.incompatible[newPoolPair(a, b)] = true
		} else {
			delete(r.incompatible, newPoolPair(a, b))
		}
		return nil
	})
}

// AreIncompatible reports whether a pair was flagged by the owner.
func (r *Registry) AreIncompatible(a, b uint64) bool {
	return r.incompatible[newPoolPair(a, b)]
}

// checkCompatible rejects pool sets containing a flagged pair.
func (r *Registry) checkCompatible(poolIDs []uint64) error {
	for i := 0; i < len(poolIDs); i++ {
		for j := i + 1; j < len(poolIDs); j++ {
			if r.AreIncompatible(poolIDs[i], poolIDs[j]) {
				return fmt.Errorf("pools %d and %d: %w", poolIDs[i], poolIDs[j], ErrIncompatiblePools)
			}
		}
	}
	return nil
}

// shiftOverlaps adds delta to every pair of the set, keeping both sides of
// the matrix in sync, and to the set's bundle in each member. Pools must
// already be touched.
func shiftOverlaps(pools []*Pool, delta int64) {
	if len(pools) < 2 {
		return
	}
	ids := make([]uint64, len(pools))
	for i, p := range pools {
		ids[i] = p.ID
	}
	slices.Sort(ids)
	for i := 0; i < len(pools); i++ {
		pools[i].adjustBundle(ids, delta)
		for j := i + 1; j < len(pools); j++ {
			pools[i].adjustOverlap(pools[j].ID, delta)
			pools[j].adjustOverlap(pools[i].ID, delta)
		}
	}
}

// debitOverlap reduces the shared amount between two pools on both sides.
func debitOverlap(a, b *Pool, amount int64) {
	a.adjustOverlap(b.ID, -amount)
	b.adjustOverlap(a.ID, -amount)
}
