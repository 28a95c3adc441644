package state

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Expiry records a cover running out of premiums during catch-up.
type Expiry struct {
	CoverID   uint64 `json:"cover_id"`
	Tick      uint64 `json:"tick"`
	Timestamp int64  `json:"timestamp"`
}

// PoolProjection is the pool cursor as it would be at a given time.
type PoolProjection struct {
	PoolID         uint64      `json:"pool_id"`
	Slot0          Slot0       `json:"slot0"`
	PremiumRate    uint256.Int `json:"premium_rate"`
	TotalLiquidity int64       `json:"total_liquidity"`
	Expired        []Expiry    `json:"expired"`
}

// advance moves the pool cursor forward to ts, expiring covers in tick order
// and re-pricing after every expiry. Calling it again with the same ts is a
// no-op. coverOf resolves a cover id; nil means unknown.
func (p *Pool) advance(ts int64, coverOf func(coverID uint64) *Cover) []Expiry {
	s := &p.Slot0
	if ts <= s.LastUpdateTimestamp {
		return nil
	}

	elapsed := uint64(ts - s.LastUpdateTimestamp)
	var expired []Expiry

	for s.RemainingPolicies > 0 && len(p.Ticks) > 0 {
		next := p.Ticks[0]

		var toNext uint64
		if next.Tick > s.Tick {
			toNext = (next.Tick-s.Tick)*s.SecondsPerTick - s.SecondsInTick
		}
		if toNext > elapsed {
			break
		}

		p.accrue(toNext)
		elapsed -= toNext
		s.LastUpdateTimestamp += int64(toNext)
		if next.Tick > s.Tick {
			s.Tick = next.Tick
		}
		s.SecondsInTick = 0

		for _, id := range next.CoverIDs {
			if c := coverOf(id); c != nil {
				s.TotalInsuredCapital -= c.CoverAmount
				p.removeEmission(&c.EmissionWeight)
			}
			s.RemainingPolicies--
			expired = append(expired, Expiry{CoverID: id, Tick: next.Tick, Timestamp: s.LastUpdateTimestamp})
		}
		p.Ticks = p.Ticks[1:]
		p.refreshPricing()
	}

	if s.RemainingPolicies > 0 {
		p.accrue(elapsed)
		total := s.SecondsInTick + elapsed
		s.Tick += total / s.SecondsPerTick
		s.SecondsInTick = total % s.SecondsPerTick
	} else {
		s.SecondsInTick = 0
	}
	s.LastUpdateTimestamp = ts

	return expired
}

// catchUp advances a touched pool to ts and deactivates the covers that
// expired on the way.
func (r *Registry) catchUp(p *Pool, ts int64) []Expiry {
	expired := p.advance(ts, r.coverAt)
	for _, e := range expired {
		c := r.touchCover(e.CoverID)
		c.Active = false
		c.End = e.Timestamp
	}
	return expired
}

func (r *Registry) coverAt(coverID uint64) *Cover {
	if coverID >= uint64(len(r.covers)) {
		return nil
	}
	return r.covers[coverID]
}

// CatchUpTo advances one pool to ts and returns the covers that expired.
func (r *Registry) CatchUpTo(poolID uint64, ts int64) ([]Expiry, error) {
	var expired []Expiry
	err := r.atomic(func() error {
		p, err := r.touchPool(poolID)
		if err != nil {
			return err
		}
		expired = r.catchUp(p, ts)
		return nil
	})
	return expired, err
}

// ProjectPool computes the pool cursor at ts without persisting anything.
// The result matches what CatchUpTo would leave behind for the same ts.
func (r *Registry) ProjectPool(poolID uint64, ts int64) (PoolProjection, error) {
	p, err := r.getPool(poolID)
	if err != nil {
		return PoolProjection{}, err
	}
	clone := p.Clone()
	expired := clone.advance(ts, r.coverAt)
	return PoolProjection{
		PoolID:         clone.ID,
		Slot0:          clone.Slot0,
		PremiumRate:    clone.PremiumRate,
		TotalLiquidity: clone.TotalLiquidity,
		Expired:        expired,
	}, nil
}

// PoolAt returns a deep copy of the pool caught up to ts, along with the
// covers that would expire on the way. Nothing is persisted.
func (r *Registry) PoolAt(poolID uint64, ts int64) (*Pool, []Expiry, error) {
	p, err := r.getPool(poolID)
	if err != nil {
		return nil, nil, err
	}
	clone := p.Clone()
	expired := clone.advance(ts, r.coverAt)
	return clone, expired, nil
}

// projectedPool returns a caught-up deep copy for read paths.
func (r *Registry) projectedPool(poolID uint64, ts int64) (*Pool, error) {
	p, _, err := r.PoolAt(poolID, ts)
	if err != nil {
		return nil, fmt.Errorf("project pool: %w", err)
	}
	return p, nil
}
