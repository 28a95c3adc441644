package core

import (
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"
	"CoverLedger/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Read paths. They never mutate state and must run on the core goroutine
// (see Runner.View). A zero time means the core clock.

// PoolView is a pool caught up to a point in time without persisting it.
type PoolView struct {
	Pool             *state.Pool    `json:"pool"`
	Utilization      uint256.Int    `json:"utilization"` // percent ray
	AvailableCapital int64          `json:"available_capital"`
	PendingExpiries  []state.Expiry `json:"pending_expiries,omitempty"`
	At               int64          `json:"at"`
}

func (c *DeterministicCore) at(ts int64) int64 {
	if ts <= 0 || ts < c.clock {
		return c.clock
	}
	return ts
}

func (c *DeterministicCore) PoolAt(id uint64, ts int64) (PoolView, error) {
	ts = c.at(ts)
	p, expired, err := c.registry.PoolAt(id, ts)
	if err != nil {
		return PoolView{}, err
	}
	v := PoolView{Pool: p, AvailableCapital: p.AvailableCapital(), PendingExpiries: expired, At: ts}
	v.Utilization.Set(p.Utilization())
	return v, nil
}

func (c *DeterministicCore) PoolCount() int {
	return c.registry.PoolCount()
}

func (c *DeterministicCore) PositionAt(id uint64, ts int64) (state.PositionView, error) {
	return c.registry.Position(id, c.at(ts))
}

func (c *DeterministicCore) CoverAt(id uint64, ts int64) (state.CoverView, error) {
	return c.registry.Cover(id, c.at(ts))
}

func (c *DeterministicCore) PoolOverlaps(a, b uint64) (int64, error) {
	return c.registry.PoolOverlaps(a, b)
}

func (c *DeterministicCore) OverlappedPools(id uint64) ([]uint64, error) {
	return c.registry.OverlappedPools(id)
}

func (c *DeterministicCore) Compensation(id uint64) (*state.Compensation, error) {
	return c.registry.Compensation(id)
}

func (c *DeterministicCore) Config() state.Config {
	return c.registry.Config()
}

func (c *DeterministicCore) IncompatiblePairs() [][2]uint64 {
	return c.registry.IncompatiblePairs()
}

func (c *DeterministicCore) Strategies() []strategy.Strategy {
	return c.strategies.Export()
}

func (c *DeterministicCore) StrategyRewardIndex(id uint32, ts int64) (*uint256.Int, error) {
	return c.strategies.RewardIndex(id, c.at(ts))
}

// PositionsOf lists position ids held by owner.
func (c *DeterministicCore) PositionsOf(owner common.Address) []uint64 {
	return c.tokens.TokensOf(state.TokenPosition, owner)
}

// CoversOf lists cover ids held by owner.
func (c *DeterministicCore) CoversOf(owner common.Address) []uint64 {
	return c.tokens.TokensOf(state.TokenCover, owner)
}

func (c *DeterministicCore) Balance(key ledger.AccountKey) int64 {
	return c.balanceTracker.GetBalance(key)
}
