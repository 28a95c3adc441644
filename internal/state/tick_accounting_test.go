package state_test

import (
	"encoding/json"
	"testing"

	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Pools
// ============================================================================

func TestCatchUp_DepositsAcrossPools(t *testing.T) {
	f := sharedDeposits(t)

	_, err := f.reg.CatchUpTo(0, f.now)
	require.NoError(t, err)

	p0 := f.pool(0)
	require.Equal(t, uint64(0), p0.Slot0.Tick)
	require.Equal(t, uint64(86_400), p0.Slot0.SecondsPerTick)
	require.Equal(t, int64(730_000), p0.AvailableCapital())

	require.Equal(t, int64(330_000), f.pool(1).TotalLiquidity)
	require.Equal(t, int64(730_000), f.pool(2).TotalLiquidity)

	shared, err := f.reg.PoolOverlaps(0, 2)
	require.NoError(t, err)
	require.Equal(t, int64(730_000), shared)

	shared, err = f.reg.PoolOverlaps(0, 1)
	require.NoError(t, err)
	require.Equal(t, int64(330_000), shared)

	self, err := f.reg.PoolOverlaps(1, 1)
	require.NoError(t, err)
	require.Equal(t, int64(330_000), self)
}

func TestOpenCover_PricesAtPostInsertionRate(t *testing.T) {
	f := sharedDeposits(t)
	f.advance(19 * day)

	coverID := f.openCover(0, 109_500, 2_190)

	p0 := f.pool(0)
	require.Equal(t, int64(109_500), p0.Slot0.TotalInsuredCapital)
	require.Equal(t, uint64(1), p0.Slot0.RemainingPolicies)
	require.Equal(t, fpmath.Percent(2), &p0.PremiumRate)
	require.Equal(t, uint64(43_200), p0.Slot0.SecondsPerTick)

	view, err := f.reg.Cover(coverID, f.now)
	require.NoError(t, err)
	require.True(t, view.Active)
	require.Equal(t, int64(6), view.DailyCost)
	require.Equal(t, uint64(730), view.LastTick)
	require.Equal(t, int64(2_190), view.PremiumsLeft)
	require.Equal(t, buyer, view.Owner)
}

func TestCatchUp_LongRunExpiresEverything(t *testing.T) {
	f := sharedDeposits(t)
	f.openCover(0, 109_500, 2_190)
	f.openCover(0, 50_000, 500)
	f.openCover(1, 100_000, 10_000)
	f.advance(3 * day)
	f.openCover(2, 100_000, 1_000)
	f.openCover(2, 200_000, 20_000)

	f.advance(10_000 * day)
	for id := uint64(0); id < 3; id++ {
		expired, err := f.reg.CatchUpTo(id, f.now)
		require.NoError(t, err)
		require.NotEmpty(t, expired)

		p := f.pool(id)
		require.Equal(t, uint64(0), p.Slot0.RemainingPolicies, "pool %d", id)
		require.Equal(t, int64(0), p.Slot0.TotalInsuredCapital, "pool %d", id)
		require.Empty(t, p.Ticks)
		require.Equal(t, fpmath.Percent(1), &p.PremiumRate, "empty pool prices at r0")
	}
	for id := uint64(0); id < uint64(f.reg.CoverCount()); id++ {
		view, err := f.reg.Cover(id, f.now)
		require.NoError(t, err)
		require.False(t, view.Active)
		require.NotZero(t, view.End)
		require.Equal(t, int64(0), view.PremiumsLeft)
	}
}

// ============================================================================
// Catch-up properties
// ============================================================================

func TestCatchUp_Idempotent(t *testing.T) {
	f := sharedDeposits(t)
	f.openCover(0, 109_500, 2_190)
	f.advance(17*day + 3_601)

	_, err := f.reg.CatchUpTo(0, f.now)
	require.NoError(t, err)
	first, _ := json.Marshal(f.pool(0))

	expired, err := f.reg.CatchUpTo(0, f.now)
	require.NoError(t, err)
	require.Empty(t, expired)
	second, _ := json.Marshal(f.pool(0))

	require.JSONEq(t, string(first), string(second))
}

func TestCatchUp_StepwiseMatchesSingleJump(t *testing.T) {
	stepped := sharedDeposits(t)
	jumped := sharedDeposits(t)
	for _, f := range []*fixture{stepped, jumped} {
		f.openCover(0, 109_500, 2_190)
		f.openCover(0, 30_000, 20)
	}

	target := stepped.now + 40*day
	steps := 0
	for ts := stepped.now + 43_200; ts <= target; ts += 43_200 {
		_, err := stepped.reg.CatchUpTo(0, ts)
		require.NoError(t, err)
		steps++
	}
	_, err := jumped.reg.CatchUpTo(0, target)
	require.NoError(t, err)

	a, b := stepped.pool(0), jumped.pool(0)
	require.Equal(t, a.Slot0.Tick, b.Slot0.Tick)
	require.Equal(t, a.Slot0.SecondsInTick, b.Slot0.SecondsInTick)
	require.Equal(t, a.Slot0.RemainingPolicies, b.Slot0.RemainingPolicies)
	require.Equal(t, a.Slot0.TotalInsuredCapital, b.Slot0.TotalInsuredCapital)
	require.Equal(t, &a.Slot0.EmissionWeight, &b.Slot0.EmissionWeight)

	// every catch-up truncates its own index segments, and only downwards
	require.False(t, a.Slot0.LiquidityIndex.Gt(&b.Slot0.LiquidityIndex))
	drift := new(uint256.Int).Sub(&b.Slot0.LiquidityIndex, &a.Slot0.LiquidityIndex)
	require.LessOrEqual(t, drift.Uint64(), uint64(2*steps))
	require.LessOrEqual(t, fpmath.RayMulInt(a.TotalLiquidity, drift), int64(3), "drift in rewards on the whole pool")
}

func TestCatchUp_EmissionFollowsActiveCovers(t *testing.T) {
	f := sharedDeposits(t)
	f.openCover(0, 109_500, 2_190)
	short := f.openCover(0, 30_000, 20)
	require.False(t, f.pool(0).Slot0.EmissionWeight.IsZero())

	view, err := f.reg.Cover(short, f.now)
	require.NoError(t, err)
	require.False(t, view.EmissionWeight.IsZero())

	f.advance(30 * day)
	expired, err := f.reg.CatchUpTo(0, f.now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, short, expired[0].CoverID)

	// only the long cover is left paying into the pool
	long, err := f.reg.Cover(0, f.now)
	require.NoError(t, err)
	require.Equal(t, &long.EmissionWeight, &f.pool(0).Slot0.EmissionWeight)

	require.NoError(t, f.reg.UpdateCover(f.call(buyer), 0, state.CoverUpdate{PremiumsToRemove: state.MaxPremiums}))
	require.True(t, f.pool(0).Slot0.EmissionWeight.IsZero())
}

func TestProjectPool_MatchesCatchUp(t *testing.T) {
	f := sharedDeposits(t)
	f.openCover(0, 109_500, 2_190)
	f.openCover(0, 40_000, 60)
	f.advance(45 * day)

	proj, err := f.reg.ProjectPool(0, f.now)
	require.NoError(t, err)
	require.Equal(t, uint64(2), f.pool(0).Slot0.RemainingPolicies, "projection must not mutate")

	expired, err := f.reg.CatchUpTo(0, f.now)
	require.NoError(t, err)
	p := f.pool(0)

	require.Equal(t, expired, proj.Expired)
	want, _ := json.Marshal(p.Slot0)
	got, _ := json.Marshal(proj.Slot0)
	require.JSONEq(t, string(want), string(got))
	require.Equal(t, &p.PremiumRate, &proj.PremiumRate)
}

func TestCatchUp_LiquidityIndexGrowsWithCovers(t *testing.T) {
	f := sharedDeposits(t)
	_, err := f.reg.CatchUpTo(0, f.now+day)
	require.NoError(t, err)
	require.True(t, f.pool(0).Slot0.LiquidityIndex.IsZero(), "no covers, no premium")

	f.openCover(0, 109_500, 2_190)
	f.advance(5 * day)
	_, err = f.reg.CatchUpTo(0, f.now)
	require.NoError(t, err)
	require.False(t, f.pool(0).Slot0.LiquidityIndex.IsZero())
}

func TestCatchUp_UnknownPool(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.reg.CatchUpTo(9, f.now)
	require.Error(t, err)
}
