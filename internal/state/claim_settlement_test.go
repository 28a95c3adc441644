package state_test

import (
	"testing"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// claimFixture is sharedDeposits plus an isolated pool 3 and a cover on pool 0.
func claimFixture(t *testing.T) (*fixture, uint64) {
	f := sharedDeposits(t)
	f.createPool()
	f.openPosition(lpA, 100_000, 0, 3)
	f.advance(19 * day)
	return f, f.openCover(0, 109_500, 2_190)
}

func TestPayoutClaim_PropagatesToOverlaps(t *testing.T) {
	f, coverID := claimFixture(t)

	res, err := f.reg.PayoutClaim(f.call(claimsAddr), coverID, 182_500)
	require.NoError(t, err)
	require.Equal(t, fpmath.MustRay("250000000000000000000000000"), &res.Ratio)
	require.ElementsMatch(t, []uint64{0, 1, 2}, res.AffectedPools)
	require.Empty(t, res.ForcedExpiries)

	for _, id := range []uint64{0, 1, 2} {
		require.Equal(t, 1, f.claimsCount(id), "pool %d", id)
	}
	require.Equal(t, 0, f.claimsCount(3))

	require.Equal(t, int64(547_500), f.pool(0).TotalLiquidity)
	require.Equal(t, int64(247_500), f.pool(1).TotalLiquidity)
	require.Equal(t, int64(547_500), f.pool(2).TotalLiquidity)
	require.Equal(t, int64(100_000), f.pool(3).TotalLiquidity)

	shared, _ := f.reg.PoolOverlaps(0, 1)
	require.Equal(t, int64(247_500), shared)
	shared, _ = f.reg.PoolOverlaps(0, 2)
	require.Equal(t, int64(547_500), shared)

	holdings, err := f.strat.Holdings(0)
	require.NoError(t, err)
	require.Equal(t, int64(830_000-182_500), holdings)

	batch := f.last.Batch()
	require.Len(t, batch.Journals, 1)
	require.Equal(t, ledger.JournalTypeClaimPayout, batch.Journals[0].JournalType)
	require.Equal(t, int64(182_500), batch.Journals[0].Amount)
}

func TestClaim_PositionsReconcileLazily(t *testing.T) {
	f, coverID := claimFixture(t)
	_, err := f.reg.PayoutClaim(f.call(claimsAddr), coverID, 182_500)
	require.NoError(t, err)

	// position 0 backs [0,2]: the claim came from pool 0
	view, err := f.reg.Position(0, f.now)
	require.NoError(t, err)
	require.Equal(t, int64(400_000), view.Supplied, "stored capital untouched until settled")
	require.Equal(t, int64(300_000), view.Pending.Capital)
	require.Equal(t, int64(100_000), view.Pending.CapitalLost)
	require.Equal(t, []uint64{0}, view.Pending.ClaimsApplied)

	// position 1 backs [0,1,2]
	view, err = f.reg.Position(1, f.now)
	require.NoError(t, err)
	require.Equal(t, int64(247_500), view.Pending.Capital)

	// position 2 backs pool 3 only
	view, err = f.reg.Position(2, f.now)
	require.NoError(t, err)
	require.Equal(t, int64(100_000), view.Pending.Capital)
	require.Empty(t, view.Pending.ClaimsApplied)

	in, err := f.reg.TakeInterests(f.call(lpB), 1)
	require.NoError(t, err)
	require.Equal(t, int64(247_500), in.Capital)

	// the loss on pools 1 and 2 leaves their shared capital in step
	shared, _ := f.reg.PoolOverlaps(1, 2)
	require.Equal(t, int64(247_500), shared)

	after, err := f.reg.Position(1, f.now)
	require.NoError(t, err)
	require.Equal(t, int64(247_500), after.Supplied)
	require.Empty(t, after.Pending.ClaimsApplied, "a settled claim is not applied twice")
}

func TestClaim_ForceExpiresNewestCovers(t *testing.T) {
	f := newFixture(t, 1)
	f.openPosition(lpA, 100_000, 0, 0)
	older := f.openCover(0, 40_000, 1_000)
	newer := f.openCover(0, 40_000, 1_000)

	res, err := f.reg.PayoutClaim(f.call(claimsAddr), older, 30_000)
	require.NoError(t, err)
	require.Equal(t, []uint64{newer}, res.ForcedExpiries)

	p := f.pool(0)
	require.Equal(t, int64(70_000), p.TotalLiquidity)
	require.Equal(t, int64(40_000), p.Slot0.TotalInsuredCapital)
	require.GreaterOrEqual(t, p.AvailableCapital(), int64(0))

	view, err := f.reg.Cover(newer, f.now)
	require.NoError(t, err)
	require.False(t, view.Active)

	var refunded int64
	for _, j := range f.last.Batch().Journals {
		if j.JournalType == ledger.JournalTypePremiumRefund {
			refunded += j.Amount
		}
	}
	// repriced ticks round the refund down by a unit or so
	require.InDelta(t, 1_000, refunded, 2)
	require.LessOrEqual(t, refunded, int64(1_000))
}

func TestClaim_Errors(t *testing.T) {
	f, coverID := claimFixture(t)

	_, err := f.reg.PayoutClaim(f.call(stranger), coverID, 10)
	require.ErrorIs(t, err, state.ErrOnlyClaimManager)

	_, err = f.reg.PayoutClaim(f.call(claimsAddr), coverID, 730_001)
	require.ErrorIs(t, err, state.ErrRatioAbovePoolCapacity)

	_, err = f.reg.PayoutClaim(f.call(claimsAddr), 42, 10)
	require.ErrorIs(t, err, state.ErrCoverDoesNotExist)

	err = f.reg.RemoveClaimFromPool(f.call(claimsAddr), coverID)
	require.ErrorIs(t, err, state.ErrNoOngoingClaims)

	require.Equal(t, 0, f.reg.CompensationCount())
	require.Equal(t, int64(730_000), f.pool(0).TotalLiquidity)
}

func TestOngoingClaims_BlockWithdrawal(t *testing.T) {
	f, coverID := claimFixture(t)
	require.NoError(t, f.reg.AddClaimToPool(f.call(claimsAddr), coverID))
	require.Equal(t, uint64(1), f.pool(0).OngoingClaims)

	require.NoError(t, f.reg.CommitRemoveLiquidity(f.call(lpA), 0))
	f.advance(15 * day)

	err := f.reg.RemoveLiquidity(f.call(lpA), 0, 1_000, 0)
	require.ErrorIs(t, err, state.ErrPoolHasOngoingClaims)

	require.NoError(t, f.reg.RemoveClaimFromPool(f.call(claimsAddr), coverID))
	require.NoError(t, f.reg.RemoveLiquidity(f.call(lpA), 0, 1_000, 0))
}

func TestClaim_RatioDeviationStaysSmall(t *testing.T) {
	f := newFixture(t, 2)
	f.openPosition(lpA, 333_333, 0, 0, 1)
	f.openPosition(lpB, 777_777, 0, 0, 1)
	coverID := f.openCover(0, 100_000, 5_000)

	_, err := f.reg.PayoutClaim(f.call(claimsAddr), coverID, 111_111)
	require.NoError(t, err)

	var total int64
	for id := uint64(0); id < 2; id++ {
		view, err := f.reg.Position(id, f.now)
		require.NoError(t, err)
		total += view.Pending.Capital
	}
	// each position rounds down once
	p1 := f.pool(1).TotalLiquidity
	require.LessOrEqual(t, total, p1+3)
	require.GreaterOrEqual(t, total, p1-3)
	require.Equal(t, int64(1_111_110-111_111), f.pool(0).TotalLiquidity)
}

func TestPayoutClaim_ChainedClaimsAcrossSharedPosition(t *testing.T) {
	f := newFixture(t, 3)
	f.openPosition(lpA, 100_000, 0, 0, 1, 2)
	first := f.openCover(0, 20_000, 1_000)
	second := f.openCover(1, 20_000, 1_000)

	_, err := f.reg.PayoutClaim(f.call(claimsAddr), first, 50_000)
	require.NoError(t, err)
	f.requireCapitalInStep(3)

	res, err := f.reg.PayoutClaim(f.call(claimsAddr), second, 25_000)
	require.NoError(t, err)
	require.Equal(t, fpmath.MustRay("500000000000000000000000000"), &res.Ratio)
	require.Empty(t, res.ForcedExpiries)

	for id := uint64(0); id < 3; id++ {
		require.Equal(t, int64(25_000), f.pool(id).TotalLiquidity, "pool %d", id)
	}
	shared, _ := f.reg.PoolOverlaps(1, 2)
	require.Equal(t, int64(25_000), shared)

	view, err := f.reg.Position(0, f.now)
	require.NoError(t, err)
	require.Equal(t, int64(25_000), view.Pending.Capital)
	require.Equal(t, []uint64{0, 1}, view.Pending.ClaimsApplied)
	f.requireCapitalInStep(3)

	holdings, _ := f.strat.Holdings(0)
	require.Equal(t, int64(25_000), holdings)

	in, err := f.reg.TakeInterests(f.call(lpA), 0)
	require.NoError(t, err)
	require.Equal(t, int64(25_000), in.Capital)
	f.requireCapitalInStep(3)
}

func TestPayoutClaim_OverlapsTrackPendingCapital(t *testing.T) {
	f := newFixture(t, 3)
	f.openPosition(lpA, 100_000, 0, 0, 1)
	f.openPosition(lpB, 60_000, 0, 1, 2)
	f.openPosition(lpA, 40_000, 0, 0, 1, 2)
	onZero := f.openCover(0, 20_000, 1_000)
	onOne := f.openCover(1, 40_000, 1_000)

	_, err := f.reg.PayoutClaim(f.call(claimsAddr), onZero, 35_000)
	require.NoError(t, err)
	require.Equal(t, int64(105_000), f.pool(0).TotalLiquidity)
	require.Equal(t, int64(165_000), f.pool(1).TotalLiquidity)
	require.Equal(t, int64(90_000), f.pool(2).TotalLiquidity)
	f.requireCapitalInStep(3)

	// a second claim from pool 1 only sees the capital left after the first
	_, err = f.reg.PayoutClaim(f.call(claimsAddr), onOne, 33_000)
	require.NoError(t, err)
	require.Equal(t, int64(84_000), f.pool(0).TotalLiquidity)
	require.Equal(t, int64(132_000), f.pool(1).TotalLiquidity)
	require.Equal(t, int64(72_000), f.pool(2).TotalLiquidity)
	f.requireCapitalInStep(3)

	for id, lp := range []common.Address{lpA, lpB, lpA} {
		_, err := f.reg.TakeInterests(f.call(lp), uint64(id))
		require.NoError(t, err)
	}
	f.requireCapitalInStep(3)

	shared, _ := f.reg.PoolOverlaps(1, 2)
	require.Equal(t, int64(72_000), shared)
}

func TestOverlaps_BundlesGroupPositionsByPoolSet(t *testing.T) {
	f := newFixture(t, 3)
	f.openPosition(lpA, 30_000, 0, 0, 1)
	f.openPosition(lpB, 20_000, 0, 1, 0)
	f.openPosition(lpA, 10_000, 0, 0, 1, 2)
	f.openPosition(lpB, 5_000, 0, 2)
	coverID := f.openCover(0, 20_000, 1_000)

	require.Equal(t, []state.Bundle{
		{PoolIDs: []uint64{0, 1}, Capital: 50_000},
		{PoolIDs: []uint64{0, 1, 2}, Capital: 10_000},
	}, f.pool(0).Bundles)
	require.Equal(t, []state.Bundle{{PoolIDs: []uint64{0, 1, 2}, Capital: 10_000}}, f.pool(2).Bundles)

	_, err := f.reg.PayoutClaim(f.call(claimsAddr), coverID, 6_000)
	require.NoError(t, err)
	require.Equal(t, f.pool(0).Bundles, f.pool(1).Bundles)
	require.Equal(t, []state.Bundle{
		{PoolIDs: []uint64{0, 1}, Capital: 45_000},
		{PoolIDs: []uint64{0, 1, 2}, Capital: 9_000},
	}, f.pool(0).Bundles)
	require.Equal(t, int64(54_000), f.pool(1).TotalLiquidity)
	require.Equal(t, int64(14_000), f.pool(2).TotalLiquidity)
	f.requireCapitalInStep(3)

	require.NoError(t, f.reg.CommitRemoveLiquidity(f.call(lpB), 1))
	f.advance(15 * day)
	require.NoError(t, f.reg.RemoveLiquidity(f.call(lpB), 1, 10_000, 0))
	require.Equal(t, int64(35_000), f.pool(1).Bundles[0].Capital)
	f.requireCapitalInStep(3)
}
