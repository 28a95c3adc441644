package state_test

import (
	"encoding/json"
	gomath "math"
	"testing"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestOpenPosition_Validation(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.reg.OpenPosition(f.call(lpA), 0, 0, []uint64{0})
	require.ErrorIs(t, err, state.ErrZeroAmount)

	_, err = f.reg.OpenPosition(f.call(lpA), 10, 0, nil)
	require.ErrorIs(t, err, state.ErrEmptyPoolSet)

	_, err = f.reg.OpenPosition(f.call(lpA), 10, 0, []uint64{1, 1})
	require.ErrorIs(t, err, state.ErrDuplicatePool)

	_, err = f.reg.OpenPosition(f.call(lpA), 10, 200_000_000_000, []uint64{0})
	require.ErrorIs(t, err, state.ErrAmountAtenTooHigh)

	_, err = f.reg.OpenPosition(f.call(lpA), 10, 0, []uint64{7})
	require.ErrorIs(t, err, state.ErrPoolDoesNotExist)

	require.NoError(t, f.reg.UpdateConfig(f.call(ownerAddr), 14*day, 2))
	_, err = f.reg.OpenPosition(f.call(lpA), 10, 0, []uint64{0, 1, 2})
	require.ErrorIs(t, err, state.ErrLeverageTooHigh)

	require.NoError(t, f.reg.SetIncompatiblePools(f.call(ownerAddr), 0, 2, true))
	_, err = f.reg.OpenPosition(f.call(lpA), 10, 0, []uint64{2, 0})
	require.ErrorIs(t, err, state.ErrIncompatiblePools)

	require.NoError(t, f.reg.SetPoolPaused(f.call(ownerAddr), 1, true))
	_, err = f.reg.OpenPosition(f.call(lpA), 10, 0, []uint64{1})
	require.ErrorIs(t, err, state.ErrPoolIsPaused)

	require.Equal(t, 0, f.reg.PositionCount())
	for id := uint64(0); id < 3; id++ {
		require.Equal(t, int64(0), f.pool(id).TotalLiquidity)
	}
}

func TestOpenPosition_MovesCapitalAndDiscount(t *testing.T) {
	f := newFixture(t, 2)
	id := f.openPosition(lpA, 50_000, 2_000, 0, 1)

	owner, ok := f.tokens.OwnerOf(state.TokenPosition, id)
	require.True(t, ok)
	require.Equal(t, lpA, owner)

	holdings, _ := f.strat.Holdings(0)
	require.Equal(t, int64(50_000), holdings, "capital is counted once across pools")

	batch := f.last.Batch()
	require.NoError(t, batch.Validate())
	require.Len(t, batch.Journals, 2)
	require.Equal(t, ledger.JournalTypeCapitalDeposit, batch.Journals[0].JournalType)
	require.Equal(t, ledger.JournalTypeDiscountLock, batch.Journals[1].JournalType)
	require.Equal(t, ledger.MustAssetID("ATEN"), batch.Journals[1].AssetID)
}

func TestAddLiquidity(t *testing.T) {
	f := sharedDeposits(t)

	err := f.reg.AddLiquidity(f.call(lpB), 0, 1_000, 0)
	require.ErrorIs(t, err, state.ErrOnlyPositionOwner)

	require.NoError(t, f.reg.AddLiquidity(f.call(lpA), 0, 70_000, 500))
	require.Equal(t, int64(800_000), f.pool(0).TotalLiquidity)
	require.Equal(t, int64(330_000), f.pool(1).TotalLiquidity)
	shared, _ := f.reg.PoolOverlaps(0, 2)
	require.Equal(t, int64(800_000), shared)

	view, err := f.reg.Position(0, f.now)
	require.NoError(t, err)
	require.Equal(t, int64(470_000), view.Supplied)
	require.Equal(t, int64(100_500), view.DiscountLocked)

	require.NoError(t, f.reg.CommitRemoveLiquidity(f.call(lpA), 0))
	err = f.reg.AddLiquidity(f.call(lpA), 0, 1, 0)
	require.ErrorIs(t, err, state.ErrCannotIncreaseIfCommittedWithdrawal)
}

func TestRemoveLiquidity_Lifecycle(t *testing.T) {
	f := sharedDeposits(t)

	err := f.reg.RemoveLiquidity(f.call(lpA), 0, 1_000, 0)
	require.ErrorIs(t, err, state.ErrPositionNotCommited)

	err = f.reg.UncommitRemoveLiquidity(f.call(lpA), 0)
	require.ErrorIs(t, err, state.ErrPositionNotCommited)

	require.NoError(t, f.reg.CommitRemoveLiquidity(f.call(lpA), 0))
	_, err = f.reg.TakeInterests(f.call(lpA), 0)
	require.ErrorIs(t, err, state.ErrCannotTakeInterestsIfCommittedWithdrawal)

	f.advance(13 * day)
	err = f.reg.RemoveLiquidity(f.call(lpA), 0, 1_000, 0)
	require.ErrorIs(t, err, state.ErrWithdrawalNotReady)

	f.advance(day)
	err = f.reg.RemoveLiquidity(f.call(lpA), 0, 400_001, 0)
	require.ErrorIs(t, err, state.ErrAmountExceedsPosition)

	require.NoError(t, f.reg.RemoveLiquidity(f.call(lpA), 0, 400_000, 0))
	require.Equal(t, int64(330_000), f.pool(0).TotalLiquidity)
	require.Equal(t, int64(330_000), f.pool(2).TotalLiquidity)

	_, ok := f.tokens.OwnerOf(state.TokenPosition, 0)
	require.False(t, ok, "closing a position burns its token")

	var unlocked int64
	for _, j := range f.last.Batch().Journals {
		if j.JournalType == ledger.JournalTypeDiscountUnlock {
			unlocked += j.Amount
		}
	}
	require.Equal(t, int64(100_000), unlocked)
}

func TestRemoveLiquidity_RespectsInsuredCapital(t *testing.T) {
	f := newFixture(t, 1)
	f.openPosition(lpA, 100_000, 0, 0)
	f.openCover(0, 60_000, 1_000)

	require.NoError(t, f.reg.CommitRemoveLiquidity(f.call(lpA), 0))
	f.advance(14 * day)

	err := f.reg.RemoveLiquidity(f.call(lpA), 0, 50_000, 0)
	require.ErrorIs(t, err, state.ErrInsufficientLiquidityForWithdrawal)
	require.NoError(t, f.reg.RemoveLiquidity(f.call(lpA), 0, 40_000, 0))

	p := f.pool(0)
	require.Equal(t, int64(60_000), p.TotalLiquidity)
	require.GreaterOrEqual(t, p.AvailableCapital(), int64(0))
}

func TestUncommit_AllowsDepositsAgain(t *testing.T) {
	f := sharedDeposits(t)
	require.NoError(t, f.reg.CommitRemoveLiquidity(f.call(lpA), 0))
	require.NoError(t, f.reg.UncommitRemoveLiquidity(f.call(lpA), 0))
	require.NoError(t, f.reg.AddLiquidity(f.call(lpA), 0, 1, 0))
}

func TestTakeInterests_PaysConsumedPremiums(t *testing.T) {
	f := newFixture(t, 1)
	f.openPosition(lpA, 730_000, 0, 0)
	f.openCover(0, 109_500, 2_190)
	f.advance(10 * day)

	view, err := f.reg.Position(0, f.now)
	require.NoError(t, err)

	in, err := f.reg.TakeInterests(f.call(lpA), 0)
	require.NoError(t, err)

	// a 2% cover of 109,500 consumes 6 per day
	require.InDelta(t, 60, in.RewardsGross, 1)
	require.Equal(t, in.RewardsGross, in.Fee+in.RewardsNet)
	require.Equal(t, fpmath.PercentOf(in.RewardsGross, fpmath.Percent(20)), in.Fee)

	want, _ := json.Marshal(view.Pending)
	got, _ := json.Marshal(in)
	require.JSONEq(t, string(want), string(got), "read path and settlement agree")

	again, err := f.reg.TakeInterests(f.call(lpA), 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), again.RewardsGross)
}

func TestTakeInterests_FeeTierFollowsDiscount(t *testing.T) {
	f := newFixture(t, 1)
	f.openPosition(lpA, 365_000, 0, 0)
	f.openPosition(lpB, 365_000, 2_000_000, 0)
	f.openCover(0, 109_500, 2_190)
	f.advance(100 * day)

	low, err := f.reg.TakeInterests(f.call(lpA), 0)
	require.NoError(t, err)
	high, err := f.reg.TakeInterests(f.call(lpB), 1)
	require.NoError(t, err)

	require.Equal(t, low.RewardsGross, high.RewardsGross)
	require.Equal(t, fpmath.PercentOf(low.RewardsGross, fpmath.Percent(20)), low.Fee)
	require.Equal(t, fpmath.PercentOf(high.RewardsGross, fpmath.Percent(5)), high.Fee)
}

func TestTakeInterests_StrategyYield(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.strat.Register(1, ledger.MustAssetID("USDC"), fpmath.Percent(10), start))
	_, err := f.reg.CreatePool(f.call(ownerAddr), state.PoolParams{
		Formula:    testFormula(),
		FeeRate:    fpmath.Percent(10),
		AssetID:    ledger.MustAssetID("USDC"),
		StrategyID: 1,
	})
	require.NoError(t, err)
	f.openPosition(lpA, 1_000_000, 0, 0)

	f.advance(365 * day)
	in, err := f.reg.TakeInterests(f.call(lpA), 0)
	require.NoError(t, err)
	require.InDelta(t, 100_000, in.StrategyRewards, 1)
}

func TestOpenPosition_MixedStrategiesRejected(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.strat.Register(1, ledger.MustAssetID("USDT"), nil, start))
	_, err := f.reg.CreatePool(f.call(ownerAddr), state.PoolParams{
		Formula:    testFormula(),
		FeeRate:    fpmath.Percent(10),
		AssetID:    ledger.MustAssetID("USDT"),
		StrategyID: 1,
	})
	require.NoError(t, err)

	_, err = f.reg.OpenPosition(f.call(lpA), 10, 0, []uint64{0, 1})
	require.ErrorIs(t, err, state.ErrIncompatibleStrategy)
}

func TestPremiums_SmallCoverPaysNoMoreThanDeposited(t *testing.T) {
	f := newFixture(t, 1)
	f.openPosition(lpA, 100_000, 0, 0)
	f.book()
	coverID := f.openCover(0, 20_000, 1_000)
	f.book()

	view, err := f.reg.Cover(coverID, f.now)
	require.NoError(t, err)
	require.Equal(t, int64(1), view.DailyCost, "truncated from about 1.28")

	f.advance(500 * day)
	in, err := f.reg.TakeInterests(f.call(lpA), 0)
	require.NoError(t, err)
	f.book()
	require.InDelta(t, 500, in.RewardsGross, 2)

	require.NoError(t, f.reg.UpdateCover(f.call(buyer), coverID, state.CoverUpdate{PremiumsToRemove: state.MaxPremiums}))
	f.book()
	require.InDelta(t, 500, f.flows.refunded, 2)

	reserve := f.books.GetPremiumReserve(0, ledger.MustAssetID("USDT"))
	require.Equal(t, int64(1_000), f.flows.deposited)
	require.Equal(t, f.flows.deposited-f.flows.rewarded-f.flows.refunded, reserve)
	require.GreaterOrEqual(t, reserve, int64(0))
	require.LessOrEqual(t, reserve, int64(3), "only rounding dust stays behind")
}

func TestPremiums_ConservedAcrossRepricing(t *testing.T) {
	f := newFixture(t, 1)
	f.openPosition(lpA, 300_000, 0, 0)
	f.book()
	f.openPosition(lpB, 200_000, 2_000_000, 0)
	f.book()

	first := f.openCover(0, 109_500, 2_190)
	f.book()
	f.openCover(0, 40_000, 300)
	f.book()

	f.advance(30 * day)
	f.openCover(0, 120_000, 5_000)
	f.book()

	f.advance(30 * day)
	require.NoError(t, f.reg.UpdateCover(f.call(buyer), first, state.CoverUpdate{PremiumsToAdd: 500}))
	f.book()

	f.advance(45 * day)
	_, err := f.reg.TakeInterests(f.call(lpB), 1)
	require.NoError(t, err)
	f.book()

	// long after every cover ran out of premiums
	f.advance(1_000 * day)
	for id, lp := range []common.Address{lpA, lpB} {
		_, err := f.reg.TakeInterests(f.call(lp), uint64(id))
		require.NoError(t, err)
		f.book()
	}
	require.Equal(t, uint64(0), f.pool(0).Slot0.RemainingPolicies)
	require.True(t, f.pool(0).Slot0.EmissionWeight.IsZero())

	reserve := f.books.GetPremiumReserve(0, ledger.MustAssetID("USDT"))
	require.Equal(t, int64(7_990), f.flows.deposited)
	require.Equal(t, f.flows.deposited-f.flows.rewarded-f.flows.refunded, reserve)
	require.GreaterOrEqual(t, reserve, int64(0))
	// each attach loses at most a fraction of a tick, each payout a unit
	require.LessOrEqual(t, reserve, int64(20))
}

func TestDeposits_RejectLiquidityOverflow(t *testing.T) {
	f := newFixture(t, 2)
	f.openPosition(lpA, gomath.MaxInt64-10, 0, 0)

	_, err := f.reg.OpenPosition(f.call(lpB), 11, 0, []uint64{1, 0})
	require.ErrorIs(t, err, state.ErrLiquidityOverflow)
	require.Equal(t, int64(0), f.pool(1).TotalLiquidity)

	err = f.reg.AddLiquidity(f.call(lpA), 0, 11, 0)
	require.ErrorIs(t, err, state.ErrLiquidityOverflow)

	require.NoError(t, f.reg.AddLiquidity(f.call(lpA), 0, 10, 0))
	require.Equal(t, int64(gomath.MaxInt64), f.pool(0).TotalLiquidity)
	holdings, _ := f.strat.Holdings(0)
	require.Equal(t, int64(gomath.MaxInt64), holdings)
}
