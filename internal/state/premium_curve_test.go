package state_test

import (
	"errors"
	"testing"

	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestRate_Kinks(t *testing.T) {
	f := testFormula()

	require.Equal(t, fpmath.Percent(1), f.Rate(new(uint256.Int)), "zero utilization prices at r0")
	require.Equal(t, fpmath.Percent(2), f.Rate(fpmath.Percent(15)))
	require.Equal(t, fpmath.Percent(6), f.Rate(fpmath.Percent(75)), "r0 + slope1 at the kink")
	require.Equal(t, fpmath.Percent(17), f.Rate(fpmath.Percent(100)), "r0 + slope1 + slope2 at full use")
	require.Equal(t, fpmath.Percent(17), f.Rate(fpmath.Percent(140)), "utilization is capped at 100%")
}

func TestRate_ContinuousAndMonotonic(t *testing.T) {
	f := testFormula()

	prev := f.Rate(new(uint256.Int))
	for pct := uint64(1); pct <= 100; pct++ {
		cur := f.Rate(fpmath.Percent(pct))
		require.False(t, cur.Lt(prev), "rate decreased at %d%%", pct)
		prev = cur
	}

	// just either side of the kink
	below := f.Rate(new(uint256.Int).Sub(fpmath.Percent(75), uint256.NewInt(1)))
	above := f.Rate(new(uint256.Int).Add(fpmath.Percent(75), uint256.NewInt(1)))
	gap := new(uint256.Int).Sub(above, below)
	require.True(t, gap.Lt(uint256.NewInt(1_000_000_000)), "jump at kink: %s", gap.Dec())
}

func TestSecondsPerTick(t *testing.T) {
	f := testFormula()

	require.Equal(t, uint64(86_400), f.SecondsPerTick(fpmath.Percent(1)))
	require.Equal(t, uint64(43_200), f.SecondsPerTick(fpmath.Percent(2)))
	require.Equal(t, uint64(86_400), f.SecondsPerTick(new(uint256.Int)))

	huge := new(uint256.Int).Mul(fpmath.Percent(1), uint256.NewInt(1_000_000))
	require.Equal(t, uint64(1), f.SecondsPerTick(huge), "tick length floors at one second")
}

func TestUtilizationAndDailyCost(t *testing.T) {
	require.Equal(t, fpmath.Percent(15), state.Utilization(109_500, 730_000))
	require.True(t, state.Utilization(5, 0).IsZero())
	require.Equal(t, int64(6), state.DailyCost(109_500, fpmath.Percent(2)))
	require.Equal(t, int64(0), state.DailyCost(1, fpmath.Percent(2)))
}

func TestFormulaValidate(t *testing.T) {
	require.NoError(t, testFormula().Validate())

	bad := testFormula()
	bad.UOptimal.Set(fpmath.Percent(100))
	require.True(t, errors.Is(bad.Validate(), state.ErrInvalidFormula))

	bad = testFormula()
	bad.R0.Clear()
	require.True(t, errors.Is(bad.Validate(), state.ErrInvalidFormula))
}

func TestFeeTiers(t *testing.T) {
	tiers := state.DefaultFeeTiers()
	require.NoError(t, tiers.Validate())

	rate, ok := tiers.RateFor(0)
	require.True(t, ok)
	require.Equal(t, fpmath.Percent(20), rate)

	rate, _ = tiers.RateFor(99_999)
	require.Equal(t, fpmath.Percent(15), rate)

	rate, _ = tiers.RateFor(100_000)
	require.Equal(t, fpmath.Percent(10), rate)

	rate, _ = tiers.RateFor(50_000_000)
	require.Equal(t, fpmath.Percent(5), rate)

	unsorted := state.FeeTiers{tiers[1], tiers[0]}
	require.ErrorIs(t, unsorted.Validate(), state.ErrTiersNotAscending)

	dup := state.FeeTiers{tiers[0], tiers[0]}
	require.ErrorIs(t, dup.Validate(), state.ErrTiersNotAscending)
}
