package state_test

import (
	"testing"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/ownership"
	"CoverLedger/internal/state"
	"CoverLedger/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	day   = int64(fpmath.SecondsPerDay)
	start = int64(1_700_000_000)
)

var (
	ownerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	claimsAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	lpA         = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	lpB         = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	buyer       = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	stranger    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

type fixture struct {
	t      *testing.T
	reg    *state.Registry
	strat  *strategy.Manager
	tokens *ownership.Registry
	now    int64
	last   *ledger.BatchBuilder

	books *ledger.BalanceTracker
	flows premiumFlows
}

// premiumFlows sums the premium-side movements booked so far.
type premiumFlows struct {
	deposited int64
	refunded  int64
	rewarded  int64 // net rewards plus fees
}

// testFormula prices 15% utilization at exactly 2%.
func testFormula() state.Formula {
	return state.NewFormula(fpmath.Percent(75), fpmath.Percent(1), fpmath.Percent(5), fpmath.Percent(11))
}

func newFixture(t *testing.T, pools int) *fixture {
	t.Helper()
	cfg := state.DefaultConfig()
	cfg.Owner = ownerAddr
	cfg.ClaimManager = claimsAddr
	cfg.LiquidityManager = managerAddr

	strat := strategy.NewManager(managerAddr)
	require.NoError(t, strat.Register(0, ledger.MustAssetID("USDT"), nil, start))
	tokens := ownership.NewRegistry()

	reg, err := state.NewRegistry(cfg, strat, tokens)
	require.NoError(t, err)

	f := &fixture{t: t, reg: reg, strat: strat, tokens: tokens, now: start, books: ledger.NewBalanceTracker()}
	for i := 0; i < pools; i++ {
		f.createPool()
	}
	return f
}

func (f *fixture) call(caller common.Address) state.Call {
	f.last = ledger.NewBatchBuilder("test", 1, f.now)
	return state.Call{Caller: caller, Now: f.now, Mover: f.last}
}

// book applies the movements of the last call to a running ledger and
// checks that no custody account went negative.
func (f *fixture) book() {
	f.t.Helper()
	batch := f.last.Batch()
	require.NoError(f.t, f.books.ApplyBatch(batch))
	require.NoError(f.t, ledger.NewInvariantValidator(f.books).ValidateCustodyNonNegative(batch))
	for _, j := range batch.Journals {
		switch j.JournalType {
		case ledger.JournalTypePremiumDeposit:
			f.flows.deposited += j.Amount
		case ledger.JournalTypePremiumRefund:
			f.flows.refunded += j.Amount
		case ledger.JournalTypeRewardPayout, ledger.JournalTypeRewardFee:
			f.flows.rewarded += j.Amount
		}
	}
}

// requireCapitalInStep checks that every pool liquidity and every overlap
// equals the pending capital of the positions backing it.
func (f *fixture) requireCapitalInStep(pools int) {
	f.t.Helper()
	liquidity := make([]int64, pools)
	shared := make(map[[2]uint64]int64)
	for id := uint64(0); id < uint64(f.reg.PositionCount()); id++ {
		view, err := f.reg.Position(id, f.now)
		require.NoError(f.t, err)
		ids := view.PoolIDs()
		for i, a := range ids {
			liquidity[a] += view.Pending.Capital
			for _, b := range ids[i+1:] {
				shared[[2]uint64{min(a, b), max(a, b)}] += view.Pending.Capital
			}
		}
	}

	for a := uint64(0); a < uint64(pools); a++ {
		require.Equal(f.t, liquidity[a], f.pool(a).TotalLiquidity, "pool %d liquidity", a)
		for b := a + 1; b < uint64(pools); b++ {
			got, err := f.reg.PoolOverlaps(a, b)
			require.NoError(f.t, err)
			require.Equal(f.t, shared[[2]uint64{a, b}], got, "overlap %d/%d", a, b)
		}
	}
}

func (f *fixture) createPool() uint64 {
	f.t.Helper()
	id, err := f.reg.CreatePool(f.call(ownerAddr), state.PoolParams{
		Formula:    testFormula(),
		FeeRate:    fpmath.Percent(30),
		AssetID:    ledger.MustAssetID("USDT"),
		StrategyID: 0,
	})
	require.NoError(f.t, err)
	return id
}

func (f *fixture) openPosition(lp common.Address, capital, discount int64, pools ...uint64) uint64 {
	f.t.Helper()
	id, err := f.reg.OpenPosition(f.call(lp), capital, discount, pools)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) openCover(poolID uint64, amount, premiums int64) uint64 {
	f.t.Helper()
	id, err := f.reg.OpenCover(f.call(buyer), poolID, amount, premiums)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) pool(id uint64) *state.Pool {
	f.t.Helper()
	p, err := f.reg.Pool(id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) claimsCount(id uint64) int {
	f.t.Helper()
	n, err := f.reg.ClaimsCount(id)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) advance(seconds int64) {
	f.now += seconds
}

// sharedDeposits opens 400k on [0,2] then 330k on [0,1,2] a day later.
func sharedDeposits(t *testing.T) *fixture {
	f := newFixture(t, 3)
	f.openPosition(lpA, 400_000, 100_000, 0, 2)
	f.advance(day)
	f.openPosition(lpB, 330_000, 9_000_000, 0, 1, 2)
	return f
}
