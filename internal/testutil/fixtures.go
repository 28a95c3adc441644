package testutil

import (
	"testing"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

const (
	Day   = int64(86_400)
	Start = int64(1_700_000_000)
)

var (
	Owner            = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ClaimManager     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	LiquidityManager = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	LP               = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	Buyer            = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func Config() state.Config {
	cfg := state.DefaultConfig()
	cfg.Owner = Owner
	cfg.ClaimManager = ClaimManager
	cfg.LiquidityManager = LiquidityManager
	return cfg
}

// NewCore returns a core with buffered output channels.
func NewCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(Config(), core.Options{LRUCapacity: 1024}, persistChan, projChan)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return c, persistChan, projChan
}

// Scenario is a small but complete command stream: one strategy and pool,
// an LP, two covers, a keeper sync and a claim.
func Scenario() []event.Event {
	admin := func(key string, seq int64) event.Header {
		return event.Header{Key: key, Source: "admin", Seq: seq, Caller: Owner, Time: Start}
	}
	api := func(key string, caller common.Address, ts int64) event.Header {
		return event.Header{Key: key, Source: "api", Caller: caller, Time: ts}
	}
	return []event.Event{
		&event.RegisterStrategy{Header: admin("strategy-0", 1), StrategyID: 0, Asset: "USDT"},
		&event.CreatePool{
			Header:  admin("pool-0", 2),
			Formula: event.FormulaParams{UOptimal: "75", R0: "1", RSlope1: "5", RSlope2: "11"},
			FeeRate: "30",
			Asset:   "USDT",
		},
		&event.OpenPosition{Header: api("lp-1", LP, Start+10), Capital: 730_000, PoolIDs: []uint64{0}},
		&event.OpenCover{Header: api("cover-1", Buyer, Start+Day), Pool: 0, CoverAmount: 109_500, Premiums: 2_190},
		&event.OpenCover{Header: api("cover-2", Buyer, Start+2*Day), Pool: 0, CoverAmount: 50_000, Premiums: 1_000},
		&event.SyncPool{
			Header: event.Header{Key: "sync-0-1", Source: "keeper", Seq: 1, Caller: LP, Time: Start + 10*Day},
			Pool:   0,
		},
		&event.PayoutClaim{
			Header:  event.Header{Key: "claim-1", Source: "claims", Seq: 1, Caller: ClaimManager, Time: Start + 20*Day},
			CoverID: 0,
			Amount:  40_000,
		},
	}
}

// RunScenario feeds Scenario into c and returns the persisted outputs.
func RunScenario(t *testing.T, c *core.DeterministicCore, persistChan chan core.CoreOutput) []core.CoreOutput {
	t.Helper()
	for _, evt := range Scenario() {
		if _, err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("%s %s: %v", evt.EventType(), evt.IdempotencyKey(), err)
		}
	}
	var out []core.CoreOutput
	for {
		select {
		case o := <-persistChan:
			out = append(out, o)
		default:
			return out
		}
	}
}
