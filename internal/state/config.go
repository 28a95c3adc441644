package state

import (
	"fmt"
	"sort"

	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FeeTier applies FeeRate (percent ray) to rewards of positions that lock at
// least DiscountAmount discount tokens.
type FeeTier struct {
	DiscountAmount int64       `json:"discount_amount"`
	FeeRate        uint256.Int `json:"fee_rate"`
}

// FeeTiers is a breakpoint vector sorted by DiscountAmount.
type FeeTiers []FeeTier

// Validate requires strictly ascending thresholds and rates within 100%.
func (t FeeTiers) Validate() error {
	for i := range t {
		if t[i].DiscountAmount < 0 {
			return fmt.Errorf("tier %d: negative threshold: %w", i, ErrTiersNotAscending)
		}
		if t[i].FeeRate.Gt(fpmath.HundredPercent()) {
			return fmt.Errorf("tier %d: fee above 100%%: %w", i, ErrInvalidConfig)
		}
		if i > 0 && t[i].DiscountAmount <= t[i-1].DiscountAmount {
			return fmt.Errorf("tier %d: threshold %d after %d: %w",
				i, t[i].DiscountAmount, t[i-1].DiscountAmount, ErrTiersNotAscending)
		}
	}
	return nil
}

// RateFor returns the fee rate of the highest tier reached by discount.
func (t FeeTiers) RateFor(discount int64) (*uint256.Int, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].DiscountAmount > discount })
	if i == 0 {
		return nil, false
	}
	return new(uint256.Int).Set(&t[i-1].FeeRate), true
}

func (t FeeTiers) clone() FeeTiers {
	return append(FeeTiers(nil), t...)
}

// Config is the mutable protocol configuration plus the fixed role addresses.
type Config struct {
	WithdrawDelay   int64    `json:"withdraw_delay"` // seconds
	MaxLeverage     int      `json:"max_leverage"`   // max pools per position
	DiscountLockCap int64    `json:"discount_lock_cap"`
	FeeTiers        FeeTiers `json:"fee_tiers"`

	Owner            common.Address `json:"owner"`
	ClaimManager     common.Address `json:"claim_manager"`
	LiquidityManager common.Address `json:"liquidity_manager"`
}

func DefaultFeeTiers() FeeTiers {
	tier := func(amount int64, pct uint64) FeeTier {
		var t FeeTier
		t.DiscountAmount = amount
		t.FeeRate.Set(fpmath.Percent(pct))
		return t
	}
	return FeeTiers{
		tier(0, 20),
		tier(1_000, 15),
		tier(100_000, 10),
		tier(1_000_000, 5),
	}
}

func DefaultConfig() Config {
	return Config{
		WithdrawDelay:   14 * fpmath.SecondsPerDay,
		MaxLeverage:     12,
		DiscountLockCap: 100_000_000_000,
		FeeTiers:        DefaultFeeTiers(),
	}
}

func (c Config) Validate() error {
	if c.WithdrawDelay < 0 {
		return fmt.Errorf("withdraw delay %d: %w", c.WithdrawDelay, ErrInvalidConfig)
	}
	if c.MaxLeverage < 1 {
		return fmt.Errorf("max leverage %d: %w", c.MaxLeverage, ErrInvalidConfig)
	}
	if c.DiscountLockCap < 0 {
		return fmt.Errorf("discount lock cap %d: %w", c.DiscountLockCap, ErrInvalidConfig)
	}
	return c.FeeTiers.Validate()
}

// feeRateFor picks the position's tier rate, never above the pool's own fee.
func (c *Config) feeRateFor(p *Pool, discount int64) *uint256.Int {
	rate, ok := c.FeeTiers.RateFor(discount)
	if !ok {
		return new(uint256.Int).Set(&p.FeeRate)
	}
	return fpmath.Min(rate, &p.FeeRate)
}
