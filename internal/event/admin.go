package event

import (
	"fmt"
)

// RegisterStrategy adds a yield strategy pools can park capital in.
type RegisterStrategy struct {
	Header
	global
	StrategyID uint32 `json:"strategy_id"`
	Asset      string `json:"asset"`
	APR        string `json:"apr"` // percent, e.g. "4.5"
}

func (*RegisterStrategy) EventType() EventType { return EventTypeRegisterStrategy }

// FormulaParams are the four pricing curve parameters as percentages.
type FormulaParams struct {
	UOptimal string `json:"u_optimal" yaml:"u_optimal"`
	R0       string `json:"r0" yaml:"r0"`
	RSlope1  string `json:"r_slope1" yaml:"r_slope1"`
	RSlope2  string `json:"r_slope2" yaml:"r_slope2"`
}

// CreatePool opens a new pool. The pool id is assigned by the core.
type CreatePool struct {
	Header
	global
	Formula    FormulaParams `json:"formula"`
	FeeRate    string        `json:"fee_rate"` // percent
	Asset      string        `json:"asset"`
	StrategyID uint32        `json:"strategy_id"`
}

func (*CreatePool) EventType() EventType { return EventTypeCreatePool }

type SetPoolPaused struct {
	Header
	Pool   uint64 `json:"pool_id"`
	Paused bool   `json:"paused"`
}

func (*SetPoolPaused) EventType() EventType { return EventTypeSetPoolPaused }
func (c *SetPoolPaused) PoolID() *uint64    { return poolRef(c.Pool) }

type SetIncompatiblePools struct {
	Header
	global
	PoolA        uint64 `json:"pool_a"`
	PoolB        uint64 `json:"pool_b"`
	Incompatible bool   `json:"incompatible"`
}

func (*SetIncompatiblePools) EventType() EventType { return EventTypeSetIncompatiblePools }

// FeeTierParams is one row of the fee tier table.
type FeeTierParams struct {
	DiscountAmount int64  `json:"discount_amount" yaml:"discount_amount"`
	FeeRate        string `json:"fee_rate" yaml:"fee_rate"` // percent
}

type SetFeeTiers struct {
	Header
	global
	Tiers []FeeTierParams `json:"tiers"`
}

func (*SetFeeTiers) EventType() EventType { return EventTypeSetFeeTiers }

type UpdateConfig struct {
	Header
	global
	WithdrawDelay int64 `json:"withdraw_delay"` // seconds
	MaxLeverage   int   `json:"max_leverage"`
}

func (*UpdateConfig) EventType() EventType { return EventTypeUpdateConfig }

// SyncPool advances a pool's clock, expiring covers that ran out of premiums.
type SyncPool struct {
	Header
	Pool uint64 `json:"pool_id"`
}

func (*SyncPool) EventType() EventType { return EventTypeSyncPool }
func (c *SyncPool) PoolID() *uint64    { return poolRef(c.Pool) }

// Validate checks the parts of a command that do not need state.
func (c *CreatePool) Validate() error {
	for name, v := range map[string]string{
		"u_optimal": c.Formula.UOptimal,
		"r0":        c.Formula.R0,
		"r_slope1":  c.Formula.RSlope1,
		"r_slope2":  c.Formula.RSlope2,
		"fee_rate":  c.FeeRate,
	} {
		if _, err := ParsePercent(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
