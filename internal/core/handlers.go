package core

import (
	"fmt"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"

	"github.com/holiman/uint256"
)

func (c *DeterministicCore) dispatchEvent(evt event.Event, call state.Call) (Receipt, state.Changes, error) {
	var (
		r   Receipt
		err error
	)

	switch e := evt.(type) {
	case *event.RegisterStrategy:
		err = c.handleRegisterStrategy(e, call, &r)
		// strategy registration does not go through the registry
		return r, state.Changes{}, err
	case *event.CreatePool:
		err = c.handleCreatePool(e, call, &r)
	case *event.SetPoolPaused:
		err = c.registry.SetPoolPaused(call, e.Pool, e.Paused)
	case *event.SetIncompatiblePools:
		err = c.registry.SetIncompatiblePools(call, e.PoolA, e.PoolB, e.Incompatible)
	case *event.SetFeeTiers:
		err = c.handleSetFeeTiers(e, call)
	case *event.UpdateConfig:
		err = c.registry.UpdateConfig(call, e.WithdrawDelay, e.MaxLeverage)

	case *event.OpenPosition:
		var id uint64
		id, err = c.registry.OpenPosition(call, e.Capital, e.Discount, e.PoolIDs)
		r.PositionID = &id
	case *event.AddLiquidity:
		err = c.registry.AddLiquidity(call, e.PositionID, e.Amount, e.Discount)
	case *event.CommitRemoveLiquidity:
		err = c.registry.CommitRemoveLiquidity(call, e.PositionID)
	case *event.UncommitRemoveLiquidity:
		err = c.registry.UncommitRemoveLiquidity(call, e.PositionID)
	case *event.RemoveLiquidity:
		err = c.registry.RemoveLiquidity(call, e.PositionID, e.Amount, e.DiscountToUnlock)
	case *event.TakeInterests:
		var in state.Interests
		in, err = c.registry.TakeInterests(call, e.PositionID)
		r.Interests = &in

	case *event.OpenCover:
		var id uint64
		id, err = c.registry.OpenCover(call, e.Pool, e.CoverAmount, e.Premiums)
		r.CoverID = &id
	case *event.UpdateCover:
		err = c.handleUpdateCover(e, call)

	case *event.AddClaimToPool:
		err = c.registry.AddClaimToPool(call, e.CoverID)
	case *event.RemoveClaimFromPool:
		err = c.registry.RemoveClaimFromPool(call, e.CoverID)
	case *event.PayoutClaim:
		var res state.ClaimResult
		res, err = c.registry.PayoutClaim(call, e.CoverID, e.Amount)
		r.Claim = &res

	case *event.SyncPool:
		r.Expired, err = c.registry.CatchUpTo(e.Pool, call.Now)

	default:
		return r, state.Changes{}, fmt.Errorf("%T: %w", evt, ErrUnknownCommand)
	}

	if err != nil {
		return Receipt{}, state.Changes{}, err
	}
	return r, c.registry.LastChanges(), nil
}

// handleRegisterStrategy is owner-only like the rest of the admin surface.
func (c *DeterministicCore) handleRegisterStrategy(e *event.RegisterStrategy, call state.Call, r *Receipt) error {
	if owner := c.registry.Config().Owner; call.Caller != owner {
		return fmt.Errorf("caller %s: %w", call.Caller.Hex(), state.ErrOnlyOwner)
	}
	assetID, ok := ledger.GetAssetID(e.Asset)
	if !ok {
		return fmt.Errorf("asset %q: %w", e.Asset, state.ErrInvalidConfig)
	}
	apr, err := parseOptionalPercent(e.APR)
	if err != nil {
		return fmt.Errorf("apr: %v: %w", err, state.ErrInvalidConfig)
	}
	if err := c.strategies.Register(e.StrategyID, assetID, apr, call.Now); err != nil {
		return err
	}
	id := e.StrategyID
	r.StrategyID = &id
	return nil
}

func (c *DeterministicCore) handleCreatePool(e *event.CreatePool, call state.Call, r *Receipt) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, state.ErrInvalidFormula)
	}
	// Validate already parsed every percent once
	uOptimal, _ := event.ParsePercent(e.Formula.UOptimal)
	r0, _ := event.ParsePercent(e.Formula.R0)
	slope1, _ := event.ParsePercent(e.Formula.RSlope1)
	slope2, _ := event.ParsePercent(e.Formula.RSlope2)
	feeRate, _ := event.ParsePercent(e.FeeRate)

	assetID, ok := ledger.GetAssetID(e.Asset)
	if !ok {
		return fmt.Errorf("asset %q: %w", e.Asset, state.ErrInvalidConfig)
	}

	id, err := c.registry.CreatePool(call, state.PoolParams{
		Formula:    state.NewFormula(uOptimal, r0, slope1, slope2),
		FeeRate:    feeRate,
		AssetID:    assetID,
		StrategyID: e.StrategyID,
	})
	if err != nil {
		return err
	}
	r.PoolID = &id
	return nil
}

func (c *DeterministicCore) handleSetFeeTiers(e *event.SetFeeTiers, call state.Call) error {
	tiers, err := FeeTiersFromParams(e.Tiers)
	if err != nil {
		return err
	}
	return c.registry.SetFeeTiers(call, tiers)
}

func (c *DeterministicCore) handleUpdateCover(e *event.UpdateCover, call state.Call) error {
	u := state.CoverUpdate{
		CoverToAdd:       e.CoverToAdd,
		CoverToRemove:    e.CoverToRemove,
		PremiumsToAdd:    e.PremiumsToAdd,
		PremiumsToRemove: e.PremiumsToRemove,
	}
	if e.CloseCover {
		u.PremiumsToRemove = state.MaxPremiums
	}
	return c.registry.UpdateCover(call, e.CoverID, u)
}

// FeeTiersFromParams converts the wire form of a fee tier table.
func FeeTiersFromParams(params []event.FeeTierParams) (state.FeeTiers, error) {
	tiers := make(state.FeeTiers, len(params))
	for i, p := range params {
		rate, err := event.ParsePercent(p.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %v: %w", i, err, state.ErrInvalidConfig)
		}
		tiers[i].DiscountAmount = p.DiscountAmount
		tiers[i].FeeRate.Set(rate)
	}
	return tiers, nil
}

func parseOptionalPercent(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return event.ParsePercent(s)
}
