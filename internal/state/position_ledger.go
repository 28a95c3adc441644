package state

import (
	"fmt"
	"sort"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PoolStake is a position's bookkeeping cursor in one pool.
type PoolStake struct {
	PoolID              uint64      `json:"pool_id"`
	BeginLiquidityIndex uint256.Int `json:"begin_liquidity_index"`
	BeginClaimIndex     int         `json:"begin_claim_index"`
}

// Position is an LP deposit backing one or more pools with the same capital.
type Position struct {
	ID                        uint64         `json:"id"`
	Supplied                  int64          `json:"supplied"`
	Stakes                    []PoolStake    `json:"stakes"`
	CommitWithdrawalTimestamp int64          `json:"commit_withdrawal_timestamp"`
	StrategyRewardIndex       uint256.Int    `json:"strategy_reward_index"`
	DiscountLocked            int64          `json:"discount_locked"`
	StrategyID                uint32         `json:"strategy_id"`
	AssetID                   ledger.AssetID `json:"asset_id"`
}

func (p *Position) Clone() *Position {
	cp := *p
	cp.Stakes = append([]PoolStake(nil), p.Stakes...)
	return &cp
}

// PoolIDs lists the pools the position backs, in deposit order.
func (p *Position) PoolIDs() []uint64 {
	ids := make([]uint64, len(p.Stakes))
	for i, s := range p.Stakes {
		ids[i] = s.PoolID
	}
	return ids
}

// PoolReward is the reward split of one backed pool.
type PoolReward struct {
	PoolID uint64 `json:"pool_id"`
	Gross  int64  `json:"gross"`
	Fee    int64  `json:"fee"`
}

// Interests is the outcome of reconciling a position against claims and
// index growth since its last checkpoint.
type Interests struct {
	Capital         int64        `json:"capital"` // effective capital after claims
	CapitalLost     int64        `json:"capital_lost"`
	RewardsGross    int64        `json:"rewards_gross"`
	Fee             int64        `json:"fee"`
	RewardsNet      int64        `json:"rewards_net"`
	StrategyRewards int64        `json:"strategy_rewards"`
	ClaimsApplied   []uint64     `json:"claims_applied"`
	PerPool         []PoolReward `json:"per_pool"`
}

// PositionView is a position with its pending interests at a point in time.
type PositionView struct {
	Position
	Owner   common.Address `json:"owner"`
	Pending Interests      `json:"pending"`
}

// OpenPosition deposits capital backing every pool of the set.
func (r *Registry) OpenPosition(call Call, capital, discount int64, poolIDs []uint64) (uint64, error) {
	var id uint64
	err := r.atomic(func() error {
		if capital <= 0 {
			return fmt.Errorf("open position: %w", ErrZeroAmount)
		}
		if discount < 0 || discount > r.cfg.DiscountLockCap {
			return fmt.Errorf("discount %d above cap %d: %w", discount, r.cfg.DiscountLockCap, ErrAmountAtenTooHigh)
		}
		if len(poolIDs) == 0 {
			return fmt.Errorf("open position: %w", ErrEmptyPoolSet)
		}
		if len(poolIDs) > r.cfg.MaxLeverage {
			return fmt.Errorf("%d pools, max %d: %w", len(poolIDs), r.cfg.MaxLeverage, ErrLeverageTooHigh)
		}
		seen := make(map[uint64]struct{}, len(poolIDs))
		for _, pid := range poolIDs {
			if _, dup := seen[pid]; dup {
				return fmt.Errorf("pool %d: %w", pid, ErrDuplicatePool)
			}
			seen[pid] = struct{}{}
		}
		if err := r.checkCompatible(poolIDs); err != nil {
			return err
		}

		pools := make([]*Pool, len(poolIDs))
		for i, pid := range poolIDs {
			p, err := r.touchPool(pid)
			if err != nil {
				return err
			}
			if p.Paused {
				return fmt.Errorf("pool %d: %w", pid, ErrPoolIsPaused)
			}
			if err := p.checkDeposit(capital); err != nil {
				return err
			}
			if i > 0 && (p.StrategyID != pools[0].StrategyID || p.AssetID != pools[0].AssetID) {
				return fmt.Errorf("pool %d vs pool %d: %w", pid, pools[0].ID, ErrIncompatibleStrategy)
			}
			pools[i] = p
		}

		strategyIndex, err := r.strategy.RewardIndex(pools[0].StrategyID, call.Now)
		if err != nil {
			return err
		}

		id = uint64(len(r.positions))
		pos := &Position{
			ID:             id,
			Supplied:       capital,
			Stakes:         make([]PoolStake, len(pools)),
			DiscountLocked: discount,
			StrategyID:     pools[0].StrategyID,
			AssetID:        pools[0].AssetID,
		}
		pos.StrategyRewardIndex.Set(strategyIndex)

		for i, p := range pools {
			r.catchUp(p, call.Now)
			p.TotalLiquidity += capital
			p.refreshPricing()
			pos.Stakes[i].PoolID = p.ID
			pos.Stakes[i].BeginLiquidityIndex.Set(&p.Slot0.LiquidityIndex)
			pos.Stakes[i].BeginClaimIndex = len(p.CompensationIDs)
		}
		shiftOverlaps(pools, capital)
		r.positions = append(r.positions, pos)

		r.tokens.Mint(TokenPosition, id, call.Caller)
		if err := r.strategy.Deposit(r.cfg.LiquidityManager, pos.StrategyID, capital); err != nil {
			return err
		}
		call.Mover.DepositCapital(call.Caller, pos.StrategyID, pos.AssetID, capital)
		call.Mover.LockDiscount(call.Caller, discount)
		return nil
	})
	return id, err
}

// loadPosition checks ownership, then touches and catches up every pool the
// position backs.
func (r *Registry) loadPosition(call Call, id uint64) (*Position, []*Pool, error) {
	if _, err := r.getPosition(id); err != nil {
		return nil, nil, err
	}
	if owner, ok := r.tokens.OwnerOf(TokenPosition, id); !ok || owner != call.Caller {
		return nil, nil, fmt.Errorf("position %d: %w", id, ErrOnlyPositionOwner)
	}
	pos := r.touchPosition(id)
	pools := make([]*Pool, len(pos.Stakes))
	for i, st := range pos.Stakes {
		p, err := r.touchPool(st.PoolID)
		if err != nil {
			return nil, nil, err
		}
		r.catchUp(p, call.Now)
		pools[i] = p
	}
	return pos, pools, nil
}

// AddLiquidity settles pending interests, then tops up capital and/or the
// discount lock.
func (r *Registry) AddLiquidity(call Call, id uint64, amount, discount int64) error {
	return r.atomic(func() error {
		if amount < 0 || discount < 0 || (amount == 0 && discount == 0) {
			return fmt.Errorf("add liquidity: %w", ErrZeroAmount)
		}
		pos, pools, err := r.loadPosition(call, id)
		if err != nil {
			return err
		}
		if pos.CommitWithdrawalTimestamp != 0 {
			return fmt.Errorf("position %d: %w", id, ErrCannotIncreaseIfCommittedWithdrawal)
		}
		if pos.DiscountLocked+discount > r.cfg.DiscountLockCap {
			return fmt.Errorf("discount %d above cap %d: %w", pos.DiscountLocked+discount, r.cfg.DiscountLockCap, ErrAmountAtenTooHigh)
		}
		for _, p := range pools {
			if p.Paused {
				return fmt.Errorf("pool %d: %w", p.ID, ErrPoolIsPaused)
			}
			if err := p.checkDeposit(amount); err != nil {
				return err
			}
		}

		if _, err := r.settle(call, pos, pools); err != nil {
			return err
		}

		for _, p := range pools {
			p.TotalLiquidity += amount
			p.refreshPricing()
		}
		shiftOverlaps(pools, amount)
		pos.Supplied += amount
		pos.DiscountLocked += discount

		if amount > 0 {
			if err := r.strategy.Deposit(r.cfg.LiquidityManager, pos.StrategyID, amount); err != nil {
				return err
			}
		}
		call.Mover.DepositCapital(call.Caller, pos.StrategyID, pos.AssetID, amount)
		call.Mover.LockDiscount(call.Caller, discount)
		return nil
	})
}

// CommitRemoveLiquidity starts the withdrawal delay.
func (r *Registry) CommitRemoveLiquidity(call Call, id uint64) error {
	return r.atomic(func() error {
		if _, err := r.getPosition(id); err != nil {
			return err
		}
		if owner, ok := r.tokens.OwnerOf(TokenPosition, id); !ok || owner != call.Caller {
			return fmt.Errorf("position %d: %w", id, ErrOnlyPositionOwner)
		}
		pos := r.touchPosition(id)
		if pos.Supplied == 0 {
			return fmt.Errorf("position %d: %w", id, ErrPositionIsClosed)
		}
		pos.CommitWithdrawalTimestamp = call.Now
		return nil
	})
}

// UncommitRemoveLiquidity cancels a pending withdrawal.
func (r *Registry) UncommitRemoveLiquidity(call Call, id uint64) error {
	return r.atomic(func() error {
		if _, err := r.getPosition(id); err != nil {
			return err
		}
		if owner, ok := r.tokens.OwnerOf(TokenPosition, id); !ok || owner != call.Caller {
			return fmt.Errorf("position %d: %w", id, ErrOnlyPositionOwner)
		}
		pos := r.touchPosition(id)
		if pos.CommitWithdrawalTimestamp == 0 {
			return fmt.Errorf("position %d: %w", id, ErrPositionNotCommited)
		}
		pos.CommitWithdrawalTimestamp = 0
		return nil
	})
}

// RemoveLiquidity withdraws capital once the commit delay has elapsed.
// Interests are settled first. Withdrawing everything closes the position,
// releases the whole discount lock and burns the position token.
func (r *Registry) RemoveLiquidity(call Call, id uint64, amount, discountToUnlock int64) error {
	return r.atomic(func() error {
		if amount < 0 || discountToUnlock < 0 {
			return fmt.Errorf("remove liquidity: %w", ErrZeroAmount)
		}
		pos, pools, err := r.loadPosition(call, id)
		if err != nil {
			return err
		}
		if pos.CommitWithdrawalTimestamp == 0 {
			return fmt.Errorf("position %d: %w", id, ErrPositionNotCommited)
		}
		if call.Now < pos.CommitWithdrawalTimestamp+r.cfg.WithdrawDelay {
			return fmt.Errorf("position %d: ready at %d: %w",
				id, pos.CommitWithdrawalTimestamp+r.cfg.WithdrawDelay, ErrWithdrawalNotReady)
		}
		for _, p := range pools {
			if p.OngoingClaims > 0 {
				return fmt.Errorf("pool %d: %w", p.ID, ErrPoolHasOngoingClaims)
			}
		}

		if _, err := r.settle(call, pos, pools); err != nil {
			return err
		}

		if amount > pos.Supplied {
			return fmt.Errorf("position %d: removing %d of %d: %w", id, amount, pos.Supplied, ErrAmountExceedsPosition)
		}
		if discountToUnlock > pos.DiscountLocked {
			return fmt.Errorf("position %d: unlocking %d of %d: %w", id, discountToUnlock, pos.DiscountLocked, ErrAmountExceedsPosition)
		}
		for _, p := range pools {
			if p.AvailableCapital() < amount {
				return fmt.Errorf("pool %d: available %d < %d: %w",
					p.ID, p.AvailableCapital(), amount, ErrInsufficientLiquidityForWithdrawal)
			}
		}

		for _, p := range pools {
			p.TotalLiquidity -= fpmath.MinInt64(amount, p.TotalLiquidity)
			p.refreshPricing()
		}
		shiftOverlaps(pools, -amount)
		pos.Supplied -= amount
		if pos.Supplied == 0 {
			discountToUnlock = pos.DiscountLocked
		}
		pos.DiscountLocked -= discountToUnlock
		pos.CommitWithdrawalTimestamp = 0

		if amount > 0 {
			if err := r.strategy.Withdraw(r.cfg.LiquidityManager, pos.StrategyID, amount); err != nil {
				return err
			}
		}
		if pos.Supplied == 0 {
			r.tokens.Burn(TokenPosition, id)
		}
		call.Mover.WithdrawCapital(call.Caller, pos.StrategyID, pos.AssetID, amount)
		call.Mover.UnlockDiscount(call.Caller, discountToUnlock)
		return nil
	})
}

// TakeInterests pays out rewards accrued since the last checkpoint and
// folds claim losses into the position's capital.
func (r *Registry) TakeInterests(call Call, id uint64) (Interests, error) {
	var out Interests
	err := r.atomic(func() error {
		pos, pools, err := r.loadPosition(call, id)
		if err != nil {
			return err
		}
		if pos.CommitWithdrawalTimestamp != 0 {
			return fmt.Errorf("position %d: %w", id, ErrCannotTakeInterestsIfCommittedWithdrawal)
		}
		out, err = r.settle(call, pos, pools)
		return err
	})
	return out, err
}

// settle reconciles a touched, caught-up position and pays what it earned.
func (r *Registry) settle(call Call, pos *Position, pools []*Pool) (Interests, error) {
	strategyIndex, err := r.strategy.RewardIndex(pos.StrategyID, call.Now)
	if err != nil {
		return Interests{}, err
	}
	in := r.computeInterests(pos, pools, strategyIndex)

	pos.Supplied = in.Capital
	for i, p := range pools {
		pos.Stakes[i].BeginLiquidityIndex.Set(&p.Slot0.LiquidityIndex)
		pos.Stakes[i].BeginClaimIndex = len(p.CompensationIDs)
	}
	if strategyIndex.Gt(&pos.StrategyRewardIndex) {
		pos.StrategyRewardIndex.Set(strategyIndex)
	}

	for i, pr := range in.PerPool {
		call.Mover.PayRewards(call.Caller, pr.PoolID, pools[i].AssetID, pr.Gross-pr.Fee, pr.Fee)
	}
	call.Mover.PayStrategyRewards(call.Caller, pos.AssetID, in.StrategyRewards)
	return in, nil
}

// pendingCompensations lists, in id order, the claims that originated in
// one of the position's pools since it last settled.
func (r *Registry) pendingCompensations(pos *Position) []*Compensation {
	var comps []*Compensation
	for _, st := range pos.Stakes {
		ids := r.pools[st.PoolID].CompensationIDs
		from := st.BeginClaimIndex
		if from > len(ids) {
			from = len(ids)
		}
		for _, cid := range ids[from:] {
			if c := r.compensations[cid]; c.FromPoolID == st.PoolID {
				comps = append(comps, c)
			}
		}
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].ID < comps[j].ID })
	return comps
}

// computeInterests is the pure part of settlement. Pending compensations
// are applied in id order; each splits the reward stream, so capital before
// a claim earns up to the index the claim recorded and the reduced capital
// earns afterwards.
func (r *Registry) computeInterests(pos *Position, pools []*Pool, strategyIndex *uint256.Int) Interests {
	in := Interests{PerPool: make([]PoolReward, len(pools))}
	begins := make([]uint256.Int, len(pos.Stakes))
	for i := range pos.Stakes {
		begins[i].Set(&pos.Stakes[i].BeginLiquidityIndex)
		in.PerPool[i].PoolID = pos.Stakes[i].PoolID
	}

	capital := pos.Supplied
	for _, c := range r.pendingCompensations(pos) {
		for i := range pos.Stakes {
			idx, ok := c.indexFor(pos.Stakes[i].PoolID)
			if !ok {
				continue
			}
			in.PerPool[i].Gross += rewardSegment(capital, &begins[i], idx)
			if idx.Gt(&begins[i]) {
				begins[i].Set(idx)
			}
		}
		in.ClaimsApplied = append(in.ClaimsApplied, c.ID)
		capital = fpmath.RayMulInt(capital, fpmath.Sub(fpmath.Ray(), &c.Ratio))
	}

	for i, p := range pools {
		in.PerPool[i].Gross += rewardSegment(capital, &begins[i], &p.Slot0.LiquidityIndex)
		in.PerPool[i].Fee = fpmath.PercentOf(in.PerPool[i].Gross, r.cfg.feeRateFor(p, pos.DiscountLocked))
		in.RewardsGross += in.PerPool[i].Gross
		in.Fee += in.PerPool[i].Fee
	}
	in.RewardsNet = in.RewardsGross - in.Fee
	in.Capital = capital
	in.CapitalLost = pos.Supplied - capital

	if strategyIndex != nil && strategyIndex.Gt(&pos.StrategyRewardIndex) {
		diff := new(uint256.Int).Sub(strategyIndex, &pos.StrategyRewardIndex)
		in.StrategyRewards = fpmath.RayMulInt(capital, diff)
	}
	return in
}

// rewardSegment is capital * (to - from) / 1e27, zero when the index did not grow.
func rewardSegment(capital int64, from, to *uint256.Int) int64 {
	if !to.Gt(from) || capital <= 0 {
		return 0
	}
	return fpmath.RayMulInt(capital, new(uint256.Int).Sub(to, from))
}

// Position returns a position with its pending interests projected to now.
func (r *Registry) Position(id uint64, now int64) (PositionView, error) {
	pos, err := r.getPosition(id)
	if err != nil {
		return PositionView{}, err
	}
	pools := make([]*Pool, len(pos.Stakes))
	for i, st := range pos.Stakes {
		if pools[i], err = r.projectedPool(st.PoolID, now); err != nil {
			return PositionView{}, err
		}
	}
	strategyIndex, err := r.strategy.RewardIndex(pos.StrategyID, now)
	if err != nil {
		return PositionView{}, err
	}
	view := PositionView{Position: *pos.Clone()}
	view.Pending = r.computeInterests(pos, pools, strategyIndex)
	view.Owner, _ = r.tokens.OwnerOf(TokenPosition, id)
	return view, nil
}

// PositionCount returns the number of positions opened.
func (r *Registry) PositionCount() int {
	return len(r.positions)
}
