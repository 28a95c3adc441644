package strategy

import (
	"fmt"
	gomath "math"
	"sort"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Strategy is a linear-yield vault holding the idle capital of the pools
// bound to it.
type Strategy struct {
	ID       uint32         `json:"id"`
	AssetID  ledger.AssetID `json:"asset_id"`
	APR      uint256.Int    `json:"apr"` // percent ray
	Start    int64          `json:"start"`
	Holdings int64          `json:"holdings"`
}

// Manager keeps every registered strategy. Only the liquidity manager may
// move funds in or out of them.
type Manager struct {
	liquidityManager common.Address
	strategies       map[uint32]*Strategy

	// pre-images of the strategies written since Begin; nil outside a journal
	saved map[uint32]*Strategy
}

var (
	_ state.Strategy  = (*Manager)(nil)
	_ state.Journaled = (*Manager)(nil)
)

func NewManager(liquidityManager common.Address) *Manager {
	return &Manager{
		liquidityManager: liquidityManager,
		strategies:       make(map[uint32]*Strategy),
	}
}

// Register adds a strategy whose reward index starts growing at start.
func (m *Manager) Register(id uint32, assetID ledger.AssetID, apr *uint256.Int, start int64) error {
	if _, exists := m.strategies[id]; exists {
		return fmt.Errorf("strategy %d already registered: %w", id, state.ErrInvalidConfig)
	}
	if _, ok := ledger.GetAsset(assetID); !ok {
		return fmt.Errorf("strategy %d: unknown asset %d: %w", id, assetID, state.ErrInvalidConfig)
	}
	s := &Strategy{ID: id, AssetID: assetID, Start: start}
	if apr != nil {
		s.APR.Set(apr)
	}
	m.remember(id)
	m.strategies[id] = s
	return nil
}

func (m *Manager) get(id uint32) (*Strategy, error) {
	s, ok := m.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, state.ErrStrategyDoesNotExist)
	}
	return s, nil
}

func (m *Manager) Deposit(caller common.Address, id uint32, amount int64) error {
	if caller != m.liquidityManager {
		return fmt.Errorf("deposit by %s: %w", caller.Hex(), state.ErrSenderNotLiquidityManager)
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if s.Holdings > gomath.MaxInt64-amount {
		return fmt.Errorf("strategy %d holds %d, depositing %d: %w", id, s.Holdings, amount, state.ErrLiquidityOverflow)
	}
	m.remember(id)
	s.Holdings += amount
	return nil
}

func (m *Manager) Withdraw(caller common.Address, id uint32, amount int64) error {
	if caller != m.liquidityManager {
		return fmt.Errorf("withdraw by %s: %w", caller.Hex(), state.ErrSenderNotLiquidityManager)
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if amount > s.Holdings {
		return fmt.Errorf("strategy %d holds %d, need %d: %w", id, s.Holdings, amount, state.ErrInsufficientStrategyBalance)
	}
	m.remember(id)
	s.Holdings -= amount
	return nil
}

// RewardIndex grows linearly from 1.0 at the APR:
// 1e27 + apr * (ts - start) / (100% * year) * 1e27.
func (m *Manager) RewardIndex(id uint32, ts int64) (*uint256.Int, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	idx := fpmath.Ray()
	if ts <= s.Start || s.APR.IsZero() {
		return idx, nil
	}
	elapsed := new(uint256.Int).Mul(&s.APR, uint256.NewInt(uint64(ts-s.Start)))
	den := new(uint256.Int).Mul(fpmath.HundredPercent(), uint256.NewInt(fpmath.SecondsPerYear))
	return idx.Add(idx, fpmath.MulDiv(elapsed, fpmath.Ray(), den)), nil
}

// Holdings returns the capital a strategy holds.
func (m *Manager) Holdings(id uint32) (int64, error) {
	s, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return s.Holdings, nil
}

// Export lists the strategies in id order.
func (m *Manager) Export() []Strategy {
	out := make([]Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces all strategies.
func (m *Manager) Restore(list []Strategy) {
	m.strategies = make(map[uint32]*Strategy, len(list))
	for i := range list {
		s := list[i]
		m.strategies[s.ID] = &s
	}
}

// Begin starts recording the strategies written until Commit or Rollback.
func (m *Manager) Begin() {
	m.saved = make(map[uint32]*Strategy)
}

func (m *Manager) Commit() {
	m.saved = nil
}

// Rollback puts back every strategy written since Begin. Strategies that
// did not exist then are removed.
func (m *Manager) Rollback() {
	for id, pre := range m.saved {
		if pre == nil {
			delete(m.strategies, id)
			continue
		}
		m.strategies[id] = pre
	}
	m.saved = nil
}

func (m *Manager) remember(id uint32) {
	if m.saved == nil {
		return
	}
	if _, ok := m.saved[id]; ok {
		return
	}
	var pre *Strategy
	if s, ok := m.strategies[id]; ok {
		cp := *s
		pre = &cp
	}
	m.saved[id] = pre
}
