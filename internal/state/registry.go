package state

import (
	"fmt"
	"sort"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Registry owns every pool, position, cover and compensation, addressed by
// sequential ids. It is not safe for concurrent use: the core serializes
// all calls. Every public mutation is all-or-nothing.
type Registry struct {
	cfg           Config
	pools         []*Pool
	positions     []*Position
	covers        []*Cover
	compensations []*Compensation
	incompatible  map[poolPair]bool

	strategy Strategy
	tokens   Ownership

	tx      *txn
	changes Changes
}

// Changes lists the entities modified by the last successful operation.
type Changes struct {
	Pools         []uint64
	Positions     []uint64
	Covers        []uint64
	Compensations []uint64
	Config        bool
}

func NewRegistry(cfg Config, strategy Strategy, tokens Ownership) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.FeeTiers = cfg.FeeTiers.clone()
	return &Registry{
		cfg:          cfg,
		incompatible: make(map[poolPair]bool),
		strategy:     strategy,
		tokens:       tokens,
	}, nil
}

// === Undo journal ===

type txn struct {
	pools          map[uint64]*Pool
	positions      map[uint64]*Position
	covers         map[uint64]*Cover
	nPools         int
	nPositions     int
	nCovers        int
	nCompensations int
	cfg            Config
	cfgTouched     bool
	incompatible   map[poolPair]bool
	collaborators  []Journaled
}

// atomic runs fn inside an undo journal. Nested calls join the outer one.
func (r *Registry) atomic(fn func() error) (err error) {
	if r.tx != nil {
		return fn()
	}
	r.tx = &txn{
		pools:          make(map[uint64]*Pool),
		positions:      make(map[uint64]*Position),
		covers:         make(map[uint64]*Cover),
		nPools:         len(r.pools),
		nPositions:     len(r.positions),
		nCovers:        len(r.covers),
		nCompensations: len(r.compensations),
		cfg:            r.cfg,
	}
	r.tx.cfg.FeeTiers = r.cfg.FeeTiers.clone()
	for _, c := range []any{r.strategy, r.tokens} {
		if j, ok := c.(Journaled); ok {
			j.Begin()
			r.tx.collaborators = append(r.tx.collaborators, j)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.rollback()
			r.tx = nil
			panic(rec)
		}
		if err != nil {
			r.rollback()
		} else {
			r.changes = r.collectChanges()
			for _, j := range r.tx.collaborators {
				j.Commit()
			}
		}
		r.tx = nil
	}()

	return fn()
}

func (r *Registry) rollback() {
	tx := r.tx
	for id, saved := range tx.pools {
		r.pools[id] = saved
	}
	for id, saved := range tx.positions {
		r.positions[id] = saved
	}
	for id, saved := range tx.covers {
		r.covers[id] = saved
	}
	r.pools = r.pools[:tx.nPools]
	r.positions = r.positions[:tx.nPositions]
	r.covers = r.covers[:tx.nCovers]
	r.compensations = r.compensations[:tx.nCompensations]
	r.cfg = tx.cfg
	if tx.incompatible != nil {
		r.incompatible = tx.incompatible
	}
	for _, j := range tx.collaborators {
		j.Rollback()
	}
}

func (r *Registry) collectChanges() Changes {
	tx := r.tx
	ch := Changes{Config: tx.cfgTouched || tx.incompatible != nil}
	ch.Pools = collectIDs(tx.pools, tx.nPools, len(r.pools))
	ch.Positions = collectIDs(tx.positions, tx.nPositions, len(r.positions))
	ch.Covers = collectIDs(tx.covers, tx.nCovers, len(r.covers))
	for id := tx.nCompensations; id < len(r.compensations); id++ {
		ch.Compensations = append(ch.Compensations, uint64(id))
	}
	return ch
}

func collectIDs[T any](saved map[uint64]T, from, to int) []uint64 {
	ids := make([]uint64, 0, len(saved)+to-from)
	for id := range saved {
		ids = append(ids, id)
	}
	for id := from; id < to; id++ {
		ids = append(ids, uint64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LastChanges reports what the last successful operation touched.
func (r *Registry) LastChanges() Changes {
	return r.changes
}

// touchPool returns a pool for mutation, saving its pre-image once per operation.
func (r *Registry) touchPool(id uint64) (*Pool, error) {
	p, err := r.getPool(id)
	if err != nil {
		return nil, err
	}
	if r.tx != nil && int(id) < r.tx.nPools {
		if _, saved := r.tx.pools[id]; !saved {
			r.tx.pools[id] = p.Clone()
		}
	}
	return p, nil
}

func (r *Registry) touchCover(id uint64) *Cover {
	c := r.covers[id]
	if r.tx != nil && int(id) < r.tx.nCovers {
		if _, saved := r.tx.covers[id]; !saved {
			r.tx.covers[id] = c.Clone()
		}
	}
	return c
}

func (r *Registry) touchPosition(id uint64) *Position {
	p := r.positions[id]
	if r.tx != nil && int(id) < r.tx.nPositions {
		if _, saved := r.tx.positions[id]; !saved {
			r.tx.positions[id] = p.Clone()
		}
	}
	return p
}

func (r *Registry) touchConfig() {
	if r.tx != nil {
		r.tx.cfgTouched = true
	}
}

func (r *Registry) touchIncompatible() {
	if r.tx == nil || r.tx.incompatible != nil {
		return
	}
	saved := make(map[poolPair]bool, len(r.incompatible))
	for k, v := range r.incompatible {
		saved[k] = v
	}
	r.tx.incompatible = saved
}

func (r *Registry) getPool(id uint64) (*Pool, error) {
	if id >= uint64(len(r.pools)) {
		return nil, fmt.Errorf("pool %d: %w", id, ErrPoolDoesNotExist)
	}
	return r.pools[id], nil
}

func (r *Registry) getCover(id uint64) (*Cover, error) {
	if id >= uint64(len(r.covers)) {
		return nil, fmt.Errorf("cover %d: %w", id, ErrCoverDoesNotExist)
	}
	return r.covers[id], nil
}

func (r *Registry) getPosition(id uint64) (*Position, error) {
	if id >= uint64(len(r.positions)) {
		return nil, fmt.Errorf("position %d: %w", id, ErrPositionDoesNotExist)
	}
	return r.positions[id], nil
}

// === Admin surface ===

// PoolParams are the immutable properties chosen at pool creation.
type PoolParams struct {
	Formula    Formula
	FeeRate    *uint256.Int // percent ray
	AssetID    ledger.AssetID
	StrategyID uint32
}

func (r *Registry) requireOwner(caller common.Address) error {
	if caller != r.cfg.Owner {
		return fmt.Errorf("caller %s: %w", caller.Hex(), ErrOnlyOwner)
	}
	return nil
}

// CreatePool registers a new pool priced at its base rate.
func (r *Registry) CreatePool(call Call, params PoolParams) (uint64, error) {
	var id uint64
	err := r.atomic(func() error {
		if err := r.requireOwner(call.Caller); err != nil {
			return err
		}
		if err := params.Formula.Validate(); err != nil {
			return err
		}
		feeRate := params.FeeRate
		if feeRate == nil {
			feeRate = new(uint256.Int)
		}
		if feeRate.Gt(fpmath.HundredPercent()) {
			return fmt.Errorf("fee rate above 100%%: %w", ErrInvalidConfig)
		}
		if _, ok := ledger.GetAsset(params.AssetID); !ok {
			return fmt.Errorf("asset %d: %w", params.AssetID, ErrInvalidConfig)
		}
		if _, err := r.strategy.RewardIndex(params.StrategyID, call.Now); err != nil {
			return fmt.Errorf("strategy %d: %w", params.StrategyID, err)
		}

		id = uint64(len(r.pools))
		r.pools = append(r.pools, newPool(id, params.Formula, feeRate, params.AssetID, params.StrategyID, call.Now))
		return nil
	})
	return id, err
}

// SetPoolPaused blocks new covers and deposits into a pool.
func (r *Registry) SetPoolPaused(call Call, poolID uint64, paused bool) error {
	return r.atomic(func() error {
		if err := r.requireOwner(call.Caller); err != nil {
			return err
		}
		p, err := r.touchPool(poolID)
		if err != nil {
			return err
		}
		p.Paused = paused
		return nil
	})
}

// SetFeeTiers replaces the fee tier table.
func (r *Registry) SetFeeTiers(call Call, tiers FeeTiers) error {
	return r.atomic(func() error {
		if err := r.requireOwner(call.Caller); err != nil {
			return err
		}
		if err := tiers.Validate(); err != nil {
			return err
		}
		r.touchConfig()
		r.cfg.FeeTiers = tiers.clone()
		return nil
	})
}

// UpdateConfig changes the withdrawal delay and the max pools per position.
func (r *Registry) UpdateConfig(call Call, withdrawDelay int64, maxLeverage int) error {
	return r.atomic(func() error {
		if err := r.requireOwner(call.Caller); err != nil {
			return err
		}
		next := r.cfg
		next.WithdrawDelay = withdrawDelay
		next.MaxLeverage = maxLeverage
		if err := next.Validate(); err != nil {
			return err
		}
		r.touchConfig()
		r.cfg.WithdrawDelay = withdrawDelay
		r.cfg.MaxLeverage = maxLeverage
		return nil
	})
}

// === Read access ===

// Config returns a copy of the current configuration.
func (r *Registry) Config() Config {
	c := r.cfg
	c.FeeTiers = r.cfg.FeeTiers.clone()
	return c
}

// Pool returns a copy of the stored pool (not caught up).
func (r *Registry) Pool(id uint64) (*Pool, error) {
	p, err := r.getPool(id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// PositionRecord returns a copy of the stored position.
func (r *Registry) PositionRecord(id uint64) (*Position, error) {
	p, err := r.getPosition(id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// CoverRecord returns a copy of the stored cover.
func (r *Registry) CoverRecord(id uint64) (*Cover, error) {
	c, err := r.getCover(id)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// PoolCount returns the number of pools created.
func (r *Registry) PoolCount() int {
	return len(r.pools)
}

// Compensation returns a copy of a compensation record.
func (r *Registry) Compensation(id uint64) (*Compensation, error) {
	if id >= uint64(len(r.compensations)) {
		return nil, fmt.Errorf("compensation %d does not exist", id)
	}
	return r.compensations[id].Clone(), nil
}

// === Snapshots ===

// Snapshot is the complete registry state.
type Snapshot struct {
	Config            Config          `json:"config"`
	Pools             []*Pool         `json:"pools"`
	Positions         []*Position     `json:"positions"`
	Covers            []*Cover        `json:"covers"`
	Compensations     []*Compensation `json:"compensations"`
	IncompatiblePairs [][2]uint64     `json:"incompatible_pairs"`
}

// Export deep-copies the registry state.
func (r *Registry) Export() *Snapshot {
	s := &Snapshot{Config: r.Config()}
	for _, p := range r.pools {
		s.Pools = append(s.Pools, p.Clone())
	}
	for _, p := range r.positions {
		s.Positions = append(s.Positions, p.Clone())
	}
	for _, c := range r.covers {
		s.Covers = append(s.Covers, c.Clone())
	}
	for _, c := range r.compensations {
		s.Compensations = append(s.Compensations, c.Clone())
	}
	s.IncompatiblePairs = r.IncompatiblePairs()
	return s
}

// IncompatiblePairs lists the flagged pool pairs, smaller id first, sorted.
func (r *Registry) IncompatiblePairs() [][2]uint64 {
	var pairs [][2]uint64
	for pair, on := range r.incompatible {
		if on {
			pairs = append(pairs, [2]uint64{pair.a, pair.b})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}

// Restore replaces the registry state with a snapshot. Role addresses from
// the snapshot win over those the registry was built with.
func (r *Registry) Restore(s *Snapshot) error {
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("restore config: %w", err)
	}
	r.cfg = s.Config
	r.cfg.FeeTiers = s.Config.FeeTiers.clone()
	r.pools = make([]*Pool, 0, len(s.Pools))
	for i, p := range s.Pools {
		if p.ID != uint64(i) {
			return fmt.Errorf("restore: pool at index %d has id %d", i, p.ID)
		}
		r.pools = append(r.pools, p.Clone())
	}
	r.positions = make([]*Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		r.positions = append(r.positions, p.Clone())
	}
	r.covers = make([]*Cover, 0, len(s.Covers))
	for _, c := range s.Covers {
		r.covers = append(r.covers, c.Clone())
	}
	r.compensations = make([]*Compensation, 0, len(s.Compensations))
	for _, c := range s.Compensations {
		r.compensations = append(r.compensations, c.Clone())
	}
	r.incompatible = make(map[poolPair]bool, len(s.IncompatiblePairs))
	for _, pair := range s.IncompatiblePairs {
		r.incompatible[newPoolPair(pair[0], pair[1])] = true
	}
	r.changes = Changes{}
	return nil
}
