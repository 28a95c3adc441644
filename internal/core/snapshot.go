package core

import (
	"fmt"

	"CoverLedger/internal/ledger"
	"CoverLedger/internal/ownership"
	"CoverLedger/internal/state"
	"CoverLedger/internal/strategy"
)

// SnapshotState holds the complete in-memory state of the core.
type SnapshotState struct {
	Sequence        int64 // last applied sequence, -1 before the first command
	Clock           int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Registry        *state.Snapshot
	Strategies      []strategy.Strategy
	Tokens          []ownership.Token
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		Clock:           c.clock,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Registry:        c.registry.Export(),
		Strategies:      c.strategies.Export(),
		Tokens:          c.tokens.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.LRU().GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the in-memory state. Replay of the log from
// Sequence+1 follows.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap.Registry == nil {
		return fmt.Errorf("snapshot at seq %d has no registry state", snap.Sequence)
	}
	if lm := c.registry.Config().LiquidityManager; snap.Registry.Config.LiquidityManager != lm {
		return fmt.Errorf("snapshot liquidity manager %s, configured %s",
			snap.Registry.Config.LiquidityManager.Hex(), lm.Hex())
	}

	c.strategies.Restore(snap.Strategies)
	c.tokens.Restore(snap.Tokens)
	if err := c.registry.Restore(snap.Registry); err != nil {
		return err
	}

	c.balanceTracker = ledger.NewBalanceTracker()
	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	c.validator = ledger.NewInvariantValidator(c.balanceTracker)

	c.sequenceValidator = NewSequenceValidator()
	for partition, last := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, last)
	}
	c.idempotency.LRU().WarmFromKeys(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.clock = snap.Clock
	c.hasher.SetPrevHash(snap.StateHash)
	return nil
}

// WarmLRU loads recent idempotency keys, oldest first.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.LRU().WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Clock returns the latest command time applied.
func (c *DeterministicCore) Clock() int64 {
	return c.clock
}
