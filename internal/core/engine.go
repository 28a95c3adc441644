package core

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/ownership"
	"CoverLedger/internal/state"
	"CoverLedger/internal/strategy"
)

var (
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")
	ErrMissingTimestamp      = errors.New("missing timestamp")
	ErrUnknownCommand        = errors.New("unknown command")
	ErrReplayMismatch        = errors.New("replay diverged from event log")
)

// RejectedError is a domain refusal of a sequenced command. The refusal is
// still logged under Sequence so the upstream stream stays gapless.
type RejectedError struct {
	Sequence int64
	Err      error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected at seq %d: %v", e.Sequence, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// DeterministicCore is the single-threaded command processor. It owns the
// pool registry and its collaborators, and never reads the wall clock for
// state: time comes from the commands.
type DeterministicCore struct {
	sequence          int64
	clock             int64 // latest command time applied
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	registry          *state.Registry
	strategies        *strategy.Manager
	tokens            *ownership.Registry
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Delta      *Delta
	Receipt    *Receipt
	Balances   map[ledger.AccountKey]int64 // post-command balance of every touched account
	EmittedAt  time.Time                   // wall clock, not part of state
}

// Options tune a core. The zero value suits tests.
type Options struct {
	StartSequence int64
	LRUCapacity   int
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics
}

func NewDeterministicCore(
	cfg state.Config,
	opts Options,
	persistChan, projectionChan chan<- CoreOutput,
) (*DeterministicCore, error) {
	balanceTracker := ledger.NewBalanceTracker()
	strategies := strategy.NewManager(cfg.LiquidityManager)
	tokens := ownership.NewRegistry()
	registry, err := state.NewRegistry(cfg, strategies, tokens)
	if err != nil {
		return nil, fmt.Errorf("new registry: %w", err)
	}

	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	return &DeterministicCore{
		sequence:          opts.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		registry:          registry,
		strategies:        strategies,
		tokens:            tokens,
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessEvent applies one command. Duplicates return a receipt flagged
// Duplicate and no error. A domain refusal of a sequenced command returns
// both its receipt and a *RejectedError.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Receipt, error) {
	return c.process(evt, nil)
}

// ReplayEvent re-applies a logged command during recovery and checks that
// it reproduces the logged state hash.
func (c *DeterministicCore) ReplayEvent(env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("log has seq %d, core expects %d: %w", env.Sequence, c.sequence, ErrReplayMismatch)
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	_, err = c.process(evt, env)
	var rejected *RejectedError
	if err != nil && !errors.As(err, &rejected) {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if rejected != nil && env.Rejection == "" {
		return fmt.Errorf("seq %d was applied but now rejects with %v: %w", env.Sequence, rejected.Err, ErrReplayMismatch)
	}
	return nil
}

func (c *DeterministicCore) process(evt event.Event, replay *event.EventEnvelope) (*Receipt, error) {
	start := time.Now()
	et := evt.EventType()
	eventType := et.String()
	idempotencyKey := evt.IdempotencyKey()

	if idempotencyKey == "" {
		c.recordRejected(eventType, "invalid")
		return nil, ErrMissingIdempotencyKey
	}
	if evt.UnixTime() <= 0 {
		c.recordRejected(eventType, "invalid")
		return nil, ErrMissingTimestamp
	}
	payload, err := event.Encode(evt)
	if err != nil {
		c.recordRejected(eventType, "invalid")
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}

	// Step 1: idempotency. Replays come from the log itself.
	isDuplicate := false
	if replay == nil {
		isDuplicate = c.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: ordering per upstream stream
	partition := partitionOf(evt)
	sourceSequence := evt.SourceSequence()
	if _, keeper := evt.(*event.SyncPool); keeper {
		if !isDuplicate && !c.sequenceValidator.ValidateKeeperSequence(partition, sourceSequence) {
			c.recordRejected(eventType, "stale")
			return &Receipt{Sequence: -1, EventType: eventType, Duplicate: true}, nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
		c.recordSequenceError(eventType, partition, err)
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.recordRejected(eventType, "duplicate")
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType).Inc()
		}
		return &Receipt{Sequence: -1, EventType: eventType, Duplicate: true}, nil
	}

	// Step 3: dispatch against the registry. Asset movements accumulate in
	// the builder and are dropped if the command fails.
	ts := evt.UnixTime()
	if ts < c.clock {
		ts = c.clock
	}
	eventRef := CompositeKey(eventType, idempotencyKey)
	builder := ledger.NewBatchBuilder(eventRef, c.sequence, ts)
	call := state.Call{Caller: evt.CallerAddress(), Now: ts, Mover: builder}

	receipt, changes, dispatchErr := c.dispatchEvent(evt, call)
	if dispatchErr != nil {
		reason := rejectionReason(dispatchErr)
		if sourceSequence == 0 && replay == nil {
			// unsequenced submissions are refused without touching the log
			c.recordRejected(eventType, reason)
			return nil, fmt.Errorf("%s: %w", eventType, dispatchErr)
		}
		c.recordRejected(eventType, reason)
		builder = ledger.NewBatchBuilder(eventRef, c.sequence, ts)
		receipt = Receipt{Rejection: dispatchErr.Error()}
		changes = state.Changes{}
	}
	receipt.Sequence = c.sequence
	receipt.EventType = eventType
	batch := builder.Batch()

	// Step 4: validate and apply the batch
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch at seq %d: %v", c.sequence, err))
		}
	}

	// Step 5: hash chain over balances and changed entities
	hashStart := time.Now()
	delta := c.collectDelta(changes, receipt.StrategyID)
	stateDigest := c.computeStateDigest(batch, delta, receipt.Rejection)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	receipt.StateHash = stateHash
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	if err := c.postCheckInvariants(batch, delta); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated at seq %d: %v", c.sequence, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      et,
		PoolID:         evt.PoolID(),
		Source:         evt.SourceStream(),
		SourceSequence: sourceSequence,
		Caller:         evt.CallerAddress(),
		Timestamp:      time.Unix(ts, 0).UTC(),
		Payload:        payload,
		Rejection:      receipt.Rejection,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	if replay != nil && replay.StateHash != stateHash {
		return nil, fmt.Errorf("seq %d: logged hash %x, replayed %x: %w",
			c.sequence, replay.StateHash, stateHash, ErrReplayMismatch)
	}

	balances := make(map[ledger.AccountKey]int64)
	for _, key := range batch.AffectedAccounts() {
		balances[key] = c.balanceTracker.GetBalance(key)
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
		Delta:      delta,
		Receipt:    &receipt,
		Balances:   balances,
		EmittedAt:  time.Now(),
	}

	// Step 6: emit. Replayed events are already in the log.
	if replay == nil {
		c.emitPersist(output)
	}
	c.emitProjection(output)

	c.idempotency.MarkProcessed(eventType, idempotencyKey)
	c.sequence++
	c.clock = ts

	if c.metrics != nil {
		if receipt.Rejection == "" {
			c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		}
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.LRU().Size()))
		c.metrics.DedupLRUEvictions.Set(float64(c.idempotency.LRU().Evictions()))
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		c.observeDomain(evt, &receipt, delta, batch)
	}

	if dispatchErr != nil {
		return &receipt, &RejectedError{Sequence: receipt.Sequence, Err: dispatchErr}
	}
	return &receipt, nil
}

// partitionOf names the ordering partition of a command: its source stream,
// narrowed to the pool for keeper syncs so keepers of different pools do
// not race each other.
func partitionOf(evt event.Event) string {
	source := evt.SourceStream()
	if source == "" {
		source = "api"
	}
	if sync, ok := evt.(*event.SyncPool); ok {
		return fmt.Sprintf("%s:pool:%d", source, sync.Pool)
	}
	return source
}

// emitPersist blocks: the core stalls until the persistence worker drains,
// so no logged command is lost.
func (c *DeterministicCore) emitPersist(output CoreOutput) {
	if c.persistChan == nil {
		return
	}
	select {
	case c.persistChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}
}

// emitProjection never blocks; projections rebuild from the log when they
// fall behind.
func (c *DeterministicCore) emitProjection(output CoreOutput) {
	if c.projectionChan == nil {
		return
	}
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched with its new balance, then a hash of the
// changed entities, then the rejection reason if any.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, delta *Delta, rejection string) []byte {
	accounts := batch.AffectedAccounts()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+sha256.Size+len(rejection))
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	if !delta.Empty() {
		raw, err := json.Marshal(delta)
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode state delta: %v", err))
		}
		sum := sha256.Sum256(raw)
		digest = append(digest, sum[:]...)
	}

	return append(digest, rejection...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates what must hold after every command.
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch, delta *Delta) error {
	if err := c.validator.ValidateCustodyNonNegative(batch); err != nil {
		return fmt.Errorf("custody: %w", err)
	}

	checked := make(map[uint32]bool)
	for _, p := range delta.Pools {
		if p.AvailableCapital() < 0 {
			return fmt.Errorf("pool %d: insured %d above liquidity %d",
				p.ID, p.Slot0.TotalInsuredCapital, p.TotalLiquidity)
		}
		if checked[p.StrategyID] {
			continue
		}
		checked[p.StrategyID] = true
		held, err := c.strategies.Holdings(p.StrategyID)
		if err != nil {
			return err
		}
		if booked := c.balanceTracker.GetStrategyHoldings(p.StrategyID, p.AssetID); held != booked {
			return fmt.Errorf("strategy %d holds %d, ledger books %d", p.StrategyID, held, booked)
		}
	}

	// Periodic zero-sum check over every account
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("global balance at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func rejectionReason(err error) string {
	if kind, ok := state.KindOf(err); ok {
		return kind.String()
	}
	return "invalid"
}

func (c *DeterministicCore) recordRejected(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordSequenceError(eventType, partition string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSequenceGap):
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, "gap").Inc()
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, "out_of_order").Inc()
	}
}
