package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator validates source sequences per upstream stream.
// Sequences start at 1; 0 marks an unsequenced API submission and is never
// checked. Not thread-safe; only the core goroutine touches it.
type SequenceValidator struct {
	lastSeq map[string]int64 // partition -> last accepted sequence
	metrics *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
		metrics: NewSequenceMetrics(),
	}
}

// ValidateSequence checks strict ordering and advances the partition.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	if sourceSequence == 0 {
		return nil
	}
	expected := sv.lastSeq[partition] + 1

	if sourceSequence < expected {
		if isDuplicate {
			// redelivery of something already applied
			return nil
		}
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("partition=%s expected=%d got=%d key=%s: %w",
			partition, expected, sourceSequence, idempotencyKey, ErrOutOfOrder)
	}

	if sourceSequence == expected {
		if !isDuplicate {
			sv.lastSeq[partition] = sourceSequence
		}
		return nil
	}

	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("partition=%s expected=%d got=%d: %w",
		partition, expected, sourceSequence, ErrSequenceGap)
}

// ValidateKeeperSequence orders pool sync ticks from keepers. Gaps are
// tolerated; a stale tick returns false and must be skipped.
func (sv *SequenceValidator) ValidateKeeperSequence(partition string, sourceSequence int64) bool {
	if sourceSequence == 0 {
		return true
	}
	last := sv.lastSeq[partition]
	if sourceSequence <= last {
		return false
	}
	if sourceSequence > last+1 {
		sv.metrics.RecordKeeperGap(partition, last+1, sourceSequence)
	}
	sv.lastSeq[partition] = sourceSequence
	return true
}

// GetExpectedSequence returns the next sequence a partition accepts.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.lastSeq[partition] + 1
}

// RestorePartition sets the last accepted sequence (used during recovery).
func (sv *SequenceValidator) RestorePartition(partition string, lastSeq int64) {
	sv.lastSeq[partition] = lastSeq
}

// GetAllPartitions copies the partition cursors for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.lastSeq))
	for k, v := range sv.lastSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) GetMetrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only the core goroutine touches it.
type SequenceMetrics struct {
	gaps       map[string]int64
	outOfOrder map[string]int64
	keeperGaps map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		keeperGaps: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordKeeperGap(partition string, expected, got int64) {
	m.keeperGaps[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetKeeperGaps(partition string) int64 {
	return m.keeperGaps[partition]
}
