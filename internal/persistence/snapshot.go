package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/ownership"
	"CoverLedger/internal/state"
	"CoverLedger/internal/strategy"

	"github.com/google/uuid"
)

// snapshotFormat v1: JSON-encoded SnapshotData
const snapshotFormat = 1

// SnapshotManager creates and loads state snapshots, and reads the event log
// back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	Clock           int64               `json:"clock"`
	StateHash       string              `json:"state_hash"`
	Balances        map[string]int64    `json:"balances"` // AccountPath -> balance
	Registry        *state.Snapshot     `json:"registry"`
	Strategies      []strategy.Strategy `json:"strategies"`
	Tokens          []ownership.Token   `json:"tokens"`
	SequenceState   map[string]int64    `json:"sequence_state"`   // partition -> last sequence
	IdempotencyKeys []string            `json:"idempotency_keys"` // oldest first
	CreatedAt       time.Time           `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotFromState converts a captured core state for storage.
func SnapshotFromState(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]int64, len(s.Balances))
	for key, bal := range s.Balances {
		balances[key.AccountPath()] = bal
	}
	return &SnapshotData{
		Sequence:        s.Sequence,
		Clock:           s.Clock,
		StateHash:       hex.EncodeToString(s.StateHash[:]),
		Balances:        balances,
		Registry:        s.Registry,
		Strategies:      s.Strategies,
		Tokens:          s.Tokens,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt.UTC(),
	}
}

// ToState converts a stored snapshot back for core.RestoreFromSnapshot.
func (d *SnapshotData) ToState() (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Clock:           d.Clock,
		Balances:        make(map[ledger.AccountKey]int64, len(d.Balances)),
		Registry:        d.Registry,
		Strategies:      d.Strategies,
		Tokens:          d.Tokens,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != len(s.StateHash) {
		return nil, fmt.Errorf("snapshot %d: malformed state hash", d.Sequence)
	}
	copy(s.StateHash[:], hash)

	for path, bal := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		s.Balances[key] = bal
	}
	return s, nil
}

// SaveSnapshot persists a snapshot. It stays unverified until a replay
// from an earlier point reproduces its hash.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, _ := hex.DecodeString(snap.StateHash)

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, hash, snapshotFormat, len(data), snap.CreatedAt)
	return len(data), err
}

// LoadLatestSnapshot loads the most recent snapshot. With verifiedOnly the
// unverified tail is skipped. Returns nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, verifiedOnly bool) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified OR NOT $1
		ORDER BY sequence DESC
		LIMIT 1
	`, verifiedOnly)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormat {
		return nil, fmt.Errorf("snapshot format %d not supported", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit logged events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pool_id, source, source_sequence,
		       caller, payload, rejection, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e      EventRow
			poolID sql.NullInt64
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &poolID, &e.Source, &e.SourceSequence,
			&e.Caller, &e.Payload, &e.Rejection, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if poolID.Valid {
			e.PoolID = &poolID.Int64
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 when the log
// is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns the composite keys of the last limit
// events, oldest first, for warming the dedup cache.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var et, key string
		if err := rows.Scan(&et, &key); err != nil {
			return nil, err
		}
		keys = append(keys, core.CompositeKey(et, key))
	}
	return keys, rows.Err()
}

// PruneSnapshots keeps the newest keep snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM event_log.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
