package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRegisterStrategy
	EventTypeCreatePool
	EventTypeSetPoolPaused
	EventTypeSetIncompatiblePools
	EventTypeSetFeeTiers
	EventTypeUpdateConfig
	EventTypeOpenPosition
	EventTypeAddLiquidity
	EventTypeCommitRemoveLiquidity
	EventTypeUncommitRemoveLiquidity
	EventTypeRemoveLiquidity
	EventTypeTakeInterests
	EventTypeOpenCover
	EventTypeUpdateCover
	EventTypeAddClaimToPool
	EventTypeRemoveClaimFromPool
	EventTypePayoutClaim
	EventTypeSyncPool
)

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Pool context (nil for commands not bound to one pool)
	PoolID *uint64

	// Upstream stream name and its sequence for ordering validation
	Source         string
	SourceSequence int64

	Caller common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// Non-empty when the command was logged but refused by the domain
	Rejection string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// PoolID returns the pool context (nil for global commands)
	PoolID() *uint64

	// SourceStream names the upstream partition the sequence belongs to
	SourceStream() string

	// SourceSequence returns the upstream ordering key; 0 means unsequenced
	SourceSequence() int64

	// CallerAddress is the account acting
	CallerAddress() common.Address

	// UnixTime is the command timestamp in seconds
	UnixTime() int64
}

// Header carries the fields shared by every command.
type Header struct {
	Key    string         `json:"idempotency_key"`
	Source string         `json:"source"`
	Seq    int64          `json:"source_sequence"`
	Caller common.Address `json:"caller"`
	Time   int64          `json:"timestamp"` // unix seconds
}

func (h *Header) IdempotencyKey() string        { return h.Key }
func (h *Header) SourceStream() string          { return h.Source }
func (h *Header) SourceSequence() int64         { return h.Seq }
func (h *Header) CallerAddress() common.Address { return h.Caller }
func (h *Header) UnixTime() int64               { return h.Time }

// global is embedded by commands with no pool context.
type global struct{}

func (global) PoolID() *uint64 { return nil }

func poolRef(id uint64) *uint64 { return &id }

var typeNames = map[EventType]string{
	EventTypeRegisterStrategy:        "RegisterStrategy",
	EventTypeCreatePool:              "CreatePool",
	EventTypeSetPoolPaused:           "SetPoolPaused",
	EventTypeSetIncompatiblePools:    "SetIncompatiblePools",
	EventTypeSetFeeTiers:             "SetFeeTiers",
	EventTypeUpdateConfig:            "UpdateConfig",
	EventTypeOpenPosition:            "OpenPosition",
	EventTypeAddLiquidity:            "AddLiquidity",
	EventTypeCommitRemoveLiquidity:   "CommitRemoveLiquidity",
	EventTypeUncommitRemoveLiquidity: "UncommitRemoveLiquidity",
	EventTypeRemoveLiquidity:         "RemoveLiquidity",
	EventTypeTakeInterests:           "TakeInterests",
	EventTypeOpenCover:               "OpenCover",
	EventTypeUpdateCover:             "UpdateCover",
	EventTypeAddClaimToPool:          "AddClaimToPool",
	EventTypeRemoveClaimFromPool:     "RemoveClaimFromPool",
	EventTypePayoutClaim:             "PayoutClaim",
	EventTypeSyncPool:                "SyncPool",
}

func (et EventType) String() string {
	if name, ok := typeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType resolves a command name such as "OpenCover".
func ParseEventType(name string) (EventType, bool) {
	for et, n := range typeNames {
		if n == name {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
