package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var factories = map[EventType]func() Event{
	EventTypeRegisterStrategy:        func() Event { return &RegisterStrategy{} },
	EventTypeCreatePool:              func() Event { return &CreatePool{} },
	EventTypeSetPoolPaused:           func() Event { return &SetPoolPaused{} },
	EventTypeSetIncompatiblePools:    func() Event { return &SetIncompatiblePools{} },
	EventTypeSetFeeTiers:             func() Event { return &SetFeeTiers{} },
	EventTypeUpdateConfig:            func() Event { return &UpdateConfig{} },
	EventTypeOpenPosition:            func() Event { return &OpenPosition{} },
	EventTypeAddLiquidity:            func() Event { return &AddLiquidity{} },
	EventTypeCommitRemoveLiquidity:   func() Event { return &CommitRemoveLiquidity{} },
	EventTypeUncommitRemoveLiquidity: func() Event { return &UncommitRemoveLiquidity{} },
	EventTypeRemoveLiquidity:         func() Event { return &RemoveLiquidity{} },
	EventTypeTakeInterests:           func() Event { return &TakeInterests{} },
	EventTypeOpenCover:               func() Event { return &OpenCover{} },
	EventTypeUpdateCover:             func() Event { return &UpdateCover{} },
	EventTypeAddClaimToPool:          func() Event { return &AddClaimToPool{} },
	EventTypeRemoveClaimFromPool:     func() Event { return &RemoveClaimFromPool{} },
	EventTypePayoutClaim:             func() Event { return &PayoutClaim{} },
	EventTypeSyncPool:                func() Event { return &SyncPool{} },
}

// Encode serializes a command for the event log.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode rebuilds a command from its log payload. Unknown fields are
// rejected so a typo upstream cannot silently zero an amount.
func Decode(et EventType, payload []byte) (Event, error) {
	factory, ok := factories[et]
	if !ok {
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
	evt := factory()
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

// HeaderOf exposes the shared header of a command for normalization.
func HeaderOf(evt Event) *Header {
	if h, ok := evt.(interface{ header() *Header }); ok {
		return h.header()
	}
	return nil
}

func (h *Header) header() *Header { return h }
