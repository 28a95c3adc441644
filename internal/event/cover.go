package event

// OpenCover buys cover in a pool with premiums paid up front.
type OpenCover struct {
	Header
	Pool        uint64 `json:"pool_id"`
	CoverAmount int64  `json:"cover_amount"`
	Premiums    int64  `json:"premiums"`
}

func (*OpenCover) EventType() EventType { return EventTypeOpenCover }
func (c *OpenCover) PoolID() *uint64    { return poolRef(c.Pool) }

// UpdateCover nets amount and premium deltas into an existing cover.
// CloseCover refunds everything left and deactivates the cover.
type UpdateCover struct {
	Header
	global
	CoverID          uint64 `json:"cover_id"`
	CoverToAdd       int64  `json:"cover_to_add"`
	CoverToRemove    int64  `json:"cover_to_remove"`
	PremiumsToAdd    int64  `json:"premiums_to_add"`
	PremiumsToRemove int64  `json:"premiums_to_remove"`
	CloseCover       bool   `json:"close_cover"`
}

func (*UpdateCover) EventType() EventType { return EventTypeUpdateCover }

// AddClaimToPool registers a disputed claim against a cover's pool.
type AddClaimToPool struct {
	Header
	global
	CoverID uint64 `json:"cover_id"`
}

func (*AddClaimToPool) EventType() EventType { return EventTypeAddClaimToPool }

type RemoveClaimFromPool struct {
	Header
	global
	CoverID uint64 `json:"cover_id"`
}

func (*RemoveClaimFromPool) EventType() EventType { return EventTypeRemoveClaimFromPool }

// PayoutClaim compensates a cover holder.
type PayoutClaim struct {
	Header
	global
	CoverID uint64 `json:"cover_id"`
	Amount  int64  `json:"amount"`
}

func (*PayoutClaim) EventType() EventType { return EventTypePayoutClaim }
