package event

// OpenPosition deposits capital backing every listed pool.
type OpenPosition struct {
	Header
	global
	Capital  int64    `json:"capital"`
	Discount int64    `json:"discount"`
	PoolIDs  []uint64 `json:"pool_ids"`
}

func (*OpenPosition) EventType() EventType { return EventTypeOpenPosition }

type AddLiquidity struct {
	Header
	global
	PositionID uint64 `json:"position_id"`
	Amount     int64  `json:"amount"`
	Discount   int64  `json:"discount"`
}

func (*AddLiquidity) EventType() EventType { return EventTypeAddLiquidity }

type CommitRemoveLiquidity struct {
	Header
	global
	PositionID uint64 `json:"position_id"`
}

func (*CommitRemoveLiquidity) EventType() EventType { return EventTypeCommitRemoveLiquidity }

type UncommitRemoveLiquidity struct {
	Header
	global
	PositionID uint64 `json:"position_id"`
}

func (*UncommitRemoveLiquidity) EventType() EventType { return EventTypeUncommitRemoveLiquidity }

type RemoveLiquidity struct {
	Header
	global
	PositionID       uint64 `json:"position_id"`
	Amount           int64  `json:"amount"`
	DiscountToUnlock int64  `json:"discount_to_unlock"`
}

func (*RemoveLiquidity) EventType() EventType { return EventTypeRemoveLiquidity }

type TakeInterests struct {
	Header
	global
	PositionID uint64 `json:"position_id"`
}

func (*TakeInterests) EventType() EventType { return EventTypeTakeInterests }
