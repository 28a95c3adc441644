package query

// Amounts are decimal strings in the asset's units. Rates are percentages.

type PoolSummary struct {
	PoolID            uint64 `json:"pool_id"`
	Asset             string `json:"asset"`
	StrategyID        uint32 `json:"strategy_id"`
	Paused            bool   `json:"paused"`
	TotalLiquidity    string `json:"total_liquidity"`
	TotalInsured      string `json:"total_insured"`
	Available         string `json:"available"`
	Utilization       string `json:"utilization"`
	PremiumRate       string `json:"premium_rate"`
	RemainingPolicies int64  `json:"remaining_policies"`
	ClaimsCount       int32  `json:"claims_count"`
	OngoingClaims     int64  `json:"ongoing_claims"`
	LastUpdate        int64  `json:"last_update"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

type PositionSummary struct {
	PositionID       uint64   `json:"position_id"`
	Owner            string   `json:"owner"`
	Supplied         string   `json:"supplied"`
	DiscountLocked   string   `json:"discount_locked"`
	PoolIDs          []uint64 `json:"pool_ids"`
	CommitWithdrawAt int64    `json:"commit_withdraw_at,omitempty"`
	AsOfSequence     int64    `json:"as_of_sequence"`
}

type CoverSummary struct {
	CoverID      uint64 `json:"cover_id"`
	PoolID       uint64 `json:"pool_id"`
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	CoverAmount  string `json:"cover_amount"`
	Premiums     string `json:"premiums"`
	Active       bool   `json:"active"`
	Start        int64  `json:"start"`
	End          int64  `json:"end,omitempty"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type ClaimRecord struct {
	CompensationID uint64   `json:"compensation_id"`
	FromPoolID     uint64   `json:"from_pool_id"`
	CoverID        uint64   `json:"cover_id"`
	Amount         string   `json:"amount"`
	Ratio          string   `json:"ratio"`
	Timestamp      int64    `json:"timestamp"`
	AffectedPools  []uint64 `json:"affected_pools"`
}

type BalanceEntry struct {
	AccountPath string `json:"account_path"`
	Asset       string `json:"asset"`
	Balance     string `json:"balance"`
	Sequence    int64  `json:"sequence"`
}

// JournalHistoryEntry is one logged ledger movement.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	ProjectionLag    int64             `json:"projection_lag"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
