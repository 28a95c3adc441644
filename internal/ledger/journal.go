package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCapitalDeposit JournalType = iota
	JournalTypeCapitalWithdrawal
	JournalTypeDiscountLock
	JournalTypeDiscountUnlock
	JournalTypePremiumDeposit
	JournalTypePremiumRefund
	JournalTypeRewardPayout
	JournalTypeRewardFee
	JournalTypeStrategyReward
	JournalTypeClaimPayout
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeCapitalDeposit:
		return "capital_deposit"
	case JournalTypeCapitalWithdrawal:
		return "capital_withdrawal"
	case JournalTypeDiscountLock:
		return "discount_lock"
	case JournalTypeDiscountUnlock:
		return "discount_unlock"
	case JournalTypePremiumDeposit:
		return "premium_deposit"
	case JournalTypePremiumRefund:
		return "premium_refund"
	case JournalTypeRewardPayout:
		return "reward_payout"
	case JournalTypeRewardFee:
		return "reward_fee"
	case JournalTypeStrategyReward:
		return "strategy_reward"
	case JournalTypeClaimPayout:
		return "claim_payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Native asset units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount from the credit account to the
// debit account, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// AffectedAccounts returns every account touched by the batch, in first-seen order.
func (b *Batch) AffectedAccounts() []AccountKey {
	seen := make(map[AccountKey]struct{}, len(b.Journals)*2)
	out := make([]AccountKey, 0, len(b.Journals)*2)
	for _, j := range b.Journals {
		for _, k := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
