package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// journalNamespace seeds name-based UUIDs so that replaying a command
// reproduces the same batch and journal ids.
var journalNamespace = uuid.MustParse("8f4c2b1e-5a7d-4e3f-9b6a-1c2d3e4f5a6b")

// BatchBuilder accumulates the asset movements produced by one command.
// It is handed to the pool registry as its payment-asset sink; the core
// validates and applies the resulting batch only if the command succeeds.
type BatchBuilder struct {
	batch *Batch
}

func NewBatchBuilder(eventRef string, sequence, timestamp int64) *BatchBuilder {
	return &BatchBuilder{
		batch: &Batch{
			BatchID:   uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%d/%s", sequence, eventRef))),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 4),
		},
	}
}

// Move records a transfer: credit decreases, debit increases. Zero amounts
// are dropped so callers can pass computed values straight through.
func (b *BatchBuilder) Move(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		debit, credit, amount = credit, debit, -amount
	}
	idx := len(b.batch.Journals)
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.batch.BatchID, []byte(fmt.Sprintf("%d", idx))),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
}

// DepositCapital moves LP capital: wallet → strategy holdings.
func (b *BatchBuilder) DepositCapital(lp common.Address, strategyID uint32, assetID AssetID, amount int64) {
	b.Move(NewStrategyAccountKey(strategyID, assetID), NewWalletAccountKey(lp, assetID), amount, JournalTypeCapitalDeposit)
}

// WithdrawCapital moves LP capital back: strategy holdings → wallet.
func (b *BatchBuilder) WithdrawCapital(lp common.Address, strategyID uint32, assetID AssetID, amount int64) {
	b.Move(NewWalletAccountKey(lp, assetID), NewStrategyAccountKey(strategyID, assetID), amount, JournalTypeCapitalWithdrawal)
}

// LockDiscount stakes discount tokens alongside a position.
func (b *BatchBuilder) LockDiscount(lp common.Address, amount int64) {
	aten := MustAssetID(DiscountAsset)
	b.Move(NewSystemAccountKey(SubTypeDiscountStaking, aten), NewWalletAccountKey(lp, aten), amount, JournalTypeDiscountLock)
}

// UnlockDiscount returns staked discount tokens.
func (b *BatchBuilder) UnlockDiscount(lp common.Address, amount int64) {
	aten := MustAssetID(DiscountAsset)
	b.Move(NewWalletAccountKey(lp, aten), NewSystemAccountKey(SubTypeDiscountStaking, aten), amount, JournalTypeDiscountUnlock)
}

// DepositPremiums moves a buyer's premiums into the pool reserve.
func (b *BatchBuilder) DepositPremiums(buyer common.Address, poolID uint64, assetID AssetID, amount int64) {
	b.Move(NewPremiumReserveKey(poolID, assetID), NewWalletAccountKey(buyer, assetID), amount, JournalTypePremiumDeposit)
}

// RefundPremiums returns unused premiums to the cover owner.
func (b *BatchBuilder) RefundPremiums(owner common.Address, poolID uint64, assetID AssetID, amount int64) {
	b.Move(NewWalletAccountKey(owner, assetID), NewPremiumReserveKey(poolID, assetID), amount, JournalTypePremiumRefund)
}

// PayRewards pays consumed premiums out of a pool reserve: net to the LP,
// fee to the treasury.
func (b *BatchBuilder) PayRewards(lp common.Address, poolID uint64, assetID AssetID, net, fee int64) {
	reserve := NewPremiumReserveKey(poolID, assetID)
	b.Move(NewWalletAccountKey(lp, assetID), reserve, net, JournalTypeRewardPayout)
	b.Move(NewSystemAccountKey(SubTypeTreasury, assetID), reserve, fee, JournalTypeRewardFee)
}

// PayStrategyRewards credits yield earned by the strategy on LP capital.
func (b *BatchBuilder) PayStrategyRewards(lp common.Address, assetID AssetID, amount int64) {
	b.Move(NewWalletAccountKey(lp, assetID), NewExternalAccountKey(SubTypeStrategyYield, assetID), amount, JournalTypeStrategyReward)
}

// PayClaim moves a compensation from strategy holdings to the claimant.
func (b *BatchBuilder) PayClaim(claimant common.Address, strategyID uint32, assetID AssetID, amount int64) {
	b.Move(NewWalletAccountKey(claimant, assetID), NewStrategyAccountKey(strategyID, assetID), amount, JournalTypeClaimPayout)
}

// Len returns the number of journals recorded so far.
func (b *BatchBuilder) Len() int {
	return len(b.batch.Journals)
}

// Batch returns the accumulated batch.
func (b *BatchBuilder) Batch() *Batch {
	return b.batch
}
