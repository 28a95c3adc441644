package ledger_test

import (
	"CoverLedger/internal/ledger"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	lpAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func usdt(t *testing.T) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID("USDT")
	if !ok {
		t.Fatal("USDT should be a known asset")
	}
	return id
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	key := ledger.NewWalletAccountKey(lpAddr, usdt(t))

	path := key.AccountPath()
	expected := "external:wallet:" + lpAddr.Hex() + ":USDT"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_StrategyPath(t *testing.T) {
	key := ledger.NewStrategyAccountKey(7, usdt(t))

	if path := key.AccountPath(); path != "system:strategy:7:USDT" {
		t.Errorf("got %q, want %q", path, "system:strategy:7:USDT")
	}
}

func TestAccountKey_PremiumReservePath(t *testing.T) {
	key := ledger.NewPremiumReserveKey(3, usdt(t))

	if path := key.AccountPath(); path != "system:premiums:3:USDT" {
		t.Errorf("got %q, want %q", path, "system:premiums:3:USDT")
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeTreasury, usdt(t))

	if path := key.AccountPath(); path != "system:treasury:USDT" {
		t.Errorf("got %q, want %q", path, "system:treasury:USDT")
	}
}

func TestAccountKey_Custody(t *testing.T) {
	assetID := usdt(t)
	if !ledger.NewStrategyAccountKey(0, assetID).IsCustody() {
		t.Error("strategy holdings are custody")
	}
	if !ledger.NewPremiumReserveKey(0, assetID).IsCustody() {
		t.Error("premium reserve is custody")
	}
	if ledger.NewWalletAccountKey(lpAddr, assetID).IsCustody() {
		t.Error("wallets are boundary accounts")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	assetID := usdt(t)
	keys := []ledger.AccountKey{
		ledger.NewWalletAccountKey(lpAddr, assetID),
		ledger.NewStrategyAccountKey(7, assetID),
		ledger.NewPremiumReserveKey(42, assetID),
		ledger.NewSystemAccountKey(ledger.SubTypeDiscountStaking, assetID),
		ledger.NewExternalAccountKey(ledger.SubTypeStrategyYield, assetID),
	}
	for _, key := range keys {
		got, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("%s: %v", key.AccountPath(), err)
		}
		if got != key {
			t.Errorf("%s: round trip gave %s", key.AccountPath(), got.AccountPath())
		}
	}

	for _, bad := range []string{"", "system:strategy", "system:vault:USDT", "external:wallet:nope:USDT", "system:strategy:1:DOGE"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

func TestGetAsset_Decimals(t *testing.T) {
	a, ok := ledger.GetAsset(usdt(t))
	if !ok || a.Decimals != 6 {
		t.Errorf("USDT decimals: got %+v", a)
	}
}

// ============================================================================
// Test: BatchBuilder
// ============================================================================

func TestBatchBuilder_DeterministicIDs(t *testing.T) {
	assetID := usdt(t)

	build := func() *ledger.Batch {
		b := ledger.NewBatchBuilder("cmd-1", 5, 1_700_000_000)
		b.DepositCapital(lpAddr, 0, assetID, 400_000)
		b.LockDiscount(lpAddr, 100_000)
		return b.Batch()
	}

	first, second := build(), build()
	if first.BatchID != second.BatchID {
		t.Fatal("batch id should be derived from the sequence and event ref")
	}
	if other := ledger.NewBatchBuilder("cmd-1", 6, 1_700_000_000).Batch(); other.BatchID == first.BatchID {
		t.Fatal("same ref at another sequence must get a new batch id")
	}
	for i := range first.Journals {
		if first.Journals[i].JournalID != second.Journals[i].JournalID {
			t.Fatalf("journal %d id differs between builds", i)
		}
	}
	if first.Journals[0].JournalID == first.Journals[1].JournalID {
		t.Fatal("journal ids within a batch must be distinct")
	}
}

func TestBatchBuilder_SkipsZeroAmounts(t *testing.T) {
	b := ledger.NewBatchBuilder("cmd-2", 1, 0)
	b.PayRewards(lpAddr, 0, usdt(t), 120, 0)

	if b.Len() != 1 {
		t.Fatalf("expected 1 journal (zero fee skipped), got %d", b.Len())
	}
}

func TestBatchBuilder_NegativeAmountFlipsDirection(t *testing.T) {
	assetID := usdt(t)
	b := ledger.NewBatchBuilder("cmd-3", 1, 0)
	wallet := ledger.NewWalletAccountKey(buyerAddr, assetID)
	reserve := ledger.NewPremiumReserveKey(0, assetID)
	b.Move(reserve, wallet, -50, ledger.JournalTypePremiumRefund)

	j := b.Batch().Journals[0]
	if j.DebitAccount != wallet || j.CreditAccount != reserve || j.Amount != 50 {
		t.Errorf("unexpected journal: %+v", j)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_PremiumLifecycle(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	assetID := usdt(t)

	b := ledger.NewBatchBuilder("cover-open", 1, 0)
	b.DepositPremiums(buyerAddr, 0, assetID, 2_190)
	if err := bt.ApplyBatch(b.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	b = ledger.NewBatchBuilder("rewards", 2, 0)
	b.PayRewards(lpAddr, 0, assetID, 48, 12)
	if err := bt.ApplyBatch(b.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.GetPremiumReserve(0, assetID); got != 2_130 {
		t.Errorf("reserve: got %d, want 2130", got)
	}
	if got := bt.GetWalletNetFlow(buyerAddr, assetID); got != -2_190 {
		t.Errorf("buyer net flow: got %d, want -2190", got)
	}
	if got := bt.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeTreasury, assetID)); got != 12 {
		t.Errorf("treasury: got %d, want 12", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	assetID := usdt(t)

	b := ledger.NewBatchBuilder("mixed", 1, 0)
	b.DepositCapital(lpAddr, 0, assetID, 1_000_000)
	b.PayClaim(buyerAddr, 0, assetID, 300_000)
	b.PayStrategyRewards(lpAddr, assetID, 17)
	b.LockDiscount(lpAddr, 5)
	if err := bt.ApplyBatch(b.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	totals := bt.ComputeGlobalBalance()
	for aid, total := range totals {
		if total != 0 {
			t.Errorf("asset %d has non-zero global balance: %d", aid, total)
		}
	}
	if got := bt.GetStrategyHoldings(0, assetID); got != 700_000 {
		t.Errorf("strategy holdings: got %d, want 700000", got)
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	assetID := usdt(t)

	b := ledger.NewBatchBuilder("snap", 1, 0)
	b.DepositCapital(lpAddr, 0, assetID, 999)
	if err := bt.ApplyBatch(b.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.GetStrategyHoldings(0, assetID) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_Rejections(t *testing.T) {
	assetID := usdt(t)
	wallet := ledger.NewWalletAccountKey(lpAddr, assetID)
	strategy := ledger.NewStrategyAccountKey(0, assetID)
	aten := ledger.NewSystemAccountKey(ledger.SubTypeDiscountStaking, ledger.MustAssetID(ledger.DiscountAsset))

	tests := []struct {
		name   string
		mutate func(j *ledger.Journal, batchID uuid.UUID)
	}{
		{"zero amount", func(j *ledger.Journal, _ uuid.UUID) { j.Amount = 0 }},
		{"negative amount", func(j *ledger.Journal, _ uuid.UUID) { j.Amount = -100 }},
		{"self transfer", func(j *ledger.Journal, _ uuid.UUID) { j.CreditAccount = j.DebitAccount }},
		{"mismatched batch id", func(j *ledger.Journal, _ uuid.UUID) { j.BatchID = uuid.New() }},
		{"mixed assets", func(j *ledger.Journal, _ uuid.UUID) { j.DebitAccount = aten }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batchID := uuid.New()
			j := ledger.Journal{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  strategy,
				CreditAccount: wallet,
				AssetID:       assetID,
				Amount:        100,
			}
			tt.mutate(&j, batchID)
			batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
			if err := batch.Validate(); err == nil {
				t.Errorf("%s should fail validation", tt.name)
			}
		})
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_CustodyNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	assetID := usdt(t)

	b := ledger.NewBatchBuilder("overdraw", 1, 0)
	b.PayClaim(buyerAddr, 0, assetID, 10)
	bt.ApplyBatch(b.Batch())

	if err := v.ValidateCustodyNonNegative(b.Batch()); err == nil {
		t.Error("strategy holdings went negative; expected violation")
	}
}

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	b := ledger.NewBatchBuilder("deposit", 1, 0)
	b.DepositCapital(lpAddr, 0, usdt(t), 1_000_000)
	bt.ApplyBatch(b.Batch())

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}
