package state

import (
	"CoverLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Strategy is the yield provider holding a pool's idle capital. The
// registry is its only caller and identifies itself as the liquidity
// manager; any other caller is refused with ErrSenderNotLiquidityManager.
type Strategy interface {
	Deposit(caller common.Address, strategyID uint32, amount int64) error
	Withdraw(caller common.Address, strategyID uint32, amount int64) error
	// RewardIndex is a fraction ray that only grows with time.
	RewardIndex(strategyID uint32, timestamp int64) (*uint256.Int, error)
}

// Journaled is implemented by collaborators that keep state of their own.
// The registry opens a journal around every operation and rolls the
// collaborator back with its own arenas when the operation fails.
type Journaled interface {
	Begin()
	Commit()
	Rollback()
}

// TokenKind distinguishes the two ownership-token namespaces.
type TokenKind uint8

const (
	TokenPosition TokenKind = iota
	TokenCover
)

func (k TokenKind) String() string {
	if k == TokenCover {
		return "cover"
	}
	return "position"
}

// Ownership resolves and mutates position and cover token owners.
type Ownership interface {
	Mint(kind TokenKind, id uint64, owner common.Address)
	Burn(kind TokenKind, id uint64)
	OwnerOf(kind TokenKind, id uint64) (common.Address, bool)
}

// AssetMover records payment-asset movements. The core backs it with a
// ledger batch that is applied only when the operation succeeds.
type AssetMover interface {
	DepositCapital(lp common.Address, strategyID uint32, assetID ledger.AssetID, amount int64)
	WithdrawCapital(lp common.Address, strategyID uint32, assetID ledger.AssetID, amount int64)
	LockDiscount(lp common.Address, amount int64)
	UnlockDiscount(lp common.Address, amount int64)
	DepositPremiums(buyer common.Address, poolID uint64, assetID ledger.AssetID, amount int64)
	RefundPremiums(owner common.Address, poolID uint64, assetID ledger.AssetID, amount int64)
	PayRewards(lp common.Address, poolID uint64, assetID ledger.AssetID, net, fee int64)
	PayStrategyRewards(lp common.Address, assetID ledger.AssetID, amount int64)
	PayClaim(claimant common.Address, strategyID uint32, assetID ledger.AssetID, amount int64)
}

// Call carries who is acting, at what time, and where asset movements go.
type Call struct {
	Caller common.Address
	Now    int64
	Mover  AssetMover
}
