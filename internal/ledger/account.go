package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSystem AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// System sub-types (custody held by the protocol)
	SubTypeStrategyHoldings AccountSubType = iota
	SubTypePremiumReserve
	SubTypeTreasury
	SubTypeDiscountStaking

	// External sub-types (boundary with the outside world)
	SubTypeWallet
	SubTypeStrategyYield
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// Asset describes a payment or discount token known to the ledger.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals int32
}

var (
	assets = []Asset{
		{ID: 1, Symbol: "USDT", Decimals: 6},
		{ID: 2, Symbol: "USDC", Decimals: 6},
		{ID: 3, Symbol: "WBTC", Decimals: 8},
		{ID: 4, Symbol: "ATEN", Decimals: 6},
	}
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]Asset{}
)

func init() {
	for _, a := range assets {
		assetToID[a.Symbol] = a.ID
		idToAsset[a.ID] = a
	}
}

// DiscountAsset is the token LPs lock to lower their fee tier.
const DiscountAsset = "ATEN"

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	a, ok := idToAsset[id]
	return a.Symbol, ok
}

// GetAsset returns the full descriptor, including decimals.
func GetAsset(id AssetID) (Asset, bool) {
	a, ok := idToAsset[id]
	return a, ok
}

// MustAssetID panics on unknown symbols; for wiring constants.
func MustAssetID(asset string) AssetID {
	id, ok := assetToID[asset]
	if !ok {
		panic(fmt.Sprintf("ledger: unknown asset %q", asset))
	}
	return id
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [20]byte // wallet address, or encoded pool/strategy id
	SubType  AccountSubType
	AssetID  AssetID
}

// NewWalletAccountKey is the boundary account mirroring a wallet's flows
// into and out of the protocol. It goes negative as the wallet pays in.
func NewWalletAccountKey(owner common.Address, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeExternal,
		EntityID: owner,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewStrategyAccountKey holds LP capital deposited into a yield strategy.
func NewStrategyAccountKey(strategyID uint32, assetID AssetID) AccountKey {
	var entityID [20]byte
	binary.BigEndian.PutUint32(entityID[:4], strategyID)
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  SubTypeStrategyHoldings,
		AssetID:  assetID,
	}
}

// NewPremiumReserveKey holds the unconsumed premiums of one pool.
func NewPremiumReserveKey(poolID uint64, assetID AssetID) AccountKey {
	var entityID [20]byte
	binary.BigEndian.PutUint64(entityID[:8], poolID)
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  SubTypePremiumReserve,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for singleton system accounts
// (treasury, discount staking).
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for singleton boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.SubType {
	case SubTypeWallet:
		return fmt.Sprintf("external:wallet:%s:%s", common.Address(k.EntityID).Hex(), assetName)
	case SubTypeStrategyHoldings:
		return fmt.Sprintf("system:strategy:%d:%s", binary.BigEndian.Uint32(k.EntityID[:4]), assetName)
	case SubTypePremiumReserve:
		return fmt.Sprintf("system:premiums:%d:%s", binary.BigEndian.Uint64(k.EntityID[:8]), assetName)
	}

	switch k.Scope {
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeStrategyHoldings:
		return "strategy"
	case SubTypePremiumReserve:
		return "premiums"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeDiscountStaking:
		return "discount_staking"
	case SubTypeWallet:
		return "wallet"
	case SubTypeStrategyYield:
		return "strategy_yield"
	default:
		return "unknown"
	}
}

// IsCustody reports whether the account holds protocol-custodied funds.
// Custody balances must never go negative.
func (k AccountKey) IsCustody() bool {
	return k.Scope == AccountScopeSystem
}

var subTypeByName = map[string]AccountSubType{
	"strategy":         SubTypeStrategyHoldings,
	"premiums":         SubTypePremiumReserve,
	"treasury":         SubTypeTreasury,
	"discount_staking": SubTypeDiscountStaking,
	"wallet":           SubTypeWallet,
	"strategy_yield":   SubTypeStrategyYield,
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return AccountKey{}, fmt.Errorf("account path %q: malformed", path)
	}
	assetID, ok := GetAssetID(parts[len(parts)-1])
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
	}
	subType, ok := subTypeByName[parts[1]]
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown account type", path)
	}

	if len(parts) == 3 {
		switch parts[0] {
		case "system":
			return NewSystemAccountKey(subType, assetID), nil
		case "external":
			return NewExternalAccountKey(subType, assetID), nil
		}
		return AccountKey{}, fmt.Errorf("account path %q: unknown scope", path)
	}

	entity := parts[2]
	switch subType {
	case SubTypeWallet:
		if !common.IsHexAddress(entity) {
			return AccountKey{}, fmt.Errorf("account path %q: bad address", path)
		}
		return NewWalletAccountKey(common.HexToAddress(entity), assetID), nil
	case SubTypeStrategyHoldings:
		id, err := strconv.ParseUint(entity, 10, 32)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewStrategyAccountKey(uint32(id), assetID), nil
	case SubTypePremiumReserve:
		id, err := strconv.ParseUint(entity, 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewPremiumReserveKey(id, assetID), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: unexpected entity", path)
}
