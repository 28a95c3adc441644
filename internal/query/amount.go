package query

import (
	"errors"
	"fmt"

	"CoverLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAsset = errors.New("unknown asset")
	ErrBadAmount    = errors.New("invalid amount")
)

// FormatAmount renders base units of asset as a decimal string, e.g.
// 1500000 USDT -> "1.5".
func FormatAmount(asset string, units int64) string {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return decimal.NewFromInt(units).String()
	}
	a, _ := ledger.GetAsset(id)
	return decimal.New(units, -a.Decimals).String()
}

// ParseAmount converts a decimal string into base units of asset. Values
// with more precision than the asset carries, negative values and values
// outside int64 are refused.
func ParseAmount(asset, s string) (int64, error) {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("%q: %w", asset, ErrUnknownAsset)
	}
	a, _ := ledger.GetAsset(id)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, ErrBadAmount)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%q is negative: %w", s, ErrBadAmount)
	}
	units := d.Shift(a.Decimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("%q has more than %d decimals: %w", s, a.Decimals, ErrBadAmount)
	}
	if !units.BigInt().IsInt64() {
		return 0, fmt.Errorf("%q overflows: %w", s, ErrBadAmount)
	}
	return units.IntPart(), nil
}
