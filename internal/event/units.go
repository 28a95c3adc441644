package event

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// rayDecimals is the number of decimals of a ray (1e27).
const rayDecimals = 27

// ParsePercent converts a human percentage such as "1.5" into a percent ray
// (1e27 == 1%). More than 27 decimals or negative values are rejected.
func ParsePercent(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("percent %q: %w", s, err)
	}
	return decimalToRay(d, s)
}

// FormatPercent renders a percent ray as a human percentage.
func FormatPercent(v *uint256.Int) string {
	d, err := decimal.NewFromString(v.Dec())
	if err != nil {
		return v.Dec()
	}
	return d.Shift(-rayDecimals).String()
}

// FormatRay renders a fraction ray (1e27 == 1.0) as a decimal.
func FormatRay(v *uint256.Int) string {
	return FormatPercent(v)
}

func decimalToRay(d decimal.Decimal, raw string) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("percent %q is negative", raw)
	}
	scaled := d.Shift(rayDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("percent %q has more than %d decimals", raw, rayDecimals)
	}
	v, err := uint256.FromDecimal(scaled.StringFixed(0))
	if err != nil {
		return nil, fmt.Errorf("percent %q: %w", raw, err)
	}
	return v, nil
}
