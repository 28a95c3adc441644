// internal/math/fixedpoint.go
package math

import (
	gomath "math"

	"github.com/holiman/uint256"
)

// All helpers in this package round toward zero. Callers never pick a
// rounding mode; the pool bookkeeping relies on every division truncating
// in the same direction.

const (
	SecondsPerDay  = 86_400
	DaysPerYear    = 365
	SecondsPerYear = DaysPerYear * SecondsPerDay
)

var (
	// ray is 1e27, the fixed-point unit for indices and ratios.
	ray = uint256.MustFromDecimal("1000000000000000000000000000")

	// hundredPercent is 100 in percent-ray units (1e27 == 1%).
	hundredPercent = uint256.MustFromDecimal("100000000000000000000000000000")
)

// Ray returns a fresh copy of 1e27.
func Ray() *uint256.Int {
	return new(uint256.Int).Set(ray)
}

// HundredPercent returns a fresh copy of 100e27, the percent-ray value of 100%.
func HundredPercent() *uint256.Int {
	return new(uint256.Int).Set(hundredPercent)
}

// Percent returns p% expressed in percent-ray units.
func Percent(p uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(p), ray)
}

// MustRay parses a decimal ray literal. Intended for constants and tests.
func MustRay(dec string) *uint256.Int {
	return uint256.MustFromDecimal(dec)
}

// FromInt64 lifts a non-negative amount into 256-bit space. Negative amounts
// are clamped to zero.
func FromInt64(v int64) *uint256.Int {
	if v <= 0 {
		return new(uint256.Int)
	}
	return uint256.NewInt(uint64(v))
}

// ToInt64 narrows back to int64, saturating at MaxInt64.
func ToInt64(v *uint256.Int) int64 {
	if !v.IsUint64() || v.Uint64() > gomath.MaxInt64 {
		return gomath.MaxInt64
	}
	return int64(v.Uint64())
}

// MulDiv computes x * y / d with a 512-bit intermediate. Division by zero
// yields zero. Overflow of the quotient panics: every caller works in ranges
// far below 2^256, so overflow means corrupted inputs.
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		return new(uint256.Int)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		panic("math: MulDiv overflow")
	}
	return z
}

// MulDivInt computes a * b / d for non-negative int64 operands.
func MulDivInt(a, b, d int64) int64 {
	return ToInt64(MulDiv(FromInt64(a), FromInt64(b), FromInt64(d)))
}

// RayMulInt scales an amount by a fraction ray: amount * r / 1e27.
func RayMulInt(amount int64, r *uint256.Int) int64 {
	return ToInt64(MulDiv(FromInt64(amount), r, ray))
}

// RayDivInt returns a / b as a fraction ray.
func RayDivInt(a, b int64) *uint256.Int {
	return MulDiv(FromInt64(a), ray, FromInt64(b))
}

// PercentOf applies a percent-ray rate to an amount: amount * rate / 100e27.
func PercentOf(amount int64, rate *uint256.Int) int64 {
	return ToInt64(MulDiv(FromInt64(amount), rate, hundredPercent))
}

// Sub returns x - y, or zero when y > x.
func Sub(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns the smaller of two values (copied).
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// MinInt64 returns the smaller of two int64 values.
func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
