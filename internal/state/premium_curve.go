package state

import (
	"fmt"

	fpmath "CoverLedger/internal/math"

	"github.com/holiman/uint256"
)

// MaxSecondsPerTick is the tick length of a pool priced at its base rate r0.
const MaxSecondsPerTick = fpmath.SecondsPerDay

// Formula is the immutable kinked pricing curve of a pool. All four values
// are percent rays (1e27 == 1%).
type Formula struct {
	UOptimal uint256.Int `json:"u_optimal"`
	R0       uint256.Int `json:"r0"`
	RSlope1  uint256.Int `json:"r_slope1"`
	RSlope2  uint256.Int `json:"r_slope2"`
}

// NewFormula builds a formula from percent-ray values.
func NewFormula(uOptimal, r0, rSlope1, rSlope2 *uint256.Int) Formula {
	var f Formula
	f.UOptimal.Set(uOptimal)
	f.R0.Set(r0)
	f.RSlope1.Set(rSlope1)
	f.RSlope2.Set(rSlope2)
	return f
}

// Validate rejects curves that would divide by zero or price at zero.
func (f Formula) Validate() error {
	if f.UOptimal.IsZero() || !f.UOptimal.Lt(fpmath.HundredPercent()) {
		return fmt.Errorf("uOptimal must be in (0, 100%%): %w", ErrInvalidFormula)
	}
	if f.R0.IsZero() {
		return fmt.Errorf("r0 must be positive: %w", ErrInvalidFormula)
	}
	return nil
}

// Rate maps utilization (percent ray) to an annual premium rate (percent ray).
//
//	u <= uOptimal: r0 + rSlope1 * u / uOptimal
//	u >  uOptimal: r0 + rSlope1 + rSlope2 * (u - uOptimal) / (100% - uOptimal)
func (f Formula) Rate(utilization *uint256.Int) *uint256.Int {
	u := fpmath.Min(utilization, fpmath.HundredPercent())

	rate := new(uint256.Int).Set(&f.R0)
	if !u.Gt(&f.UOptimal) {
		return rate.Add(rate, fpmath.MulDiv(&f.RSlope1, u, &f.UOptimal))
	}

	rate.Add(rate, &f.RSlope1)
	excess := new(uint256.Int).Sub(u, &f.UOptimal)
	span := new(uint256.Int).Sub(fpmath.HundredPercent(), &f.UOptimal)
	return rate.Add(rate, fpmath.MulDiv(&f.RSlope2, excess, span))
}

// SecondsPerTick derives the tick length at a given rate. A tick always
// represents the same premium emission, so ticks shorten as the rate rises.
func (f Formula) SecondsPerTick(rate *uint256.Int) uint64 {
	if rate.IsZero() {
		return MaxSecondsPerTick
	}
	spt := fpmath.MulDiv(uint256.NewInt(MaxSecondsPerTick), &f.R0, rate)
	if spt.IsZero() {
		return 1
	}
	if !spt.IsUint64() || spt.Uint64() > MaxSecondsPerTick {
		return MaxSecondsPerTick
	}
	return spt.Uint64()
}

// Utilization returns insured / liquidity as a percent ray, 0 for an empty pool.
func Utilization(insured, liquidity int64) *uint256.Int {
	if liquidity <= 0 || insured <= 0 {
		return new(uint256.Int)
	}
	return fpmath.MulDiv(fpmath.FromInt64(insured), fpmath.HundredPercent(), fpmath.FromInt64(liquidity))
}

// DailyCost is the premium a cover consumes per day at the given rate.
func DailyCost(coverAmount int64, rate *uint256.Int) int64 {
	perYear := new(uint256.Int).Mul(fpmath.HundredPercent(), uint256.NewInt(fpmath.DaysPerYear))
	return fpmath.ToInt64(fpmath.MulDiv(fpmath.FromInt64(coverAmount), rate, perYear))
}

// emissionWeight is a cover's share of Slot0.EmissionWeight:
// dailyCost * 1e54 / beginRate.
func emissionWeight(dailyCost int64, beginRate *uint256.Int) *uint256.Int {
	scale := new(uint256.Int).Mul(fpmath.Ray(), fpmath.Ray())
	return fpmath.MulDiv(fpmath.FromInt64(dailyCost), scale, beginRate)
}
