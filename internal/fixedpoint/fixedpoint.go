// Package fixedpoint holds the checked unsigned 64-bit arithmetic used by
// every settlement formula. All quote amounts are integers in the smallest
// unit of the quote currency; prices are fixed point with six decimals.
package fixedpoint

import (
	"math"
	"math/bits"

	errorsmod "cosmossdk.io/errors"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/volsettle/internal/errs"
)

const (
	// PriceScale is the fixed-point multiplier for stored prices.
	PriceScale = 1_000_000
	// BpsDenominator is the basis point denominator (100%).
	BpsDenominator = 10_000
	// VolPointScale converts a volatility fraction to volatility points.
	VolPointScale = 1_000
)

var (
	thousand = decimal.NewFromInt(VolPointScale)
	hundred  = decimal.NewFromInt(100)
	million  = decimal.NewFromInt(PriceScale)
)

// Add returns a+b or ErrMathOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "%d + %d", a, b)
	}
	return sum, nil
}

// Sub returns a-b or ErrMathOverflow when b > a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "%d - %d", a, b)
	}
	return diff, nil
}

// Mul returns a*b or ErrMathOverflow.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "%d * %d", a, b)
	}
	return lo, nil
}

// Div returns a/b or ErrMathOverflow on division by zero.
func Div(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "%d / 0", a)
	}
	return a / b, nil
}

// FeeOf returns value*bps/10000.
func FeeOf(value uint64, bps uint16) (uint64, error) {
	if bps > BpsDenominator {
		return 0, errorsmod.Wrapf(errs.ErrInvalidInput, "fee %d bps exceeds %d", bps, BpsDenominator)
	}
	x, err := Mul(value, uint64(bps))
	if err != nil {
		return 0, err
	}
	return Div(x, BpsDenominator)
}

// VolPoints converts an annualized volatility fraction to volatility points,
// truncate(vol * 1000). The product is formed in decimal so 0.29 yields 290.
func VolPoints(vol float64) (uint64, error) {
	return scaleTrunc(vol, thousand)
}

// PercentPoints returns truncate(vol * 100), whole percentage points of
// volatility.
func PercentPoints(vol float64) (uint64, error) {
	return scaleTrunc(vol, hundred)
}

// PriceToFixed converts a positive price to six-decimal fixed point. Prices
// below one fixed-point unit are rejected.
func PriceToFixed(price float64) (uint64, error) {
	if !(price > 0) {
		return 0, errorsmod.Wrapf(errs.ErrInvalidInput, "price %v must be positive", price)
	}
	v, err := scaleTrunc(price, million)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, errorsmod.Wrapf(errs.ErrInvalidInput, "price %v below fixed-point resolution", price)
	}
	return v, nil
}

// FixedToFloat converts a six-decimal fixed-point price back to float64.
func FixedToFloat(v uint64) float64 {
	return float64(v) / PriceScale
}

func scaleTrunc(f float64, scale decimal.Decimal) (uint64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errorsmod.Wrapf(errs.ErrInvalidInput, "non-finite value %v", f)
	}
	if f < 0 {
		return 0, errorsmod.Wrapf(errs.ErrInvalidInput, "negative value %v", f)
	}
	n := decimal.NewFromFloat(f).Mul(scale).Truncate(0).BigInt()
	if !n.IsUint64() {
		return 0, errorsmod.Wrapf(errs.ErrMathOverflow, "%v scaled by %s", f, scale)
	}
	return n.Uint64(), nil
}
