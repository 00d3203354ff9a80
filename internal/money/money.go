// Package money converts between major currency amounts and provider minor
// units without going through binary floating point.
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultMinorUnitFactor covers two-decimal currencies (cents, paise).
const DefaultMinorUnitFactor int64 = 100

var maxMinor = decimal.NewFromInt(math.MaxInt64)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidFactor = errors.New("minor unit factor must be positive")
	ErrTooPrecise    = errors.New("amount has more precision than the currency allows")
)

func ToMinorUnits(amount decimal.Decimal, factor int64) (int64, error) {
	if factor <= 0 {
		return 0, ErrInvalidFactor
	}
	if !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}

	minor := amount.Mul(decimal.NewFromInt(factor))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if minor.GreaterThan(maxMinor) {
		return 0, ErrInvalidAmount
	}
	return minor.IntPart(), nil
}

func FromMinorUnits(minor int64, factor int64) decimal.Decimal {
	if factor <= 0 {
		factor = DefaultMinorUnitFactor
	}
	places := int32(0)
	f := factor
	for ; f >= 10 && f%10 == 0; f /= 10 {
		places++
	}
	if f != 1 {
		// Not a power of ten, so the quotient may not terminate.
		return decimal.NewFromInt(minor).Div(decimal.NewFromInt(factor))
	}
	return decimal.NewFromInt(minor).DivRound(decimal.NewFromInt(factor), places)
}

// LineTotal returns unit price times quantity.
func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}
