package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func GenerateRoundID() string {
	return uuid.New().String()
}

func GenerateTransactionID() string {
	return fmt.Sprintf("tx_%s", uuid.New().String())
}

var ErrAmountOutOfRange = errors.New("amount out of range")

var (
	maxMinorUnits = decimal.NewFromInt(math.MaxInt64)
	minMinorUnits = decimal.NewFromInt(math.MinInt64)
)

// ToMinorUnits rounds a display amount to the denom's precision and returns
// it as an integer count of minor units. Amounts that do not fit in an int64
// are rejected instead of wrapping.
func ToMinorUnits(amount decimal.Decimal, decimals int32) (int64, error) {
	minor := amount.Round(decimals).Shift(decimals)
	if minor.GreaterThan(maxMinorUnits) || minor.LessThan(minMinorUnits) {
		return 0, fmt.Errorf("%w: %s with %d decimals", ErrAmountOutOfRange, amount, decimals)
	}
	return minor.IntPart(), nil
}

func FromMinorUnits(minor int64, decimals int32) decimal.Decimal {
	return decimal.New(minor, -decimals)
}

func FormatAmount(minor int64, decimals int32) string {
	return FromMinorUnits(minor, decimals).StringFixed(decimals)
}
