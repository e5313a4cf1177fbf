package services

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"coinflip-backend/internal/models"
)

type Outcome struct {
	Won     bool
	Results []bool
	Matches int
}

// ResolveCoinflip reads coinCount bits of randomValue, most significant
// first. A set bit is heads.
func ResolveCoinflip(randomValue uint64, coinCount int, chosenSide bool, threshold int) Outcome {
	results := make([]bool, coinCount)
	matches := 0

	for i := 0; i < coinCount; i++ {
		bit := (randomValue >> uint(coinCount-1-i)) & 1
		results[i] = bit == 1
		if results[i] == chosenSide {
			matches++
		}
	}

	return Outcome{
		Won:     matches >= threshold,
		Results: results,
		Matches: matches,
	}
}

// winningCombinations counts the n-coin outcomes with at least k matches.
func winningCombinations(k, n int) uint64 {
	if k < 0 {
		k = 0
	}

	var total uint64
	c := uint64(1) // C(n, 0)
	for i := 0; i <= n; i++ {
		if i >= k {
			total += c
		}
		c = c * uint64(n-i) / uint64(i+1)
	}
	return total
}

func ProbabilityOfAtLeastKMatches(k, n int) float64 {
	if n < 0 || k > n {
		return 0
	}
	return float64(winningCombinations(k, n)) / float64(uint64(1)<<uint(n))
}

type Payout struct {
	Probability float64
	Profit      int64
	HouseFee    int64
	Payout      int64
}

// CalculatePayout prices a win at fair odds and takes the fee out of it.
// Amounts are minor units and every division rounds down.
func CalculatePayout(bet int64, k, n int, feeRate decimal.Decimal) (Payout, error) {
	wins := winningCombinations(k, n)
	if bet <= 0 || wins == 0 {
		return Payout{}, nil
	}

	profit := new(big.Int).Lsh(big.NewInt(bet), uint(n))
	profit.Quo(profit, new(big.Int).SetUint64(wins))
	if !profit.IsInt64() {
		return Payout{}, fmt.Errorf("%w: profit on %d over %d coins", models.ErrAmountOutOfRange, bet, n)
	}

	fee := decimal.NewFromBigInt(profit, 0).Mul(feeRate).Floor()
	p := profit.Int64()
	f := fee.IntPart()

	return Payout{
		Probability: ProbabilityOfAtLeastKMatches(k, n),
		Profit:      p,
		HouseFee:    f,
		Payout:      p - f,
	}, nil
}
