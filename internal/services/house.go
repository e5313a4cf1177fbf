package services

import (
	"context"

	"coinflip-backend/internal/models"
)

// HouseRevenueAccumulator books what the house earns on a settled round: the
// fee on a win, the whole stake on a loss.
type HouseRevenueAccumulator struct {
	ledger *LedgerUpdater
}

func NewHouseRevenueAccumulator(ledger *LedgerUpdater) *HouseRevenueAccumulator {
	return &HouseRevenueAccumulator{ledger: ledger}
}

func (h *HouseRevenueAccumulator) Collect(ctx context.Context, round *models.Round, won bool, fee int64) (int64, error) {
	if won {
		if fee <= 0 {
			return 0, nil
		}
		return fee, h.ledger.CreditHouse(ctx, round, models.ReasonCoinflipHouseFee, fee)
	}

	return round.BetAmount, h.ledger.CreditHouse(ctx, round, models.ReasonCoinflipHouseStake, round.BetAmount)
}
