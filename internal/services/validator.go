package services

import (
	"context"
	"errors"
	"time"

	"coinflip-backend/internal/config"
	"coinflip-backend/internal/models"
)

type WagerValidator struct {
	redis *RedisService
	cfg   *config.Config
	now   func() time.Time
}

func NewWagerValidator(redisService *RedisService, cfg *config.Config) *WagerValidator {
	return &WagerValidator{
		redis: redisService,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Validate checks a wager against the house rules and a fresh read of the
// account. It returns the account and the stake in minor units.
func (v *WagerValidator) Validate(ctx context.Context, userID string, req *models.PlaceWagerRequest) (*models.Account, int64, error) {
	cf := v.cfg.Coinflip

	decimals, ok := v.cfg.Currencies[req.Denom]
	if !ok {
		return nil, 0, models.NewWagerError(models.CodeInvalidBetSize, "Unsupported currency %q", req.Denom)
	}

	amount := req.Amount.Round(decimals)
	if amount.LessThan(cf.MinBet) || amount.GreaterThan(cf.MaxBet) {
		return nil, 0, models.NewWagerError(models.CodeInvalidBetSize,
			"Bet must be between %s and %s", cf.MinBet, cf.MaxBet)
	}

	minor, err := models.ToMinorUnits(amount, decimals)
	if err != nil || minor <= 0 {
		return nil, 0, models.NewWagerError(models.CodeInvalidBetSize,
			"Bet must be between %s and %s", cf.MinBet, cf.MaxBet)
	}

	if req.CoinCount < cf.MinCoins || req.CoinCount > cf.MaxCoins {
		return nil, 0, models.NewWagerError(models.CodeInvalidCoinCount,
			"Coin count must be between %d and %d", cf.MinCoins, cf.MaxCoins)
	}

	if err := checkThreshold(req.CoinCount, req.SideThreshold, cf.ThresholdFloors); err != nil {
		return nil, 0, err
	}

	acc, err := v.redis.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, 0, models.NewWagerError(models.CodeInsufficientFunds, "Not enough balance")
		}
		return nil, 0, err
	}

	now := v.now()
	if until, excluded := acc.SelfExcludedUntil(models.GameTypeCoinflip, now); excluded {
		return nil, 0, models.NewWagerError(models.CodeSelfExcluded,
			"You are self-excluded from coinflip until %s", until.UTC().Format(time.RFC1123))
	}
	if acc.BetsLocked {
		return nil, 0, models.NewWagerError(models.CodeBettingRestricted, "Betting is restricted on this account")
	}

	if acc.Balance(req.Denom) < minor {
		return nil, 0, models.NewWagerError(models.CodeInsufficientFunds, "Not enough balance")
	}

	return acc, minor, nil
}

func checkThreshold(coinCount, threshold int, floors []config.ThresholdFloor) error {
	if threshold < 1 || threshold > coinCount {
		return models.NewWagerError(models.CodeInvalidSideCount,
			"Side count must be between 1 and %d", coinCount)
	}

	for _, f := range floors {
		if coinCount > f.AboveCoins {
			if threshold < f.MinThreshold {
				return models.NewWagerError(models.CodeInvalidSideCount,
					"With more than %d coins pick at least %d sides", f.AboveCoins, f.MinThreshold)
			}
			break
		}
	}

	return nil
}
