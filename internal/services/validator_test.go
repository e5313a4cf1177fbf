package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

func wager(amount string, coins, threshold int) *models.PlaceWagerRequest {
	return &models.PlaceWagerRequest{
		Amount:        decimal.RequireFromString(amount),
		Denom:         "usk",
		CoinCount:     coins,
		ChosenSide:    true,
		SideThreshold: threshold,
	}
}

func TestValidatorRejectsBadShapes(t *testing.T) {
	_, redisService, cfg := setupTestRedis(t)
	seedAccount(t, redisService, newTestLedger(redisService), "u1", 10_000)
	validator := services.NewWagerValidator(redisService, cfg)

	unknownDenom := wager("1", 3, 2)
	unknownDenom.Denom = "btc"

	cases := map[string]struct {
		req  *models.PlaceWagerRequest
		want *models.WagerError
	}{
		"unknown denom":          {unknownDenom, models.ErrInvalidBetSize},
		"below minimum":          {wager("0.09", 3, 2), models.ErrInvalidBetSize},
		"rounds below minimum":   {wager("0.094", 3, 2), models.ErrInvalidBetSize},
		"above maximum":          {wager("100000.01", 3, 2), models.ErrInvalidBetSize},
		"no coins":               {wager("1", 0, 1), models.ErrInvalidCoinCount},
		"too many coins":         {wager("1", 11, 3), models.ErrInvalidCoinCount},
		"zero threshold":         {wager("1", 3, 0), models.ErrInvalidSideCount},
		"threshold above coins":  {wager("1", 3, 4), models.ErrInvalidSideCount},
		"six coins one side":     {wager("1", 6, 1), models.ErrInvalidSideCount},
		"nine coins two sides":   {wager("1", 9, 2), models.ErrInvalidSideCount},
		"coin count before side": {wager("1", 11, 0), models.ErrInvalidCoinCount},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := validator.Validate(context.Background(), "u1", tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidatorAcceptsAndConverts(t *testing.T) {
	_, redisService, cfg := setupTestRedis(t)
	seedAccount(t, redisService, newTestLedger(redisService), "u1", 10_000)
	validator := services.NewWagerValidator(redisService, cfg)

	for _, req := range []*models.PlaceWagerRequest{
		wager("0.1", 1, 1),
		wager("2.5", 5, 1),
		wager("2.5", 6, 2),
		wager("2.5", 9, 3),
		wager("100", 10, 10),
	} {
		acc, amount, err := validator.Validate(context.Background(), "u1", req)
		require.NoError(t, err)
		assert.Equal(t, "u1", acc.ID)
		want, err := models.ToMinorUnits(req.Amount, 2)
		require.NoError(t, err)
		assert.Equal(t, want, amount)
	}

	_, amount, err := validator.Validate(context.Background(), "u1", wager("0.104", 3, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(10), amount)
}

func TestValidatorChecksAccountState(t *testing.T) {
	_, redisService, cfg := setupTestRedis(t)
	ctx := context.Background()
	seedAccount(t, redisService, newTestLedger(redisService), "u1", 500)
	validator := services.NewWagerValidator(redisService, cfg)

	_, _, err := validator.Validate(ctx, "u1", wager("5.01", 3, 2))
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	_, _, err = validator.Validate(ctx, "u1", wager("5", 3, 2))
	assert.NoError(t, err)

	require.NoError(t, redisService.SetBetsLocked(ctx, "u1", true))
	_, _, err = validator.Validate(ctx, "u1", wager("1", 3, 2))
	assert.ErrorIs(t, err, models.ErrBettingRestricted)

	require.NoError(t, redisService.SetSelfExclusion(ctx, "u1", models.GameTypeCoinflip, time.Now().Add(time.Hour)))
	_, _, err = validator.Validate(ctx, "u1", wager("1", 3, 2))
	assert.ErrorIs(t, err, models.ErrSelfExcluded)

	// Shape errors come first.
	_, _, err = validator.Validate(ctx, "u1", wager("1", 3, 5))
	assert.ErrorIs(t, err, models.ErrInvalidSideCount)

	require.NoError(t, redisService.SetSelfExclusion(ctx, "u1", models.GameTypeCoinflip, time.Now().Add(-time.Minute)))
	require.NoError(t, redisService.SetBetsLocked(ctx, "u1", false))
	_, _, err = validator.Validate(ctx, "u1", wager("1", 3, 2))
	assert.NoError(t, err)
}

func TestValidatorRejectsStakeBeyondMinorUnitRange(t *testing.T) {
	_, redisService, cfg := setupTestRedis(t)
	ctx := context.Background()
	cfg.Currencies["eth"] = 18

	ledger := newTestLedger(redisService)
	seedAccount(t, redisService, ledger, "u1", 0)
	_, err := ledger.Deposit(ctx, "u1", "eth", 1_000_000_000_000_000_000)
	require.NoError(t, err)

	big := wager("15", 3, 2)
	big.Denom = "eth"

	validator := services.NewWagerValidator(redisService, cfg)
	_, _, err = validator.Validate(ctx, "u1", big)
	assert.ErrorIs(t, err, models.ErrInvalidBetSize)

	engine := services.NewGameEngine(cfg, redisService, nil, sl.Discard())
	t.Cleanup(engine.Scheduler().Stop)

	_, err = engine.PlaceWager(ctx, "u1", big)
	assert.ErrorIs(t, err, models.ErrInvalidBetSize)

	acc, err := redisService.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000_000_000_000), acc.Balance("eth"))

	small := wager("0.5", 3, 2)
	small.Denom = "eth"
	_, minor, err := validator.Validate(ctx, "u1", small)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000_000_000_000), minor)
}
