package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"coinflip-backend/internal/config"
	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

const testHouseID = "house"

func testConfig(addr string) *config.Config {
	return &config.Config{
		Env:            "local",
		RedisURL:       addr,
		HouseAccountID: testHouseID,
		Currencies:     map[string]int32{"usk": 2, "kart": 2},
		Coinflip: config.CoinflipConfig{
			FeeRate:         decimal.RequireFromString("0.05"),
			MinBet:          decimal.RequireFromString("0.1"),
			MaxBet:          decimal.RequireFromString("100000"),
			MinCoins:        1,
			MaxCoins:        10,
			AnimationDelay:  20 * time.Millisecond,
			ThresholdFloors: config.DefaultThresholdFloors(),
		},
		LedgerMaxRetries:       5,
		SettlementPollInterval: 10 * time.Millisecond,
		BetRateLimit:           30,
	}
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *services.RedisService, *config.Config) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := testConfig(mr.Addr())

	redisService, err := services.NewRedisService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { redisService.Close() })

	return mr, redisService, cfg
}

// seedAccount creates a user and funds it through the ledger.
func seedAccount(t *testing.T, redisService *services.RedisService, ledger *services.LedgerUpdater, userID string, minor int64) {
	t.Helper()
	ctx := context.Background()

	acc := models.NewAccount(userID)
	acc.Username = "player-" + userID
	require.NoError(t, redisService.SaveProfile(ctx, acc))

	if minor > 0 {
		_, err := ledger.Deposit(ctx, userID, "usk", minor)
		require.NoError(t, err)
	}
}

func newTestLedger(redisService *services.RedisService) *services.LedgerUpdater {
	return services.NewLedgerUpdater(redisService, testHouseID, 5, sl.Discard())
}

func newTestRound(t *testing.T, userID string, bet int64) *models.Round {
	t.Helper()

	commitment, err := services.NewRandomnessCommitter().Commit()
	require.NoError(t, err)

	return &models.Round{
		ID:            models.GenerateRoundID(),
		UserID:        userID,
		Game:          models.GameTypeCoinflip,
		Denom:         "usk",
		BetAmount:     bet,
		CoinCount:     3,
		ChosenSide:    true,
		SideThreshold: 2,
		PrivateSeed:   commitment.Seed,
		PublicHash:    commitment.Hash,
		Status:        models.RoundStatusWaiting,
		CreatedAt:     time.Now(),
	}
}

type walletEvent struct {
	UserID  string
	Denom   string
	Balance int64
}

type recordingNotifier struct {
	mu       sync.Mutex
	wallets  []walletEvent
	rolling  []string
	resolved []*models.Round
}

func (n *recordingNotifier) WalletUpdated(userID, denom string, balance int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wallets = append(n.wallets, walletEvent{UserID: userID, Denom: denom, Balance: balance})
}

func (n *recordingNotifier) RoundRolling(userID, roundID string, animation time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rolling = append(n.rolling, roundID)
}

func (n *recordingNotifier) RoundResolved(userID string, round *models.Round) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, round)
}

func (n *recordingNotifier) counts() (wallets, rolling, resolved int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.wallets), len(n.rolling), len(n.resolved)
}

func (n *recordingNotifier) lastWallet() walletEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wallets[len(n.wallets)-1]
}
