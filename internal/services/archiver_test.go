package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

type memorySink struct {
	mu     sync.Mutex
	rounds map[string]*models.Round
	txs    map[string]*models.Transaction
}

func newMemorySink() *memorySink {
	return &memorySink{
		rounds: make(map[string]*models.Round),
		txs:    make(map[string]*models.Transaction),
	}
}

func (s *memorySink) StoreRound(ctx context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[round.ID] = round
	return nil
}

func (s *memorySink) StoreTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.UserID+"/"+tx.ID] = tx
	return nil
}

func TestArchiverCopiesOutboxes(t *testing.T) {
	engine, redisService, _ := setupTestEngine(t)
	redisService.EnableOutbox(1000)
	ctx := context.Background()
	seedAccount(t, redisService, engine.Ledger(), "u1", 1000)

	placed, err := engine.PlaceWager(ctx, "u1", wager("1", 3, 2))
	require.NoError(t, err)
	settled := waitForEnded(t, engine, placed.ID)

	sink := newMemorySink()
	archiver := services.NewArchiver(redisService, sink, "test-1", 0, sl.Discard())
	require.NoError(t, archiver.EnsureGroups(ctx))
	require.NoError(t, archiver.EnsureGroups(ctx))

	n, err := archiver.ProcessOnce(ctx)
	require.NoError(t, err)
	// deposit, bet, one of win or house stake, plus house fee on a win, plus the round
	assert.GreaterOrEqual(t, n, 4)

	archived, ok := sink.rounds[placed.ID]
	require.True(t, ok)
	assert.Equal(t, models.RoundStatusEnded, archived.Status)
	assert.Equal(t, settled.Outcome, archived.Outcome)
	assert.Equal(t, settled.PrivateSeed, archived.PrivateSeed)
	assert.Equal(t, settled.Results, archived.Results)

	bet, ok := sink.txs["u1/"+models.RoundTransactionID(placed.ID, models.ReasonCoinflipBet)]
	require.True(t, ok)
	assert.Equal(t, int64(-100), bet.Amount)

	n, err = archiver.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, stream := range []string{services.KeyLedgerOutbox, services.KeyRoundOutbox} {
		length, err := redisService.Client().XLen(ctx, stream).Result()
		require.NoError(t, err)
		assert.Zero(t, length, stream)
	}
}

func TestOutboxNotWrittenWithoutArchive(t *testing.T) {
	engine, redisService, _ := setupTestEngine(t)
	ctx := context.Background()
	seedAccount(t, redisService, engine.Ledger(), "u1", 1000)

	placed, err := engine.PlaceWager(ctx, "u1", wager("1", 3, 2))
	require.NoError(t, err)
	waitForEnded(t, engine, placed.ID)

	n, err := redisService.Client().Exists(ctx, services.KeyLedgerOutbox, services.KeyRoundOutbox).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxIsTrimmed(t *testing.T) {
	_, redisService, _ := setupTestRedis(t)
	redisService.EnableOutbox(5)
	ctx := context.Background()
	ledger := newTestLedger(redisService)

	for i := 0; i < 20; i++ {
		_, err := ledger.Deposit(ctx, "u1", "usk", 10)
		require.NoError(t, err)
	}

	length, err := redisService.Client().XLen(ctx, services.KeyLedgerOutbox).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, length, int64(5))

	acc, err := redisService.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), acc.Balance("usk"))
}

type rejectingSink struct {
	*memorySink
	rejectUser string
}

func (s *rejectingSink) StoreTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.UserID == s.rejectUser {
		return errors.New("constraint violation")
	}
	return s.memorySink.StoreTransaction(ctx, tx)
}

func TestArchiverDeadLettersEntryThatKeepsFailing(t *testing.T) {
	_, redisService, _ := setupTestRedis(t)
	redisService.EnableOutbox(1000)
	ctx := context.Background()
	ledger := newTestLedger(redisService)

	sink := &rejectingSink{memorySink: newMemorySink(), rejectUser: "stuck"}
	archiver := services.NewArchiver(redisService, sink, "test-1", 0, sl.Discard())
	archiver.SetMaxDeliveries(3)
	require.NoError(t, archiver.EnsureGroups(ctx))

	_, err := ledger.Deposit(ctx, "stuck", "usk", 10)
	require.NoError(t, err)
	_, err = ledger.Deposit(ctx, "u1", "usk", 10)
	require.NoError(t, err)

	_, err = archiver.ProcessOnce(ctx)
	require.NoError(t, err)

	_, err = ledger.Deposit(ctx, "u2", "usk", 10)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err = archiver.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	sink.mu.Lock()
	archivedUsers := make(map[string]bool)
	for _, tx := range sink.txs {
		archivedUsers[tx.UserID] = true
	}
	sink.mu.Unlock()
	assert.True(t, archivedUsers["u1"])
	assert.True(t, archivedUsers["u2"])
	assert.False(t, archivedUsers["stuck"])

	dead, err := redisService.Client().XRange(ctx, services.KeyOutboxDeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, services.KeyLedgerOutbox, dead[0].Values["source_stream"])
	assert.Contains(t, dead[0].Values["tx"], `"user_id":"stuck"`)

	length, err := redisService.Client().XLen(ctx, services.KeyLedgerOutbox).Result()
	require.NoError(t, err)
	assert.Zero(t, length)
}
