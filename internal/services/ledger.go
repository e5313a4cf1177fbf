package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
)

// LedgerUpdater is the only writer of wallet balances. Each operation is one
// optimistic transaction over the account hash and its applied-entry set.
// The applied set remembers entry ids for AppliedEntryRetention, well past
// the point where a round can still be settled again.
type LedgerUpdater struct {
	redis          *RedisService
	houseAccountID string
	maxRetries     int
	log            *slog.Logger
	now            func() time.Time
}

func NewLedgerUpdater(redisService *RedisService, houseAccountID string, maxRetries int, log *slog.Logger) *LedgerUpdater {
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &LedgerUpdater{
		redis:          redisService,
		houseAccountID: houseAccountID,
		maxRetries:     maxRetries,
		log:            log.With(slog.String("component", "ledger")),
		now:            time.Now,
	}
}

type ledgerEntry struct {
	tx *models.Transaction
	// increments are extra account fields bumped with the balance.
	increments map[string]int64
	// round is persisted in the same transaction as the entry.
	round *models.Round
}

type Reconciliation struct {
	UserID     string
	Denom      string
	Balance    int64
	LedgerSum  int64
	Entries    int
	Consistent bool
}

// DebitForBet charges the stake and stores the round in one step, so a round
// exists if and only if it was paid for.
func (l *LedgerUpdater) DebitForBet(ctx context.Context, round *models.Round) (int64, error) {
	bet := round.BetAmount
	game := string(round.Game)

	balance, _, err := l.apply(ctx, &ledgerEntry{
		tx: l.roundTransaction(round, round.UserID, models.ReasonCoinflipBet, -bet),
		increments: map[string]int64{
			fmt.Sprintf(FieldWager, game, round.Denom):          bet,
			fmt.Sprintf(FieldWagerNeeded, round.Denom):          bet,
			fmt.Sprintf(FieldLeaderboardBet, game, round.Denom): bet,
		},
		round: round,
	})
	return balance, err
}

func (l *LedgerUpdater) CreditForWin(ctx context.Context, round *models.Round, payout int64) (int64, error) {
	balance, _, err := l.apply(ctx, &ledgerEntry{
		tx: l.roundTransaction(round, round.UserID, models.ReasonCoinflipWin, payout),
		increments: map[string]int64{
			fmt.Sprintf(FieldLeaderboardWin, round.Game, round.Denom): payout,
		},
	})
	return balance, err
}

// CreditHouse books house revenue. The house is an ordinary account, so its
// entries go through the same path as a user's.
func (l *LedgerUpdater) CreditHouse(ctx context.Context, round *models.Round, reason models.TransactionReason, amount int64) error {
	_, _, err := l.apply(ctx, &ledgerEntry{
		tx: l.roundTransaction(round, l.houseAccountID, reason, amount),
	})
	return err
}

func (l *LedgerUpdater) Refund(ctx context.Context, round *models.Round) (int64, error) {
	balance, _, err := l.apply(ctx, &ledgerEntry{
		tx: l.roundTransaction(round, round.UserID, models.ReasonCoinflipRefund, round.BetAmount),
	})
	return balance, err
}

// Deposit funds an account from outside the game.
func (l *LedgerUpdater) Deposit(ctx context.Context, userID, denom string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	balance, _, err := l.apply(ctx, &ledgerEntry{
		tx: &models.Transaction{
			ID:        models.GenerateTransactionID(),
			UserID:    userID,
			Denom:     denom,
			Amount:    amount,
			Reason:    models.ReasonDeposit,
			CreatedAt: l.now(),
		},
	})
	return balance, err
}

// Reconcile compares a wallet balance with the sum of its ledger entries.
func (l *LedgerUpdater) Reconcile(ctx context.Context, userID, denom string) (*Reconciliation, error) {
	client := l.redis.client
	accountKey := fmt.Sprintf(KeyAccount, userID)
	ledgerKey := fmt.Sprintf(KeyLedger, userID)

	pipe := client.TxPipeline()
	balanceCmd := pipe.HGet(ctx, accountKey, fmt.Sprintf(FieldWallet, denom))
	entriesCmd := pipe.LRange(ctx, ledgerKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	balance, err := balanceCmd.Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	rec := &Reconciliation{UserID: userID, Denom: denom, Balance: balance}
	for _, raw := range entriesCmd.Val() {
		var tx models.Transaction
		if err := json.Unmarshal([]byte(raw), &tx); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry for %s: %w", userID, err)
		}
		if tx.Denom != denom {
			continue
		}
		rec.LedgerSum += tx.Amount
		rec.Entries++
	}
	rec.Consistent = rec.LedgerSum == rec.Balance

	return rec, nil
}

func (l *LedgerUpdater) roundTransaction(round *models.Round, userID string, reason models.TransactionReason, amount int64) *models.Transaction {
	return &models.Transaction{
		ID:        models.RoundTransactionID(round.ID, reason),
		UserID:    userID,
		Denom:     round.Denom,
		Amount:    amount,
		Reason:    reason,
		RoundID:   round.ID,
		CreatedAt: l.now(),
	}
}

// apply writes one ledger entry. It returns the resulting balance and whether
// the entry was new; replaying an applied entry changes nothing.
func (l *LedgerUpdater) apply(ctx context.Context, entry *ledgerEntry) (int64, bool, error) {
	tx := entry.tx
	if err := checkDirection(tx); err != nil {
		return 0, false, err
	}

	accountKey := fmt.Sprintf(KeyAccount, tx.UserID)
	appliedKey := fmt.Sprintf(KeyAccountApplied, tx.UserID)
	ledgerKey := fmt.Sprintf(KeyLedger, tx.UserID)
	walletField := fmt.Sprintf(FieldWallet, tx.Denom)

	data, err := json.Marshal(tx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	var (
		balance int64
		applied bool
	)
	appliedAt := l.now()

	txf := func(rtx *redis.Tx) error {
		err := rtx.ZScore(ctx, appliedKey, tx.ID).Err()
		if err != nil && err != redis.Nil {
			return err
		}
		seen := err == nil

		current, err := rtx.HGet(ctx, accountKey, walletField).Int64()
		if err != nil && err != redis.Nil {
			return err
		}

		if seen {
			balance, applied = current, false
			return nil
		}

		if tx.Amount > 0 && current > math.MaxInt64-tx.Amount {
			return ErrBalanceOverflow
		}
		next := current + tx.Amount
		if next < 0 {
			return ErrInsufficientFunds
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, accountKey, walletField, next)
			for field, delta := range entry.increments {
				pipe.HIncrBy(ctx, accountKey, field, delta)
			}
			pipe.RPush(ctx, ledgerKey, data)
			pipe.ZAdd(ctx, appliedKey, redis.Z{Score: float64(appliedAt.UnixMilli()), Member: tx.ID})
			pipe.ZRemRangeByScore(ctx, appliedKey, "-inf",
				strconv.FormatInt(appliedAt.Add(-AppliedEntryRetention).UnixMilli(), 10))
			if l.redis.outboxMaxLen > 0 {
				pipe.XAdd(ctx, l.redis.outboxArgs(KeyLedgerOutbox, map[string]interface{}{"tx": string(data)}))
			}

			if r := entry.round; r != nil {
				pipe.HSet(ctx, fmt.Sprintf(KeyRound, r.ID), roundToHash(r))
				pipe.SAdd(ctx, KeyOpenRounds, r.ID)

				userRounds := fmt.Sprintf(KeyUserRounds, r.UserID)
				pipe.ZAdd(ctx, userRounds, redis.Z{Score: float64(r.CreatedAt.UnixMilli()), Member: r.ID})
				pipe.ZRemRangeByRank(ctx, userRounds, 0, -(MaxRoundHistory + 1))
			}
			return nil
		})
		if err != nil {
			return err
		}

		balance, applied = next, true
		return nil
	}

	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		err := l.redis.client.Watch(ctx, txf, accountKey, appliedKey)
		if err == nil {
			return balance, applied, nil
		}
		if err == redis.TxFailedErr {
			l.log.Debug("ledger write conflict, retrying",
				slog.String("tx_id", tx.ID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err == ErrInsufficientFunds || err == ErrBalanceOverflow {
			return 0, false, err
		}

		l.log.Error("ledger write failed", slog.String("tx_id", tx.ID), sl.Err(err))
		return 0, false, fmt.Errorf("failed to apply %s: %w", tx.ID, err)
	}

	l.log.Warn("ledger retries exhausted", slog.String("tx_id", tx.ID), slog.Int("retries", l.maxRetries))
	return 0, false, ErrLedgerWriteConflict
}

// checkDirection allows only bets to take money out of an account. Every
// other entry must add a positive amount.
func checkDirection(tx *models.Transaction) error {
	debit := tx.Reason == models.ReasonCoinflipBet
	if tx.Amount == 0 || debit != (tx.Amount < 0) {
		return fmt.Errorf("%w: %d for %s", ErrInvalidAmount, tx.Amount, tx.Reason)
	}
	return nil
}
