package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"coinflip-backend/internal/config"
	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
)

// RoundArchive is a read-only fallback for rounds that have aged out of Redis.
type RoundArchive interface {
	GetRound(ctx context.Context, roundID string) (*models.Round, error)
}

type GameEngine struct {
	cfg       *config.Config
	redis     *RedisService
	ledger    *LedgerUpdater
	house     *HouseRevenueAccumulator
	validator *WagerValidator
	committer *RandomnessCommitter
	scheduler *SettlementScheduler
	notifier  Notifier
	archive   RoundArchive
	log       *slog.Logger
	now       func() time.Time
}

func NewGameEngine(cfg *config.Config, redisService *RedisService, notifier Notifier, log *slog.Logger) *GameEngine {
	if notifier == nil {
		notifier = nopNotifier{}
	}

	ledger := NewLedgerUpdater(redisService, cfg.HouseAccountID, cfg.LedgerMaxRetries, log)

	ge := &GameEngine{
		cfg:       cfg,
		redis:     redisService,
		ledger:    ledger,
		house:     NewHouseRevenueAccumulator(ledger),
		validator: NewWagerValidator(redisService, cfg),
		committer: NewRandomnessCommitter(),
		notifier:  notifier,
		log:       log.With(slog.String("component", "game_engine")),
		now:       time.Now,
	}
	ge.scheduler = NewSettlementScheduler(redisService, ge.Settle, cfg.SettlementPollInterval, log)

	return ge
}

func (ge *GameEngine) WithArchive(archive RoundArchive) *GameEngine {
	ge.archive = archive
	return ge
}

func (ge *GameEngine) Ledger() *LedgerUpdater {
	return ge.ledger
}

func (ge *GameEngine) Scheduler() *SettlementScheduler {
	return ge.scheduler
}

// PlaceWager accepts a bet. Once the stake is debited the round belongs to
// the settlement path and the caller gets the round back regardless of what
// fails afterwards.
func (ge *GameEngine) PlaceWager(ctx context.Context, userID string, req *models.PlaceWagerRequest) (*models.Round, error) {
	log := ge.log.With(slog.String("user_id", userID))

	_, amount, err := ge.validator.Validate(ctx, userID, req)
	if err != nil {
		return nil, ge.userError(log, "wager validation failed", err)
	}

	commitment, err := ge.committer.Commit()
	if err != nil {
		return nil, ge.userError(log, "failed to commit randomness", err)
	}

	round := &models.Round{
		ID:            models.GenerateRoundID(),
		UserID:        userID,
		Game:          models.GameTypeCoinflip,
		Denom:         req.Denom,
		BetAmount:     amount,
		CoinCount:     req.CoinCount,
		ChosenSide:    req.ChosenSide,
		SideThreshold: req.SideThreshold,
		PrivateSeed:   commitment.Seed,
		PublicHash:    commitment.Hash,
		Status:        models.RoundStatusWaiting,
		CreatedAt:     ge.now(),
	}

	balance, err := ge.ledger.DebitForBet(ctx, round)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, models.NewWagerError(models.CodeInsufficientFunds, "Not enough balance")
		}
		return nil, ge.userError(log, "failed to debit wager", err)
	}

	log.Info("wager accepted",
		slog.String("round_id", round.ID),
		slog.String("denom", round.Denom),
		slog.Int64("bet", round.BetAmount),
		slog.Int("coins", round.CoinCount),
		slog.Int("threshold", round.SideThreshold),
	)

	ge.notifier.WalletUpdated(userID, round.Denom, balance)
	ge.startRolling(context.WithoutCancel(ctx), round)

	return round.Public(), nil
}

func (ge *GameEngine) startRolling(ctx context.Context, round *models.Round) {
	log := ge.log.With(slog.String("round_id", round.ID))
	delay := ge.cfg.Coinflip.AnimationDelay
	rolledAt := ge.now()

	ok, err := ge.redis.TransitionRound(ctx, round.ID, models.RoundStatusWaiting, models.RoundStatusRolling,
		map[string]interface{}{"rolled_at": rolledAt.UnixMilli()})
	switch {
	case err != nil:
		log.Error("failed to start rolling", sl.Err(err))
	case ok:
		round.Status = models.RoundStatusRolling
		round.RolledAt = rolledAt
	}

	if err := ge.scheduler.Schedule(ctx, round.ID, rolledAt.Add(delay)); err != nil {
		// Still in the open set, the recovery sweep schedules it.
		log.Error("failed to schedule settlement", sl.Err(err))
	}

	ge.notifier.RoundRolling(round.UserID, round.ID, delay)
}

// Settle resolves a round and pays it out. Running it again on a round that
// already ended, or partly settled, does not pay twice.
func (ge *GameEngine) Settle(ctx context.Context, roundID string) error {
	log := ge.log.With(slog.String("round_id", roundID))

	round, err := ge.redis.GetRound(ctx, roundID)
	if errors.Is(err, ErrRoundNotFound) {
		log.Warn("settlement for unknown round dropped")
		return nil
	}
	if err != nil {
		return err
	}

	if round.IsEnded() {
		return nil
	}

	if round.Status == models.RoundStatusWaiting {
		round.RolledAt = ge.now()
		if _, err := ge.redis.TransitionRound(ctx, roundID, models.RoundStatusWaiting, models.RoundStatusRolling,
			map[string]interface{}{"rolled_at": round.RolledAt.UnixMilli()}); err != nil {
			return err
		}
		round.Status = models.RoundStatusRolling
	}

	if !ge.committer.Verify(round.PrivateSeed, round.PublicHash) {
		return ge.refund(ctx, round, errors.New("seed does not match its commitment"))
	}

	value, err := ge.committer.Reveal(round.ID, round.PrivateSeed, round.CoinCount)
	if err != nil {
		return ge.refund(ctx, round, err)
	}

	outcome := ResolveCoinflip(value, round.CoinCount, round.ChosenSide, round.SideThreshold)
	round.RandomValue = &value
	round.Results = outcome.Results

	var balance int64
	if outcome.Won {
		payout, err := CalculatePayout(round.BetAmount, round.SideThreshold, round.CoinCount, ge.cfg.Coinflip.FeeRate)
		if err != nil {
			return ge.refund(ctx, round, err)
		}

		if balance, err = ge.ledger.CreditForWin(ctx, round, payout.Payout); err != nil {
			return fmt.Errorf("failed to credit win: %w", err)
		}
		if round.HouseAmount, err = ge.house.Collect(ctx, round, true, payout.HouseFee); err != nil {
			return fmt.Errorf("failed to collect house fee: %w", err)
		}
		round.Outcome = models.OutcomeWon
		round.Payout = payout.Payout
	} else {
		if round.HouseAmount, err = ge.house.Collect(ctx, round, false, 0); err != nil {
			return fmt.Errorf("failed to collect house stake: %w", err)
		}
		round.Outcome = models.OutcomeLost

		acc, err := ge.redis.GetAccount(ctx, round.UserID)
		if err != nil {
			return err
		}
		balance = acc.Balance(round.Denom)
	}

	if err := ge.end(ctx, round); err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			log.Info("round was settled concurrently")
			return nil
		}
		return err
	}

	log.Info("round settled",
		slog.String("outcome", string(round.Outcome)),
		slog.Uint64("random", value),
		slog.Int64("payout", round.Payout),
		slog.Int64("house", round.HouseAmount),
	)

	ge.notifier.WalletUpdated(round.UserID, round.Denom, balance)
	ge.notifier.RoundResolved(round.UserID, round.Public())
	return nil
}

// refund returns the stake when the outcome cannot be computed.
func (ge *GameEngine) refund(ctx context.Context, round *models.Round, cause error) error {
	ge.log.Error("round cannot be resolved, refunding", slog.String("round_id", round.ID), sl.Err(cause))

	balance, err := ge.ledger.Refund(ctx, round)
	if err != nil {
		return fmt.Errorf("failed to refund: %w", err)
	}

	round.RandomValue = nil
	round.Results = nil
	round.Outcome = models.OutcomeRefunded
	round.Payout = round.BetAmount
	round.HouseAmount = 0

	if err := ge.end(ctx, round); err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			return nil
		}
		return err
	}

	ge.notifier.WalletUpdated(round.UserID, round.Denom, balance)
	ge.notifier.RoundResolved(round.UserID, round.Public())
	return nil
}

func (ge *GameEngine) end(ctx context.Context, round *models.Round) error {
	round.EndedAt = ge.now()

	h := roundToHash(round)
	fields := map[string]interface{}{
		"random_value": h["random_value"],
		"coin_results": h["coin_results"],
		"outcome":      h["outcome"],
		"payout":       h["payout"],
		"house_amount": h["house_amount"],
		"ended_at":     h["ended_at"],
	}

	ok, err := ge.redis.TransitionRound(ctx, round.ID, models.RoundStatusRolling, models.RoundStatusEnded, fields)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadySettled
	}

	round.Status = models.RoundStatusEnded
	return nil
}

// Recover schedules every open round that has no pending settlement. Rounds
// resume from their stored seed; nothing is refunded.
func (ge *GameEngine) Recover(ctx context.Context) (int, error) {
	return ge.recoverOpenRounds(ctx, 0)
}

func (ge *GameEngine) recoverOpenRounds(ctx context.Context, minAge time.Duration) (int, error) {
	ids, err := ge.redis.OpenRounds(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		scheduled, err := ge.redis.IsScheduled(ctx, id)
		if err != nil {
			return recovered, err
		}
		if scheduled {
			continue
		}

		if minAge > 0 {
			round, err := ge.redis.GetRound(ctx, id)
			if err != nil {
				ge.log.Warn("open round unreadable", slog.String("round_id", id), sl.Err(err))
				continue
			}
			if ge.now().Sub(round.CreatedAt) < minAge {
				continue
			}
		}

		if err := ge.scheduler.Schedule(ctx, id, ge.now()); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		ge.log.Info("recovered open rounds", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Run drives settlement until ctx is cancelled. Besides the scheduler it
// periodically sweeps for open rounds that lost their schedule entry.
func (ge *GameEngine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ge.scheduler.Run(ctx)
	})

	g.Go(func() error {
		grace := ge.cfg.Coinflip.AnimationDelay + time.Minute
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := ge.recoverOpenRounds(ctx, grace); err != nil {
					ge.log.Error("recovery sweep failed", sl.Err(err))
				}
			}
		}
	})

	return g.Wait()
}

func (ge *GameEngine) Round(ctx context.Context, roundID string) (*models.Round, error) {
	round, err := ge.redis.GetRound(ctx, roundID)
	if errors.Is(err, ErrRoundNotFound) && ge.archive != nil {
		round, err = ge.archive.GetRound(ctx, roundID)
	}
	if err != nil {
		return nil, err
	}
	return round.Public(), nil
}

func (ge *GameEngine) History(ctx context.Context, userID string, limit int64) ([]*models.Round, error) {
	rounds, err := ge.redis.GetRoundHistory(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	for i, r := range rounds {
		rounds[i] = r.Public()
	}
	return rounds, nil
}

// Verify recomputes a round from its revealed seed so anyone can check it.
func (ge *GameEngine) Verify(req *models.VerificationRequest) (*models.VerificationResult, error) {
	if req.CoinCount < 1 || req.CoinCount > config.MaxSupportedCoins {
		return nil, fmt.Errorf("coin count must be between 1 and %d", config.MaxSupportedCoins)
	}
	if req.SideThreshold < 1 || req.SideThreshold > req.CoinCount {
		return nil, fmt.Errorf("side threshold must be between 1 and %d", req.CoinCount)
	}

	value, err := ge.committer.Reveal(req.RoundID, req.PrivateSeed, req.CoinCount)
	if err != nil {
		return nil, err
	}
	outcome := ResolveCoinflip(value, req.CoinCount, req.ChosenSide, req.SideThreshold)

	return &models.VerificationResult{
		Valid:          ge.committer.Verify(req.PrivateSeed, req.PublicHash),
		CalculatedHash: HashSeed(req.PrivateSeed),
		RandomValue:    value,
		Results:        outcome.Results,
		Won:            outcome.Won,
		Probability:    ProbabilityOfAtLeastKMatches(req.SideThreshold, req.CoinCount),
	}, nil
}

// userError passes WagerErrors through and hides everything else behind a
// generic InternalError.
func (ge *GameEngine) userError(log *slog.Logger, msg string, err error) error {
	var werr *models.WagerError
	if errors.As(err, &werr) {
		log.Debug(msg, slog.String("code", string(werr.Code)))
		return werr
	}

	log.Error(msg, sl.Err(err))
	return models.InternalError()
}
