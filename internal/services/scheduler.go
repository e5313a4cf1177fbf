package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"coinflip-backend/internal/lib/logger/sl"
)

type SettleFunc func(ctx context.Context, roundID string) error

// SettlementScheduler runs each round's settlement once its animation delay
// has passed. The schedule lives in a Redis sorted set, and removing a member
// from it is the claim: whoever removes it settles the round.
type SettlementScheduler struct {
	redis        *RedisService
	settle       SettleFunc
	pollInterval time.Duration
	log          *slog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu       sync.Mutex
	attempts map[string]int

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSettlementScheduler(redisService *RedisService, settle SettleFunc, pollInterval time.Duration, log *slog.Logger) *SettlementScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &SettlementScheduler{
		redis:        redisService,
		settle:       settle,
		pollInterval: pollInterval,
		log:          log.With(slog.String("component", "scheduler")),
		baseBackoff:  time.Second,
		maxBackoff:   time.Minute,
		attempts:     make(map[string]int),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *SettlementScheduler) SetBackoff(base, max time.Duration) {
	s.baseBackoff = base
	s.maxBackoff = max
}

// Schedule records the due time durably and arms a local timer. If this
// process dies the poll loop of any instance picks the round up.
func (s *SettlementScheduler) Schedule(ctx context.Context, roundID string, due time.Time) error {
	err := s.redis.client.ZAdd(ctx, KeySettlementSchedule, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: roundID,
	}).Err()
	if err != nil {
		return err
	}

	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}

	time.AfterFunc(delay, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.claimAndSettle(s.ctx, roundID)
	})

	return nil
}

func (s *SettlementScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	defer s.Stop()

	s.log.Info("settlement scheduler started", slog.Duration("poll_interval", s.pollInterval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("settlement scheduler stopped")
			return nil
		case <-ticker.C:
			s.pollDue(ctx)
		}
	}
}

// Stop disarms pending local timers. Their rounds stay in the schedule.
func (s *SettlementScheduler) Stop() {
	s.cancel()
}

func (s *SettlementScheduler) pollDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	ids, err := s.redis.client.ZRangeByScore(ctx, KeySettlementSchedule, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		s.log.Error("failed to read settlement schedule", sl.Err(err))
		return
	}

	for _, id := range ids {
		s.claimAndSettle(ctx, id)
	}
}

func (s *SettlementScheduler) claimAndSettle(ctx context.Context, roundID string) {
	removed, err := s.redis.client.ZRem(ctx, KeySettlementSchedule, roundID).Result()
	if err != nil {
		s.log.Error("failed to claim round", slog.String("round_id", roundID), sl.Err(err))
		return
	}
	if removed != 1 {
		return
	}

	if err := s.settle(ctx, roundID); err != nil {
		backoff := s.nextBackoff(roundID)
		s.log.Error("settlement failed, rescheduling",
			slog.String("round_id", roundID),
			slog.Duration("retry_in", backoff),
			sl.Err(err),
		)

		if err := s.Schedule(ctx, roundID, time.Now().Add(backoff)); err != nil {
			s.log.Error("failed to reschedule round", slog.String("round_id", roundID), sl.Err(err))
		}
		return
	}

	s.mu.Lock()
	delete(s.attempts, roundID)
	s.mu.Unlock()
}

func (s *SettlementScheduler) nextBackoff(roundID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := s.attempts[roundID]
	s.attempts[roundID] = attempt + 1

	backoff := s.baseBackoff
	for i := 0; i < attempt && backoff < s.maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	return backoff
}
