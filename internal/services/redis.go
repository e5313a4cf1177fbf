package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coinflip-backend/internal/config"
	"coinflip-backend/internal/models"

	"github.com/redis/go-redis/v9"
)

type RedisService struct {
	client *redis.Client

	// outboxMaxLen is 0 until an archive consumer exists. Outbox streams
	// are not written without one.
	outboxMaxLen int64
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisService{client: client}, nil
}

func (s *RedisService) Client() *redis.Client {
	return s.client
}

// EnableOutbox starts copying ledger entries and ended rounds to the outbox
// streams, each trimmed to roughly maxLen entries.
func (s *RedisService) EnableOutbox(maxLen int64) {
	s.outboxMaxLen = maxLen
}

func (s *RedisService) outboxArgs(stream string, values map[string]interface{}) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.outboxMaxLen,
		Approx: true,
		Values: values,
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// GetAccount always reads from Redis. Nothing about an account is cached in
// process, so bans and exclusions apply to the very next request.
func (s *RedisService) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	key := fmt.Sprintf(KeyAccount, userID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrAccountNotFound
	}

	return accountFromHash(userID, fields)
}

// SaveProfile writes the non-monetary part of an account. Balances only
// change through the ledger.
func (s *RedisService) SaveProfile(ctx context.Context, acc *models.Account) error {
	key := fmt.Sprintf(KeyAccount, acc.ID)

	values := map[string]interface{}{
		FieldUsername:   acc.Username,
		FieldBanExpires: timeToMs(acc.BanExpires),
		FieldBetsLocked: boolToFlag(acc.BetsLocked),
	}
	for game, until := range acc.SelfExcludes {
		values[fmt.Sprintf(FieldSelfExclude, game)] = timeToMs(until)
	}

	if err := s.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("failed to save account profile: %w", err)
	}
	return nil
}

func (s *RedisService) SetBan(ctx context.Context, userID string, until time.Time) error {
	key := fmt.Sprintf(KeyAccount, userID)
	return s.client.HSet(ctx, key, FieldBanExpires, timeToMs(until)).Err()
}

func (s *RedisService) SetSelfExclusion(ctx context.Context, userID string, game models.GameType, until time.Time) error {
	key := fmt.Sprintf(KeyAccount, userID)
	return s.client.HSet(ctx, key, fmt.Sprintf(FieldSelfExclude, game), timeToMs(until)).Err()
}

func (s *RedisService) SetBetsLocked(ctx context.Context, userID string, locked bool) error {
	key := fmt.Sprintf(KeyAccount, userID)
	return s.client.HSet(ctx, key, FieldBetsLocked, boolToFlag(locked)).Err()
}

func (s *RedisService) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	key := fmt.Sprintf(KeyRound, roundID)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrRoundNotFound
	}

	return roundFromHash(fields)
}

// transitionRoundScript moves a round from one status to the next only if it
// is still in the expected status. KEYS: round, open set, round outbox.
// ARGV: round id, from, to, ttl ms for ended rounds, outbox max length (0 to
// skip the outbox), then field/value pairs.
var transitionRoundScript = redis.NewScript(`
	local key = KEYS[1]

	local status = redis.call("HGET", key, "status")
	if not status then
		return redis.error_reply("round not found")
	end

	if status ~= ARGV[2] then
		return 0
	end

	redis.call("HSET", key, "status", ARGV[3])
	for i = 6, #ARGV, 2 do
		redis.call("HSET", key, ARGV[i], ARGV[i + 1])
	end

	if ARGV[3] == "ended" then
		redis.call("SREM", KEYS[2], ARGV[1])
		if ARGV[5] ~= "0" then
			local fields = redis.call("HGETALL", key)
			redis.call("XADD", KEYS[3], "MAXLEN", "~", ARGV[5], "*", unpack(fields))
		end
		if ARGV[4] ~= "0" then
			redis.call("PEXPIRE", key, ARGV[4])
		end
	end

	return 1
`)

// TransitionRound reports false when the round was not in the from status,
// meaning someone else already moved it.
func (s *RedisService) TransitionRound(ctx context.Context, roundID string, from, to models.RoundStatus, fields map[string]interface{}) (bool, error) {
	keys := []string{fmt.Sprintf(KeyRound, roundID), KeyOpenRounds, KeyRoundOutbox}

	args := []interface{}{roundID, string(from), string(to), TTLEndedRound.Milliseconds(), s.outboxMaxLen}
	for field, value := range fields {
		args = append(args, field, value)
	}

	n, err := transitionRoundScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		if strings.Contains(err.Error(), "round not found") {
			return false, ErrRoundNotFound
		}
		return false, fmt.Errorf("failed to transition round %s: %w", roundID, err)
	}

	return n == 1, nil
}

func (s *RedisService) OpenRounds(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, KeyOpenRounds).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get open rounds: %w", err)
	}
	return ids, nil
}

func (s *RedisService) IsScheduled(ctx context.Context, roundID string) (bool, error) {
	err := s.client.ZScore(ctx, KeySettlementSchedule, roundID).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check schedule: %w", err)
	}
	return true, nil
}

func (s *RedisService) GetRoundHistory(ctx context.Context, userID string, limit int64) ([]*models.Round, error) {
	if limit <= 0 || limit > MaxRoundHistory {
		limit = 50
	}

	key := fmt.Sprintf(KeyUserRounds, userID)

	roundIDs, err := s.client.ZRevRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get round IDs: %w", err)
	}
	if len(roundIDs) == 0 {
		return []*models.Round{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(roundIDs))
	for i, roundID := range roundIDs {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(KeyRound, roundID))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("pipeline execution failed: %w", err)
	}

	rounds := make([]*models.Round, 0, len(cmds))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}

		round, err := roundFromHash(fields)
		if err != nil {
			continue
		}

		rounds = append(rounds, round)
	}

	return rounds, nil
}

// GetUserTransactions returns the newest entries first.
func (s *RedisService) GetUserTransactions(ctx context.Context, userID string, limit int64) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	key := fmt.Sprintf(KeyLedger, userID)

	raw, err := s.client.LRange(ctx, key, -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}

	transactions := make([]*models.Transaction, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var tx models.Transaction
		if err := json.Unmarshal([]byte(raw[i]), &tx); err != nil {
			continue
		}
		transactions = append(transactions, &tx)
	}

	return transactions, nil
}

func (s *RedisService) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	// Counter and window are written together. NX leaves a running window
	// alone and gives a counter without a TTL a fresh one.
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}

func (s *RedisService) ClearRateLimit(ctx context.Context, userID, action string) error {
	key := fmt.Sprintf(KeyRateLimit, userID, action)
	return s.client.Del(ctx, key).Err()
}

func accountFromHash(userID string, fields map[string]string) (*models.Account, error) {
	acc := models.NewAccount(userID)

	for field, value := range fields {
		parts := strings.Split(field, ":")

		switch {
		case field == FieldUsername:
			acc.Username = value
		case field == FieldBanExpires:
			t, err := msToTime(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", field, err)
			}
			acc.BanExpires = t
		case field == FieldBetsLocked:
			acc.BetsLocked = value == "1"
		case parts[0] == "self_exclude" && len(parts) == 2:
			t, err := msToTime(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", field, err)
			}
			acc.SelfExcludes[models.GameType(parts[1])] = t
		case parts[0] == "wallet" && len(parts) == 2:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", field, err)
			}
			acc.Wallet[parts[1]] = n
		case parts[0] == "wager" && len(parts) == 3:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", field, err)
			}
			game := models.GameType(parts[1])
			if acc.Wager[game] == nil {
				acc.Wager[game] = make(map[string]int64)
			}
			acc.Wager[game][parts[2]] = n
		case parts[0] == "wager_needed" && len(parts) == 2:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", field, err)
			}
			acc.WagerNeeded[parts[1]] = n
		case parts[0] == "lb" && len(parts) == 4:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", field, err)
			}
			game := models.GameType(parts[1])
			if acc.Leaderboard[game] == nil {
				acc.Leaderboard[game] = make(map[string]models.LeaderboardStat)
			}
			stat := acc.Leaderboard[game][parts[2]]
			if parts[3] == "bet" {
				stat.Bet = n
			} else {
				stat.Win = n
			}
			acc.Leaderboard[game][parts[2]] = stat
		}
	}

	return acc, nil
}

func roundToHash(r *models.Round) map[string]interface{} {
	randomValue := ""
	if r.RandomValue != nil {
		randomValue = strconv.FormatUint(*r.RandomValue, 10)
	}

	return map[string]interface{}{
		"id":             r.ID,
		"user_id":        r.UserID,
		"game":           string(r.Game),
		"denom":          r.Denom,
		"bet_amount":     r.BetAmount,
		"coin_count":     r.CoinCount,
		"chosen_side":    boolToFlag(r.ChosenSide),
		"side_threshold": r.SideThreshold,
		"private_seed":   r.PrivateSeed,
		"public_hash":    r.PublicHash,
		"random_value":   randomValue,
		"coin_results":   encodeResults(r.Results),
		"outcome":        string(r.Outcome),
		"payout":         r.Payout,
		"house_amount":   r.HouseAmount,
		"status":         string(r.Status),
		"created_at":     timeToMs(r.CreatedAt),
		"rolled_at":      timeToMs(r.RolledAt),
		"ended_at":       timeToMs(r.EndedAt),
	}
}

// roundFromHash decodes both the round hash and the flattened copy written to
// the round outbox.
func roundFromHash(fields map[string]string) (*models.Round, error) {
	if fields["id"] == "" {
		return nil, ErrRoundNotFound
	}

	r := &models.Round{
		ID:          fields["id"],
		UserID:      fields["user_id"],
		Game:        models.GameType(fields["game"]),
		Denom:       fields["denom"],
		ChosenSide:  fields["chosen_side"] == "1",
		PrivateSeed: fields["private_seed"],
		PublicHash:  fields["public_hash"],
		Results:     decodeResults(fields["coin_results"]),
		Outcome:     models.RoundOutcome(fields["outcome"]),
		Status:      models.RoundStatus(fields["status"]),
	}

	var err error
	if r.BetAmount, err = parseInt64(fields, "bet_amount"); err != nil {
		return nil, err
	}
	if r.Payout, err = parseInt64(fields, "payout"); err != nil {
		return nil, err
	}
	if r.HouseAmount, err = parseInt64(fields, "house_amount"); err != nil {
		return nil, err
	}
	if r.CoinCount, err = strconv.Atoi(fields["coin_count"]); err != nil {
		return nil, fmt.Errorf("invalid coin_count: %w", err)
	}
	if r.SideThreshold, err = strconv.Atoi(fields["side_threshold"]); err != nil {
		return nil, fmt.Errorf("invalid side_threshold: %w", err)
	}
	if v := fields["random_value"]; v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid random_value: %w", err)
		}
		r.RandomValue = &n
	}
	if r.CreatedAt, err = msToTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if r.RolledAt, err = msToTime(fields["rolled_at"]); err != nil {
		return nil, err
	}
	if r.EndedAt, err = msToTime(fields["ended_at"]); err != nil {
		return nil, err
	}

	return r, nil
}

func parseInt64(fields map[string]string, field string) (int64, error) {
	v := fields[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return n, nil
}

// encodeResults stores coins as "1" for heads and "0" for tails.
func encodeResults(results []bool) string {
	var b strings.Builder
	for _, heads := range results {
		if heads {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func decodeResults(s string) []bool {
	if s == "" {
		return nil
	}
	results := make([]bool, len(s))
	for i := range s {
		results[i] = s[i] == '1'
	}
	return results
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return time.UnixMilli(ms), nil
}

func boolToFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
