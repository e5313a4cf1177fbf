package config

import (
	"fmt"
	"math"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MaxSupportedCoins keeps 2^n and the binomial tail inside uint64.
const MaxSupportedCoins = 32

type Config struct {
	Env  string
	Port string

	RedisURL  string
	RedisPass string
	RedisDB   int

	DatabaseURL string

	JWTSecret      string
	HouseAccountID string

	Currencies map[string]int32

	Coinflip CoinflipConfig

	LedgerMaxRetries       int
	SettlementPollInterval time.Duration
	BetRateLimit           int

	// OutboxMaxLen caps the archive outbox streams. They are only written
	// when an archive is configured.
	OutboxMaxLen int64
}

type CoinflipConfig struct {
	FeeRate        decimal.Decimal
	MinBet         decimal.Decimal
	MaxBet         decimal.Decimal
	MinCoins       int
	MaxCoins       int
	AnimationDelay time.Duration
	// ThresholdFloors lists the minimum side threshold required once the coin
	// count exceeds AboveCoins. Checked in order, first match wins.
	ThresholdFloors []ThresholdFloor
}

type ThresholdFloor struct {
	AboveCoins   int
	MinThreshold int
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:            getEnv("ENV", "local"),
		Port:           getEnv("PORT", "8080"),
		RedisURL:       getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:      os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		HouseAccountID: getEnv("HOUSE_ACCOUNT_ID", "house"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.LedgerMaxRetries, err = getInt("LEDGER_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.BetRateLimit, err = getInt("BET_RATE_LIMIT", 30); err != nil {
		return nil, err
	}
	outboxMaxLen, err := getInt("OUTBOX_MAX_LEN", 100000)
	if err != nil {
		return nil, err
	}
	cfg.OutboxMaxLen = int64(outboxMaxLen)
	if cfg.SettlementPollInterval, err = getDuration("SETTLEMENT_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.Currencies, err = parseCurrencies(getEnv("CURRENCIES", "usk:2,kart:2")); err != nil {
		return nil, err
	}

	cf := &cfg.Coinflip
	if cf.FeeRate, err = getDecimal("COINFLIP_FEE_RATE", "0.05"); err != nil {
		return nil, err
	}
	if cf.MinBet, err = getDecimal("COINFLIP_MIN_BET", "0.1"); err != nil {
		return nil, err
	}
	if cf.MaxBet, err = getDecimal("COINFLIP_MAX_BET", "100000"); err != nil {
		return nil, err
	}
	if cf.MinCoins, err = getInt("COINFLIP_MIN_COINS", 1); err != nil {
		return nil, err
	}
	if cf.MaxCoins, err = getInt("COINFLIP_MAX_COINS", 10); err != nil {
		return nil, err
	}
	animationMs, err := getInt("COINFLIP_ANIMATION_MS", 8500)
	if err != nil {
		return nil, err
	}
	cf.AnimationDelay = time.Duration(animationMs) * time.Millisecond
	cf.ThresholdFloors = DefaultThresholdFloors()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultThresholdFloors mirrors the house rules: more than 8 coins need at
// least 3 matching sides, more than 5 coins need at least 2.
func DefaultThresholdFloors() []ThresholdFloor {
	return []ThresholdFloor{
		{AboveCoins: 8, MinThreshold: 3},
		{AboveCoins: 5, MinThreshold: 2},
	}
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.Env == "prod" {
		return fmt.Errorf("JWT_SECRET must be set in prod")
	}
	if c.HouseAccountID == "" {
		return fmt.Errorf("HOUSE_ACCOUNT_ID must not be empty")
	}
	if len(c.Currencies) == 0 {
		return fmt.Errorf("at least one currency must be configured")
	}
	if c.LedgerMaxRetries < 1 {
		return fmt.Errorf("LEDGER_MAX_RETRIES must be positive, got %d", c.LedgerMaxRetries)
	}
	if c.SettlementPollInterval <= 0 {
		return fmt.Errorf("SETTLEMENT_POLL_INTERVAL must be positive")
	}

	cf := c.Coinflip
	if cf.FeeRate.IsNegative() || cf.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("COINFLIP_FEE_RATE must be in [0, 1), got %s", cf.FeeRate)
	}
	if !cf.MinBet.IsPositive() || cf.MaxBet.LessThan(cf.MinBet) {
		return fmt.Errorf("invalid bet bounds [%s, %s]", cf.MinBet, cf.MaxBet)
	}
	if cf.MinCoins < 1 || cf.MaxCoins < cf.MinCoins || cf.MaxCoins > MaxSupportedCoins {
		return fmt.Errorf("invalid coin bounds [%d, %d]", cf.MinCoins, cf.MaxCoins)
	}
	if cf.AnimationDelay < 0 {
		return fmt.Errorf("COINFLIP_ANIMATION_MS must not be negative")
	}
	if c.OutboxMaxLen < 1 {
		return fmt.Errorf("OUTBOX_MAX_LEN must be positive, got %d", c.OutboxMaxLen)
	}

	// The largest win is MaxBet * 2^MaxCoins minor units.
	limit := decimal.NewFromInt(math.MaxInt64)
	multiplier := decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), uint(cf.MaxCoins)), 0)
	for denom, decimals := range c.Currencies {
		if cf.MaxBet.Shift(decimals).Mul(multiplier).GreaterThan(limit) {
			return fmt.Errorf("COINFLIP_MAX_BET %s with %d coins overflows %s at %d decimals",
				cf.MaxBet, cf.MaxCoins, denom, decimals)
		}
	}

	return nil
}

func parseCurrencies(raw string) (map[string]int32, error) {
	currencies := make(map[string]int32)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		denom, decimals, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid currency %q, expected denom:decimals", part)
		}

		d, err := strconv.ParseInt(decimals, 10, 32)
		if err != nil || d < 0 || d > 18 {
			return nil, fmt.Errorf("invalid decimals for currency %q", denom)
		}
		currencies[strings.TrimSpace(denom)] = int32(d)
	}
	return currencies, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
