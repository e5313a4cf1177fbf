package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinflip-backend/internal/models"
)

// PostgresArchive keeps a permanent copy of settled rounds and ledger entries
// for reporting and disputes. Settlement never reads from it.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresArchive{pool: pool}, nil
}

func (a *PostgresArchive) InitSchema(ctx context.Context) error {
	roundsSchema := `
	CREATE TABLE IF NOT EXISTS coinflip_rounds (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		denom TEXT NOT NULL,
		bet_amount BIGINT NOT NULL,
		coin_count INTEGER NOT NULL,
		chosen_side BOOLEAN NOT NULL,
		side_threshold INTEGER NOT NULL,
		private_seed TEXT NOT NULL,
		public_hash TEXT NOT NULL,
		random_value BIGINT,
		coin_results TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		payout BIGINT NOT NULL DEFAULT 0,
		house_amount BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		rolled_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coinflip_rounds_user ON coinflip_rounds(user_id, created_at DESC);
	`

	if _, err := a.pool.Exec(ctx, roundsSchema); err != nil {
		return fmt.Errorf("failed to create coinflip_rounds table: %w", err)
	}

	ledgerSchema := `
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		denom TEXT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL,
		round_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_transactions_round ON ledger_transactions(round_id);
	`

	if _, err := a.pool.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to create ledger_transactions table: %w", err)
	}

	return nil
}

func (a *PostgresArchive) StoreRound(ctx context.Context, r *models.Round) error {
	// Coin counts are capped well below 63 bits.
	var randomValue *int64
	if r.RandomValue != nil {
		v := int64(*r.RandomValue)
		randomValue = &v
	}

	query := `
		INSERT INTO coinflip_rounds (
			id, user_id, denom, bet_amount, coin_count, chosen_side, side_threshold,
			private_seed, public_hash, random_value, coin_results, outcome,
			payout, house_amount, created_at, rolled_at, ended_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := a.pool.Exec(ctx, query,
		r.ID, r.UserID, r.Denom, r.BetAmount, r.CoinCount, r.ChosenSide, r.SideThreshold,
		r.PrivateSeed, r.PublicHash, randomValue, encodeResults(r.Results), string(r.Outcome),
		r.Payout, r.HouseAmount, r.CreatedAt, nullableTime(r.RolledAt), r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store round %s: %w", r.ID, err)
	}
	return nil
}

func (a *PostgresArchive) StoreTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO ledger_transactions (id, user_id, denom, amount, reason, round_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (user_id, id) DO NOTHING
	`

	_, err := a.pool.Exec(ctx, query,
		tx.ID, tx.UserID, tx.Denom, tx.Amount, string(tx.Reason), tx.RoundID, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (a *PostgresArchive) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	query := `
		SELECT id, user_id, denom, bet_amount, coin_count, chosen_side, side_threshold,
			private_seed, public_hash, random_value, coin_results, outcome,
			payout, house_amount, created_at, rolled_at, ended_at
		FROM coinflip_rounds
		WHERE id = $1
	`

	var (
		r           models.Round
		randomValue *int64
		results     string
		outcome     string
		rolledAt    *time.Time
	)

	err := a.pool.QueryRow(ctx, query, roundID).Scan(
		&r.ID, &r.UserID, &r.Denom, &r.BetAmount, &r.CoinCount, &r.ChosenSide, &r.SideThreshold,
		&r.PrivateSeed, &r.PublicHash, &randomValue, &results, &outcome,
		&r.Payout, &r.HouseAmount, &r.CreatedAt, &rolledAt, &r.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived round: %w", err)
	}

	if randomValue != nil {
		v := uint64(*randomValue)
		r.RandomValue = &v
	}
	if rolledAt != nil {
		r.RolledAt = *rolledAt
	}

	r.Game = models.GameTypeCoinflip
	r.Results = decodeResults(results)
	r.Outcome = models.RoundOutcome(outcome)
	r.Status = models.RoundStatusEnded

	return &r, nil
}

func (a *PostgresArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

func (a *PostgresArchive) Close() {
	a.pool.Close()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
