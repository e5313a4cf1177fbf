package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlaceWagerRequest is the client's bet. Amount is in display units and is
// rounded to the denom's precision on validation.
type PlaceWagerRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Denom         string          `json:"denom"`
	CoinCount     int             `json:"coin_count"`
	ChosenSide    bool            `json:"chosen_side"`
	SideThreshold int             `json:"side_threshold"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type RoundRollingEvent struct {
	RoundID             string `json:"round_id"`
	AnimationDurationMs int64  `json:"animation_duration_ms"`
}

type RoundResolvedEvent struct {
	RoundID        string       `json:"round_id"`
	RevealedRandom uint64       `json:"revealed_random"`
	PerCoinResults []bool       `json:"per_coin_results"`
	Won            bool         `json:"won"`
	Outcome        RoundOutcome `json:"outcome"`
	PrivateSeed    string       `json:"private_seed"`
	PublicHash     string       `json:"public_hash"`
	Payout         string       `json:"payout"`
}

func NewRoundRollingEvent(roundID string, animation time.Duration) RoundRollingEvent {
	return RoundRollingEvent{
		RoundID:             roundID,
		AnimationDurationMs: animation.Milliseconds(),
	}
}

type VerificationRequest struct {
	RoundID       string `json:"round_id" binding:"required"`
	PrivateSeed   string `json:"private_seed" binding:"required"`
	PublicHash    string `json:"public_hash" binding:"required"`
	CoinCount     int    `json:"coin_count" binding:"required,min=1"`
	ChosenSide    bool   `json:"chosen_side"`
	SideThreshold int    `json:"side_threshold" binding:"required,min=1"`
}

type VerificationResult struct {
	Valid          bool    `json:"valid"`
	CalculatedHash string  `json:"calculated_hash"`
	RandomValue    uint64  `json:"random_value"`
	Results        []bool  `json:"results"`
	Won            bool    `json:"won"`
	Probability    float64 `json:"probability"`
}
