package models

import "time"

type GameType string

const (
	GameTypeCoinflip GameType = "coinflip"
)

type RoundStatus string

const (
	RoundStatusWaiting RoundStatus = "waiting"
	RoundStatusRolling RoundStatus = "rolling"
	RoundStatusEnded   RoundStatus = "ended"
)

type RoundOutcome string

const (
	OutcomeNone     RoundOutcome = ""
	OutcomeWon      RoundOutcome = "won"
	OutcomeLost     RoundOutcome = "lost"
	OutcomeRefunded RoundOutcome = "refunded"
)

// Round is one coinflip wager from acceptance to settlement. Amounts are in
// the denom's minor units.
type Round struct {
	ID     string   `json:"id"`
	UserID string   `json:"user_id"`
	Game   GameType `json:"game"`
	Denom  string   `json:"denom"`

	BetAmount     int64 `json:"bet_amount"`
	CoinCount     int   `json:"coin_count"`
	ChosenSide    bool  `json:"chosen_side"`
	SideThreshold int   `json:"side_threshold"`

	// Provably fair fields
	PrivateSeed string  `json:"private_seed,omitempty"`
	PublicHash  string  `json:"public_hash"`
	RandomValue *uint64 `json:"random_value,omitempty"`
	Results     []bool  `json:"results,omitempty"`

	Outcome     RoundOutcome `json:"outcome,omitempty"`
	Payout      int64        `json:"payout"`
	HouseAmount int64        `json:"house_amount"`

	Status    RoundStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	RolledAt  time.Time   `json:"rolled_at,omitempty"`
	EndedAt   time.Time   `json:"ended_at,omitempty"`
}

func (r *Round) IsEnded() bool {
	return r.Status == RoundStatusEnded
}

// Public returns a copy safe to hand to clients: the private seed stays
// hidden until the round has ended.
func (r *Round) Public() *Round {
	cp := *r
	if !r.IsEnded() {
		cp.PrivateSeed = ""
	}
	if r.Results != nil {
		cp.Results = append([]bool(nil), r.Results...)
	}
	return &cp
}
