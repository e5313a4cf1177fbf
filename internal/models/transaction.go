package models

import "time"

type TransactionReason string

const (
	ReasonCoinflipBet        TransactionReason = "coinflip_bet"
	ReasonCoinflipWin        TransactionReason = "coinflip_win"
	ReasonCoinflipRefund     TransactionReason = "coinflip_refund"
	ReasonCoinflipHouseFee   TransactionReason = "coinflip_house_fee"
	ReasonCoinflipHouseStake TransactionReason = "coinflip_house_stake"
	ReasonDeposit            TransactionReason = "deposit"
)

// Transaction is an append-only ledger record. For a given (user, denom) the
// amounts sum to the wallet balance.
type Transaction struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Denom     string            `json:"denom"`
	Amount    int64             `json:"amount"`
	Reason    TransactionReason `json:"reason"`
	RoundID   string            `json:"round_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RoundTransactionID is deterministic so that replaying a settlement step
// finds the entry already applied.
func RoundTransactionID(roundID string, reason TransactionReason) string {
	return roundID + ":" + string(reason)
}
