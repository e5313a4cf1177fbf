package services

import "errors"

var (
	ErrRoundNotFound       = errors.New("round not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrLedgerWriteConflict = errors.New("ledger write conflict, retries exhausted")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAlreadySettled      = errors.New("round already settled")
	ErrInvalidAmount       = errors.New("invalid ledger amount")
	ErrBalanceOverflow     = errors.New("balance overflow")
)
