package services

import (
	"time"

	"coinflip-backend/internal/models"
)

// Notifier pushes round and wallet events to a user's live connections.
// Implementations must not block the caller.
type Notifier interface {
	WalletUpdated(userID, denom string, balance int64)
	RoundRolling(userID, roundID string, animation time.Duration)
	RoundResolved(userID string, round *models.Round)
}

type nopNotifier struct{}

func (nopNotifier) WalletUpdated(string, string, int64)        {}
func (nopNotifier) RoundRolling(string, string, time.Duration) {}
func (nopNotifier) RoundResolved(string, *models.Round)        {}
