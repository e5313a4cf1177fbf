package services

import "time"

const (
	KeyAccount            = "account:%s"
	KeyAccountApplied     = "account:%s:applied"
	KeyLedger             = "ledger:%s"
	KeyRound              = "round:%s"
	KeyOpenRounds         = "rounds:open"
	KeyUserRounds         = "rounds:user:%s"
	KeySettlementSchedule = "settlement:schedule"
	KeyLedgerOutbox       = "outbox:ledger"
	KeyRoundOutbox        = "outbox:rounds"
	KeyOutboxDeadLetter   = "outbox:dead"
	KeyRateLimit          = "ratelimit:%s:%s"

	// Account hash fields
	FieldUsername       = "username"
	FieldBanExpires     = "ban_expires"
	FieldBetsLocked     = "bets_locked"
	FieldSelfExclude    = "self_exclude:%s"
	FieldWallet         = "wallet:%s"
	FieldWager          = "wager:%s:%s"
	FieldWagerNeeded    = "wager_needed:%s"
	FieldLeaderboardBet = "lb:%s:%s:bet"
	FieldLeaderboardWin = "lb:%s:%s:win"

	ArchiverConsumerGroup = "archiver"
	ArchiverMaxDeliveries = 5

	TTLEndedRound = 7 * 24 * time.Hour // 7 days, the archive keeps the rest

	AppliedEntryRetention = 2 * TTLEndedRound

	MaxRoundHistory = 100

	DefaultRateLimitWindow = time.Minute
)
