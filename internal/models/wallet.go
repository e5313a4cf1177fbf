package models

import "time"

type LeaderboardStat struct {
	Bet int64 `json:"bet"`
	Win int64 `json:"win"`
}

// Account is a user (or the house) as seen by the settlement engine. Every
// amount is in minor units of its denom.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`

	Wallet      map[string]int64                        `json:"wallet"`
	Wager       map[GameType]map[string]int64           `json:"wager"`
	WagerNeeded map[string]int64                        `json:"wager_needed"`
	Leaderboard map[GameType]map[string]LeaderboardStat `json:"leaderboard"`

	BanExpires   time.Time              `json:"ban_expires,omitempty"`
	SelfExcludes map[GameType]time.Time `json:"self_excludes,omitempty"`
	BetsLocked   bool                   `json:"bets_locked"`
}

func NewAccount(id string) *Account {
	return &Account{
		ID:           id,
		Wallet:       make(map[string]int64),
		Wager:        make(map[GameType]map[string]int64),
		WagerNeeded:  make(map[string]int64),
		Leaderboard:  make(map[GameType]map[string]LeaderboardStat),
		SelfExcludes: make(map[GameType]time.Time),
	}
}

func (a *Account) Balance(denom string) int64 {
	return a.Wallet[denom]
}

func (a *Account) IsBanned(now time.Time) bool {
	return a.BanExpires.After(now)
}

func (a *Account) SelfExcludedUntil(game GameType, now time.Time) (time.Time, bool) {
	until, ok := a.SelfExcludes[game]
	if !ok || !until.After(now) {
		return time.Time{}, false
	}
	return until, true
}

type BalanceResponse struct {
	Denom        string `json:"denom"`
	Balance      string `json:"balance"`
	BalanceMinor int64  `json:"balance_minor"`
}
