package handlers

import (
	"context"
	"errors"
	"time"

	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateBanned
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateBanned:
		return "banned"
	default:
		return "unauthenticated"
	}
}

// Session is the auth state of one live connection. It is owned by the
// connection's read loop and never shared.
type Session struct {
	state  SessionState
	userID string

	jwt   *services.JWTService
	redis *services.RedisService
	now   func() time.Time
}

func NewSession(jwtService *services.JWTService, redisService *services.RedisService) *Session {
	return &Session{
		jwt:   jwtService,
		redis: redisService,
		now:   time.Now,
	}
}

func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Authenticate(ctx context.Context, token string) error {
	claims, err := s.jwt.ValidateToken(token)
	if err != nil {
		s.reset()
		return models.NewWagerError(models.CodeAuthInvalid, "Invalid or expired token")
	}

	acc, err := s.redis.GetAccount(ctx, claims.UserID)
	if errors.Is(err, services.ErrAccountNotFound) {
		s.reset()
		return models.NewWagerError(models.CodeAuthInvalid, "Unknown user")
	}
	if err != nil {
		s.reset()
		return err
	}

	s.userID = acc.ID
	if acc.IsBanned(s.now()) {
		s.state = StateBanned
		return bannedError(acc.BanExpires)
	}

	s.state = StateAuthenticated
	return nil
}

// CheckBan re-reads the account on every request, so a ban placed after
// authentication takes effect at once and an expired or lifted ban returns
// the session to Authenticated.
func (s *Session) CheckBan(ctx context.Context) error {
	if s.state == StateUnauthenticated {
		return models.NewWagerError(models.CodeAuthInvalid, "Not authenticated")
	}

	acc, err := s.redis.GetAccount(ctx, s.userID)
	if err != nil {
		return err
	}

	if acc.IsBanned(s.now()) {
		s.state = StateBanned
		return bannedError(acc.BanExpires)
	}

	s.state = StateAuthenticated
	return nil
}

func (s *Session) Close() {
	s.reset()
}

func (s *Session) reset() {
	s.state = StateUnauthenticated
	s.userID = ""
}

func bannedError(until time.Time) error {
	return models.NewWagerError(models.CodeUserBanned, "You are banned until %s", until.UTC().Format(time.RFC1123))
}
