package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinflip-backend/internal/config"
	"coinflip-backend/internal/handlers"
	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/middleware"
	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

type testEnv struct {
	mr     *miniredis.Miniredis
	cfg    *config.Config
	redis  *services.RedisService
	jwt    *services.JWTService
	engine *services.GameEngine
	server *httptest.Server
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Env:            "local",
		RedisURL:       mr.Addr(),
		JWTSecret:      "test-secret",
		HouseAccountID: "house",
		Currencies:     map[string]int32{"usk": 2},
		Coinflip: config.CoinflipConfig{
			FeeRate:         decimal.RequireFromString("0.05"),
			MinBet:          decimal.RequireFromString("0.1"),
			MaxBet:          decimal.RequireFromString("1000"),
			MinCoins:        1,
			MaxCoins:        10,
			AnimationDelay:  20 * time.Millisecond,
			ThresholdFloors: config.DefaultThresholdFloors(),
		},
		LedgerMaxRetries:       5,
		SettlementPollInterval: 10 * time.Millisecond,
		BetRateLimit:           30,
	}

	redisService, err := services.NewRedisService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { redisService.Close() })

	log := sl.Discard()
	hub := handlers.NewHub(cfg.Currencies, log)
	engine := services.NewGameEngine(cfg, redisService, hub, log)
	t.Cleanup(engine.Scheduler().Stop)
	jwtService := services.NewJWTService(cfg)

	wsHandler := handlers.NewWebSocketHandler(engine, redisService, jwtService, hub, cfg.BetRateLimit, log)
	userHandler := handlers.NewUserHandler(redisService, cfg.Currencies)
	gameHandler := handlers.NewGameHandler(engine, log)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{"redis": redisService})

	router := gin.New()
	router.GET("/api/health", healthHandler.Health)
	router.GET("/coinflip", wsHandler.HandleWebSocket)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(jwtService))
	protected.Use(middleware.RateLimitMiddleware(redisService))
	protected.GET("/me", userHandler.GetCurrentUser)
	protected.GET("/wallet/transactions", userHandler.GetTransactions)
	protected.GET("/coinflip/rounds", gameHandler.GetRoundHistory)
	protected.GET("/coinflip/rounds/:id", gameHandler.GetRound)
	protected.POST("/coinflip/verify", gameHandler.VerifyRound)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{mr: mr, cfg: cfg, redis: redisService, jwt: jwtService, engine: engine, server: server}
}

func (e *testEnv) seedUser(t *testing.T, userID string, minor int64) string {
	t.Helper()
	ctx := context.Background()

	acc := models.NewAccount(userID)
	acc.Username = "player-" + userID
	require.NoError(t, e.redis.SaveProfile(ctx, acc))
	if minor > 0 {
		_, err := e.engine.Ledger().Deposit(ctx, userID, "usk", minor)
		require.NoError(t, err)
	}

	token, err := e.jwt.GenerateToken(userID)
	require.NoError(t, err)
	return token
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dial(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/coinflip"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(gin.H{"type": msgType, "data": data}))
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) (wsMessage, []wsMessage) {
	t.Helper()

	var seen []wsMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg, seen
		}
		seen = append(seen, msg)
	}
}

func TestSessionStates(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	token := e.seedUser(t, "u1", 0)

	session := handlers.NewSession(e.jwt, e.redis)
	assert.Equal(t, handlers.StateUnauthenticated, session.State())
	assert.ErrorIs(t, session.CheckBan(ctx), models.ErrAuthInvalid)

	assert.ErrorIs(t, session.Authenticate(ctx, "garbage"), models.ErrAuthInvalid)
	assert.Equal(t, handlers.StateUnauthenticated, session.State())

	ghost, err := e.jwt.GenerateToken("ghost")
	require.NoError(t, err)
	assert.ErrorIs(t, session.Authenticate(ctx, ghost), models.ErrAuthInvalid)

	require.NoError(t, session.Authenticate(ctx, token))
	assert.Equal(t, handlers.StateAuthenticated, session.State())
	assert.Equal(t, "u1", session.UserID())
	assert.NoError(t, session.CheckBan(ctx))

	require.NoError(t, e.redis.SetBan(ctx, "u1", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, session.CheckBan(ctx), models.ErrUserBanned)
	assert.Equal(t, handlers.StateBanned, session.State())

	fresh := handlers.NewSession(e.jwt, e.redis)
	assert.ErrorIs(t, fresh.Authenticate(ctx, token), models.ErrUserBanned)
	assert.Equal(t, handlers.StateBanned, fresh.State())

	fresh.Close()
	assert.Equal(t, handlers.StateUnauthenticated, fresh.State())

	require.NoError(t, e.redis.SetBan(ctx, "u1", time.Now().Add(-time.Minute)))
	assert.NoError(t, session.CheckBan(ctx))
	assert.Equal(t, handlers.StateAuthenticated, session.State())
}

func TestSessionFailedReauthenticationDropsIdentity(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	token := e.seedUser(t, "u1", 0)
	other := e.seedUser(t, "u2", 0)

	session := handlers.NewSession(e.jwt, e.redis)
	require.NoError(t, session.Authenticate(ctx, token))
	assert.Equal(t, "u1", session.UserID())

	e.mr.SetError("LOADING redis is loading the dataset")
	assert.Error(t, session.Authenticate(ctx, other))
	e.mr.SetError("")

	assert.Equal(t, handlers.StateUnauthenticated, session.State())
	assert.Empty(t, session.UserID())
	assert.ErrorIs(t, session.CheckBan(ctx), models.ErrAuthInvalid)
}

func TestWebSocketWagerFlow(t *testing.T) {
	e := setupEnv(t)
	token := e.seedUser(t, "u1", 1000)
	conn := dial(t, e)

	wager := gin.H{"amount": "1", "denom": "usk", "coin_count": 3, "chosen_side": true, "side_threshold": 2}

	send(t, conn, "place_wager", wager)
	msg, _ := readUntil(t, conn, "error")
	var errPayload handlers.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &errPayload))
	assert.Equal(t, models.CodeAuthInvalid, errPayload.Code)

	send(t, conn, "authenticate", gin.H{"token": token})
	readUntil(t, conn, "authenticated")

	send(t, conn, "ping", nil)
	readUntil(t, conn, "pong")

	send(t, conn, "place_wager", wager)
	accepted, before := readUntil(t, conn, "wager_accepted")

	var body struct {
		Round models.Round `json:"round"`
	}
	require.NoError(t, json.Unmarshal(accepted.Data, &body))
	assert.Empty(t, body.Round.PrivateSeed)
	assert.NotEmpty(t, body.Round.PublicHash)

	resolvedMsg, _ := readUntil(t, conn, "round_resolved")
	var resolved models.RoundResolvedEvent
	require.NoError(t, json.Unmarshal(resolvedMsg.Data, &resolved))
	assert.Equal(t, body.Round.ID, resolved.RoundID)
	assert.Equal(t, body.Round.PublicHash, services.HashSeed(resolved.PrivateSeed))
	assert.Len(t, resolved.PerCoinResults, 3)

	var types []string
	for _, m := range before {
		types = append(types, m.Type)
	}
	assert.Contains(t, types, "wallet_updated")
	assert.Contains(t, types, "round_rolling")

	send(t, conn, "place_wager", gin.H{"amount": "1", "denom": "usk", "coin_count": 3, "chosen_side": true, "side_threshold": 4})
	msg, _ = readUntil(t, conn, "error")
	require.NoError(t, json.Unmarshal(msg.Data, &errPayload))
	assert.Equal(t, models.CodeInvalidSideCount, errPayload.Code)
	assert.Equal(t, "place_wager", errPayload.Request)
}

func TestWebSocketBanTakesEffectMidSession(t *testing.T) {
	e := setupEnv(t)
	token := e.seedUser(t, "u1", 1000)
	conn := dial(t, e)

	send(t, conn, "authenticate", gin.H{"token": token})
	readUntil(t, conn, "authenticated")

	require.NoError(t, e.redis.SetBan(context.Background(), "u1", time.Now().Add(time.Hour)))

	send(t, conn, "place_wager", gin.H{"amount": "1", "denom": "usk", "coin_count": 1, "chosen_side": true, "side_threshold": 1})
	readUntil(t, conn, "user_banned")

	acc, err := e.redis.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acc.Balance("usk"))

	require.NoError(t, e.redis.SetBan(context.Background(), "u1", time.Now().Add(-time.Minute)))

	send(t, conn, "place_wager", gin.H{"amount": "1", "denom": "usk", "coin_count": 1, "chosen_side": true, "side_threshold": 1})
	readUntil(t, conn, "wager_accepted")
	readUntil(t, conn, "round_resolved")
}

func TestHTTPEndpoints(t *testing.T) {
	e := setupEnv(t)
	token := e.seedUser(t, "u1", 1234)

	get := func(path string) (*http.Response, map[string]interface{}) {
		req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, err := http.Get(e.server.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := get("/api/me")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	wallet := body["wallet"].([]interface{})
	require.Len(t, wallet, 1)
	assert.Equal(t, "12.34", wallet[0].(map[string]interface{})["balance"])

	resp, body = get("/api/wallet/transactions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = get("/api/coinflip/rounds/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get("/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	seed := "abc123"
	payload := `{"round_id":"r1","private_seed":"` + seed + `","public_hash":"` + services.HashSeed(seed) +
		`","coin_count":3,"chosen_side":true,"side_threshold":2}`
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/coinflip/verify", strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result models.VerificationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Valid)
	assert.Len(t, result.Results, 3)
}
