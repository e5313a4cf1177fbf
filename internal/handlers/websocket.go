package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

const (
	MsgAuthenticate  = "authenticate"
	MsgPlaceWager    = "place_wager"
	MsgPing          = "ping"
	MsgAuthenticated = "authenticated"
	MsgError         = "error"
	MsgUserBanned    = "user_banned"
	MsgWagerAccepted = "wager_accepted"
	MsgWalletUpdated = "wallet_updated"
	MsgRoundRolling  = "round_rolling"
	MsgRoundResolved = "round_resolved"
	MsgPong          = "pong"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Request string           `json:"request"`
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	log  *slog.Logger
}

func newClient(conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// enqueue never blocks. A client that cannot keep up loses messages rather
// than stalling settlement.
func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) sendMessage(msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		c.log.Error("failed to marshal message", slog.String("type", msgType), sl.Err(err))
		return
	}
	c.enqueue(payload)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub routes per-user events to every live connection of that user. It
// implements services.Notifier.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	currencies map[string]int32
	log        *slog.Logger
}

func NewHub(currencies map[string]int32, log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		currencies: currencies,
		log:        log.With(slog.String("component", "ws_hub")),
	}
}

func (h *Hub) Join(userID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.clients[userID]
	if !ok {
		room = make(map[*Client]struct{})
		h.clients[userID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) Leave(userID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.clients[userID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) sendToUser(userID, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.log.Error("failed to marshal message", slog.String("type", msgType), sl.Err(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		c.enqueue(payload)
	}
}

func (h *Hub) balancePayload(denom string, balance int64) models.BalanceResponse {
	return models.BalanceResponse{
		Denom:        denom,
		Balance:      models.FormatAmount(balance, h.currencies[denom]),
		BalanceMinor: balance,
	}
}

func (h *Hub) WalletUpdated(userID, denom string, balance int64) {
	h.sendToUser(userID, MsgWalletUpdated, h.balancePayload(denom, balance))
}

func (h *Hub) RoundRolling(userID, roundID string, animation time.Duration) {
	h.sendToUser(userID, MsgRoundRolling, models.NewRoundRollingEvent(roundID, animation))
}

func (h *Hub) RoundResolved(userID string, round *models.Round) {
	event := models.RoundResolvedEvent{
		RoundID:        round.ID,
		PerCoinResults: round.Results,
		Won:            round.Outcome == models.OutcomeWon,
		Outcome:        round.Outcome,
		PrivateSeed:    round.PrivateSeed,
		PublicHash:     round.PublicHash,
		Payout:         models.FormatAmount(round.Payout, h.currencies[round.Denom]),
	}
	if round.RandomValue != nil {
		event.RevealedRandom = *round.RandomValue
	}

	h.sendToUser(userID, MsgRoundResolved, event)
}

type WebSocketHandler struct {
	gameEngine   *services.GameEngine
	redisService *services.RedisService
	jwtService   *services.JWTService
	hub          *Hub
	betLimit     int
	log          *slog.Logger
}

func NewWebSocketHandler(gameEngine *services.GameEngine, redisService *services.RedisService, jwtService *services.JWTService, hub *Hub, betLimit int, log *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		gameEngine:   gameEngine,
		redisService: redisService,
		jwtService:   jwtService,
		hub:          hub,
		betLimit:     betLimit,
		log:          log.With(slog.String("component", "ws")),
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("failed to upgrade to websocket", sl.Err(err))
		return
	}

	client := newClient(conn, h.log)
	session := NewSession(h.jwtService, h.redisService)

	go client.writePump()

	defer func() {
		if session.UserID() != "" {
			h.hub.Leave(session.UserID(), client)
		}
		session.Close()
		close(client.done)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := c.Request.Context()
	for {
		var msg InboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", sl.Err(err))
			}
			return
		}

		h.handleMessage(ctx, client, session, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, client *Client, session *Session, msg *InboundMessage) {
	switch msg.Type {
	case MsgPing:
		client.sendMessage(MsgPong, gin.H{"timestamp": time.Now().UnixMilli()})
		return
	case MsgAuthenticate:
		h.authenticate(ctx, client, session, msg)
		return
	}

	if err := session.CheckBan(ctx); err != nil {
		if errors.Is(err, models.ErrUserBanned) {
			h.hub.Leave(session.UserID(), client)
			client.sendMessage(MsgUserBanned, nil)
			return
		}
		h.sendError(client, msg.Type, err)
		return
	}

	// No-op unless a lifted ban left the client outside its room.
	h.hub.Join(session.UserID(), client)

	switch msg.Type {
	case MsgPlaceWager:
		h.placeWager(ctx, client, session, msg)
	default:
		h.log.Debug("ignoring unknown message", slog.String("type", msg.Type))
	}
}

func (h *WebSocketHandler) authenticate(ctx context.Context, client *Client, session *Session, msg *InboundMessage) {
	var req models.AuthenticateRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(client, MsgAuthenticate, models.NewWagerError(models.CodeAuthInvalid, "Malformed authenticate request"))
			return
		}
	}

	if previous := session.UserID(); previous != "" {
		h.hub.Leave(previous, client)
	}

	if err := session.Authenticate(ctx, req.Token); err != nil {
		h.sendError(client, MsgAuthenticate, err)
		if errors.Is(err, models.ErrUserBanned) {
			client.sendMessage(MsgUserBanned, nil)
		}
		return
	}

	h.hub.Join(session.UserID(), client)
	client.sendMessage(MsgAuthenticated, gin.H{"user_id": session.UserID()})

	acc, err := h.redisService.GetAccount(ctx, session.UserID())
	if err != nil {
		h.log.Error("failed to load wallet", slog.String("user_id", session.UserID()), sl.Err(err))
		return
	}
	for denom, balance := range acc.Wallet {
		client.sendMessage(MsgWalletUpdated, h.hub.balancePayload(denom, balance))
	}
}

func (h *WebSocketHandler) placeWager(ctx context.Context, client *Client, session *Session, msg *InboundMessage) {
	userID := session.UserID()

	allowed, err := h.redisService.CheckRateLimit(ctx, userID, "bet", h.betLimit, services.DefaultRateLimitWindow)
	if err != nil {
		h.sendError(client, MsgPlaceWager, err)
		return
	}
	if !allowed {
		h.sendError(client, MsgPlaceWager, models.NewWagerError(models.CodeRateLimited, "Too many bets. Please wait."))
		return
	}

	var req models.PlaceWagerRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.sendError(client, MsgPlaceWager, models.NewWagerError(models.CodeInvalidBetSize, "Malformed wager"))
		return
	}

	round, err := h.gameEngine.PlaceWager(ctx, userID, &req)
	if err != nil {
		h.sendError(client, MsgPlaceWager, err)
		return
	}

	client.sendMessage(MsgWagerAccepted, gin.H{"round": round})
}

func (h *WebSocketHandler) sendError(client *Client, request string, err error) {
	var werr *models.WagerError
	if !errors.As(err, &werr) {
		h.log.Error("request failed", slog.String("request", request), sl.Err(err))
		werr = models.InternalError()
	}

	client.sendMessage(MsgError, ErrorPayload{
		Request: request,
		Code:    werr.Code,
		Message: werr.Message,
	})
}
