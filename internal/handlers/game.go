package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/slog"

	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

type GameHandler struct {
	gameEngine *services.GameEngine
	log        *slog.Logger
}

func NewGameHandler(gameEngine *services.GameEngine, log *slog.Logger) *GameHandler {
	return &GameHandler{
		gameEngine: gameEngine,
		log:        log.With(slog.String("component", "game_handler")),
	}
}

func (h *GameHandler) GetRoundHistory(c *gin.Context) {
	userID := c.GetString("user_id")
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)

	rounds, err := h.gameEngine.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.log.Error("failed to get round history", slog.String("user_id", userID), sl.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get round history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rounds": rounds,
		"count":  len(rounds),
	})
}

func (h *GameHandler) GetRound(c *gin.Context) {
	roundID := c.Param("id")

	round, err := h.gameEngine.Round(c.Request.Context(), roundID)
	if errors.Is(err, services.ErrRoundNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Round not found"})
		return
	}
	if err != nil {
		h.log.Error("failed to get round", slog.String("round_id", roundID), sl.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get round"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"round": round})
}

func (h *GameHandler) VerifyRound(c *gin.Context) {
	var req models.VerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	result, err := h.gameEngine.Verify(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Verification failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
