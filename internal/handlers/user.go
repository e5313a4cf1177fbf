package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"coinflip-backend/internal/models"
	"coinflip-backend/internal/services"
)

type UserHandler struct {
	redisService *services.RedisService
	currencies   map[string]int32
}

func NewUserHandler(redisService *services.RedisService, currencies map[string]int32) *UserHandler {
	return &UserHandler{
		redisService: redisService,
		currencies:   currencies,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID := c.GetString("user_id")

	acc, err := h.redisService.GetAccount(c.Request.Context(), userID)
	if errors.Is(err, services.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get user"})
		return
	}

	denoms := make([]string, 0, len(h.currencies))
	for denom := range h.currencies {
		denoms = append(denoms, denom)
	}
	sort.Strings(denoms)

	wallet := make([]models.BalanceResponse, 0, len(denoms))
	for _, denom := range denoms {
		wallet = append(wallet, models.BalanceResponse{
			Denom:        denom,
			Balance:      models.FormatAmount(acc.Balance(denom), h.currencies[denom]),
			BalanceMinor: acc.Balance(denom),
		})
	}

	now := time.Now()
	_, selfExcluded := acc.SelfExcludedUntil(models.GameTypeCoinflip, now)

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":       acc.ID,
			"username": acc.Username,
		},
		"wallet": wallet,
		"restrictions": gin.H{
			"banned":        acc.IsBanned(now),
			"bets_locked":   acc.BetsLocked,
			"self_excluded": selfExcluded,
		},
	})
}

func (h *UserHandler) GetTransactions(c *gin.Context) {
	userID := c.GetString("user_id")
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)

	transactions, err := h.redisService.GetUserTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"count":        len(transactions),
	})
}
