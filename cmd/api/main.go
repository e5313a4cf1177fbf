package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"coinflip-backend/internal/config"
	"coinflip-backend/internal/handlers"
	"coinflip-backend/internal/lib/logger/sl"
	"coinflip-backend/internal/middleware"
	"coinflip-backend/internal/services"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := sl.Setup(cfg.Env)
	if envErr != nil {
		log.Debug("no .env file found, using environment variables")
	}
	log.Info("starting coinflip service", slog.String("env", cfg.Env))

	if err := run(cfg, log); err != nil {
		log.Error("service stopped with error", sl.Err(err))
		os.Exit(1)
	}
	log.Info("service stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisService, err := services.NewRedisService(cfg)
	if err != nil {
		return err
	}
	defer redisService.Close()

	healthChecks := map[string]handlers.Pinger{"redis": redisService}

	hub := handlers.NewHub(cfg.Currencies, log)
	gameEngine := services.NewGameEngine(cfg, redisService, hub, log)

	var archive *services.PostgresArchive
	if cfg.DatabaseURL != "" {
		archive, err = services.NewPostgresArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer archive.Close()

		if err := archive.InitSchema(ctx); err != nil {
			return err
		}

		gameEngine.WithArchive(archive)
		redisService.EnableOutbox(cfg.OutboxMaxLen)
		healthChecks["postgres"] = archive
		log.Info("postgres archive enabled", slog.Int64("outbox_max_len", cfg.OutboxMaxLen))
	} else {
		log.Warn("DATABASE_URL not set, archive disabled")
	}

	recovered, err := gameEngine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover open rounds: %w", err)
	}
	log.Info("open rounds recovered", slog.Int("count", recovered))

	jwtService := services.NewJWTService(cfg)

	wsHandler := handlers.NewWebSocketHandler(gameEngine, redisService, jwtService, hub, cfg.BetRateLimit, log)
	userHandler := handlers.NewUserHandler(redisService, cfg.Currencies)
	gameHandler := handlers.NewGameHandler(gameEngine, log)
	healthHandler := handlers.NewHealthHandler(healthChecks)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/api/health", healthHandler.Health)
	router.GET("/coinflip", wsHandler.HandleWebSocket)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(jwtService))
	protected.Use(middleware.RateLimitMiddleware(redisService))
	{
		protected.GET("/me", userHandler.GetCurrentUser)
		protected.GET("/wallet/transactions", userHandler.GetTransactions)

		coinflip := protected.Group("/coinflip")
		{
			coinflip.GET("/rounds", gameHandler.GetRoundHistory)
			coinflip.GET("/rounds/:id", gameHandler.GetRound)
			coinflip.POST("/verify", gameHandler.VerifyRound)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server started", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return gameEngine.Run(gctx)
	})

	if archive != nil {
		hostname, _ := os.Hostname()
		archiver := services.NewArchiver(redisService, archive, "archiver-"+hostname, cfg.SettlementPollInterval, log)
		g.Go(func() error {
			return archiver.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	log = log.With(slog.String("component", "http"))

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
