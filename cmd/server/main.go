package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/ai"
	"github.com/karian7/chatrelay/internal/api"
	"github.com/karian7/chatrelay/internal/config"
	"github.com/karian7/chatrelay/internal/core"
	"github.com/karian7/chatrelay/internal/crypto"
	"github.com/karian7/chatrelay/internal/store"
	"github.com/karian7/chatrelay/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize the room/profile store: PostgreSQL in production, SQLite otherwise
	var data store.DataStore
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		data = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		data = sqliteStore
		logger.Info().Msg("using SQLite store")
	}
	defer data.Close()

	// Initialize the Redis message log
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379"
	}
	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()
	logger.Info().Msg("connected to Redis")

	// Session proof verification
	verifier, err := crypto.NewVerifier(cfg.SessionSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid session secret")
	}

	// Wire the core
	bcast := core.NewBroadcaster(logger)
	registry := core.NewRegistry(verifier, cfg.GraceWindow, logger)
	history := core.NewHistory(redisStore, core.HistoryConfig{
		PageSize:    cfg.HistoryPageSize,
		PageCeiling: cfg.HistoryPageCeiling,
	}, logger)

	personas := ai.DefaultPersonas(cfg.OllamaModel)
	generator := ai.NewOllamaClient(cfg.OllamaURL)
	relay := core.NewRelay(generator, personas, redisStore, bcast, logger)

	rooms := core.NewRooms(data, redisStore, history, relay, bcast, registry, logger)

	gateway := ws.NewGateway(verifier, registry, rooms, history, relay, bcast, personas, redisStore, data, logger)

	// Create router
	router := api.NewRouter(logger, data, redisStore, gateway)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections write indefinitely
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Strs("personas", personas.Names()).
			Msg("starting chatrelay server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
