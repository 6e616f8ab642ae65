package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"vibecarding/internal/config"
	"vibecarding/internal/queue"
	"vibecarding/internal/realtime"
	"vibecarding/internal/store"
	"vibecarding/internal/telemetry"
	"vibecarding/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "worker").Logger()
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.NewRedisQueue(cfg)
	pub := realtime.NewPublisher(rdb, cfg.UpdateChannel)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	cards, err := worker.NewCardHandler(ctx, cfg, st, pub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init card handler")
	}

	processor := worker.NewProcessor(cfg, q, st, pub, workerID, logger)
	processor.RegisterHandler("card:drafts", cards.HandleDraft)
	processor.RegisterHandler("card:final", cards.HandleFinal)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("worker_id", workerID).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
