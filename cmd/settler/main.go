package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/alerting"
	"github.com/vnmchuo/llm-meter/internal/cache"
	"github.com/vnmchuo/llm-meter/internal/idempotency"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/metrics"
	"github.com/vnmchuo/llm-meter/internal/queue"
	"github.com/vnmchuo/llm-meter/internal/session"
	"github.com/vnmchuo/llm-meter/internal/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	logger.Info("PostgreSQL connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	logger.Info("Redis connected")

	cacheClient := cache.NewClient(rdb, logger)
	budgets := ledger.New(ledger.NewPostgresStore(pool), cacheClient, logger)

	var notifier alerting.Notifier
	if cfg.AlertWebhookURL != "" {
		notifier = alerting.NewWebhookNotifier(cfg.AlertWebhookURL)
	} else {
		notifier = alerting.NewLogNotifier(logger)
	}

	processor := settlement.NewProcessor(
		idempotency.NewRedisGuard(rdb),
		budgets,
		session.NewPostgresStore(pool),
		metrics.NewZapEmitter(logger),
		alerting.NewThrottler(budgets, notifier, logger),
		logger,
	)

	consumer := queue.NewConsumer(rdb, queue.ConsumerConfig{
		Stream:        cfg.CostEventStream,
		Group:         cfg.SettlementGroup,
		Consumer:      "settler-" + uuid.NewString(),
		BatchSize:     cfg.SettlementBatch,
		MinIdle:       cfg.RedeliveryMinIdle,
		MaxDeliveries: cfg.MaxDeliveries,
	}, logger)

	if err := consumer.EnsureGroup(ctx); err != nil {
		log.Fatalf("failed to create consumer group: %v", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("settler starting",
		zap.String("stream", cfg.CostEventStream),
		zap.String("group", cfg.SettlementGroup))

	if err := consumer.Run(runCtx, processor.HandleBatch); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("settler stopped")
}
