package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-meter/config"
	"github.com/vnmchuo/llm-meter/internal/alerting"
	"github.com/vnmchuo/llm-meter/internal/auth"
	"github.com/vnmchuo/llm-meter/internal/cache"
	"github.com/vnmchuo/llm-meter/internal/gateway"
	"github.com/vnmchuo/llm-meter/internal/idempotency"
	"github.com/vnmchuo/llm-meter/internal/inference"
	"github.com/vnmchuo/llm-meter/internal/ledger"
	"github.com/vnmchuo/llm-meter/internal/metrics"
	"github.com/vnmchuo/llm-meter/internal/pricing"
	"github.com/vnmchuo/llm-meter/internal/queue"
	"github.com/vnmchuo/llm-meter/internal/seeder"
	"github.com/vnmchuo/llm-meter/internal/session"
	"github.com/vnmchuo/llm-meter/internal/settlement"
	"github.com/vnmchuo/llm-meter/internal/telemetry"
	"github.com/vnmchuo/llm-meter/internal/tenant"
	"github.com/vnmchuo/llm-meter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-meter-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
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

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	logger.Info("Redis connected")

	cacheClient := cache.NewClient(rdb, logger)

	// 5. Resolvers and ledger over the cache-aside layer
	tenants := tenant.NewResolver(tenant.NewPostgresStore(pool), cacheClient, logger)
	prices := pricing.NewResolver(pricing.NewPostgresStore(pool), cacheClient, cfg.Region, logger)
	budgets := ledger.New(ledger.NewPostgresStore(pool), cacheClient, logger)

	// 6. Settlement transports: inline for direct mode, queue for metered
	notifier := buildNotifier(cfg, logger)
	processor := settlement.NewProcessor(
		idempotency.NewRedisGuard(rdb),
		budgets,
		session.NewPostgresStore(pool),
		metrics.NewZapEmitter(logger),
		alerting.NewThrottler(budgets, notifier, logger),
		logger,
	)
	publisher := queue.NewPublisher(rdb, cfg.CostEventStream, logger)

	direct := gateway.NewInlineTransport(processor)
	metered := gateway.NewQueueTransport(publisher, cfg.EnableCostTracking, logger)

	// 7. Inference client selected by configuration
	var client inference.Client
	if cfg.InferenceMode == "static" {
		client = inference.NewStaticClient()
	} else {
		client = inference.NewHTTPClient(cfg.InferenceEndpoint, cfg.InferenceAPIKey)
	}

	// 8. Admission gateway
	tracer := otel.GetTracerProvider().Tracer("llm-meter")
	gw := gateway.New(
		tenants, prices, budgets,
		idempotency.NewPostgresGuard(pool),
		client, direct, metered,
		tracer, logger,
	)

	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := gateway.NewHandler(gw, budgets, limiter, logger)

	// 9. Auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, cacheClient, logger)

	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 10. Router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-meter"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/invoke", handler.HandleInvoke)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	logger.Info("server stopped")
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) alerting.Notifier {
	if cfg.AlertWebhookURL != "" {
		return alerting.NewWebhookNotifier(cfg.AlertWebhookURL)
	}
	return alerting.NewLogNotifier(logger)
}
