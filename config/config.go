package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache + queue
	RedisAddr         string
	CostEventStream   string // redis stream carrying cost events, default: cost-events
	SettlementGroup   string // consumer group name, default: settlers
	SettlementBatch   int    // max events per receive, default: 10
	MaxDeliveries     int64  // delivery attempts before an event is dropped, default: 5
	RedeliveryMinIdle time.Duration

	// Inference
	Region             string // pricing region, default: us-east-1
	InferenceMode      string // "http" or "static" (test double)
	InferenceEndpoint  string
	InferenceAPIKey    string
	EnableCostTracking bool // default: true; false skips cost-event publishing

	// Alerting
	AlertWebhookURL string // empty disables webhook notifications

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		CostEventStream:      getEnv("COST_EVENT_STREAM", "cost-events"),
		SettlementGroup:      getEnv("SETTLEMENT_GROUP", "settlers"),
		Region:               getEnv("PRICING_REGION", "us-east-1"),
		InferenceMode:        getEnv("INFERENCE_MODE", "http"),
		InferenceEndpoint:    os.Getenv("INFERENCE_ENDPOINT"),
		InferenceAPIKey:      os.Getenv("INFERENCE_API_KEY"),
		AlertWebhookURL:      os.Getenv("BUDGET_ALERT_WEBHOOK_URL"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	batch, err := strconv.Atoi(getEnv("SETTLEMENT_BATCH_SIZE", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_BATCH_SIZE: %w", err)
	}
	cfg.SettlementBatch = batch

	maxDeliveries, err := strconv.ParseInt(getEnv("SETTLEMENT_MAX_DELIVERIES", "5"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_MAX_DELIVERIES: %w", err)
	}
	cfg.MaxDeliveries = maxDeliveries

	minIdle, err := time.ParseDuration(getEnv("SETTLEMENT_REDELIVERY_MIN_IDLE", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SETTLEMENT_REDELIVERY_MIN_IDLE: %w", err)
	}
	cfg.RedeliveryMinIdle = minIdle

	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	cfg.EnableCostTracking = getEnv("ENABLE_COST_TRACKING", "true") != "false"

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.InferenceMode == "http" && cfg.InferenceEndpoint == "" {
		return nil, fmt.Errorf("INFERENCE_ENDPOINT is required when INFERENCE_MODE=http")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
