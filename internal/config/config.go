// Package config loads the single immutable configuration value the rest
// of the service is built from. Subcomponents receive only the sub-struct
// they need; there is no module-global mutable config state.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// StoreConfig configures internal/store's connection pool.
type StoreConfig struct {
	DatabaseURL string
	DevUserID   uuid.UUID
}

// WorkerConfig configures internal/ingestworker, internal/fetcher, and
// internal/extractor, matching the WORKER_* environment surface.
type WorkerConfig struct {
	PollInterval          time.Duration
	BatchSize             int
	StaleProcessingMinutes time.Duration
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration
	MaxBytes              int64
	UserAgent             string
	FetchRPS              float64
	MaxAttempts           int
	MinChars              int
	MaxChars              int
}

// ModelTierConfig is the {provider, model, base_url, api_key} tuple for one
// LLM tier.
type ModelTierConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	// RPS caps outbound requests to this tier's endpoint; 0 means unlimited.
	RPS float64
}

// SummaryConfig configures internal/summary.
type SummaryConfig struct {
	DefaultModelKey string
	Strong          ModelTierConfig
	Mid             ModelTierConfig
	Budget          ModelTierConfig
}

// APIConfig configures internal/api and cmd/api.
type APIConfig struct {
	Port       string
	CORSOrigin string
	Env        string
}

// ObsConfig configures internal/obs.
type ObsConfig struct {
	MetricsAddr string
	ServiceName string
}

// Config is the full, immutable application configuration.
type Config struct {
	Store   StoreConfig
	Worker  WorkerConfig
	Summary SummaryConfig
	API     APIConfig
	Obs     ObsConfig
	NATSURL string // optional; empty disables eventing
	RedisURL string // optional; empty disables the read-through cache
}

// Load builds Config from the process environment.
func Load() (Config, error) {
	devUserID, err := uuid.Parse(envOr("DEV_USER_ID", "00000000-0000-0000-0000-000000000001"))
	if err != nil {
		return Config{}, err
	}

	dbURL := os.Getenv("DATABASE_URL")

	return Config{
		Store: StoreConfig{
			DatabaseURL: dbURL,
			DevUserID:   devUserID,
		},
		Worker: WorkerConfig{
			PollInterval:           envDuration("WORKER_POLL_SECONDS", 3*time.Second),
			BatchSize:              envInt("WORKER_BATCH_SIZE", 5),
			StaleProcessingMinutes: time.Duration(envInt("WORKER_STALE_MINUTES", 15)) * time.Minute,
			ConnectTimeout:         envDuration("WORKER_HTTP_CONNECT_TIMEOUT", 5*time.Second),
			ReadTimeout:            envDuration("WORKER_HTTP_READ_TIMEOUT", 20*time.Second),
			MaxBytes:               envInt64("WORKER_MAX_BYTES", 2_000_000),
			UserAgent:              envOr("WORKER_USER_AGENT", "NudgeBot/0.1"),
			FetchRPS:               envFloat("WORKER_FETCH_RPS", 0), // 0 = unlimited
			MaxAttempts:            envInt("WORKER_MAX_ATTEMPTS", 2),
			MinChars:               envInt("WORKER_MIN_CHARS", 600),
			MaxChars:               envInt("WORKER_MAX_CHARS", 200_000),
		},
		Summary: SummaryConfig{
			DefaultModelKey: envOr("LLM_DEFAULT_MODEL_KEY", "mid"),
			Strong:          loadTier("STRONG"),
			Mid:             loadTier("MID"),
			Budget:          loadTier("BUDGET"),
		},
		API: APIConfig{
			Port:       envOr("PORT", "8080"),
			CORSOrigin: envOr("CORS_ORIGIN", "*"),
			Env:        envOr("ENVIRONMENT", "dev"),
		},
		Obs: ObsConfig{
			MetricsAddr: envOr("METRICS_ADDR", ":9090"),
			ServiceName: envOr("SERVICE_NAME", "nudge"),
		},
		NATSURL:  os.Getenv("NATS_URL"),
		RedisURL: os.Getenv("REDIS_URL"),
	}, nil
}

func loadTier(prefix string) ModelTierConfig {
	return ModelTierConfig{
		Provider: os.Getenv("LLM_" + prefix + "_PROVIDER"),
		Model:    os.Getenv("LLM_" + prefix + "_MODEL"),
		BaseURL:  os.Getenv("LLM_" + prefix + "_BASE_URL"),
		APIKey:   os.Getenv("LLM_" + prefix + "_API_KEY"),
		RPS:      envFloat("LLM_"+prefix+"_RPS", 0),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// WORKER_POLL_SECONDS-style vars are bare integer seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
