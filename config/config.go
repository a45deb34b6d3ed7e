// Package config assembles broker configuration from defaults, an
// optional TOML file, and environment variables, in that order of
// precedence.
package config

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config is the complete configuration for both the API and worker
// processes.
type Config struct {
	Listen    ListenConfig    `toml:"listen"`
	Auth      AuthConfig      `toml:"auth"`
	Store     StoreConfig     `toml:"store"`
	Csp       CspConfig       `toml:"csp"`
	Pool      PoolConfig      `toml:"pool"`
	Worker    WorkerConfig    `toml:"worker"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Cors      CorsConfig      `toml:"cors"`
	Log       LogConfig       `toml:"log"`
}

type ListenConfig struct {
	Address string `toml:"address" env:"BROKER_LISTEN_ADDRESS"`
	// APIPrefix is the version segment every route hangs under.
	APIPrefix string `toml:"api_prefix" env:"BROKER_API_PREFIX"`
	// ShutdownGraceSec bounds the drain of in-flight requests.
	ShutdownGraceSec int `toml:"shutdown_grace_sec" env:"BROKER_SHUTDOWN_GRACE_SEC"`
}

type AuthConfig struct {
	// APIToken authorizes the consumer endpoints.
	APIToken string `toml:"api_token" env:"BROKER_API_TOKEN"`
	// AdminToken authorizes everything under /admin.
	AdminToken string `toml:"admin_token" env:"BROKER_ADMIN_TOKEN"`
}

type StoreConfig struct {
	TableName   string `toml:"table_name" env:"DDB_TABLE_NAME"`
	StatusIndex string `toml:"status_index" env:"DDB_GSI1_NAME"`
	OwnerIndex  string `toml:"owner_index" env:"DDB_GSI2_NAME"`
	IdemIndex   string `toml:"idem_index" env:"DDB_GSI3_NAME"`
	Region      string `toml:"region" env:"AWS_REGION"`
	// EndpointURL points at DynamoDB Local when set.
	EndpointURL string `toml:"endpoint_url" env:"DDB_ENDPOINT_URL"`
}

type CspConfig struct {
	BaseURL           string `toml:"base_url" env:"CSP_BASE_URL"`
	APIToken          string `toml:"api_token" env:"CSP_API_TOKEN"`
	TimeoutConnectSec int    `toml:"timeout_connect_sec" env:"CSP_TIMEOUT_CONNECT_SEC"`
	TimeoutReadSec    int    `toml:"timeout_read_sec" env:"CSP_TIMEOUT_READ_SEC"`
}

type PoolConfig struct {
	LabDurationHours         int `toml:"lab_duration_hours" env:"LAB_DURATION_HOURS"`
	GracePeriodMinutes       int `toml:"grace_period_minutes" env:"GRACE_PERIOD_MINUTES"`
	KCandidates              int `toml:"k_candidates" env:"K_CANDIDATES"`
	BackoffBaseMs            int `toml:"backoff_base_ms" env:"BACKOFF_BASE_MS"`
	BackoffMaxMs             int `toml:"backoff_max_ms" env:"BACKOFF_MAX_MS"`
	DeletionRetryMaxAttempts int `toml:"deletion_retry_max_attempts" env:"DELETION_RETRY_MAX_ATTEMPTS"`
}

type WorkerConfig struct {
	SyncIntervalSec        int `toml:"sync_interval_sec" env:"SYNC_INTERVAL_SEC"`
	CleanupIntervalSec     int `toml:"cleanup_interval_sec" env:"CLEANUP_INTERVAL_SEC"`
	AutoExpiryIntervalSec  int `toml:"auto_expiry_interval_sec" env:"AUTO_EXPIRY_INTERVAL_SEC"`
	StaleDeleteIntervalSec int `toml:"stale_delete_interval_sec" env:"STALE_DELETE_INTERVAL_SEC"`
	StaleGraceHours        int `toml:"stale_grace_hours" env:"STALE_GRACE_HOURS"`
	CleanupBatchSize       int `toml:"cleanup_batch_size" env:"CLEANUP_BATCH_SIZE"`
	CleanupBatchDelaySec   int `toml:"cleanup_batch_delay_sec" env:"CLEANUP_BATCH_DELAY_SEC"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second" env:"RATE_LIMIT_REQUESTS_PER_SECOND"`
	Burst             int     `toml:"burst" env:"RATE_LIMIT_BURST"`
}

type BreakerConfig struct {
	Threshold  int `toml:"threshold" env:"CIRCUIT_BREAKER_THRESHOLD"`
	TimeoutSec int `toml:"timeout_sec" env:"CIRCUIT_BREAKER_TIMEOUT_SEC"`
}

type CorsConfig struct {
	// AllowedOrigins is a CSV allowlist; a single "*" is for dev only.
	AllowedOrigins []string `toml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"`
}

// DefaultConfig returns a Config with every default in place.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:          ":8080",
			APIPrefix:        "/v1",
			ShutdownGraceSec: 20,
		},
		Auth: AuthConfig{
			APIToken:   "dev-api-token",
			AdminToken: "dev-admin-token",
		},
		Store: StoreConfig{
			TableName:   "SandboxPool",
			StatusIndex: "StatusIndex",
			OwnerIndex:  "TrackIndex",
			IdemIndex:   "IdempotencyIndex",
			Region:      "us-east-1",
		},
		Csp: CspConfig{
			BaseURL:           "https://csp.example.com/sandbox/accounts",
			APIToken:          "mock",
			TimeoutConnectSec: 2,
			TimeoutReadSec:    5,
		},
		Pool: PoolConfig{
			LabDurationHours:         4,
			GracePeriodMinutes:       30,
			KCandidates:              15,
			BackoffBaseMs:            100,
			BackoffMaxMs:             5000,
			DeletionRetryMaxAttempts: 3,
		},
		Worker: WorkerConfig{
			SyncIntervalSec:        600,
			CleanupIntervalSec:     300,
			AutoExpiryIntervalSec:  300,
			StaleDeleteIntervalSec: 86400,
			StaleGraceHours:        24,
			CleanupBatchSize:       10,
			CleanupBatchDelaySec:   2,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Breaker: BreakerConfig{
			Threshold:  5,
			TimeoutSec: 60,
		},
		Cors: CorsConfig{
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Listen,
		validation.Field(&c.Listen.Address, validation.Required),
		validation.Field(&c.Listen.APIPrefix, validation.Required),
		validation.Field(&c.Listen.ShutdownGraceSec, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("listen config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Auth,
		validation.Field(&c.Auth.APIToken, validation.Required),
		validation.Field(&c.Auth.AdminToken, validation.Required),
	); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Store,
		validation.Field(&c.Store.TableName, validation.Required),
		validation.Field(&c.Store.StatusIndex, validation.Required),
		validation.Field(&c.Store.OwnerIndex, validation.Required),
		validation.Field(&c.Store.IdemIndex, validation.Required),
		validation.Field(&c.Store.Region, validation.Required),
	); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Csp,
		validation.Field(&c.Csp.BaseURL, validation.Required),
		validation.Field(&c.Csp.APIToken, validation.Required),
		validation.Field(&c.Csp.TimeoutConnectSec, validation.Required, validation.Min(1)),
		validation.Field(&c.Csp.TimeoutReadSec, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("csp config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Pool,
		validation.Field(&c.Pool.LabDurationHours, validation.Required, validation.Min(1)),
		validation.Field(&c.Pool.GracePeriodMinutes, validation.Min(0)),
		validation.Field(&c.Pool.KCandidates, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.Pool.DeletionRetryMaxAttempts, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Worker,
		validation.Field(&c.Worker.SyncIntervalSec, validation.Required, validation.Min(1)),
		validation.Field(&c.Worker.CleanupIntervalSec, validation.Required, validation.Min(1)),
		validation.Field(&c.Worker.AutoExpiryIntervalSec, validation.Required, validation.Min(1)),
		validation.Field(&c.Worker.StaleDeleteIntervalSec, validation.Required, validation.Min(1)),
		validation.Field(&c.Worker.StaleGraceHours, validation.Required, validation.Min(1)),
		validation.Field(&c.Worker.CleanupBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.Worker.CleanupBatchDelaySec, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := validation.ValidateStruct(&c.RateLimit,
		validation.Field(&c.RateLimit.RequestsPerSecond, validation.Required, validation.Min(0.001)),
		validation.Field(&c.RateLimit.Burst, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("rate limit config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Breaker,
		validation.Field(&c.Breaker.Threshold, validation.Required, validation.Min(1)),
		validation.Field(&c.Breaker.TimeoutSec, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("breaker config: %w", err)
	}

	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Log.Format, validation.In("json", "text")),
	); err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	return nil
}
