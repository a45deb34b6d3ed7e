package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// applyEnvironmentVariables overrides cfg fields from the process
// environment. Unset and empty variables leave the field alone.
func applyEnvironmentVariables(cfg *Config, log *slog.Logger) error {
	var applied []string

	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
			applied = append(applied, key)
		}
	}

	var convErr error
	setInt := func(key string, dst *int) {
		val := os.Getenv(key)
		if val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			convErr = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = n
		applied = append(applied, key)
	}

	setFloat := func(key string, dst *float64) {
		val := os.Getenv(key)
		if val == "" {
			return
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			convErr = fmt.Errorf("invalid %s: %w", key, err)
			return
		}
		*dst = f
		applied = append(applied, key)
	}

	setString("BROKER_LISTEN_ADDRESS", &cfg.Listen.Address)
	setString("BROKER_API_PREFIX", &cfg.Listen.APIPrefix)
	setInt("BROKER_SHUTDOWN_GRACE_SEC", &cfg.Listen.ShutdownGraceSec)

	setString("BROKER_API_TOKEN", &cfg.Auth.APIToken)
	setString("BROKER_ADMIN_TOKEN", &cfg.Auth.AdminToken)

	setString("DDB_TABLE_NAME", &cfg.Store.TableName)
	setString("DDB_GSI1_NAME", &cfg.Store.StatusIndex)
	setString("DDB_GSI2_NAME", &cfg.Store.OwnerIndex)
	setString("DDB_GSI3_NAME", &cfg.Store.IdemIndex)
	setString("AWS_REGION", &cfg.Store.Region)
	setString("DDB_ENDPOINT_URL", &cfg.Store.EndpointURL)

	setString("CSP_BASE_URL", &cfg.Csp.BaseURL)
	setString("CSP_API_TOKEN", &cfg.Csp.APIToken)
	setInt("CSP_TIMEOUT_CONNECT_SEC", &cfg.Csp.TimeoutConnectSec)
	setInt("CSP_TIMEOUT_READ_SEC", &cfg.Csp.TimeoutReadSec)

	setInt("LAB_DURATION_HOURS", &cfg.Pool.LabDurationHours)
	setInt("GRACE_PERIOD_MINUTES", &cfg.Pool.GracePeriodMinutes)
	setInt("K_CANDIDATES", &cfg.Pool.KCandidates)
	setInt("BACKOFF_BASE_MS", &cfg.Pool.BackoffBaseMs)
	setInt("BACKOFF_MAX_MS", &cfg.Pool.BackoffMaxMs)
	setInt("DELETION_RETRY_MAX_ATTEMPTS", &cfg.Pool.DeletionRetryMaxAttempts)

	setInt("SYNC_INTERVAL_SEC", &cfg.Worker.SyncIntervalSec)
	setInt("CLEANUP_INTERVAL_SEC", &cfg.Worker.CleanupIntervalSec)
	setInt("AUTO_EXPIRY_INTERVAL_SEC", &cfg.Worker.AutoExpiryIntervalSec)
	setInt("STALE_DELETE_INTERVAL_SEC", &cfg.Worker.StaleDeleteIntervalSec)
	setInt("STALE_GRACE_HOURS", &cfg.Worker.StaleGraceHours)
	setInt("CLEANUP_BATCH_SIZE", &cfg.Worker.CleanupBatchSize)
	setInt("CLEANUP_BATCH_DELAY_SEC", &cfg.Worker.CleanupBatchDelaySec)

	setFloat("RATE_LIMIT_REQUESTS_PER_SECOND", &cfg.RateLimit.RequestsPerSecond)
	setInt("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	setInt("CIRCUIT_BREAKER_THRESHOLD", &cfg.Breaker.Threshold)
	setInt("CIRCUIT_BREAKER_TIMEOUT_SEC", &cfg.Breaker.TimeoutSec)

	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		var origins []string
		for _, o := range strings.Split(val, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Cors.AllowedOrigins = origins
		applied = append(applied, "CORS_ALLOWED_ORIGINS")
	}

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)

	if convErr != nil {
		return convErr
	}
	if len(applied) > 0 {
		log.Debug("applied environment variables", "count", len(applied), "vars", applied)
	}
	return nil
}
