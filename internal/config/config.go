package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime configuration loaded from the environment.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr string
	PublicBasePath string
	CronSecret     string

	StoreDriver    string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	RedisShared   bool

	MetricsNamespace string

	VTUBaseURL        string
	VTUAPIKey         string
	VTUTimeout        time.Duration
	VTUWebhookUserMD5 string
	VTUWebhookPassMD5 string
	VTUPlanCacheTTL   time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration
	ProviderTimeout  time.Duration

	IdempotencyBucket    time.Duration
	IdempotencyLockTTL   time.Duration
	IdempotencyRetention time.Duration

	ScheduleBatchSize        int
	ScheduleTolerance        time.Duration
	ScheduleRetryBase        time.Duration
	ScheduleRetryMax         time.Duration
	ScheduleUnavailableDelay time.Duration
	ScheduleLease            time.Duration

	JobBatchSize  int
	JobMaxRetries int
	JobLockTTL    time.Duration

	GiftMaxRetries     int
	GiftCreditingLease time.Duration

	SweepInterval time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int

	WhatsAppEnabled   bool
	WhatsAppStorePath string
	WhatsAppLogLevel  string
}

// Load resolves configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:    os.Getenv("PUBLIC_BASE_PATH"),
		CronSecret:        os.Getenv("CRON_SECRET"),
		StoreDriver:       strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DatabaseSchema:    os.Getenv("DATABASE_SCHEMA"),
		SQLitePath:        getEnv("SQLITE_PATH", "data/vtu.db"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		MetricsNamespace:  getEnv("METRICS_NAMESPACE", "vtu"),
		VTUBaseURL:        os.Getenv("VTU_BASE_URL"),
		VTUAPIKey:         os.Getenv("VTU_API_KEY"),
		VTUWebhookUserMD5: os.Getenv("VTU_WEBHOOK_USERNAME_MD5"),
		VTUWebhookPassMD5: os.Getenv("VTU_WEBHOOK_PASSWORD_MD5"),
		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/whatsmeow.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "WARN"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	if cfg.RedisShared, err = getBool("REDIS_SHARED_STATE", false); err != nil {
		return nil, err
	}
	if cfg.VTUTimeout, err = getDuration("VTU_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.VTUPlanCacheTTL, err = getDuration("VTU_PLAN_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BreakerThreshold, err = getInt("BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerCooldown, err = getDuration("BREAKER_COOLDOWN", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = getDuration("PROVIDER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdempotencyBucket, err = getDuration("IDEMPOTENCY_BUCKET", time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdempotencyLockTTL, err = getDuration("IDEMPOTENCY_LOCK_TTL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdempotencyRetention, err = getDuration("IDEMPOTENCY_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ScheduleBatchSize, err = getInt("SCHEDULE_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.ScheduleTolerance, err = getDuration("SCHEDULE_TOLERANCE", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ScheduleRetryBase, err = getDuration("SCHEDULE_RETRY_BASE", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ScheduleRetryMax, err = getDuration("SCHEDULE_RETRY_MAX", 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ScheduleUnavailableDelay, err = getDuration("SCHEDULE_UNAVAILABLE_DELAY", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ScheduleLease, err = getDuration("SCHEDULE_LEASE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JobBatchSize, err = getInt("JOB_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.JobMaxRetries, err = getInt("JOB_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.JobLockTTL, err = getDuration("JOB_LOCK_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.GiftMaxRetries, err = getInt("GIFT_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.GiftCreditingLease, err = getDuration("GIFT_CREDITING_LEASE", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerSecond, err = getFloat("RATE_LIMIT_PER_SECOND", 5); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.WhatsAppEnabled, err = getBool("WHATSAPP_ENABLED", false); err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for postgres store")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required for sqlite store")
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.RedisShared && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_SHARED_STATE requires REDIS_ADDR")
	}
	if cfg.BreakerThreshold <= 0 {
		return nil, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	// A provider call must finish inside both windows or its key or gift can be taken over mid-flight.
	if cfg.IdempotencyLockTTL <= cfg.ProviderTimeout {
		return nil, fmt.Errorf("IDEMPOTENCY_LOCK_TTL (%s) must exceed PROVIDER_TIMEOUT (%s)", cfg.IdempotencyLockTTL, cfg.ProviderTimeout)
	}
	if cfg.GiftCreditingLease <= cfg.ProviderTimeout {
		return nil, fmt.Errorf("GIFT_CREDITING_LEASE (%s) must exceed PROVIDER_TIMEOUT (%s)", cfg.GiftCreditingLease, cfg.ProviderTimeout)
	}
	if cfg.ScheduleBatchSize <= 0 || cfg.JobBatchSize <= 0 {
		return nil, fmt.Errorf("batch sizes must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}
