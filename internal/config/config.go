// Package config loads the relay configuration from environment variables
// with development-friendly defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wavecom/relay/internal/job"
)

// ChannelConfig holds simulation and timeout settings for one provider.
type ChannelConfig struct {
	Timeout     time.Duration
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// WorkerPort is where the standalone worker serves /metrics and
	// /health, kept apart from Port so both processes can share a host.
	WorkerPort int

	// Store selection: "postgres" or "redis".
	StoreKind string

	// Broker selection: "redis" or "sqs".
	BrokerKind string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (store, broker, idempotency, rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS
	SQSRegion       string
	SQSQueueURL     string
	SQSHighQueueURL string
	SQSDLQURL       string

	// Retry policy
	MaxAttempts       int
	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration

	// Worker
	Prefetch        int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	// Per-channel provider simulation
	Channels map[job.Channel]ChannelConfig

	// Circuit breaker
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// Rate limiting (gateway)
	RateLimit       int
	RateLimitWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:       8080,
		WorkerPort: 8081,
		LogLevel:   "info",
		Env:        "development",

		StoreKind:  "postgres",
		BrokerKind: "redis",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "wavecom",
		DBPassword: "",
		DBName:     "wavecom",
		DBSSLMode:  "disable",

		RedisHost: "localhost",
		RedisPort: 6379,
		RedisDB:   0,

		SQSRegion: "us-east-1",

		MaxAttempts:       3,
		RetryInitialDelay: 5 * time.Second,
		RetryMultiplier:   2,
		RetryMaxDelay:     60 * time.Second,

		Prefetch:        10,
		PollInterval:    500 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,

		Channels: map[job.Channel]ChannelConfig{
			job.ChannelEmail: {Timeout: 10 * time.Second, FailureRate: 0.05, MinLatency: 100 * time.Millisecond, MaxLatency: 500 * time.Millisecond},
			job.ChannelSMS:   {Timeout: 5 * time.Second, FailureRate: 0.10, MinLatency: 100 * time.Millisecond, MaxLatency: 500 * time.Millisecond},
			job.ChannelPush:  {Timeout: 3 * time.Second, FailureRate: 0.10, MinLatency: 100 * time.Millisecond, MaxLatency: 500 * time.Millisecond},
		},

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 60 * time.Second,

		RateLimit:       100,
		RateLimitWindow: time.Minute,
	}

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if cfg.WorkerPort, err = envInt("WORKER_PORT", cfg.WorkerPort); err != nil {
		return nil, err
	}
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envStr("ENV", cfg.Env)

	cfg.StoreKind = envStr("STORE", cfg.StoreKind)
	if cfg.StoreKind != "postgres" && cfg.StoreKind != "redis" {
		return nil, fmt.Errorf("invalid STORE: %s (want postgres or redis)", cfg.StoreKind)
	}
	cfg.BrokerKind = envStr("BROKER", cfg.BrokerKind)
	if cfg.BrokerKind != "redis" && cfg.BrokerKind != "sqs" {
		return nil, fmt.Errorf("invalid BROKER: %s (want redis or sqs)", cfg.BrokerKind)
	}

	cfg.DBHost = envStr("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envStr("DB_USER", cfg.DBUser)
	cfg.DBPassword = envStr("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envStr("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envStr("DB_SSLMODE", cfg.DBSSLMode)

	cfg.RedisHost = envStr("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envStr("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	cfg.SQSRegion = envStr("SQS_REGION", envStr("AWS_REGION", cfg.SQSRegion))
	cfg.SQSQueueURL = envStr("SQS_QUEUE_URL", cfg.SQSQueueURL)
	cfg.SQSHighQueueURL = envStr("SQS_HIGH_QUEUE_URL", cfg.SQSHighQueueURL)
	cfg.SQSDLQURL = envStr("SQS_DLQ_URL", cfg.SQSDLQURL)

	if cfg.MaxAttempts, err = envInt("MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > job.MaxAttemptsCeiling {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be between 1 and %d", job.MaxAttemptsCeiling)
	}
	if cfg.RetryInitialDelay, err = envDuration("RETRY_INITIAL_DELAY", cfg.RetryInitialDelay); err != nil {
		return nil, err
	}
	if cfg.RetryMultiplier, err = envFloat("RETRY_MULTIPLIER", cfg.RetryMultiplier); err != nil {
		return nil, err
	}
	if cfg.RetryMaxDelay, err = envDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return nil, err
	}

	if cfg.Prefetch, err = envInt("WORKER_PREFETCH", cfg.Prefetch); err != nil {
		return nil, err
	}
	if cfg.Prefetch < 1 {
		return nil, fmt.Errorf("WORKER_PREFETCH must be at least 1")
	}
	if cfg.PollInterval, err = envDuration("WORKER_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, err
	}

	for _, ch := range []job.Channel{job.ChannelEmail, job.ChannelSMS, job.ChannelPush} {
		cc := cfg.Channels[ch]
		prefix := envPrefix(ch)
		if cc.Timeout, err = envDuration(prefix+"_TIMEOUT", cc.Timeout); err != nil {
			return nil, err
		}
		if cc.FailureRate, err = envFloat(prefix+"_FAILURE_RATE", cc.FailureRate); err != nil {
			return nil, err
		}
		if cc.FailureRate < 0 || cc.FailureRate > 1 {
			return nil, fmt.Errorf("%s_FAILURE_RATE must be between 0 and 1", prefix)
		}
		cfg.Channels[ch] = cc
	}

	if cfg.BreakerMaxFailures, err = envInt("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}
	if cfg.BreakerRecoveryTimeout, err = envDuration("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTimeout); err != nil {
		return nil, err
	}

	if cfg.RateLimit, err = envInt("RATE_LIMIT_MAX_REQUESTS", cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envPrefix(ch job.Channel) string {
	switch ch {
	case job.ChannelEmail:
		return "EMAIL"
	case job.ChannelSMS:
		return "SMS"
	default:
		return "PUSH"
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
