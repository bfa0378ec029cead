package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/api"
	"github.com/wavecom/relay/internal/circuitbreaker"
	"github.com/wavecom/relay/internal/config"
	"github.com/wavecom/relay/internal/engine"
	"github.com/wavecom/relay/internal/job"
	"github.com/wavecom/relay/internal/observ"
	"github.com/wavecom/relay/internal/provider"
	"github.com/wavecom/relay/internal/queue"
	"github.com/wavecom/relay/internal/queue/redisbroker"
	"github.com/wavecom/relay/internal/queue/sqsbroker"
	"github.com/wavecom/relay/internal/redis"
	"github.com/wavecom/relay/internal/store"
	"github.com/wavecom/relay/internal/store/postgres"
	"github.com/wavecom/relay/internal/store/redisstore"
	"github.com/wavecom/relay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting wavecom relay gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreKind),
		zap.String("broker", cfg.BrokerKind),
	)

	ctx := context.Background()

	// Redis backs the broker and/or store plus idempotency and rate
	// limiting. Only hard-fail when a selected backend needs it.
	redisClient, redisErr := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	redisRequired := cfg.StoreKind == "redis" || cfg.BrokerKind == "redis"
	if redisErr != nil {
		if redisRequired {
			return fmt.Errorf("redis required for %s/%s: %w", cfg.StoreKind, cfg.BrokerKind, redisErr)
		}
		logger.Warn("redis unavailable, idempotency and rate limiting disabled", zap.Error(redisErr))
	} else {
		defer redisClient.Close()
	}

	var st store.Store
	switch cfg.StoreKind {
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool, logger)
	case "redis":
		st = redisstore.NewStore(redisClient.Raw(), logger)
	}

	var broker queue.Broker
	switch cfg.BrokerKind {
	case "redis":
		broker = redisbroker.New(redisClient.Raw(), logger)
	case "sqs":
		broker, err = sqsbroker.New(ctx, sqsbroker.Config{
			Region:       cfg.SQSRegion,
			QueueURL:     cfg.SQSQueueURL,
			HighQueueURL: cfg.SQSHighQueueURL,
			DLQURL:       cfg.SQSDLQURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs broker: %w", err)
		}
	}
	defer broker.Close()

	bank, breakers := buildSenders(cfg, logger)

	policy := engine.NewRetryPolicy(cfg.RetryInitialDelay, cfg.RetryMaxDelay, cfg.RetryMultiplier, 0.2)
	eng := engine.New(st, broker, bank, policy, engine.Config{DefaultMaxAttempts: cfg.MaxAttempts}, logger)

	// In-process consumer; standalone workers scale out alongside it.
	w := worker.New(broker, eng, worker.Config{
		Prefetch:        cfg.Prefetch,
		PollInterval:    cfg.PollInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(workerCtx) }()

	var idempotency *redis.IdempotencyService
	var limiter *redis.RateLimiter
	if redisErr == nil {
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
	}

	handler := api.NewHandler(logger, eng, st, broker).
		WithIdempotency(idempotency).
		WithBreakers(breakers...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		workerCancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful server shutdown failed", zap.Error(err))
			_ = srv.Close()
		}

		workerCancel()
		<-workerDone
		logger.Info("gateway stopped")
	}

	return nil
}

// buildSenders wires a breaker-protected mock sender per channel.
func buildSenders(cfg *config.Config, logger *zap.Logger) (*provider.Bank, []*circuitbreaker.CircuitBreaker) {
	bank := provider.NewBank()
	var breakers []*circuitbreaker.CircuitBreaker

	for ch, cc := range cfg.Channels {
		sender := provider.NewMockSender(provider.MockConfig{
			Channel:     ch,
			FailureRate: cc.FailureRate,
			MinLatency:  cc.MinLatency,
			MaxLatency:  cc.MaxLatency,
		}, logger)

		cb := circuitbreaker.New(circuitbreaker.Config{
			Name:            string(ch),
			MaxFailures:     cfg.BreakerMaxFailures,
			RecoveryTimeout: cfg.BreakerRecoveryTimeout,
		}, logger)
		breakers = append(breakers, cb)

		bank.Register(circuitbreaker.NewProtectedSender(sender, cb, logger), cc.Timeout)
	}

	logger.Info("providers initialized",
		zap.Int("channels", len(cfg.Channels)),
		zap.Strings("registered", channelNames(bank.Channels())),
	)
	return bank, breakers
}

func channelNames(chs []job.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}
