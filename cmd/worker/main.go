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

	"github.com/wavecom/relay/internal/circuitbreaker"
	"github.com/wavecom/relay/internal/config"
	"github.com/wavecom/relay/internal/engine"
	"github.com/wavecom/relay/internal/metrics"
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

	logger, err := observ.NewLogger("worker", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting wavecom relay worker",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreKind),
		zap.String("broker", cfg.BrokerKind),
		zap.Int("prefetch", cfg.Prefetch),
	)

	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.StoreKind == "redis" || cfg.BrokerKind == "redis" {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
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

	bank := provider.NewBank()
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
		bank.Register(circuitbreaker.NewProtectedSender(sender, cb, logger), cc.Timeout)
	}

	policy := engine.NewRetryPolicy(cfg.RetryInitialDelay, cfg.RetryMaxDelay, cfg.RetryMultiplier, 0.2)
	eng := engine.New(st, broker, bank, policy, engine.Config{DefaultMaxAttempts: cfg.MaxAttempts}, logger)

	w := worker.New(broker, eng, worker.Config{
		Prefetch:        cfg.Prefetch,
		PollInterval:    cfg.PollInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Metrics and liveness for the worker process.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(rw, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := broker.Ping(r.Context()); err != nil {
			http.Error(rw, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("OK"))
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WorkerPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	if err := <-done; err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	shutdownCtx, srvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer srvCancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("worker stopped")
	return nil
}
