// Package main provides the outbox relay service entry point.
// Relays committed dose transitions from the Postgres outbox to Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/bootstrap"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
)

const serviceName = "outbox-relay"

func main() {
	ctx := context.Background()

	rt, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		os.Stderr.WriteString("startup failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer rt.Shutdown(context.Background())
	cfg, logger, m := rt.Config, rt.Logger, rt.Metrics

	if cfg.StoreBackend != config.BackendPostgres {
		logger.Fatal("outbox relay requires STORE_BACKEND=postgres")
	}
	if !cfg.BrokerEnabled() {
		logger.Fatal("outbox relay requires KAFKA_BROKERS")
	}

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open stores", zap.Error(err))
	}
	defer stores.Close()

	producer, err := bootstrap.Producer(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer producer.Close()
	stores.Checks["broker"] = producer.Ping

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outbox := postgres.NewOutbox(stores.Pool, producer, outboxCfg, logger, m)
	stores.Checks["outbox"] = func(ctx context.Context) error {
		_, err := outbox.Stats(ctx)
		return err
	}

	outbox.Start()
	logger.Info("outbox relay started")

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Service: serviceName,
			Health:  handlers.NewHealthHandler(serviceName, stores.Checks, nil),
			Logger:  logger,
			Metrics: m,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	outbox.Stop()
	s := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", s.MessagesSent),
		zap.Int64("bytes_sent", s.BytesSent),
		zap.Int64("errors", s.ErrorCount))
}
