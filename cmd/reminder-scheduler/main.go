// Package main provides the standalone reminder scheduler entry point.
// Runs the broad missed-dose sweep and bucketed reminder batches for deployments
// that disable the in-process scheduler of the API. Notifications are published
// to the broker; API replicas push them to their sockets.
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
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/service/adherence"
	"github.com/drfirst/go-adherence/internal/service/reminder"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

const serviceName = "reminder-scheduler"

func main() {
	ctx := context.Background()

	rt, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		os.Stderr.WriteString("startup failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer rt.Shutdown(context.Background())
	cfg, logger, m := rt.Config, rt.Logger, rt.Metrics

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open stores", zap.Error(err))
	}
	defer stores.Close()

	breakers := circuitbreaker.NewManager(logger)

	var sink notify.Sink = notify.SinkFunc(func(_ context.Context, e notify.Event) error {
		logger.Debug("notification not published, no broker configured",
			zap.String("kind", string(e.Kind)),
			zap.String("patient_id", e.PatientID))
		return nil
	})
	producer, err := bootstrap.Producer(ctx, cfg, serviceName, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	if producer != nil {
		defer producer.Close()
		breaker, err := breakers.GetOrCreate(circuitbreaker.DefaultConfig("notifications-broker"))
		if err != nil {
			logger.Fatal("failed to create circuit breaker", zap.Error(err))
		}
		sink = redpanda.NewNotificationSink(producer, breaker, m)
		stores.Checks["broker"] = producer.Ping
	} else {
		logger.Warn("KAFKA_BROKERS is empty; reminders and missed-dose alerts will not reach any socket")
	}

	dcfg := notify.DefaultDispatcherConfig()
	dcfg.Workers = cfg.NotifyWorkers
	dcfg.QueueSize = cfg.NotifyQueueSize
	dispatcher := notify.NewDispatcher(dcfg, sink, logger, m)
	dispatcher.Start()
	stores.Checks["notifications"] = dispatcher.Check

	tcfg := adherence.DefaultConfig()
	tcfg.GraceWindow = cfg.GraceWindow
	tcfg.Location = cfg.Location()
	tcfg.LookbackDays = cfg.SweepLookbackDays
	tracker := adherence.New(tcfg, stores.Events, stores.Rx, dispatcher, logger, m)
	job := reminder.NewJob(cfg.Buckets(), tracker, stores.Events, stores.FireLog, dispatcher, logger, m)

	breaker, err := breakers.GetOrCreate(circuitbreaker.DefaultConfig("reminder-store"))
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}
	scfg := reminder.DefaultSchedulerConfig()
	scfg.SweepInterval = cfg.SweepInterval
	scfg.Retention = cfg.FireLogRetention
	scheduler := reminder.NewScheduler(scfg, job, breaker, logger)
	scheduler.Start()

	// Health and metrics only.
	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Service: serviceName,
			Health:  handlers.NewHealthHandler(serviceName, stores.Checks, breakers),
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

	logger.Info("reminder scheduler started",
		zap.Strings("buckets", cfg.Buckets().Names()),
		zap.Duration("sweep_interval", cfg.SweepInterval))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	scheduler.Stop()
	dispatcher.Stop()
	if producer != nil {
		s := producer.Stats()
		logger.Info("reminder scheduler stopped",
			zap.Int64("messages_sent", s.MessagesSent),
			zap.Int64("errors", s.ErrorCount))
		return
	}
	logger.Info("reminder scheduler stopped")
}
