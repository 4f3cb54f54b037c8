// Package main provides the adherence API service entry point.
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
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/api/realtime"
	"github.com/drfirst/go-adherence/internal/bootstrap"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/service/adherence"
	"github.com/drfirst/go-adherence/internal/service/reminder"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

const serviceName = "adherence-api"

func main() {
	ctx := context.Background()

	rt, err := bootstrap.Init(ctx, serviceName)
	if err != nil {
		// No logger yet.
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

	// Real-time fan-out: local sockets always, the broker when configured so
	// other replicas reach their own sockets.
	hub := realtime.NewHub(realtime.PatientAuthorizer(stores.Rx.Patient), logger.Named("realtime"), m)
	sinks := notify.Sinks{hub}

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
		sinks = append(sinks, redpanda.NewNotificationSink(producer, breaker, m))
		stores.Checks["broker"] = producer.Ping
	}

	dcfg := notify.DefaultDispatcherConfig()
	dcfg.Workers = cfg.NotifyWorkers
	dcfg.QueueSize = cfg.NotifyQueueSize
	dispatcher := notify.NewDispatcher(dcfg, sinks, logger, m)
	dispatcher.Start()
	stores.Checks["notifications"] = dispatcher.Check

	tcfg := adherence.DefaultConfig()
	tcfg.GraceWindow = cfg.GraceWindow
	tcfg.Location = cfg.Location()
	tcfg.LookbackDays = cfg.SweepLookbackDays
	tracker := adherence.New(tcfg, stores.Events, stores.Rx, dispatcher, logger, m)

	if cfg.SeedDemo {
		if err := bootstrap.SeedDemo(ctx, stores.Seeder, tracker.Today()); err != nil {
			logger.Fatal("failed to seed demo data", zap.Error(err))
		}
		logger.Info("seeded demo patient", zap.String("patient_id", "demo-patient"))
	}

	job := reminder.NewJob(cfg.Buckets(), tracker, stores.Events, stores.FireLog, dispatcher, logger, m)

	var scheduler *reminder.Scheduler
	if cfg.SchedulerEnabled {
		breaker, err := breakers.GetOrCreate(circuitbreaker.DefaultConfig("reminder-store"))
		if err != nil {
			logger.Fatal("failed to create circuit breaker", zap.Error(err))
		}
		scfg := reminder.DefaultSchedulerConfig()
		scfg.SweepInterval = cfg.SweepInterval
		scfg.Retention = cfg.FireLogRetention
		scheduler = reminder.NewScheduler(scfg, job, breaker, logger)
		scheduler.Start()
	}

	var trigger *reminder.Trigger
	var backstop middleware.Kicker
	if cfg.BackstopEnabled {
		trigger = reminder.NewTrigger(job, 30*time.Second, logger, m)
		backstop = trigger
	}

	var consumer *redpanda.Consumer
	if producer != nil {
		ccfg := redpanda.DefaultConsumerConfig()
		ccfg.Brokers = cfg.KafkaBrokers
		// Every replica must see every notification, so each gets its own group.
		ccfg.GroupID = serviceName + "-" + dispatcher.Origin()
		ccfg.Topics = []string{redpanda.TopicNotifications}
		ccfg.StartOffset = "latest"
		ccfg.AutoCommit = true
		consumer, err = redpanda.NewConsumer(ccfg, redpanda.RelayHandler(dispatcher.Origin(), hub, logger, m), logger)
		if err != nil {
			logger.Fatal("failed to create notification consumer", zap.Error(err))
		}
		consumer.Start()
	}

	verifier := middleware.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	router := handlers.NewRouter(handlers.RouterConfig{
		Service:   serviceName,
		Doses:     handlers.NewDoseHandler(tracker, logger),
		Admin:     handlers.NewAdminHandler(job, logger),
		Health:    handlers.NewHealthHandler(serviceName, stores.Checks, breakers),
		Verifier:  verifier,
		AdminKeys: middleware.ParseAPIKeys(cfg.AdminAPIKeys),
		Sweeper:   tracker,
		Backstop:  backstop,
		WebSocket: realtime.NewHandler(hub, verifier, nil, logger.Named("realtime")),
		Logger:    logger,
		Metrics:   m,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if scheduler != nil {
			scheduler.Stop()
		}
		if trigger != nil {
			trigger.Wait()
		}
		if consumer != nil {
			consumer.Stop()
			s := consumer.Stats()
			logger.Info("notification relay stopped",
				zap.Int64("messages_read", s.MessagesRead),
				zap.Int64("errors", s.ErrorCount))
		}
		hub.Close()
		dispatcher.Stop()
	}()

	logger.Info("starting adherence API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.String("firelog", cfg.FireLogBackend),
		zap.Bool("scheduler", cfg.SchedulerEnabled),
		zap.Bool("backstop", cfg.BackstopEnabled),
		zap.Strings("buckets", cfg.Buckets().Names()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped

	logger.Info("server stopped")
}
