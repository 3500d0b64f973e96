package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/realtime-hub/config"
	"github.com/jwalitptl/realtime-hub/internal/app"
	"github.com/jwalitptl/realtime-hub/internal/handler/health"
	prometheusHandler "github.com/jwalitptl/realtime-hub/internal/handler/prometheus"
	"github.com/jwalitptl/realtime-hub/internal/middleware"
	"github.com/jwalitptl/realtime-hub/internal/realtime"
	notificationService "github.com/jwalitptl/realtime-hub/internal/service/notification"
	"github.com/jwalitptl/realtime-hub/internal/service/stats"
	internalWorker "github.com/jwalitptl/realtime-hub/internal/worker"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	"github.com/jwalitptl/realtime-hub/pkg/event"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/tracing"
	"github.com/jwalitptl/realtime-hub/pkg/worker"
)

func setupHealthCheck(addr string, checks map[string]health.Check, metrics gin.HandlerFunc, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.Recovery(log))
	health.NewHandler(checks).RegisterRoutes(engine)
	if metrics != nil {
		engine.GET("/metrics", metrics)
	}

	srv := &http.Server{Addr: addr, Handler: engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
	// Load config
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.LoggerConfig()).With("process", "worker")
	cfg.WatchLogLevel(log)

	if cfg.Database.Driver == "memory" {
		log.Fatal(errors.New("memory store is process-local"), "The worker needs database.driver=postgres; the api process runs background jobs itself in memory mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.ToTracingConfig())
	if err != nil {
		log.Fatal(err, "Failed to set up tracing")
	}

	m, promRegistry := app.NewMetrics(cfg.Monitoring)
	clk := clock.New()

	store, err := app.OpenStore(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal(err, "Failed to open store")
	}
	defer store.Close()

	broker, err := app.OpenBroker(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal(err, "Failed to connect to broker")
	}
	defer broker.Close()

	// Live envelopes from retries reach clients through the api nodes.
	publisher := realtime.NewRelay(nil, broker, cfg.Realtime.RelayTopic, log.With("component", "relay"), m)

	svc := notificationService.NewService(cfg.Delivery.ToServiceConfig(), notificationService.Deps{
		Notifications: store.Notifications,
		Deliveries:    store.Deliveries,
		Senders:       app.NewSenders(cfg.Channels, log),
		Publisher:     publisher,
		Events:        event.NewService(store.Outbox, clk),
		Clock:         clk,
		Logger:        log.With("component", "delivery"),
		Metrics:       m,
	})
	reporter := stats.NewReporter(store.Deliveries, cfg.Delivery.ToStatsConfig(), clk, log)

	processor, err := worker.NewOutboxProcessor(store.Outbox, broker, cfg.Outbox.ToWorkerConfig(), clk, log.With("component", "outbox"), m)
	if err != nil {
		log.Fatal(err, "Invalid outbox configuration")
	}
	maintenance, err := internalWorker.NewMaintenance(processor, reporter, cfg.Maintenance.ToWorkerConfig(), log.With("component", "maintenance"))
	if err != nil {
		log.Fatal(err, "Invalid maintenance configuration")
	}
	scheduler := worker.NewRetryScheduler(svc, cfg.Delivery.ToSchedulerConfig(), clk, log.With("component", "retry_scheduler"))

	var metricsHandler gin.HandlerFunc
	if cfg.Monitoring.PrometheusEnabled {
		metricsHandler = prometheusHandler.New(promRegistry).Handler()
	}
	srv := setupHealthCheck(cfg.Monitoring.WorkerAddr, map[string]health.Check{
		"database": store.Ping,
		"broker":   broker.Check,
	}, metricsHandler, log)

	var wg sync.WaitGroup
	for _, start := range []func(context.Context){scheduler.Start, processor.Start, maintenance.Start} {
		wg.Add(1)
		go func(start func(context.Context)) {
			defer wg.Done()
			start(ctx)
		}(start)
	}
	log.Info("Worker started", "health_addr", cfg.Monitoring.WorkerAddr)

	<-ctx.Done()
	log.Info("Shutting down...")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Health server forced to shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error(err, "Failed to flush traces")
	}
}
