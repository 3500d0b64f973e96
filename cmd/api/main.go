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

	"golang.org/x/time/rate"

	"github.com/jwalitptl/realtime-hub/config"
	"github.com/jwalitptl/realtime-hub/internal/app"
	"github.com/jwalitptl/realtime-hub/internal/handler/health"
	notificationHandler "github.com/jwalitptl/realtime-hub/internal/handler/notification"
	prometheusHandler "github.com/jwalitptl/realtime-hub/internal/handler/prometheus"
	realtimeHandler "github.com/jwalitptl/realtime-hub/internal/handler/realtime"
	"github.com/jwalitptl/realtime-hub/internal/realtime"
	"github.com/jwalitptl/realtime-hub/internal/router"
	notificationService "github.com/jwalitptl/realtime-hub/internal/service/notification"
	"github.com/jwalitptl/realtime-hub/internal/service/stats"
	internalWorker "github.com/jwalitptl/realtime-hub/internal/worker"
	"github.com/jwalitptl/realtime-hub/pkg/clock"
	"github.com/jwalitptl/realtime-hub/pkg/event"
	"github.com/jwalitptl/realtime-hub/pkg/logger"
	"github.com/jwalitptl/realtime-hub/pkg/tracing"
	"github.com/jwalitptl/realtime-hub/pkg/worker"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.LoggerConfig())
	cfg.WatchLogLevel(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.ToTracingConfig())
	if err != nil {
		log.Fatal(err, "Failed to set up tracing")
	}

	m, promRegistry := app.NewMetrics(cfg.Monitoring)
	clk := clock.New()

	// Initialize storage and broker
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

	// Channel registry, fanned out across nodes when redis is shared
	registry := realtime.NewRegistry(cfg.Realtime.ToRegistryConfig(), clk, log.With("component", "registry"), m)
	var publisher realtime.Publisher = registry.AsPublisher()
	if broker.Shared {
		relay := realtime.NewRelay(registry, broker, cfg.Realtime.RelayTopic, log.With("component", "relay"), m)
		if err := relay.Start(ctx); err != nil {
			log.Fatal(err, "Failed to subscribe to relay topic")
		}
		publisher = relay
	}

	// Delivery pipeline and reporter
	svc := notificationService.NewService(cfg.Delivery.ToServiceConfig(), notificationService.Deps{
		Notifications: store.Notifications,
		Deliveries:    store.Deliveries,
		Senders:       app.NewSenders(cfg.Channels, log),
		Publisher:     publisher,
		Subscriptions: registry,
		Events:        event.NewService(store.Outbox, clk),
		Clock:         clk,
		Logger:        log.With("component", "delivery"),
		Metrics:       m,
	})
	registry.SetAckHandler(svc.HandleAck)
	reporter := stats.NewReporter(store.Deliveries, cfg.Delivery.ToStatsConfig(), clk, log)

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(registry.Run)
	run(worker.NewRetryScheduler(svc, cfg.Delivery.ToSchedulerConfig(), clk, log.With("component", "retry_scheduler")).Start)

	// The worker process owns the outbox and maintenance for shared stores.
	if cfg.Database.Driver == "memory" {
		processor, err := worker.NewOutboxProcessor(store.Outbox, broker, cfg.Outbox.ToWorkerConfig(), clk, log.With("component", "outbox"), m)
		if err != nil {
			log.Fatal(err, "Invalid outbox configuration")
		}
		maintenance, err := internalWorker.NewMaintenance(processor, reporter, cfg.Maintenance.ToWorkerConfig(), log.With("component", "maintenance"))
		if err != nil {
			log.Fatal(err, "Invalid maintenance configuration")
		}
		run(processor.Start)
		run(maintenance.Start)
	}

	// Setup router
	rt := realtimeHandler.NewHandler(registry, publisher, cfg.Server.AllowedOrigins, clk, log)
	deps := router.Deps{
		Notifications: notificationHandler.NewHandler(svc, reporter),
		Realtime:      rt,
		WebSocket:     rt.ServeWS,
		Health: health.NewHandler(map[string]health.Check{
			"database": store.Ping,
			"broker":   broker.Check,
		}),
	}
	if cfg.Monitoring.PrometheusEnabled {
		deps.Metrics = prometheusHandler.New(promRegistry).Handler()
	}
	r := router.NewRouter(router.Config{
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
		RateBurst:        cfg.RateLimit.Burst,
		MetricsPath:      cfg.Monitoring.MetricsPath,
	}, deps, log, m)
	r.Setup()

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}
	wg.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error(err, "Failed to flush traces")
	}

	log.Info("Server exited properly")
}
