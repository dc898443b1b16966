package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kestrelproxy/kestrel/internal/authresolve"
	"github.com/kestrelproxy/kestrel/internal/config"
	"github.com/kestrelproxy/kestrel/internal/extractor"
	"github.com/kestrelproxy/kestrel/internal/health"
	"github.com/kestrelproxy/kestrel/internal/pricing"
	"github.com/kestrelproxy/kestrel/internal/proxyloop"
	"github.com/kestrelproxy/kestrel/internal/retry"
	"github.com/kestrelproxy/kestrel/internal/scheduler"
	"github.com/kestrelproxy/kestrel/internal/server"
	"github.com/kestrelproxy/kestrel/internal/stats"
	"github.com/kestrelproxy/kestrel/internal/store/sqlite"
	"github.com/kestrelproxy/kestrel/internal/strategy"
	"github.com/kestrelproxy/kestrel/internal/telemetry"
	"github.com/kestrelproxy/kestrel/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting kestrel", "version", version, "addr", cfg.Server.Addr)

	db, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, db); err != nil {
		return err
	}
	slog.Info("bootstrap complete",
		"provider_types", len(cfg.Seed.ProviderTypes),
		"provider_keys", len(cfg.Seed.ProviderKeys),
		"service_keys", len(cfg.Seed.ServiceKeys),
	)

	healthStore := health.NewStore(db, slog.Default())
	sched := scheduler.New(healthStore)
	strategies := strategy.NewRegistry()
	resolver := authresolve.New(db, sched, strategies)

	extractors, err := extractor.NewRegistry()
	if err != nil {
		return err
	}
	pricer := pricing.NewEvaluator(db)

	usageRecorder := worker.NewUsageRecorder(db)
	statsCollector := stats.NewCollector(extractors, pricer, usageRecorder)

	retryEval := retry.New()

	client := proxyloop.NewDefaultClient()

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	loop := proxyloop.New(db, resolver, sched, strategies, statsCollector, retryEval, metrics, client, proxyloop.Config{
		ManagementPrefixes: cfg.Proxy.ManagementPrefixes,
		ManagementPort:     cfg.Proxy.ManagementPort,
		ProviderTimeout:    cfg.Proxy.ProviderTimeout(),
	})

	handler := server.New(server.Deps{
		Loop:       loop,
		Metrics:    metrics,
		ReadyCheck: db.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers (usage batch flush to DB).
	runner := worker.NewRunner(usageRecorder)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("kestrel ready", "addr", cfg.Server.Addr, "management_port", cfg.Proxy.ManagementPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("kestrel stopped")
	return nil
}
