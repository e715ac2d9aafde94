package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/sand/internal/config"
	"github.com/terrpan/sand/internal/doctor"
	"github.com/terrpan/sand/internal/health"
	"github.com/terrpan/sand/internal/lock"
	"github.com/terrpan/sand/internal/orchestrator"
	sandotel "github.com/terrpan/sand/internal/otel"
	"github.com/terrpan/sand/internal/supervisor"
)

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	if missing := doctor.MissingDependencies(nil); len(missing) > 0 {
		return fmt.Errorf("missing required dependencies in PATH: %v; install them and re-run", missing)
	}
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	names := make([]string, 0, len(cfg.Runners))
	for _, r := range cfg.Runners {
		names = append(names, r.Name)
	}
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.Any("runners", names),
	)

	// ---------------------------------------------------------------
	// 2. Telemetry
	// ---------------------------------------------------------------
	otelCfg := sandotel.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
		StdOut:   cfg.OTel.StdOut,
	}
	var registry *prometheus.Registry
	if cfg.Metrics.Listen != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		otelCfg.Registerer = registry
	}
	shutdownOTel, err := sandotel.SetupOTelSDK(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Take runner locks
	// ---------------------------------------------------------------
	locks, err := lock.Acquire(cfg.LockDir, names)
	if err != nil {
		return err
	}
	defer func() {
		if err := locks.Release(); err != nil {
			logger.Warn("failed to release runner locks", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Build runners
	// ---------------------------------------------------------------
	runners := make([]*orchestrator.Runner, 0, len(cfg.Runners))
	members := make([]supervisor.Runner, 0, len(cfg.Runners))
	for _, rc := range cfg.Runners {
		runnerLogger := logger.With(slog.String("runner", rc.Name))
		r, err := rc.NewRunner(config.NewDriver(runnerLogger), logger)
		if err != nil {
			return fmt.Errorf("creating runner %s: %w", rc.Name, err)
		}
		runners = append(runners, r)
		members = append(members, r)
	}

	// ---------------------------------------------------------------
	// 5. Status endpoint
	// ---------------------------------------------------------------
	if cfg.Metrics.Listen != "" {
		srv, err := serveMetrics(cfg.Metrics.Listen, registry, func() []orchestrator.Status {
			statuses := make([]orchestrator.Status, 0, len(runners))
			for _, r := range runners {
				statuses = append(statuses, r.Status())
			}
			return statuses
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// ---------------------------------------------------------------
	// 6. Run
	// ---------------------------------------------------------------
	sup := supervisor.New(supervisor.Config{
		Runners: members,
		Logger:  logger,
	})
	err = sup.Run(ctx)
	var sigErr *supervisor.SignalError
	if errors.As(err, &sigErr) {
		logger.Info("shut down after signal", slog.String("signal", sigErr.Signal.String()))
		return err
	}
	if err != nil {
		return err
	}

	logger.Info("all runners finished")
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, statuses health.StatusFunc, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(statuses))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving status endpoint", slog.String("addr", ln.Addr().String()))
	return srv, nil
}
