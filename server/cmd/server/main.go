package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/qrankd/qrankd/server/internal/alerts"
	"github.com/qrankd/qrankd/server/internal/api"
	"github.com/qrankd/qrankd/server/internal/cache"
	"github.com/qrankd/qrankd/server/internal/config"
	"github.com/qrankd/qrankd/server/internal/health"
	"github.com/qrankd/qrankd/server/internal/metrics"
	"github.com/qrankd/qrankd/server/internal/origin"
	"github.com/qrankd/qrankd/server/internal/rank"
	"github.com/qrankd/qrankd/server/internal/refresh"
	"github.com/qrankd/qrankd/server/internal/store"
	"github.com/qrankd/qrankd/server/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	slog.Info("qrankd starting", "version", version, "config", *configPath)
	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"data_dir", cfg.Server.DataDir,
		"origin", cfg.Origin.URL,
		"refresh_interval", cfg.Refresh.Interval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(cfg.Server.DataDir)
	if err != nil {
		slog.Error("failed to open data dir", "err", err)
		os.Exit(1)
	}
	src, err := origin.New(cfg.Origin, version)
	if err != nil {
		slog.Error("failed to configure origin", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ranks := cache.New()
	healthSrv := health.New()
	ranks.OnPublish(func(mp *rank.Mapping) {
		m.SetPublished(mp.Len(), mp.Generation(), mp.LoadedAt())
	})
	ranks.OnPublish(healthSrv.Published)

	alertEngine := alerts.New(cfg.Alerts)

	coord, err := refresh.NewCoordinator(src, st, ranks,
		refresh.WithMetrics(m),
		refresh.WithObserver(alertEngine),
	)
	if err != nil {
		slog.Error("failed to build refresh coordinator", "err", err)
		os.Exit(1)
	}

	// Nothing is served until a mapping is available.
	if err := coord.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed, no mapping to serve", "err", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	sched := refresh.NewScheduler(coord, cfg.Refresh.Interval, cfg.Refresh.ScheduledTimeout)
	goRun(func() { sched.Run(ctx) })

	goRun(func() {
		running := *cfg
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			sched.SetInterval(next.Refresh.Interval)
			if next.Server != running.Server || next.Origin != running.Origin {
				slog.Warn("config: server and origin changes take effect after a restart")
			}
			running = *next
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		}
	})

	handler := api.New(api.Deps{
		Cache:         ranks,
		Refresher:     coord,
		Schedule:      sched,
		Artifact:      st,
		Metrics:       m,
		Alerts:        alertEngine,
		ManualTimeout: cfg.Refresh.ManualTimeout,
	})

	hub := ws.New(handler, cfg.Server.StatusInterval)
	ranks.OnPublish(hub.Published)
	goRun(func() { hub.Run(ctx) })

	httpMux := http.NewServeMux()
	httpMux.Handle("/", handler)
	httpMux.Handle("/metrics", metrics.Handler(reg))
	httpMux.Handle("/ws/status", hub)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	goRun(func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	})

	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			slog.Error("failed to listen on gRPC port", "port", cfg.Server.GRPCPort, "err", err)
			os.Exit(1)
		}
		goRun(func() {
			if err := healthSrv.Serve(ctx, lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		})
	}

	<-ctx.Done()
	slog.Info("qrankd shutting down")
	healthSrv.SetServing(false)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	wg.Wait()
	alertEngine.Wait()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
