package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/config"
	"github.com/basket/mission-control/internal/gateway"
	"github.com/basket/mission-control/internal/heartbeat"
	"github.com/basket/mission-control/internal/jobs"
	otelPkg "github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/prefs"
	"github.com/basket/mission-control/internal/sampler"
	"github.com/basket/mission-control/internal/server"
	"github.com/basket/mission-control/internal/session"
	"github.com/basket/mission-control/internal/store"
	"github.com/basket/mission-control/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	bindAddr := flag.String("bind", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("missionctl", Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Quiet console output when stdout is not a terminal; the JSONL log
	// file captures everything either way.
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	eventBus.OnDrop(func(topic string) {
		metrics.BroadcastsDropped.Add(context.Background(), 1,
			metric.WithAttributes(otelPkg.AttrTopic.String(topic)))
	})

	gw := gateway.NewClient(gateway.Options{
		URL:        cfg.Gateway.URL,
		Timeout:    cfg.GatewayTimeout(),
		MaxRetries: cfg.Gateway.MaxRetries,
		RetryBase:  cfg.GatewayRetryBase(),
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
	})

	st, err := store.New(cfg.DataDir, logger, eventBus)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	hb := heartbeat.New(st, cfg.HeartbeatStatePath(), logger, eventBus)
	if err := hb.Watch(ctx); err != nil {
		logger.Warn("heartbeat state watcher unavailable", "error", err)
	}

	pq := prefs.New(prefs.Options{
		Store:          st,
		Gateway:        gw,
		Logger:         logger,
		Bus:            eventBus,
		Metrics:        metrics,
		MainSessionKey: cfg.Gateway.MainSessionKey,
	})

	sessions := session.New(session.Options{
		Gateway:   gw,
		Store:     st,
		StorePath: cfg.SessionsStorePath(),
		Dir:       cfg.Sessions.Dir,
		Logger:    logger,
		Bus:       eventBus,
		Metrics:   metrics,
	})

	cronJobs := jobs.New(gw, logger, eventBus)

	sys := sampler.New(sampler.Options{
		Gateway:       gw,
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		StatsInterval: cfg.StatsInterval(),
		ProbeInterval: cfg.ProbeInterval(),
	})
	sys.Start(ctx)

	srv := server.New(server.Config{
		Logger:       logger,
		Bus:          eventBus,
		Gateway:      gw,
		Store:        st,
		Heartbeat:    hb,
		Prefs:        pq,
		Sessions:     sessions,
		Jobs:         cronJobs,
		Sampler:      sys,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
