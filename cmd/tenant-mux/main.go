package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tenant-mux/config"
	"tenant-mux/internal/logger"
	"tenant-mux/internal/metrics"
	"tenant-mux/internal/sink"
	"tenant-mux/internal/tenant"
	"tenant-mux/internal/transport"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "config/config.yaml", "path to config file")

	// Optional override flags
	transportOverride := flag.String("transport", "", "override transport type: stomp, mqtt, nats or redis (empty = use config)")
	endpointOverride := flag.String("endpoint", "", "override broker endpoint (empty = use config)")
	tenantsOverride := flag.String("tenants", "", "comma separated tenants to connect at startup (empty = use config)")
	maxAttemptsOverride := flag.Int("max-attempts", -1, "override reconnect attempts (-1 = use config)")
	reconnectDelayOverride := flag.Duration("reconnect-delay", 0, "override reconnect delay (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	noColor := flag.Bool("no-color", false, "disable colored console output")
	logMessages := flag.Bool("log-messages", false, "also write every delivered message to the log")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var tenants []string
	if *tenantsOverride != "" {
		for _, t := range strings.Split(*tenantsOverride, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tenants = append(tenants, t)
			}
		}
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*transportOverride,
		*endpointOverride,
		tenants,
		*maxAttemptsOverride,
		*reconnectDelayOverride,
		*metricsAddrOverride,
		*metricsPathOverride,
	)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server
	var reg *prometheus.Registry

	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}
	}

	var tlsConfig *tls.Config
	if cfg.Transport.TLS.Enable {
		tlsConfig, err = transport.NewTLSConfig(
			cfg.Transport.TLS.CertFile,
			cfg.Transport.TLS.KeyFile,
			cfg.Transport.TLS.CAFile,
		)
		if err != nil {
			logger.Fatal("failed to create TLS config", "error", err)
		}
	}

	dialer, err := newDialer(cfg.Transport.Type, logger)
	if err != nil {
		logger.Fatal("failed to create transport", "error", err)
	}

	var out tenant.Sink = sink.NewConsoleSink(os.Stdout,
		sink.WithAlertTopic(cfg.AlertTopic),
		sink.WithColor(!*noColor))
	if *logMessages {
		out = sink.Multi{out, sink.NewLogSink(logger)}
	}

	outgoing, incoming := cfg.HeartbeatIntervals()
	managerCfg := tenant.Config{
		Endpoint:             cfg.Transport.Endpoint,
		Topics:               cfg.Topics,
		AlertTopic:           cfg.AlertTopic,
		SubscribePrefix:      cfg.Destinations.SubscribePrefix,
		SendPrefix:           cfg.Destinations.SendPrefix,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts(),
		ReconnectDelay:       cfg.ReconnectDelay(),
		ConnectTimeout:       cfg.ConnectTimeout(),
		Heartbeat:            transport.Heartbeat{Outgoing: outgoing, Incoming: incoming},
		TLS:                  tlsConfig,
		LocalEcho:            cfg.LocalEcho,
	}

	manager, err := tenant.NewManager(managerCfg, dialer, out, logger,
		tenant.WithMetrics(metricsService),
		tenant.WithStateHandler(func(t string, state tenant.State) {
			logger.Info("tenant state changed", "tenant", t, "state", state)
		}),
	)
	if err != nil {
		logger.Fatal("failed to create connection manager", "error", err)
	}

	if cfg.Metrics.Enabled {
		// Parse metrics update interval
		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		metricsCollector := metrics.NewMetricsCollector(metricsService, manager, updateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, t := range cfg.Tenants {
		if err := manager.Connect(ctx, t); err != nil {
			logger.Warn("initial connect failed", "tenant", t, "error", err)
		}
	}

	logger.Info("tenant-mux started",
		"transport", cfg.Transport.Type,
		"endpoint", cfg.Transport.Endpoint,
		"tenants", cfg.Tenants,
		"topics", cfg.Topics,
		"metricsEnabled", cfg.Metrics.Enabled)

	type consoleResult struct {
		quit bool
		err  error
	}
	consoleDone := make(chan consoleResult, 1)
	go func() {
		quit, err := runConsole(ctx, os.Stdin, os.Stdout, manager)
		consoleDone <- consoleResult{quit: quit, err: err}
	}()

	shutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", "error", err)
			}
		}

		cancel()
		manager.Close()
	}

	// Handle signals
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reopening logs")
				logger.Sync()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutting down...")
				shutdown()
				return
			}
		case res := <-consoleDone:
			if res.err != nil {
				logger.Error("console input failed", "error", res.err)
			}
			if !res.quit {
				// Without console input keep serving until signalled
				logger.Info("console input closed")
				consoleDone = nil
				continue
			}
			logger.Info("shutting down...")
			shutdown()
			return
		}
	}
}
