package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"originguard/internal/api"
	"originguard/internal/config"
	"originguard/internal/guard"
	"originguard/internal/logger"
	"originguard/internal/models"
	"originguard/internal/observability"
	"originguard/internal/policy"
	"originguard/internal/ratelimit"
	"originguard/internal/stats"
	"originguard/internal/store"
	"originguard/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("write-example-config", "", "Write an example configuration file to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}

	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		slog.Info("Example configuration written", "path", *exampleConfig)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(ctx, cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()
	instrumented := cfg.Metrics.Enabled || cfg.Observability.Tracing.Enabled

	evaluator, err := initializeEvaluator(cfg.Policy, cfg.Protection.Patterns)
	if err != nil {
		slog.Error("Failed to initialize policy evaluator", "error", err)
		os.Exit(1)
	}
	if instrumented {
		wrapped, err := observability.NewInstrumentedEvaluator(evaluator)
		if err != nil {
			slog.Error("Failed to create instrumented evaluator", "error", err)
			os.Exit(1)
		}
		evaluator = wrapped
	}

	recorder, err := stats.New(ctx, cfg.Stats)
	if err != nil {
		slog.Error("Failed to initialize stats recorder", "error", err)
		os.Exit(1)
	}
	defer recorder.Close()
	if cfg.Metrics.Enabled {
		wrapped, err := observability.NewInstrumentedRecorder(recorder)
		if err != nil {
			slog.Error("Failed to create instrumented recorder", "error", err)
			os.Exit(1)
		}
		recorder = wrapped
	}

	// Guard state
	ledger := store.NewMemoryLedger(cfg.Protection.LedgerRetentionMinutes)
	blocks := store.NewMemoryBlocklist()

	pipeline := guard.NewPipeline(guard.Config{
		Whitelist:           cfg.Protection.WhitelistedIPs,
		SuspiciousThreshold: cfg.Protection.SuspiciousThreshold,
		BlockDuration:       cfg.Protection.BlockDuration,
		EvaluatorTimeout:    cfg.Policy.Timeout,
	}, ledger, blocks, evaluator, guard.WithLogger(logger.Component(log, "guard")))

	reaper := guard.NewReaper(ledger, blocks,
		cfg.Protection.ReaperInterval, cfg.Protection.IdleHorizon,
		guard.WithReaperLogger(logger.Component(log, "reaper")))
	reaper.Start(ctx)
	defer reaper.Stop()

	if cfg.Metrics.Enabled {
		reg, err := observability.RegisterStateGauges(pipeline)
		if err != nil {
			slog.Error("Failed to register state gauges", "error", err)
			os.Exit(1)
		}
		defer reg.Unregister()
	}

	resolver := guard.OriginResolver{TrustForwardedFor: cfg.Server.TrustForwardedFor}

	handlerOpts := []api.HandlerOption{
		api.WithRecorder(recorder),
		api.WithRecordTimeout(cfg.Stats.WriteTimeout),
		api.WithVersion(ver.Version),
	}
	if cfg.Upstream.URL != "" {
		proxy, err := api.NewUpstreamProxy(cfg.Upstream.URL)
		if err != nil {
			slog.Error("Failed to initialize upstream proxy", "error", err)
			os.Exit(1)
		}
		handlerOpts = append(handlerOpts, api.WithDownstream(proxy))
		slog.Info("Forwarding admitted traffic", "upstream", cfg.Upstream.URL)
	}
	handlers := api.NewHandlers(pipeline, resolver, handlerOpts...)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	concurrency := ratelimit.NewConcurrencyLimiter(cfg.Protection.MaxConcurrentRequests, cfg.Protection.ConcurrencyTimeout)
	routeOpts = append(routeOpts, api.WithRateLimiter(concurrency.Middleware()))

	// Initialize rate limiter if enabled
	if cfg.RateLimit.Enabled {
		rlCfg := cfg.RateLimit
		limiter := ratelimit.NewMemoryLimiter(rlCfg.Window, rlCfg.MaxRequests, rlCfg.CleanupInterval)
		defer limiter.Close()

		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(limiter, resolver.Origin, rlCfg.Message)))
	}

	if cfg.SlowDown.Enabled {
		sdCfg := cfg.SlowDown
		slowDown := ratelimit.NewSlowDown(sdCfg.Window, sdCfg.DelayAfter, sdCfg.Delay, sdCfg.MaxDelay)
		defer slowDown.Close()

		routeOpts = append(routeOpts, api.WithRateLimiter(slowDown.Middleware(resolver.Origin)))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"threshold_rpm", cfg.Protection.SuspiciousThreshold,
			"block_duration", cfg.Protection.BlockDuration,
			"policy", cfg.Policy.Type)

		var err error
		if cfg.Server.TLSEnabled {
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	select {
	case <-ctx.Done():
		slog.Info("Shutting down server")
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// initializeEvaluator returns the policy evaluator selected by configuration
func initializeEvaluator(cfg models.PolicyConfig, patterns models.PatternsConfig) (policy.Evaluator, error) {
	switch cfg.Type {
	case models.PolicyTypePatterns:
		return policy.NewPatternEvaluator(policy.Patterns{
			MaxURLLength:         patterns.MaxURLLength,
			MaxHeaderBytes:       patterns.MaxHeaderSize,
			SuspiciousUserAgents: patterns.SuspiciousUserAgents,
			AllowedMethods:       patterns.AllowedMethods,
		}), nil
	case models.PolicyTypeLua:
		return policy.LoadLuaEvaluator(cfg.ScriptPath)
	case models.PolicyTypeNone:
		return policy.Static(policy.VerdictAllow), nil
	default:
		return nil, fmt.Errorf("unsupported policy type: %s", cfg.Type)
	}
}
