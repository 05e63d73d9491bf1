// Command gateway is the process entrypoint: it loads configuration,
// materializes the pipeline instance pool from the assembly table, wires
// the scheduler, router, and HTTP front end together, and serves until
// signaled to shut down (spec.md §6 exit codes).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelgw/gateway/blacklist"
	"github.com/modelgw/gateway/core"
	"github.com/modelgw/gateway/httpapi"
	"github.com/modelgw/gateway/pipeline"
	"github.com/modelgw/gateway/providers"
	"github.com/modelgw/gateway/resilience"
	"github.com/modelgw/gateway/router"
	"github.com/modelgw/gateway/scheduler"
	"github.com/modelgw/gateway/telemetry"
)

// Exit codes (spec.md §6).
const (
	exitOK            = 0
	exitConfigError   = 2
	exitAssemblyError = 3
	exitBindError     = 4
	exitSIGINT        = 130
	exitSIGTERM       = 143
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := core.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)

	if cfg.Telemetry.Enabled {
		telCfg := telemetry.Config{
			Enabled:      true,
			ServiceName:  cfg.Name,
			Endpoint:     cfg.Telemetry.Endpoint,
			Provider:     cfg.Telemetry.Provider,
			SamplingRate: cfg.Telemetry.SamplingRate,
		}
		if err := telemetry.Initialize(telCfg); err != nil {
			logger.Warn("telemetry initialization failed, continuing without it", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer shutdownCancel()
				if err := telemetry.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}

	tmpl, err := pipeline.LoadAssemblyTemplate(cfg.Gateway.AssemblyTemplatePath)
	if err != nil {
		logger.Error("failed to load assembly template", map[string]interface{}{
			"path": cfg.Gateway.AssemblyTemplatePath, "error": err.Error(),
		})
		return exitAssemblyError
	}

	registry := providers.NewRegistry(cfg.AI.Timeout, logger)
	assembler := pipeline.NewAssembler(registry.Resolve, logger)
	pools, err := assembler.Assemble(tmpl)
	if err != nil {
		logger.Error("failed to assemble pipeline instances", map[string]interface{}{"error": err.Error()})
		return exitAssemblyError
	}

	bl := blacklist.NewRegistry(0, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.MaxConcurrentRequests = cfg.Gateway.MaxConcurrentRequests
	schedCfg.GlobalTimeout = cfg.Gateway.GlobalTimeout
	schedCfg.HealthCheckInterval = cfg.Gateway.HealthCheckInterval
	schedCfg.CleanupInterval = cfg.Gateway.CleanupInterval
	schedCfg.Retry = retryConfigFrom(cfg.Resilience.Retry)
	schedCfg.CircuitBreaker = circuitBreakerConfigFrom(cfg.Resilience.CircuitBreaker)
	if cfg.Telemetry.Enabled {
		// Full OTel instruments (gauges, named meter) once a real exporter
		// is attached.
		schedCfg.CircuitBreaker.Metrics = resilience.NewOTelMetricsCollector(ctx)
	} else {
		// Package-level telemetry.Counter/Histogram calls, safe no-ops
		// until telemetry.Initialize runs - still useful for the plain
		// stdout/dev logging path.
		schedCfg.CircuitBreaker.Metrics = resilience.NewTelemetryMetrics()
	}

	var schedOpts []scheduler.Option
	if provider := telemetry.GetTelemetryProvider(); provider != nil {
		schedOpts = append(schedOpts, scheduler.WithTelemetry(provider))
	}

	sched, err := scheduler.New(schedCfg, pools, pipeline.StrategyNames(tmpl), bl, logger, schedOpts...)
	if err != nil {
		logger.Error("failed to start scheduler", map[string]interface{}{"error": err.Error()})
		return exitAssemblyError
	}

	sched.StartBackgroundLoops(ctx)
	defer sched.Stop()

	r := router.New(tmpl.RoutingRules, tmpl.DefaultVirtualModel)
	server := httpapi.New(sched, r, logger)

	handler := core.LoggingMiddleware(logger, cfg.Development.Enabled)(
		core.CORSMiddleware(&cfg.HTTP.CORS)(server.Handler()),
	)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", map[string]interface{}{"port": cfg.Port})
		serveErr <- httpSrv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to bind/listen", map[string]interface{}{"error": err.Error()})
			return exitBindError
		}
		return exitOK

	case sig := <-sigChan:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
		}
		if sig == syscall.SIGTERM {
			return exitSIGTERM
		}
		return exitSIGINT
	}
}

// retryConfigFrom adapts core.RetryConfig (the env/options-driven shape)
// onto resilience.RetryConfig (the shape the scheduler's retry loop
// consumes); the two frameworks settled on different field names for the
// same exponential-backoff-with-jitter knobs.
func retryConfigFrom(c core.RetryConfig) *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:   c.MaxAttempts,
		InitialDelay:  c.InitialInterval,
		MaxDelay:      c.MaxInterval,
		BackoffFactor: c.Multiplier,
		JitterEnabled: true,
	}
}

// circuitBreakerConfigFrom adapts core.CircuitBreakerConfig onto the
// richer resilience.CircuitBreakerConfig, filling in the volume/error-rate
// fields core's simpler shape doesn't carry with resilience's own
// defaults.
func circuitBreakerConfigFrom(c core.CircuitBreakerConfig) *resilience.CircuitBreakerConfig {
	defaults := resilience.DefaultConfig()
	if !c.Enabled {
		return defaults
	}
	cfg := *defaults
	cfg.FailureThreshold = c.Threshold
	cfg.RecoveryTimeout = c.Timeout
	cfg.SleepWindow = c.Timeout
	return &cfg
}
