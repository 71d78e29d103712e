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

	"apigate/internal/api"
	"apigate/internal/auth"
	"apigate/internal/config"
	"apigate/internal/logger"
	"apigate/internal/models"
	"apigate/internal/observability"
	"apigate/internal/ratelimit"
	"apigate/internal/storage"
	"apigate/internal/totp"
	"apigate/internal/twofactor"
	"apigate/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	if err := run(); err != nil {
		slog.Error("apigate exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ver := version.GetInfo()

	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := initializeStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	buckets, bucketPing, err := initializeBucketStore(ctx, cfg)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewLimiter(buckets, cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	defer limiter.Close()

	recorder, err := auth.NewLastUsedRecorder(store, cfg.Auth.LastUsedQueueSize, cfg.Auth.LastUsedTimeout)
	if err != nil {
		return fmt.Errorf("failed to create last-used recorder: %w", err)
	}
	defer recorder.Close()

	authenticator := auth.NewAuthenticator(store, recorder)
	policies := ratelimit.NewPolicyTable(cfg.RateLimit)
	engine := totp.NewEngine(cfg.TwoFactor)

	handlerOpts := []api.HandlerOption{api.WithVersion(ver)}
	if bucketPing != nil {
		handlerOpts = append(handlerOpts, api.WithBucketStorePing(bucketPing))
	}
	handlers := api.NewHandlers(store, twofactor.NewService(store, engine), policies, handlerOpts...)

	routeOpts := []api.RouteOption{
		api.WithAuthenticator(authenticator, cfg.Auth.APIKeyHeader),
	}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.RateLimit.Enabled {
		routeOpts = append(routeOpts, api.WithGate(ratelimit.NewGate(limiter, policies, auth.Identity, cfg.RateLimit)))
	} else {
		slog.Warn("Rate limiting is disabled")
	}

	handler := api.SetupRoutes(handlers, cfg, routeOpts...)

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider, nil)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"tls", cfg.Server.TLSEnabled,
			"storage", cfg.Storage.Type,
			"rate_limit_backend", cfg.RateLimit.Backend,
			"failure_mode", cfg.RateLimit.FailureMode,
		)
		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// initializeStorage opens the account store, wraps it with instrumentation
// when metrics are on, and verifies it is reachable before serving.
func initializeStorage(ctx context.Context, cfg *models.Config) (storage.Storage, error) {
	base, err := storage.NewFactory().Create(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	var store storage.Storage = base
	if cfg.Metrics.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(base)
		if err != nil {
			base.Close()
			return nil, fmt.Errorf("failed to create instrumented storage: %w", err)
		}
		store = instrumented
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("account store unreachable: %w", err)
	}
	return store, nil
}

// initializeBucketStore returns the token bucket store for the configured
// backend and, for Redis, a pinger for the health check.
func initializeBucketStore(ctx context.Context, cfg *models.Config) (ratelimit.Store, api.Pinger, error) {
	switch cfg.RateLimit.Backend {
	case models.RateLimitBackendRedis:
		client, err := ratelimit.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		if cfg.Metrics.Enabled {
			poolMetrics := observability.NewRedisPoolMetrics(client, nil)
			go poolMetrics.Run(ctx, 15*time.Second)
		}
		store := ratelimit.NewRedisStore(client)
		return store, store, nil
	default:
		return ratelimit.NewMemoryStore(ratelimit.WithCleanupInterval(cfg.RateLimit.CleanupInterval)), nil, nil
	}
}
