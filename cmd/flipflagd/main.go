// Package main provides the entrypoint for the flipflag daemon.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/flipflag/flipflag/internal/api"
	"github.com/flipflag/flipflag/internal/api/middleware"
	"github.com/flipflag/flipflag/internal/database"
	"github.com/flipflag/flipflag/internal/flag"
	"github.com/flipflag/flipflag/internal/offline"
	"github.com/flipflag/flipflag/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "flipflagd"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting flipflag daemon")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Initialize OpenTelemetry
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTELEndpoint,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.OTELEnabled {
		log.Info().
			Str("otlp_endpoint", cfg.OTELEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}
	guardMetrics, err := middleware.NewGuardMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize guard metrics")
		os.Exit(1)
	}

	// Build the offline store
	store, storeCleanup, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize offline store")
	}
	defer storeCleanup()
	log.Info().Str("store", string(cfg.Store)).Msg("offline store initialized")

	// Build the upstream evaluator
	evaluator, err := buildEvaluator(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize evaluator")
	}

	// Wrap the evaluator with the offline guard
	guard, err := offline.Wrap(evaluator, offline.Config{
		Store:  store,
		Prefix: cfg.Prefix,
		TTL:    cfg.TTL,
		Logger: log,
		OnRestore: func(name string, value bool) {
			guardMetrics.RecordRestore(name)
			log.Warn().
				Str("flag", name).
				Bool("value", value).
				Msg("flag served from offline store")
		},
		OnPersist: func(name string, value bool) {
			guardMetrics.RecordPersist(name)
		},
		OnError: func(err error) {
			guardMetrics.RecordError()
			log.Error().Err(err).Msg("offline store error")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wrap evaluator")
	}
	defer func() {
		if closeErr := guard.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("failed to close guard")
		}
	}()

	// Warm the guard: pre-load stored entries and persist current values
	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	if err := guard.Init(initCtx); err != nil {
		// Startup proceeds; the guard restores lazily on first lookup.
		log.Warn().Err(err).Msg("guard warmup failed")
	}
	cancelInit()

	// Create router with configuration
	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		Guard:       guard,
		Store:       store,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}

// buildStore constructs the configured offline store. The returned cleanup
// releases any resources the store holds and is safe to call once.
func buildStore(ctx context.Context, cfg AppConfig, log zerolog.Logger) (offline.Store, func(), error) {
	noop := func() {}

	switch cfg.Store {
	case StoreMemory:
		return offline.NewMemoryStore(), noop, nil

	case StoreFile:
		store, err := offline.NewFileStore(cfg.StoreDir)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil

	case StoreSession:
		store, err := offline.NewSessionStore()
		if err != nil {
			return nil, noop, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("failed to remove session store")
			}
		}, nil

	case StorePostgres:
		dbCfg, err := database.ConfigFromEnv()
		if err != nil {
			return nil, noop, err
		}
		pool, err := database.Connect(ctx, dbCfg)
		if err != nil {
			return nil, noop, err
		}
		log.Info().
			Str("host", dbCfg.Host).
			Int("port", dbCfg.Port).
			Str("database", dbCfg.Database).
			Msg("database connected")
		return offline.NewPostgresStore(pool), pool.Close, nil

	case StoreValkey:
		store, err := offline.NewValkeyStore(ctx, cfg.ValkeyAddr)
		if err != nil {
			return nil, noop, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close valkey store")
			}
		}, nil

	default:
		// LoadConfig already rejected unknown kinds
		return offline.NewMemoryStore(), noop, nil
	}
}

// buildEvaluator constructs the upstream evaluator: a remote HTTP client
// when UPSTREAM_URL is set, otherwise a static set from FLAGS.
func buildEvaluator(cfg AppConfig, log zerolog.Logger) (flag.Evaluator, error) {
	if cfg.UpstreamURL != "" {
		log.Info().Str("upstream", cfg.UpstreamURL).Msg("using remote evaluator")
		return flag.NewRemote(flag.RemoteConfig{
			BaseURL: cfg.UpstreamURL,
			Logger:  log,
		})
	}

	log.Info().Int("flags", len(cfg.Flags)).Msg("using static evaluator")
	return flag.NewStatic(cfg.Flags), nil
}
