package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/config"
	"github.com/Mindburn-Labs/prospector/pkg/fetch"
	"github.com/Mindburn-Labs/prospector/pkg/observability"
	"github.com/Mindburn-Labs/prospector/pkg/orchestrator"
	"github.com/Mindburn-Labs/prospector/pkg/store"
	"github.com/Mindburn-Labs/prospector/pkg/worker"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// defaultHostRPS is the per-host politeness budget shared by every worker.
const (
	defaultHostRPS   = 1.0
	defaultHostBurst = 2
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// buildEngine opens storage and wires the orchestrator the same way for the
// server, the standalone worker and the offline exporter.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*orchestrator.Engine, error) {
	db, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{Store: st, Log: logger}
	if cfg.RedisAddr != "" {
		// Multi-process deployments share one per-host token bucket.
		limiter := fetch.NewRedisHostLimiter(cfg.RedisAddr, defaultHostRPS, defaultHostBurst)
		deps.Fetcher = fetch.New(fetch.Options{
			Timeout:      cfg.FetchTimeout,
			MaxBodyBytes: cfg.FetchMaxBytes,
			MaxRedirects: cfg.FetchMaxRedirects,
		}, limiter, st, logger)
	}
	return orchestrator.New(cfg, deps)
}

func runServer(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sProspector engine starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite at %s).\n",
			ColorBold+ColorCyan, ColorReset, cfg.SQLitePath)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "prospector",
		ServiceVersion: engineVersion,
		Environment:    getEnvDefault("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "engine init failed: %v\n", err)
		return 1
	}
	logger.Info("storage ready", "backend", storageBackend(cfg))

	// Embedded worker; a deployment scales out with `prospector worker`.
	w := worker.New(eng.Queue(), eng.Executors(), worker.Options{
		PollInterval: cfg.WorkerPollInterval,
		StaleAfter:   time.Duration(cfg.StaleLeaseSeconds) * time.Second,
	}, logger)
	go w.Run(ctx)

	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(eng, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api server listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
			stop()
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{Addr: ":8081", Handler: healthMux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("health server listening", "addr", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()

	logger.Info("ready", "url", "http://localhost:"+cfg.Port)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	return 0
}

func storageBackend(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite"
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
