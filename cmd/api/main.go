package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/nyashahama/survey-report-backend/internal/api"
	"github.com/nyashahama/survey-report-backend/internal/cache"
	"github.com/nyashahama/survey-report-backend/internal/config"
	"github.com/nyashahama/survey-report-backend/internal/db"
	"github.com/nyashahama/survey-report-backend/internal/email"
	"github.com/nyashahama/survey-report-backend/internal/export"
	"github.com/nyashahama/survey-report-backend/internal/narrative"
	"github.com/nyashahama/survey-report-backend/internal/qualtrics"
	"github.com/nyashahama/survey-report-backend/internal/render"
	"github.com/nyashahama/survey-report-backend/internal/report"
	"github.com/nyashahama/survey-report-backend/internal/store"
	"github.com/nyashahama/survey-report-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "qualtrics_dc", cfg.QualtricsDC)

	// Root context cancelled by OS signal. Worker and HTTP server both respect it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Survey platform + report pipeline ─────────────────────────────────────
	client := qualtrics.NewClient(qualtrics.BaseURL(cfg.QualtricsDC), cfg.QualtricsAPIToken, logger)
	exporter := export.NewExporter(client, export.Poller{
		Interval: cfg.PollInterval,
		MaxWait:  cfg.MaxWait,
	}, logger)
	builder := report.NewBuilder(client, exporter, logger)

	// ── Rendering ─────────────────────────────────────────────────────────────
	layout := render.DefaultLayout()
	if cfg.LayoutFile != "" {
		if layout, err = render.LoadLayout(cfg.LayoutFile); err != nil {
			return fmt.Errorf("layout: %w", err)
		}
		logger.Info("layout loaded", "path", cfg.LayoutFile)
	}

	workDir := filepath.Join(cfg.ReportsDir, "tmp")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("reports dir: %w", err)
	}

	renderer, err := render.New(render.Config{
		Tools: render.Tools{
			LaTeX:  cfg.LaTeXBin,
			Pandoc: cfg.PandocBin,
			Magick: cfg.MagickBin,
		},
		Layout:  layout,
		WorkDir: workDir,
	}, render.ExecCommander{Timeout: 2 * time.Minute}, logger)
	if err != nil {
		return fmt.Errorf("renderer: %w", err)
	}

	// ── Narrative ─────────────────────────────────────────────────────────────
	// The OpenAI-compatible endpoint is primary. Anthropic is the fallback when
	// ANTHROPIC_API_KEY is also set.
	var narrator narrative.Narrator
	switch {
	case cfg.AIAPIKey != "" && cfg.AnthropicAPIKey != "":
		primary := narrative.NewOpenAINarrator(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel, narrative.DefaultPricing)
		secondary := narrative.NewAnthropicNarrator(cfg.AnthropicAPIKey, cfg.AnthropicModel, narrative.DefaultPricing)
		narrator = narrative.NewFallbackNarrator(primary, secondary, logger)
		logger.Info("narrative: using OpenAI-compatible endpoint with Anthropic fallback")
	case cfg.AIAPIKey != "":
		narrator = narrative.NewOpenAINarrator(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel, narrative.DefaultPricing)
		logger.Info("narrative: using OpenAI-compatible endpoint only")
	case cfg.AnthropicAPIKey != "":
		narrator = narrative.NewAnthropicNarrator(cfg.AnthropicAPIKey, cfg.AnthropicModel, narrative.DefaultPricing)
		logger.Info("narrative: using Anthropic only")
	default:
		logger.Warn("narrative: no API key configured, narrative endpoint disabled")
	}

	// ── Listing cache (Redis) ─────────────────────────────────────────────────
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("redis connected", "ttl", cfg.CacheTTL)
	}
	lister := cache.NewListingCache(client, rdb, cfg.CacheTTL, logger)

	deps := api.Deps{
		Lister:   lister,
		Builder:  builder,
		Renderer: renderer,
		Narrator: narrator, // nil disables the narrative route
	}

	// ── Database + worker (optional) ──────────────────────────────────────────
	var runner *worker.Runner
	if cfg.DatabaseURL != "" {
		pool, queries, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		logger.Info("database connected")

		// ── Email (optional) ──────────────────────────────────────────────────
		var notifier worker.Notifier
		if cfg.ResendAPIKey != "" {
			notifier = email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFrom, cfg.EmailFromName, cfg.PublicBaseURL, cfg.NotifyTo)
			logger.Info("run notifications enabled", "recipients", len(cfg.NotifyTo))
		}

		st := store.New(pool, queries)
		job := worker.NewJob(st, builder, renderer, notifier, cfg.ReportsDir, logger)
		runner = worker.NewRunner(job, st, st, worker.RunnerConfig{
			Workers:      cfg.WorkerCount,
			PollInterval: cfg.WorkerPollInterval,
			JobTimeout:   cfg.JobTimeout,
			MaxRetries:   cfg.MaxRetries,
		}, logger)

		deps.Runs = st
		deps.RunsQ = queries
		deps.Worker = runner // *Runner satisfies worker.Enqueuer
	} else {
		logger.Warn("DATABASE_URL not set, async report runs disabled")
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(deps, api.Config{
		Env:            cfg.Env,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// Report routes wait for the export and the compilers.
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	workerDone := make(chan struct{})
	if runner != nil {
		go func() {
			runner.Start(ctx)
			close(workerDone)
		}()
	} else {
		close(workerDone)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until either a signal arrives or the server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Give in-flight HTTP requests up to 20 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// runner.Start returns once every worker goroutine has seen ctx.Done.
	<-workerDone
	logger.Info("shutdown complete")
	return nil
}

// openDB opens the connection pool and applies the report_runs schema.
func openDB(ctx context.Context, dsn string) (*sql.DB, *db.Queries, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(10)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	// Verify the connection is reachable before proceeding.
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}

	if err := db.EnsureSchema(pingCtx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return pool, db.New(pool), nil
}

// openRedis connects to REDIS_URL and verifies the connection.
func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}
