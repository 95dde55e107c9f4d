// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/apperr"
)

// Run starts the daemon with the given options: the HTTP API, the vault
// watcher and the scheduled embedding backfill.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := NewLogger(cfg, app.logOutput)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("agent_provider", cfg.Agent.Provider),
		slog.String("log_level", cfg.App.LogLevel.String()))

	stack, err := Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	deps := api.Deps{
		Index:          stack.Indexer,
		Store:          stack.DB,
		Search:         stack.Search,
		Tools:          stack.Tools,
		VaultRoot:      stack.VaultPath,
		EmbeddingModel: stack.EmbeddingModel(),
	}
	if stack.Agent != nil {
		deps.Agent = stack.Agent
	}
	apiRouter := api.NewRouter(api.NewHandler(deps), cfg.Auth.AuthEnabled(), cfg.Auth.Token, stack.Broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","version":%q}`, app.version)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := stack.DB.Stats(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Indexer.AutoStart {
		if err := stack.Indexer.Start(ctx); err != nil && !errors.Is(err, apperr.ErrAlreadyRunning) {
			return fmt.Errorf("start indexer: %w", err)
		}
	}

	scheduler := cron.New()
	if cfg.Indexer.EmbedSchedule != "" && stack.Gateway != nil {
		_, err := scheduler.AddFunc(cfg.Indexer.EmbedSchedule, func() {
			n, err := stack.Indexer.EmbedMissing(ctx)
			if err != nil {
				logger.Warn("Scheduled embedding backfill failed", slog.String("error", err.Error()))
				return
			}
			if n > 0 {
				logger.Info("Scheduled embedding backfill", slog.Int("embedded", n))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule embedding backfill: %w", err)
		}
		scheduler.Start()
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		<-scheduler.Stop().Done()
		if err := stack.Indexer.Stop(); err != nil && !errors.Is(err, apperr.ErrNotRunning) {
			logger.Error("Indexer shutdown error", slog.String("error", err.Error()))
		}

		// SSE streams end once the broker closes.
		stack.Broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
