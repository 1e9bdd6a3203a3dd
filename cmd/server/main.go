package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/api"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/app"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/auth"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/metrics"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/ticker"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/websocket"
	"github.com/AyanDgr8/cdr-spc-sub000/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("db_driver", cfg.Database.Driver).
		Str("raw_store", cfg.Database.RawStore).
		Str("notify_driver", cfg.Notify.Driver).
		Msg("starting ledger server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewVerifier(ctx, cfg.OIDCIssuer, cfg.SkipAuth, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize authentication")
	}

	m := metrics.New()

	// Run progress feed
	hub := websocket.NewHub(m, log.Logger)
	go hub.Run(ctx)

	a, err := app.New(ctx, cfg, m, hub, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize ledger")
	}
	defer a.Close()

	a.Start(ctx)

	if cfg.Schedule.Interval > 0 && len(cfg.Schedule.Tenants) > 0 {
		go ticker.NewTicker(a.Service, cfg.Schedule, log.Logger).Start(ctx)
	}

	r := newRouter(cfg, a, hub, verifier)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop scheduler, hub and workers
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func newRouter(cfg *config.Config, a *app.App, hub *websocket.Hub, verifier *auth.Verifier) http.Handler {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(middleware.Metrics(a.Metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Handle("/metrics", a.Metrics.Handler())

	wsHandler := websocket.NewHandler(hub, cfg, log.Logger)
	reports := api.NewReportsHandler(a.Engine, a.Ledger, log.Logger)
	ingest := api.NewIngestHandler(a.Service, log.Logger)

	// Add auth middleware for protected routes
	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		r.Get("/ws", wsHandler.ServeHTTP)
		api.Routes(r, reports, ingest)
	})

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"cdr-ledger"}`)
}
