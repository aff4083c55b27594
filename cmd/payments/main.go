package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"urbanride/internal/common/database"
	"urbanride/internal/common/events"
	"urbanride/internal/common/middleware"
	"urbanride/internal/common/money"
	"urbanride/internal/common/nats"
	"urbanride/internal/instrument"
	instrumentapi "urbanride/internal/instrument/api"
	"urbanride/internal/processor"
	processorapi "urbanride/internal/processor/api"
	"urbanride/internal/reservation"
	reservationapi "urbanride/internal/reservation/api"
	"urbanride/internal/users"
	"urbanride/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8084"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Currency            string `envconfig:"PLATFORM_CURRENCY" default:"COP"`
	ReservationFeeMinor int64  `envconfig:"RESERVATION_FEE_MINOR" default:"5000"`

	Database  database.Config
	NATS      nats.Config
	Processor processor.Config
	Users     users.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database and apply migrations
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(migrations.FS, migrations.Dir); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	// Connect to NATS and ensure the events stream
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig(
		"URBANRIDE_PAYMENTS",
		[]string{"payment.>", "reservation.>"},
	)); err != nil {
		logger.Error("failed to ensure events stream", "error", err)
		os.Exit(1)
	}

	currency := money.Currency(cfg.Currency)
	emitter := events.NewEmitter(nats.NewPublisher(natsClient, logger), logger)

	// External collaborators
	usersClient := users.New(cfg.Users)
	linkStore := processor.NewLinkStore(db)
	processorClient := processor.NewClient(cfg.Processor, linkStore, usersClient, logger)

	// Domain services
	instrumentService := instrument.NewService(db, processorClient, emitter, currency, logger)
	reservationService := reservation.NewService(
		db,
		instrumentService,
		processorClient,
		emitter,
		money.New(cfg.ReservationFeeMinor, currency),
		logger,
	)

	// Webhook ingestor
	ingestor := processor.NewIngestor(
		cfg.Processor.WebhookSecret,
		instrumentService,
		processorClient,
		processor.NewWebhookEventStore(db),
		logger,
	)

	// Handlers
	instrumentHandler := instrumentapi.NewHandler(instrumentService)
	processorHandler := processorapi.NewHandler(processorClient)
	reservationHandler := reservationapi.NewHandler(reservationService)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes, scoped to the authenticated user
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.UserExtractor)
		r.Use(middleware.RequireUser)

		r.Mount("/instruments", instrumentHandler.Routes())
		r.Mount("/payments", processorHandler.Routes())
		r.Mount("/reservations", reservationHandler.Routes())
	})

	// Processor webhooks are authenticated by signature, not by user
	r.Post("/webhooks/processor", ingestor.ServeHTTP)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"currency", currency,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
