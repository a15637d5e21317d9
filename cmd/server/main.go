package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/api"
	"github.com/alvesdmateus/deployctl/internal/app"
	"github.com/alvesdmateus/deployctl/internal/crashdetect"
	"github.com/alvesdmateus/deployctl/internal/janitor"
	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/orchestrator"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/config"
	"github.com/alvesdmateus/deployctl/pkg/crypto"
	"github.com/alvesdmateus/deployctl/pkg/database"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := app.NewLogger(cfg.Server, "deployctl-server")
	log.Logger = logger

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped with error")
	}
	logger.Info().Msg("Server stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("port", cfg.Server.Port).
		Str("environment", cfg.Server.Environment).
		Str("runtime", app.Describe(cfg)).
		Msg("Starting deployctl control plane")

	// Connect to database and run migrations
	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Error().Err(err).Msg("Failed to close database")
		}
	}()
	logger.Info().Str("driver", cfg.Database.Driver).Msg("Database is healthy")

	cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Warn().Err(err).Msg("No encryption key configured; secrets cannot be stored or read")
		cipher = nil
	}
	if cfg.Security.JWTSecret == "" {
		logger.Warn().Msg("No JWT secret configured; the operator API rejects every request")
	}

	repo := state.NewRepository(db)
	store := state.NewStore(repo, cipher)

	notifier, closeNotifier, err := app.NewNotifier(cfg.Redis)
	if err != nil {
		return err
	}
	defer closeNotifier()
	q := queue.New(repo, notifier, logger)

	publisher, err := app.NewPublisher(cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// Metrics and tracing
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics("deployctl", registry)

	tracer, err := app.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	rt := app.NewRuntime(ctx, cfg, store, publisher, logger)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.Close(stopCtx)
	}()

	source := orchestrator.QueueSource{Queue: q, Owner: cfg.Worker.OwnerID}
	worker := app.NewWorker(rt, source, cfg.Worker.PollInterval, metrics, tracer, publisher, logger)

	// HTTP server
	server := api.NewServer(api.Options{
		DB:        db,
		Store:     store,
		Queue:     q,
		Registry:  agent.NewRegistry(repo, store, logger),
		Runtime:   rt.Orchestrator,
		Events:    publisher,
		Metrics:   metrics,
		Gatherer:  registry,
		Tracer:    tracer,
		JWTSecret: cfg.Security.JWTSecret,
		Version:   app.Version,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		rt.Orchestrator.WatchExits(gctx, rt.Process.Exits())
		return nil
	})

	if cfg.Crash.Enabled {
		detector := crashdetect.New(repo, q, crashdetect.Options{
			Interval: cfg.Crash.Interval,
			Window:   cfg.Crash.Window,
			Metrics:  metrics,
		}, logger)
		g.Go(func() error {
			return detector.Run(gctx)
		})
	}

	cleaner := janitor.New(repo, janitor.Options{
		LogRetention:  time.Duration(cfg.Janitor.LogRetentionDays) * 24 * time.Hour,
		PruneInterval: cfg.Janitor.Interval,
		Metrics:       metrics,
	}, logger)
	g.Go(func() error {
		return cleaner.Run(gctx)
	})

	logger.Info().Msg("Control plane ready")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
