package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/alvesdmateus/deployctl/internal/app"
	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/orchestrator"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/config"
	"github.com/alvesdmateus/deployctl/pkg/crypto"
	"github.com/alvesdmateus/deployctl/pkg/database"
)

// metricsAddr serves /metrics for the standalone worker
const metricsAddr = ":9101"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := app.NewLogger(cfg.Server, "deployctl-worker")
	log.Logger = logger

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Worker stopped with error")
	}
	logger.Info().Msg("Worker stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("owner", cfg.Worker.OwnerID).Str("runtime", app.Describe(cfg)).Msg("Starting deployctl worker")

	db, err := app.OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Error().Err(err).Msg("Failed to close database")
		}
	}()

	cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Warn().Err(err).Msg("No encryption key configured; encrypted values cannot be read")
		cipher = nil
	}

	repo := state.NewRepository(db)
	store := state.NewStore(repo, cipher)

	notifier, closeNotifier, err := app.NewNotifier(cfg.Redis)
	if err != nil {
		return err
	}
	defer closeNotifier()
	q := queue.New(repo, notifier, logger)

	// The standalone worker never runs the embedded broker; the server owns it
	natsCfg := cfg.NATS
	natsCfg.Embedded = false
	publisher, err := app.NewPublisher(natsCfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics("deployctl", registry)

	tracer, err := app.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	rt := app.NewRuntime(ctx, cfg, store, publisher, logger)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.Close(stopCtx)
	}()

	source := orchestrator.QueueSource{Queue: q, Owner: cfg.Worker.OwnerID}
	worker := app.NewWorker(rt, source, cfg.Worker.PollInterval, metrics, tracer, publisher, logger)

	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		rt.Orchestrator.WatchExits(gctx, rt.Process.Exits())
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
