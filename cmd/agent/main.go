package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/app"
	"github.com/alvesdmateus/deployctl/internal/events"
	"github.com/alvesdmateus/deployctl/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := app.NewLogger(cfg.Server, "deployctl-agent")
	log.Logger = logger

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Agent stopped with error")
	}
	logger.Info().Msg("Agent stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Agent.APIURL == "" {
		return errors.New("agent.api_url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := app.NewTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	client := agent.NewClient(cfg.Agent.APIURL, "", agent.WithTracer(tracer), agent.WithLogger(logger))

	creds, err := agent.Bootstrap(ctx, client, agent.BootstrapOptions{
		Token:        cfg.Agent.Token,
		InstallToken: cfg.Agent.InstallToken,
		StateFile:    cfg.Agent.StateFile,
		Version:      app.Version,
	}, logger)
	if err != nil {
		return err
	}
	client.SetToken(creds.APIToken)

	if creds.PairingCode != "" {
		fmt.Printf("\n  Pairing code: %s\n  Run `deployctl node pair %s %s` on the control plane.\n\n",
			creds.PairingCode, creds.NodeID, creds.PairingCode)
	}

	logger.Info().
		Str("api_url", cfg.Agent.APIURL).
		Str("node_id", creds.NodeID.String()).
		Str("runtime", app.Describe(cfg)).
		Msg("Starting deployctl agent")

	// The agent reports through the control plane, which publishes events itself
	rt := app.NewRuntime(ctx, cfg, client, events.Nop{}, logger)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		rt.Close(stopCtx)
	}()

	heartbeat := agent.NewHeartbeat(client, cfg.Agent.HeartbeatInterval, app.Version, logger)
	worker := app.NewWorker(rt, client, cfg.Agent.PollInterval, nil, tracer, nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return heartbeat.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Msg("Waiting for the node to be paired")
		if err := heartbeat.WaitActive(gctx); err != nil {
			return nil
		}
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
