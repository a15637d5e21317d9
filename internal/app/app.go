// Package app builds the components the deployctl binaries share from a
// loaded configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/alvesdmateus/deployctl/internal/events"
	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/internal/ingress"
	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/orchestrator"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/internal/supervisor"
	"github.com/alvesdmateus/deployctl/pkg/config"
	"github.com/alvesdmateus/deployctl/pkg/database"
)

// Version is stamped at build time with -ldflags "-X .../internal/app.Version=..."
var Version = "dev"

const wakeupKey = "deployctl:tasks:wakeup"

// NewLogger builds the root logger for a binary
func NewLogger(cfg config.ServerConfig, binary string) zerolog.Logger {
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("app", binary).Logger()
}

// DatabaseConfig maps the configuration section onto the database package
func DatabaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		DBName:          cfg.DBName,
		SSLMode:         cfg.SSLMode,
		SQLitePath:      cfg.SQLitePath,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

// OpenDatabase connects, migrates and health-checks the database
func OpenDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := database.New(DatabaseConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, state.Models()...); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	if err := database.HealthCheck(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return db, nil
}

// NewTracer creates the tracer; a disabled config yields a no-op tracer
func NewTracer(ctx context.Context, cfg config.TracingConfig) (*observability.Tracer, error) {
	return observability.NewTracer(ctx, observability.TracingConfig{
		Enabled:        cfg.Enabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
		Insecure:       cfg.Insecure,
	})
}

// NewNotifier returns the redis wake-up notifier when enabled and a sleeping
// notifier otherwise, plus a func that releases it
func NewNotifier(cfg config.RedisConfig) (queue.Notifier, func() error, error) {
	if !cfg.Enabled {
		return queue.SleepNotifier{}, func() error { return nil }, nil
	}
	notifier, err := queue.NewRedisNotifier(cfg.URL, cfg.Password, cfg.DB, wakeupKey)
	if err != nil {
		return nil, nil, err
	}
	return notifier, notifier.Close, nil
}

// Publisher is an event publisher plus the embedded broker it may own
type Publisher struct {
	events.Publisher
	embedded *server.Server
}

// Close closes the connection, then the embedded broker
func (p *Publisher) Close() error {
	err := p.Publisher.Close()
	if p.embedded != nil {
		p.embedded.Shutdown()
	}
	return err
}

// NewPublisher connects to NATS when enabled, starting an embedded server
// first if configured. Without NATS events are discarded.
func NewPublisher(cfg config.NATSConfig, logger zerolog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{Publisher: events.Nop{}}, nil
	}

	url := cfg.URL
	var embedded *server.Server
	if cfg.Embedded {
		ns, err := events.StartEmbedded(cfg.EmbeddedAddr)
		if err != nil {
			return nil, err
		}
		embedded = ns
		url = ns.ClientURL()
		logger.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	publisher, err := events.Connect(url, cfg.SubjectPrefix, logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, err
	}
	return &Publisher{Publisher: publisher, embedded: embedded}, nil
}

// Runtime is an orchestrator with the supervisors it drives on this host
type Runtime struct {
	Orchestrator *orchestrator.Orchestrator
	Process      *supervisor.ProcessSupervisor
	docker       *supervisor.DockerSupervisor
	logger       zerolog.Logger
}

// NewRuntime wires the host resolver and the orchestrator. The docker SDK is
// used when a daemon answers; otherwise containers go through the docker CLI.
func NewRuntime(ctx context.Context, cfg *config.Config, store orchestrator.Store, publisher events.Publisher, logger zerolog.Logger) *Runtime {
	process := supervisor.NewProcessSupervisor(logger)
	local := executor.NewLocalBackend(cfg.Deploy.CommandTimeout)

	var docker supervisor.Supervisor
	sdk, err := supervisor.NewDockerSupervisor(logger)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = sdk.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		logger.Info().Err(err).Msg("Docker SDK unavailable, using the docker CLI")
		if sdk != nil {
			_ = sdk.Close()
			sdk = nil
		}
	} else {
		docker = sdk
	}

	resolver := orchestrator.NewHostResolver(HostOptions(cfg), local, process, docker, logger)
	orch := orchestrator.New(store, resolver, publisher, Settings(cfg), logger)

	return &Runtime{Orchestrator: orch, Process: process, docker: sdk, logger: logger}
}

// Close stops locally supervised processes and releases the docker client
func (r *Runtime) Close(ctx context.Context) {
	r.Process.StopAll(ctx)
	if r.docker != nil {
		if err := r.docker.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to close docker client")
		}
	}
}

// Settings maps deploy configuration onto orchestrator settings. Certificates
// are only requested outside local mode and with a registration email.
func Settings(cfg *config.Config) orchestrator.Settings {
	return orchestrator.Settings{
		BasePort:             cfg.Deploy.BasePort,
		ReleasesToKeep:       cfg.Deploy.ReleasesToKeep,
		RuntimeBinary:        cfg.Deploy.RuntimeBinary,
		ServicePrefix:        cfg.Deploy.ServicePrefix,
		DefaultContainerPort: cfg.Deploy.DefaultContainerPort,
		ObtainCertificates:   !cfg.Deploy.LocalMode && cfg.Ingress.CertbotEmail != "",
	}
}

// HostOptions maps directory layout configuration for this host and for SSH nodes
func HostOptions(cfg *config.Config) orchestrator.HostOptions {
	shared := ingress.Options{
		LetsEncryptDir:    cfg.Ingress.LetsEncryptDir,
		SSLOptionsInclude: cfg.Ingress.SSLOptionsInclude,
		DHParamPath:       cfg.Ingress.DHParamPath,
		CertbotEmail:      cfg.Ingress.CertbotEmail,
		NginxBinaries:     cfg.Ingress.NginxBinaries,
	}

	local := shared
	local.SitesDir = cfg.Deploy.NginxSitesDir
	local.LogsDir = cfg.Deploy.LogsDir
	local.TemplatePath = cfg.Deploy.NginxTemplatePath
	local.LocalMode = cfg.Deploy.LocalMode

	node := shared
	node.SitesDir = cfg.Node.NginxSitesDir
	node.LogsDir = cfg.Node.LogsDir
	node.TemplatePath = cfg.Node.NginxTemplatePath

	return orchestrator.HostOptions{
		LocalMode: cfg.Deploy.LocalMode,
		Local: orchestrator.HostPaths{
			BuildsDir:       cfg.Deploy.BuildsDir,
			SystemdDir:      cfg.Deploy.SystemdDir,
			SystemdTemplate: cfg.Deploy.SystemdTemplatePath,
			Ingress:         local,
		},
		Node: orchestrator.HostPaths{
			BuildsDir:  cfg.Node.BuildsDir,
			SystemdDir: cfg.Node.SystemdDir,
			Ingress:    node,
		},
		SSHUser:        "root",
		SSHDialTimeout: 15 * time.Second,
		CommandTimeout: cfg.Deploy.CommandTimeout,
	}
}

// NewWorker builds a worker over source
func NewWorker(rt *Runtime, source orchestrator.TaskSource, pollInterval time.Duration, metrics *observability.Metrics, tracer *observability.Tracer, publisher events.Publisher, logger zerolog.Logger) *orchestrator.Worker {
	return orchestrator.NewWorker(rt.Orchestrator, source, orchestrator.WorkerOptions{
		PollInterval: pollInterval,
		Metrics:      metrics,
		Tracer:       tracer,
		Events:       publisher,
	}, logger)
}

// Describe is a one-line summary of the runtime mode for startup logs
func Describe(cfg *config.Config) string {
	mode := "systemd"
	if cfg.Deploy.LocalMode {
		mode = "local"
	}
	return fmt.Sprintf("%s mode, builds in %s", mode, cfg.Deploy.BuildsDir)
}
