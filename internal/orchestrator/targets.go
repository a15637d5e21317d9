package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/internal/ingress"
	"github.com/alvesdmateus/deployctl/internal/source"
	"github.com/alvesdmateus/deployctl/internal/supervisor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// Ingress is the part of the ingress controller operations need
type Ingress interface {
	Configure(ctx context.Context, req ingress.Request) (*ingress.Result, error)
	Remove(ctx context.Context, deploymentID uuid.UUID) error
	Reload(ctx context.Context) error
}

// Target is the host one operation runs against, with every component bound to it
type Target struct {
	Backend   executor.Backend
	Fetcher   source.Fetcher
	Ingress   Ingress
	Runtime   supervisor.Supervisor
	Container supervisor.Supervisor
	BuildsDir string

	close func() error
}

// Supervisor picks the supervisor for the deployment's build mode
func (t *Target) Supervisor(dockerized bool) supervisor.Supervisor {
	if dockerized {
		return t.Container
	}
	return t.Runtime
}

// Close releases the target's connection, if any
func (t *Target) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// TargetResolver binds a deployment to the host its instances live on
type TargetResolver interface {
	Resolve(ctx context.Context, dctx *models.DeploymentContext, log *DeploymentLogger) (*Target, error)
}

// HostPaths is the directory layout of one kind of host
type HostPaths struct {
	BuildsDir       string
	SystemdDir      string
	SystemdTemplate string
	Ingress         ingress.Options
}

// HostOptions configures a HostResolver
type HostOptions struct {
	// LocalMode supervises managed runtimes as child processes instead of systemd units
	LocalMode bool
	Local     HostPaths
	Node      HostPaths

	SSHUser        string
	SSHDialTimeout time.Duration
	CommandTimeout time.Duration
}

// SSHDialer opens a backend on a remote node
type SSHDialer func(ctx context.Context, cfg executor.SSHConfig) (executor.Backend, error)

// HostResolver resolves deployments without a node to this host and deployments
// bound to an SSH node to an SSH session on that node
type HostResolver struct {
	opts    HostOptions
	local   executor.Backend
	process *supervisor.ProcessSupervisor
	docker  supervisor.Supervisor
	dial    SSHDialer
	logger  zerolog.Logger
}

// NewHostResolver creates a resolver. process is used in local mode; docker may
// be nil, in which case containers are driven through the docker CLI.
func NewHostResolver(opts HostOptions, local executor.Backend, process *supervisor.ProcessSupervisor, docker supervisor.Supervisor, logger zerolog.Logger) *HostResolver {
	return &HostResolver{
		opts:    opts,
		local:   local,
		process: process,
		docker:  docker,
		dial:    dialSSH,
		logger:  logger,
	}
}

func dialSSH(ctx context.Context, cfg executor.SSHConfig) (executor.Backend, error) {
	return executor.DialSSH(ctx, cfg)
}

// Resolve returns the target for dctx. Commands run through the target are
// echoed into the deployment log.
func (r *HostResolver) Resolve(ctx context.Context, dctx *models.DeploymentContext, log *DeploymentLogger) (*Target, error) {
	if dctx.Node != nil {
		return r.remote(ctx, dctx.Node, log)
	}

	backend := &loggedBackend{Backend: r.local, log: log}

	target := &Target{
		Backend:   backend,
		Fetcher:   source.NewGitFetcher(),
		Ingress:   ingress.New(backend, r.opts.Local.Ingress, r.logger),
		BuildsDir: r.opts.Local.BuildsDir,
	}

	if r.opts.LocalMode {
		target.Runtime = r.process
	} else {
		target.Runtime = supervisor.NewSystemdSupervisor(backend, r.opts.Local.SystemdDir, r.opts.Local.SystemdTemplate, r.logger)
	}

	if r.docker != nil {
		target.Container = r.docker
	} else {
		target.Container = supervisor.NewDockerCLISupervisor(backend, r.logger)
	}

	return target, nil
}

func (r *HostResolver) remote(ctx context.Context, node *models.NodeConnection, log *DeploymentLogger) (*Target, error) {
	user := node.User
	if user == "" {
		user = r.opts.SSHUser
	}

	conn, err := r.dial(ctx, executor.SSHConfig{
		Host:           node.Host,
		Port:           node.Port,
		User:           user,
		PrivateKey:     node.PrivateKey,
		DialTimeout:    r.opts.SSHDialTimeout,
		DefaultTimeout: r.opts.CommandTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node %s: %w", node.Name, err)
	}

	backend := &loggedBackend{Backend: conn, log: log}
	nodeLogger := r.logger.With().Str("node", node.Name).Logger()

	opts := r.opts.Node.Ingress
	opts.LocalMode = false

	return &Target{
		Backend:   backend,
		Fetcher:   source.NewCommandFetcher(backend, log.Lines(ctx)),
		Ingress:   ingress.New(backend, opts, nodeLogger),
		Runtime:   supervisor.NewSystemdSupervisor(backend, r.opts.Node.SystemdDir, r.opts.Node.SystemdTemplate, nodeLogger),
		Container: supervisor.NewDockerCLISupervisor(backend, nodeLogger),
		BuildsDir: r.opts.Node.BuildsDir,
		close:     conn.Close,
	}, nil
}

// loggedBackend echoes every command into the deployment log and streams
// its output there unless the caller asked for the lines itself
type loggedBackend struct {
	executor.Backend
	log *DeploymentLogger
}

func (b *loggedBackend) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	b.log.Command(ctx, cmd.String())
	if cmd.OnLine == nil {
		cmd.OnLine = b.log.Lines(ctx)
	}

	result, err := b.Backend.Run(ctx, cmd)
	if err != nil {
		b.log.CommandFailed(ctx, err)
	}
	return result, err
}
