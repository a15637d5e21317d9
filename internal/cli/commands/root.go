package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/app"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/config"
	"github.com/alvesdmateus/deployctl/pkg/crypto"
	"github.com/alvesdmateus/deployctl/pkg/database"
)

var rootLongHelp = strings.TrimSpace(`
deployctl manages deployments on a self-hosted control plane.

Commands talk to the control plane database directly; long-running work is
queued as tasks and executed by the server, a worker or a node agent.

Workflow:
  deployctl deployments create --name web --repo acme/web   # Register an application
  deployctl env set <id> DATABASE_URL=postgres://...        # Configure it
  deployctl tasks enqueue <id> deploy                       # Build and start it
  deployctl logs <id>                                       # Follow what happened
`)

// backend is what commands work against once the database is open
type backend struct {
	db       *gorm.DB
	repo     *state.Repository
	store    *state.Store
	queue    *queue.Queue
	registry *agent.Registry
	close    func() error
}

type rootOpts struct {
	output string

	cfg     *config.Config
	backend *backend
	logger  zerolog.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{logger: zerolog.Nop()}
}

// Execute runs the deployctl command line
func Execute() {
	root := newRoot()
	root.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	log.Logger = root.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd, err := root.Command().ExecuteContextC(ctx)
	stop()
	if err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			cmd.Println("")
			cmd.Println(cmd.UsageString())
		}
		os.Exit(1)
	}
}

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "deployctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return opts.Close()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputTable, "Output format: table, yaml or json")

	cmd.AddCommand(
		newDeployments(opts).Command(),
		newDomains(opts).Command(),
		newEnv(opts).Command(),
		newNodes(opts).Command(),
		newTasks(opts).Command(),
		newLogs(opts).Command(),
		newToken(opts).Command(),
		newMigrate(opts).Command(),
		newVersion(opts).Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(*cobra.Command, []string) error {
	switch opts.output {
	case outputTable, outputYAML, outputJSON:
		return nil
	}
	return newUsageError("unknown output format " + opts.output + "; use table, yaml or json")
}

func (opts *rootOpts) config() (*config.Config, error) {
	if opts.cfg != nil {
		return opts.cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	opts.cfg = cfg
	return cfg, nil
}

// open connects to the control plane database on first use
func (opts *rootOpts) open() (*backend, error) {
	if opts.backend != nil {
		return opts.backend, nil
	}

	cfg, err := opts.config()
	if err != nil {
		return nil, err
	}

	db, err := database.New(app.DatabaseConfig(cfg.Database))
	if err != nil {
		return nil, err
	}

	// Without a key the CLI still works for everything that is not a secret
	cipher, err := crypto.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		cipher = nil
	}

	notifier, closeNotifier, err := app.NewNotifier(cfg.Redis)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	opts.backend = newBackend(db, cipher, notifier, opts.logger)
	opts.backend.close = func() error {
		_ = closeNotifier()
		return database.Close(db)
	}
	return opts.backend, nil
}

func newBackend(db *gorm.DB, cipher *crypto.Cipher, notifier queue.Notifier, logger zerolog.Logger) *backend {
	repo := state.NewRepository(db)
	store := state.NewStore(repo, cipher)
	return &backend{
		db:       db,
		repo:     repo,
		store:    store,
		queue:    queue.New(repo, notifier, logger),
		registry: agent.NewRegistry(repo, store, logger),
	}
}

// Close releases the database handle if a command opened one
func (opts *rootOpts) Close() error {
	if opts.backend == nil || opts.backend.close == nil {
		return nil
	}
	err := opts.backend.close()
	opts.backend = nil
	return err
}

func parseID(arg, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}
