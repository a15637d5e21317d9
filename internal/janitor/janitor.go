// Package janitor runs housekeeping loops: deployment log retention and the
// status gauges exported on /metrics.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/state"
)

// Options configures a Janitor
type Options struct {
	LogRetention  time.Duration
	PruneInterval time.Duration
	StatsInterval time.Duration
	Metrics       *observability.Metrics
}

// Janitor prunes old deployment logs and samples status counts
type Janitor struct {
	repo   *state.Repository
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a janitor
func New(repo *state.Repository, opts Options, logger zerolog.Logger) *Janitor {
	if opts.LogRetention <= 0 {
		opts.LogRetention = 30 * 24 * time.Hour
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 24 * time.Hour
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Minute
	}
	return &Janitor{
		repo:   repo,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "janitor").Logger(),
	}
}

// Run prunes once at startup and then on every interval until ctx is cancelled
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info().
		Dur("retention", j.opts.LogRetention).
		Dur("prune_interval", j.opts.PruneInterval).
		Msg("Starting janitor")

	j.prune(ctx)
	j.collect(ctx)

	prune := time.NewTicker(j.opts.PruneInterval)
	defer prune.Stop()
	stats := time.NewTicker(j.opts.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("Janitor stopped")
			return nil
		case <-prune.C:
			j.prune(ctx)
		case <-stats.C:
			j.collect(ctx)
		}
	}
}

func (j *Janitor) prune(ctx context.Context) {
	removed, err := j.PruneLogs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Error().Err(err).Msg("Log pruning failed")
		}
		return
	}
	if removed > 0 {
		j.logger.Info().Int64("removed", removed).Msg("Pruned deployment logs")
	}
}

func (j *Janitor) collect(ctx context.Context) {
	if err := j.CollectStats(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn().Err(err).Msg("Failed to collect status counts")
	}
}

// PruneLogs deletes log lines older than the retention period
func (j *Janitor) PruneLogs(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.opts.LogRetention)

	removed, err := j.repo.PruneLogs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if j.opts.Metrics != nil {
		j.opts.Metrics.RecordLogsPruned(removed)
	}
	return removed, nil
}

// CollectStats refreshes the deployment and task status gauges
func (j *Janitor) CollectStats(ctx context.Context) error {
	if j.opts.Metrics == nil {
		return nil
	}

	deployments, err := j.repo.CountDeploymentsByStatus(ctx)
	if err != nil {
		return err
	}
	tasks, err := j.repo.CountTasksByStatus(ctx)
	if err != nil {
		return err
	}

	j.opts.Metrics.SetDeploymentsByStatus(deployments)
	j.opts.Metrics.SetTasksByStatus(tasks)
	return nil
}
