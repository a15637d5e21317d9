// Package crashdetect periodically scans recent deployment logs for crash
// symptoms and schedules a restart for affected deployments.
package crashdetect

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// ReasonCrashDetected is recorded on restart tasks created by the detector
const ReasonCrashDetected = "crash_detected"

var crashPattern = regexp.MustCompile(`(?i)crash|unhandled`)

// Options configures a Detector
type Options struct {
	Interval time.Duration
	Window   int
	Metrics  *observability.Metrics
}

// Detector runs the crash sweep
type Detector struct {
	repo   *state.Repository
	queue  *queue.Queue
	opts   Options
	logger zerolog.Logger
}

// New creates a detector
func New(repo *state.Repository, q *queue.Queue, opts Options, logger zerolog.Logger) *Detector {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 5
	}
	return &Detector{
		repo:   repo,
		queue:  q,
		opts:   opts,
		logger: logger.With().Str("component", "crashdetect").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled. A failed sweep is logged
// and retried on the next tick.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.opts.Interval).Int("window", d.opts.Window).Msg("Starting crash detector")

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Crash detector stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("Crash sweep failed")
			}
		}
	}
}

// Sweep inspects every live deployment once and returns the deployments a
// restart was scheduled for
func (d *Detector) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	deployments, err := d.repo.ListDeploymentsExcluding(ctx, models.StatusFailed, models.StatusDeleted)
	if err != nil {
		return nil, err
	}

	var restarted []uuid.UUID
	for _, deployment := range deployments {
		if ctx.Err() != nil {
			return restarted, ctx.Err()
		}

		logs, err := d.repo.RecentLogs(ctx, deployment.ID, d.opts.Window)
		if err != nil {
			d.logger.Warn().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Failed to read recent logs")
			continue
		}
		if !Crashed(logs) {
			continue
		}

		ok, err := d.scheduleRestart(ctx, deployment.ID)
		if err != nil {
			d.logger.Error().Err(err).Str("deployment_id", deployment.ID.String()).Msg("Failed to schedule restart")
			continue
		}
		if ok {
			restarted = append(restarted, deployment.ID)
		}
	}

	return restarted, nil
}

func (d *Detector) scheduleRestart(ctx context.Context, deploymentID uuid.UUID) (bool, error) {
	taskID, err := d.queue.Submit(ctx, models.TaskRestart, queue.DeployPayload{
		DeploymentID: deploymentID,
		Reason:       ReasonCrashDetected,
	})
	if errors.Is(err, queue.ErrAlreadyQueued) {
		d.logger.Debug().Str("deployment_id", deploymentID.String()).Msg("Restart already queued")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue restart: %w", err)
	}

	d.logger.Warn().
		Str("deployment_id", deploymentID.String()).
		Str("task_id", taskID.String()).
		Msg("Detected crash, scheduling restart")
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordCrashRestart()
	}
	return true, nil
}

// Crashed reports whether any error-level line looks like a crash
func Crashed(logs []state.DeploymentLog) bool {
	for _, line := range logs {
		if line.Level == string(models.LogError) && crashPattern.MatchString(line.Message) {
			return true
		}
	}
	return false
}
