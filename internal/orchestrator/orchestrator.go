// Package orchestrator runs the blue/green lifecycle of a deployment: it
// builds and starts the next slot, points ingress at it, records versions and
// controls or tears down running instances.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/build"
	"github.com/alvesdmateus/deployctl/internal/events"
	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/internal/ingress"
	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/source"
	"github.com/alvesdmateus/deployctl/internal/supervisor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// ErrNoControllableSlot is returned by Start and Stop before the first successful deploy
var ErrNoControllableSlot = errors.New("Deploy this app at least once before using start/stop controls.")

// Settings tunes the pipeline
type Settings struct {
	BasePort             int
	ReleasesToKeep       int
	RuntimeBinary        string
	ServicePrefix        string
	DefaultContainerPort int

	// ObtainCertificates allows certbot runs during deploys
	ObtainCertificates bool
}

// Op identifies one operation run
type Op struct {
	DeploymentID uuid.UUID
	TaskID       string
}

// DeployResult describes a finished deploy
type DeployResult struct {
	Slot       models.Slot `json:"slot"`
	Port       int         `json:"port"`
	VersionID  uuid.UUID   `json:"versionId"`
	CommitSHA  string      `json:"commitSha,omitempty"`
	Dockerized bool        `json:"dockerized"`
}

// Orchestrator executes deployment operations against a Store and the hosts
// returned by a TargetResolver
type Orchestrator struct {
	store    Store
	targets  TargetResolver
	events   events.Publisher
	settings Settings
	logger   zerolog.Logger

	newBuildID func() string
}

// New creates an orchestrator. A nil publisher disables events.
func New(store Store, targets TargetResolver, publisher events.Publisher, settings Settings, logger zerolog.Logger) *Orchestrator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if settings.ReleasesToKeep < 1 {
		settings.ReleasesToKeep = 5
	}
	if settings.DefaultContainerPort == 0 {
		settings.DefaultContainerPort = 3000
	}
	return &Orchestrator{
		store:    store,
		targets:  targets,
		events:   publisher,
		settings: settings,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		newBuildID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
}

// Logger returns a deployment logger bound to op
func (o *Orchestrator) Logger(op Op) *DeploymentLogger {
	return NewDeploymentLogger(o.store, op.DeploymentID, op.TaskID, o.logger)
}

// Deploy builds and starts the next slot, then moves traffic and the active slot to it
func (o *Orchestrator) Deploy(ctx context.Context, op Op, commitSHA string) (*DeployResult, error) {
	dctx, err := o.store.LoadContext(ctx, op.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	return o.deploy(ctx, op, dctx, commitSHA)
}

// Restart marks the deployment restarting and deploys it again
func (o *Orchestrator) Restart(ctx context.Context, op Op, commitSHA string) (*DeployResult, error) {
	if err := o.patch(ctx, op.DeploymentID, models.PatchStatus(models.StatusRestarting)); err != nil {
		return nil, err
	}

	dctx, err := o.store.LoadContext(ctx, op.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	return o.deploy(ctx, op, dctx, commitSHA)
}

func (o *Orchestrator) deploy(ctx context.Context, op Op, dctx *models.DeploymentContext, commitSHA string) (*DeployResult, error) {
	log := o.Logger(op)

	if dctx.Deployment.Status != models.StatusRestarting {
		if err := o.patch(ctx, op.DeploymentID, models.PatchStatus(models.StatusDeploying)); err != nil {
			return nil, err
		}
	}

	result, err := o.runPipeline(ctx, log, dctx, commitSHA)
	if err != nil {
		log.Error(ctx, "Deployment failed", err, nil)
		if patchErr := o.patch(context.WithoutCancel(ctx), op.DeploymentID, models.PatchStatus(models.StatusFailed)); patchErr != nil {
			o.logger.Error().Err(patchErr).Str("deployment_id", op.DeploymentID.String()).Msg("Failed to mark deployment failed")
		}
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, log *DeploymentLogger, dctx *models.DeploymentContext, commitSHA string) (*DeployResult, error) {
	spec := dctx.Deployment
	slot := ComputeSlot(spec)
	port := PortFor(o.settings.BasePort, spec.ID, slot)
	observability.MarkSlot(ctx, slot, port)

	target, err := o.targets.Resolve(ctx, dctx, log)
	if err != nil {
		return nil, err
	}
	defer target.Close()

	deploymentDir := path.Join(target.BuildsDir, spec.ID.String())
	slotDir := path.Join(deploymentDir, fmt.Sprintf("%s-%s", slot, o.newBuildID()))
	if err := target.Backend.MkdirAll(ctx, slotDir); err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}
	repoDir := path.Join(slotDir, "source")

	env := make(map[string]string, len(dctx.Environment)+1)
	for key, value := range dctx.Environment {
		env[key] = value
	}

	log.Info(ctx, "Cloning repository", Details("repository", spec.Repository, "branch", spec.Branch, "slot", slot))
	head, err := target.Fetcher.Fetch(ctx, source.Request{
		Repository: spec.Repository,
		Branch:     spec.Branch,
		Token:      dctx.SourceToken,
		Dir:        repoDir,
	})
	if err != nil {
		return nil, err
	}
	if commitSHA == "" {
		commitSHA = head
	}

	detection, err := build.Detect(ctx, target.Backend, repoDir, spec.DockerfilePath, spec.BuildContext)
	if err != nil {
		if errors.Is(err, build.ErrDockerfileNotFound) {
			log.Error(ctx, err.Error(), nil, Details("path", spec.DockerfilePath))
		}
		return nil, err
	}
	dockerized := detection.Dockerized()
	log.Info(ctx, "Detected project type", Details(
		"dockerized", dockerized,
		"dockerfilePath", detection.DockerfilePath,
		"buildContext", detection.BuildContext,
	))

	name := supervisor.ServiceName(o.settings.ServicePrefix, spec.ID, slot)
	instance := supervisor.Spec{
		Name:    name,
		WorkDir: repoDir,
		Env:     env,
		OnLine:  o.runtimeLines(spec.ID),
	}

	if dockerized {
		containerPort := o.containerPort(env)
		env["PORT"] = strconv.Itoa(containerPort)
		instance.Image = supervisor.ImageTag(o.settings.ServicePrefix, spec.ID, slot)
		instance.DockerfilePath = path.Join(repoDir, detection.DockerfilePath)
		instance.BuildContext = path.Join(repoDir, detection.BuildContext)
		instance.HostPort = port
		instance.ContainerPort = containerPort
		instance.OnLine = log.Lines(ctx)
	} else {
		env["PORT"] = strconv.Itoa(port)
		runtime, err := build.PrepareRuntime(ctx, target.Backend, build.RuntimeOptions{
			RepoDir: repoDir,
			Binary:  o.settings.RuntimeBinary,
			Env:     env,
			OnLine:  log.Lines(ctx),
		})
		if err != nil {
			if errors.Is(err, build.ErrNoEntryPoint) {
				log.Error(ctx, err.Error(), nil, nil)
			}
			return nil, err
		}
		instance.Binary = runtime.Binary
		instance.Args = runtime.Args
	}

	if err := target.Supervisor(dockerized).Start(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	log.Info(ctx, "Started slot instance", Details("slot", slot, "port", port, "service", name))

	if len(dctx.Domains) > 0 {
		if err := o.configureIngress(ctx, log, target, dctx, port, slot, o.settings.ObtainCertificates); err != nil {
			return nil, err
		}
	}

	versionID, err := o.store.RecordVersion(ctx, spec.ID, models.VersionRecord{
		Slot:         slot,
		CommitSHA:    commitSHA,
		Status:       models.VersionActive,
		Port:         port,
		Dockerized:   dockerized,
		ArtifactPath: repoDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record version: %w", err)
	}

	running := models.StatusRunning
	if err := o.patch(ctx, spec.ID, models.StatusPatch{Status: &running, ActiveSlot: &slot, Dockerized: &dockerized}); err != nil {
		return nil, err
	}

	log.Info(ctx, "Deployment completed", Details("slot", slot, "port", port, "versionId", versionID.String()))

	o.pruneBuilds(ctx, log, target, deploymentDir)

	return &DeployResult{
		Slot:       slot,
		Port:       port,
		VersionID:  versionID,
		CommitSHA:  commitSHA,
		Dockerized: dockerized,
	}, nil
}

func (o *Orchestrator) configureIngress(ctx context.Context, log *DeploymentLogger, target *Target, dctx *models.DeploymentContext, port int, slot models.Slot, obtain bool) error {
	result, err := target.Ingress.Configure(ctx, ingress.Request{
		DeploymentID:      dctx.Deployment.ID,
		Domains:           dctx.Domains,
		Port:              port,
		Slot:              slot,
		ObtainCertificate: obtain,
	})
	if err != nil {
		log.Error(ctx, "Failed to configure TLS", err, nil)
		return fmt.Errorf("failed to configure ingress: %w", err)
	}

	if result.CertificateRequested {
		log.Info(ctx, "Issued TLS certificate", Details("domains", dctx.Domains))
	}
	for _, warning := range result.Warnings {
		log.Warn(ctx, warning, Details("domains", dctx.Domains))
	}
	return nil
}

// containerPort is the port the application listens on inside its container
func (o *Orchestrator) containerPort(env map[string]string) int {
	if value, ok := env["PORT"]; ok {
		if port, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return o.settings.DefaultContainerPort
}

// runtimeLines streams output of a long-lived instance into the deployment log
// after the task that started it has finished
func (o *Orchestrator) runtimeLines(deploymentID uuid.UUID) func(executor.Stream, string) {
	return NewDeploymentLogger(o.store, deploymentID, "", o.logger).Lines(context.Background())
}

// pruneBuilds keeps the newest ReleasesToKeep build directories
func (o *Orchestrator) pruneBuilds(ctx context.Context, log *DeploymentLogger, target *Target, deploymentDir string) {
	entries, err := target.Backend.ListDirs(ctx, deploymentDir)
	if err != nil {
		log.Warn(ctx, "Failed to list builds", Details("error", err.Error()))
		return
	}
	if len(entries) <= o.settings.ReleasesToKeep {
		return
	}

	removed := make([]string, 0, len(entries)-o.settings.ReleasesToKeep)
	for _, entry := range entries[o.settings.ReleasesToKeep:] {
		if err := target.Backend.RemoveAll(ctx, path.Join(deploymentDir, entry.Name), false); err != nil {
			log.Warn(ctx, "Failed to remove build", Details("build", entry.Name, "error", err.Error()))
			continue
		}
		removed = append(removed, entry.Name)
	}
	if len(removed) > 0 {
		log.Info(ctx, "Cleaned up builds", Details("removed", removed))
	}
}

// Rollback points traffic at a recorded version's slot without rebuilding
func (o *Orchestrator) Rollback(ctx context.Context, op Op, version models.VersionRecord) error {
	if !version.Slot.Valid() || version.Port <= 0 {
		return fmt.Errorf("version %s has no slot or port", version.ID)
	}

	dctx, err := o.store.LoadContext(ctx, op.DeploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	log := o.Logger(op)

	if len(dctx.Domains) > 0 {
		target, err := o.targets.Resolve(ctx, dctx, log)
		if err != nil {
			return err
		}
		defer target.Close()

		if err := o.configureIngress(ctx, log, target, dctx, version.Port, version.Slot, false); err != nil {
			return err
		}
	}

	if version.ID != uuid.Nil {
		if err := o.store.ActivateVersion(ctx, op.DeploymentID, version.ID); err != nil {
			return fmt.Errorf("failed to activate version: %w", err)
		}
	}

	running := models.StatusRunning
	slot := version.Slot
	observability.MarkSlot(ctx, slot, version.Port)
	if err := o.patch(ctx, op.DeploymentID, models.StatusPatch{Status: &running, ActiveSlot: &slot, Dockerized: &version.Dockerized}); err != nil {
		return err
	}

	log.Info(ctx, "Activated deployment version", Details("versionId", version.ID.String(), "slot", version.Slot, "port", version.Port))
	return nil
}

// Stop stops the active slot's instance
func (o *Orchestrator) Stop(ctx context.Context, op Op) error {
	return o.control(ctx, op, false)
}

// Start resumes the active slot's stopped instance
func (o *Orchestrator) Start(ctx context.Context, op Op) error {
	return o.control(ctx, op, true)
}

func (o *Orchestrator) control(ctx context.Context, op Op, start bool) error {
	dctx, err := o.store.LoadContext(ctx, op.DeploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	spec := dctx.Deployment
	if !spec.ActiveSlot.Valid() {
		return ErrNoControllableSlot
	}

	log := o.Logger(op)
	name := supervisor.ServiceName(o.settings.ServicePrefix, spec.ID, spec.ActiveSlot)
	details := Details("slot", spec.ActiveSlot, "service", name)

	target, err := o.targets.Resolve(ctx, dctx, log)
	if err != nil {
		return err
	}
	defer target.Close()

	sup := target.Supervisor(spec.Dockerized)
	if start {
		err = sup.Resume(ctx, name)
	} else {
		err = sup.Stop(ctx, name)
	}
	if err != nil {
		verb := "stop"
		if start {
			verb = "start"
		}
		log.Error(ctx, fmt.Sprintf("Failed to %s deployment runtime: %s", verb, err.Error()), nil, details)
		return err
	}

	if start {
		if err := o.patch(ctx, spec.ID, models.PatchStatus(models.StatusRunning)); err != nil {
			return err
		}
		log.Info(ctx, "Deployment resumed", details)
		return nil
	}

	if err := o.patch(ctx, spec.ID, models.PatchStatus(models.StatusInactive)); err != nil {
		return err
	}
	log.Info(ctx, "Deployment stopped", details)
	return nil
}

// Cleanup stops and removes every slot instance, the build directory and the
// proxy config, then marks the deployment deleted. Individual step failures
// are collected instead of aborting the sequence.
func (o *Orchestrator) Cleanup(ctx context.Context, op Op) (StepErrors, error) {
	dctx, err := o.store.LoadContext(ctx, op.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	spec := dctx.Deployment
	log := o.Logger(op)

	target, err := o.targets.Resolve(ctx, dctx, log)
	if err != nil {
		return nil, err
	}
	defer target.Close()

	var steps StepErrors
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			steps = append(steps, StepError{Step: name, Err: err})
			log.Warn(ctx, "Cleanup step failed", Details("step", name, "error", err.Error()))
		}
	}

	for _, slot := range Slots(spec) {
		name := supervisor.ServiceName(o.settings.ServicePrefix, spec.ID, slot)
		step("stop "+name, func() error { return target.Runtime.Stop(ctx, name) })
		step("remove container "+name, func() error { return target.Container.Remove(ctx, name) })
		step("remove service "+name, func() error { return target.Runtime.Remove(ctx, name) })
	}

	if reloader, ok := target.Runtime.(interface{ Reload(context.Context) error }); ok {
		step("reload service manager", func() error { return reloader.Reload(ctx) })
	}

	step("remove builds", func() error {
		return target.Backend.RemoveAll(ctx, path.Join(target.BuildsDir, spec.ID.String()), false)
	})
	step("remove proxy config", func() error { return target.Ingress.Remove(ctx, spec.ID) })
	step("reload proxy", func() error { return target.Ingress.Reload(ctx) })

	if err := o.patch(ctx, spec.ID, models.PatchStatus(models.StatusDeleted)); err != nil {
		return steps, err
	}

	log.Info(ctx, "Cleaned up deployment resources", Details("failedSteps", len(steps)))
	return steps, nil
}

// patch updates lifecycle fields and announces the change
func (o *Orchestrator) patch(ctx context.Context, deploymentID uuid.UUID, patch models.StatusPatch) error {
	if err := o.store.UpdateStatus(ctx, deploymentID, patch); err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}
	if err := o.events.StatusChanged(ctx, events.FromPatch(deploymentID, patch)); err != nil {
		o.logger.Warn().Err(err).Str("deployment_id", deploymentID.String()).Msg("Failed to publish status change")
	}
	return nil
}
