package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/executor"
)

// DockerCLISupervisor drives the docker CLI through a Backend. It is used for
// nodes reached over SSH, where no daemon socket is available to the SDK.
type DockerCLISupervisor struct {
	backend executor.Backend
	logger  zerolog.Logger
}

// NewDockerCLISupervisor creates a CLI-based container supervisor
func NewDockerCLISupervisor(backend executor.Backend, logger zerolog.Logger) *DockerCLISupervisor {
	return &DockerCLISupervisor{
		backend: backend,
		logger:  logger.With().Str("component", "docker-cli-supervisor").Logger(),
	}
}

// Start rebuilds the image and replaces the container
func (s *DockerCLISupervisor) Start(ctx context.Context, spec Spec) error {
	if spec.Image == "" || spec.BuildContext == "" {
		return fmt.Errorf("no image or build context for %s", spec.Name)
	}

	for _, cmd := range []executor.Command{
		s.buildCommand(spec),
		removeCommand(spec.Name),
		runCommand(spec),
	} {
		cmd.OnLine = spec.OnLine
		if _, err := s.backend.Run(ctx, cmd); err != nil {
			return fmt.Errorf("docker %s failed: %w", cmd.Args[0], err)
		}
	}

	s.logger.Info().Str("service", spec.Name).Str("image", spec.Image).Msg("Container started")
	return nil
}

func (s *DockerCLISupervisor) buildCommand(spec Spec) executor.Command {
	args := []string{"build", "-t", spec.Image}
	if spec.DockerfilePath != "" {
		args = append(args, "-f", spec.DockerfilePath)
	}
	args = append(args, spec.BuildContext)
	return executor.Command{Name: "docker", Args: args, Sudo: true}
}

func removeCommand(name string) executor.Command {
	return executor.Command{Name: "docker", Args: []string{"rm", "-f", name}, Sudo: true, AcceptExitCodes: []int{1}}
}

// runCommand keeps values out of argv: each variable is passed as -e KEY and
// resolved by docker from the command environment.
func runCommand(spec Spec) executor.Command {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--restart", "always",
		"--label", "deployctl.service=" + spec.Name,
		"-p", strconv.Itoa(spec.HostPort) + ":" + strconv.Itoa(spec.ContainerPort),
	}

	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", key)
	}
	args = append(args, spec.Image)

	return executor.Command{Name: "docker", Args: args, Env: copyEnv(spec.Env), Sudo: true}
}

// Resume starts the existing container
func (s *DockerCLISupervisor) Resume(ctx context.Context, name string) error {
	_, err := s.backend.Run(ctx, executor.Command{Name: "docker", Args: []string{"start", name}, Sudo: true})
	if err != nil {
		if executor.IsExitCode(err, 1) {
			return ErrNotResumable
		}
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Stop stops the container; a missing container counts as stopped
func (s *DockerCLISupervisor) Stop(ctx context.Context, name string) error {
	_, err := s.backend.Run(ctx, executor.Command{
		Name:            "docker",
		Args:            []string{"stop", name},
		Sudo:            true,
		AcceptExitCodes: []int{1},
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Status reads State.Running from docker inspect
func (s *DockerCLISupervisor) Status(ctx context.Context, name string) (State, error) {
	result, err := s.backend.Run(ctx, executor.Command{
		Name:            "docker",
		Args:            []string{"inspect", "-f", "{{.State.Running}}", name},
		Sudo:            true,
		AcceptExitCodes: []int{1},
	})
	if err != nil {
		return StateUnknown, err
	}
	if result.ExitCode != 0 {
		return StateStopped, nil
	}

	switch strings.TrimSpace(result.Stdout) {
	case "true":
		return StateRunning, nil
	case "false":
		return StateStopped, nil
	}
	return StateUnknown, nil
}

// Remove force-removes the container
func (s *DockerCLISupervisor) Remove(ctx context.Context, name string) error {
	if _, err := s.backend.Run(ctx, removeCommand(name)); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}
