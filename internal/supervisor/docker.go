package supervisor

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/executor"
)

// name given to a Dockerfile that lives outside the build context
const externalDockerfile = ".deployctl.Dockerfile"

// DockerSupervisor builds and runs containers through the local Docker daemon
type DockerSupervisor struct {
	client      *client.Client
	stopTimeout int
	logger      zerolog.Logger
}

// NewDockerSupervisor connects to the daemon configured in the environment
func NewDockerSupervisor(logger zerolog.Logger) (*DockerSupervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerSupervisor{
		client:      cli,
		stopTimeout: 15,
		logger:      logger.With().Str("component", "docker-supervisor").Logger(),
	}, nil
}

// Ping checks that the daemon is reachable
func (s *DockerSupervisor) Ping(ctx context.Context) error {
	if _, err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// Start builds spec.Image and replaces the container named spec.Name
func (s *DockerSupervisor) Start(ctx context.Context, spec Spec) error {
	if spec.Image == "" || spec.BuildContext == "" {
		return fmt.Errorf("no image or build context for %s", spec.Name)
	}

	if err := s.build(ctx, spec); err != nil {
		return err
	}

	if err := s.removeContainer(ctx, spec.Name); err != nil {
		return err
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{"deployctl.service": spec.Name},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}

	created, err := s.client.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := s.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	s.logger.Info().
		Str("service", spec.Name).
		Str("image", spec.Image).
		Int("hostPort", spec.HostPort).
		Int("containerPort", spec.ContainerPort).
		Msg("Container started")
	return nil
}

func (s *DockerSupervisor) build(ctx context.Context, spec Spec) error {
	dockerfile := spec.DockerfilePath
	if dockerfile == "" {
		dockerfile = filepath.Join(spec.BuildContext, "Dockerfile")
	}

	buildContext, dockerfileName, err := createBuildContext(spec.BuildContext, dockerfile)
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}

	response, err := s.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{spec.Image},
		Dockerfile:  dockerfileName,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{"deployctl.service": spec.Name},
	})
	if err != nil {
		return fmt.Errorf("docker build failed: %w", err)
	}
	defer response.Body.Close()

	return streamBuildOutput(ctx, response.Body, spec.OnLine)
}

// Resume starts the existing container
func (s *DockerSupervisor) Resume(ctx context.Context, name string) error {
	if err := s.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotResumable
		}
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Stop stops the container; a missing container counts as stopped
func (s *DockerSupervisor) Stop(ctx context.Context, name string) error {
	timeout := s.stopTimeout
	if err := s.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Status inspects the container
func (s *DockerSupervisor) Status(ctx context.Context, name string) (State, error) {
	info, err := s.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateStopped, nil
		}
		return StateUnknown, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	if info.ContainerJSONBase == nil || info.State == nil {
		return StateUnknown, nil
	}
	if info.State.Running {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Remove force-removes the container
func (s *DockerSupervisor) Remove(ctx context.Context, name string) error {
	return s.removeContainer(ctx, name)
}

func (s *DockerSupervisor) removeContainer(ctx context.Context, name string) error {
	err := s.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Close releases the daemon connection
func (s *DockerSupervisor) Close() error {
	return s.client.Close()
}

var contextExcludes = map[string]bool{
	".git":         true,
	".github":      true,
	"node_modules": true,
}

// createBuildContext tars contextDir. It returns the Dockerfile name relative
// to the archive root, adding the Dockerfile when it lives outside the context.
func createBuildContext(contextDir, dockerfile string) (io.Reader, string, error) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)

	err := filepath.Walk(contextDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(contextDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if contextExcludes[fi.Name()] {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.Mode().IsRegular() && !fi.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return err
		}
		defer data.Close()

		_, err = io.Copy(tw, data)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create tar archive: %w", err)
	}

	name, err := filepath.Rel(contextDir, dockerfile)
	if err != nil || strings.HasPrefix(name, "..") {
		content, readErr := os.ReadFile(dockerfile)
		if readErr != nil {
			return nil, "", fmt.Errorf("failed to read Dockerfile: %w", readErr)
		}
		header := &tar.Header{Name: externalDockerfile, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(header); err != nil {
			return nil, "", err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, "", err
		}
		name = externalDockerfile
	}

	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish tar archive: %w", err)
	}

	return bytes.NewReader(buf.Bytes()), filepath.ToSlash(name), nil
}

// streamBuildOutput forwards daemon build messages line by line and fails on an error message
func streamBuildOutput(ctx context.Context, reader io.Reader, onLine func(executor.Stream, string)) error {
	decoder := json.NewDecoder(reader)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var msg struct {
			Stream      string `json:"stream"`
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}

		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}

		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			if onLine != nil {
				onLine(executor.Stderr, detail)
			}
			return fmt.Errorf("build error: %s", detail)
		}

		if onLine == nil {
			continue
		}
		for _, line := range strings.Split(msg.Stream, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				onLine(executor.Stdout, line)
			}
		}
	}
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for key, value := range env {
		list = append(list, key+"="+value)
	}
	sort.Strings(list)
	return list
}
