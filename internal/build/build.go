// Package build decides how fetched source becomes a runnable instance.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/alvesdmateus/deployctl/internal/executor"
)

// DefaultDockerfile is the descriptor looked up when none is configured
const DefaultDockerfile = "Dockerfile"

// BuildOutputEntry is the preferred runtime entry produced by a build script
const BuildOutputEntry = "build/index.js"

var (
	// ErrDockerfileNotFound is returned when a non-default descriptor path is absent
	ErrDockerfileNotFound = errors.New("Dockerfile not found")

	// ErrNoEntryPoint is returned when a managed-runtime app has nothing to run
	ErrNoEntryPoint = errors.New("No production entry point found. Add a build script that outputs build/index.js (recommended) or define a start script.")
)

// Mode is how an application is built and supervised
type Mode string

const (
	ModeContainer Mode = "container"
	ModeRuntime   Mode = "runtime"
)

// Detection is the outcome of inspecting a checkout
type Detection struct {
	Mode           Mode
	DockerfilePath string
	BuildContext   string
}

// Dockerized reports whether the container runtime should be used
func (d Detection) Dockerized() bool {
	return d.Mode == ModeContainer
}

// Detect picks container mode when the descriptor exists. A configured
// descriptor path other than the default must exist.
func Detect(ctx context.Context, backend executor.Backend, repoDir, dockerfilePath, buildContext string) (*Detection, error) {
	if dockerfilePath == "" {
		dockerfilePath = DefaultDockerfile
	}
	if buildContext == "" {
		buildContext = "."
	}

	exists, err := backend.Exists(ctx, path.Join(repoDir, dockerfilePath))
	if err != nil {
		return nil, fmt.Errorf("failed to check for %s: %w", dockerfilePath, err)
	}
	if !exists && dockerfilePath != DefaultDockerfile {
		return nil, fmt.Errorf("%w at %s", ErrDockerfileNotFound, dockerfilePath)
	}

	mode := ModeRuntime
	if exists {
		mode = ModeContainer
	}

	return &Detection{
		Mode:           mode,
		DockerfilePath: dockerfilePath,
		BuildContext:   buildContext,
	}, nil
}

// Manifest is the part of package.json the runtime build reads
type Manifest struct {
	Scripts map[string]string `json:"scripts"`
}

// HasScript reports whether a non-empty script is declared
func (m Manifest) HasScript(name string) bool {
	return m.Scripts[name] != ""
}

// ReadManifest loads package.json from repoDir. A missing or malformed file is an empty manifest.
func ReadManifest(ctx context.Context, backend executor.Backend, repoDir string) Manifest {
	var manifest Manifest

	data, err := backend.ReadFile(ctx, path.Join(repoDir, "package.json"))
	if err != nil {
		return manifest
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}
	}
	return manifest
}

// ResolveEntry picks the runtime arguments: built output first, then the
// start script. There is no implicit fallback.
func ResolveEntry(hasBuildOutput, hasStartScript bool) ([]string, error) {
	if hasBuildOutput {
		return []string{"run", BuildOutputEntry}, nil
	}
	if hasStartScript {
		return []string{"run", "start"}, nil
	}
	return nil, ErrNoEntryPoint
}

// RuntimeOptions configures PrepareRuntime
type RuntimeOptions struct {
	RepoDir string
	Binary  string
	Env     map[string]string
	OnLine  func(executor.Stream, string)
}

// Runtime is a prepared managed-runtime application
type Runtime struct {
	Binary   string
	Args     []string
	BuildRan bool
}

// PrepareRuntime installs dependencies, runs the build script when declared
// and resolves the entry point
func PrepareRuntime(ctx context.Context, backend executor.Backend, opts RuntimeOptions) (*Runtime, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "bun"
	}

	if _, err := backend.Run(ctx, executor.Command{
		Name:   binary,
		Args:   []string{"install"},
		Dir:    opts.RepoDir,
		Env:    opts.Env,
		OnLine: opts.OnLine,
	}); err != nil {
		return nil, fmt.Errorf("failed to install dependencies: %w", err)
	}

	manifest := ReadManifest(ctx, backend, opts.RepoDir)

	runtime := &Runtime{Binary: binary}
	if manifest.HasScript("build") {
		if _, err := backend.Run(ctx, executor.Command{
			Name:   binary,
			Args:   []string{"run", "build"},
			Dir:    opts.RepoDir,
			Env:    opts.Env,
			OnLine: opts.OnLine,
		}); err != nil {
			return nil, fmt.Errorf("build script failed: %w", err)
		}
		runtime.BuildRan = true
	}

	hasOutput, err := backend.Exists(ctx, path.Join(opts.RepoDir, BuildOutputEntry))
	if err != nil {
		return nil, fmt.Errorf("failed to check build output: %w", err)
	}

	args, err := ResolveEntry(hasOutput, manifest.HasScript("start"))
	if err != nil {
		return nil, err
	}
	runtime.Args = args

	return runtime, nil
}
