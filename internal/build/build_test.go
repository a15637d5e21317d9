package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/internal/executor"
)

// scriptedBackend runs nothing; "bun run build" creates build/index.js when produceOutput is set
type scriptedBackend struct {
	executor.LocalBackend
	produceOutput bool
	ran           []string
}

func (b *scriptedBackend) Run(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	b.ran = append(b.ran, cmd.String())
	if b.produceOutput && cmd.String() == "bun run build" {
		target := filepath.Join(cmd.Dir, "build", "index.js")
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		return &executor.Result{}, os.WriteFile(target, []byte("serve()"), 0o644)
	}
	return &executor.Result{}, nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestDetectContainerMode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch")

	detection, err := Detect(context.Background(), &executor.LocalBackend{}, dir, "", "")
	require.NoError(t, err)
	assert.Equal(t, ModeContainer, detection.Mode)
	assert.True(t, detection.Dockerized())
	assert.Equal(t, "Dockerfile", detection.DockerfilePath)
	assert.Equal(t, ".", detection.BuildContext)
}

func TestDetectRuntimeModeWithDefaultDescriptor(t *testing.T) {
	detection, err := Detect(context.Background(), &executor.LocalBackend{}, t.TempDir(), "Dockerfile", ".")
	require.NoError(t, err)
	assert.Equal(t, ModeRuntime, detection.Mode)
}

func TestDetectFailsFastOnMissingCustomDescriptor(t *testing.T) {
	_, err := Detect(context.Background(), &executor.LocalBackend{}, t.TempDir(), "deploy/Dockerfile.prod", ".")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDockerfileNotFound))
	assert.Equal(t, "Dockerfile not found at deploy/Dockerfile.prod", err.Error())
}

func TestResolveEntryPrecedence(t *testing.T) {
	args, err := ResolveEntry(true, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "build/index.js"}, args)

	args, err = ResolveEntry(false, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "start"}, args)

	_, err = ResolveEntry(false, false)
	assert.ErrorIs(t, err, ErrNoEntryPoint)
}

func TestReadManifestToleratesGarbage(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, ReadManifest(context.Background(), &executor.LocalBackend{}, dir).HasScript("start"))

	writeFile(t, dir, "package.json", "{nope")
	assert.Empty(t, ReadManifest(context.Background(), &executor.LocalBackend{}, dir).Scripts)
}

func TestPrepareRuntimePrefersBuildOutput(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"vite build","start":"bun server.js"}}`)
	backend := &scriptedBackend{produceOutput: true}

	runtime, err := PrepareRuntime(context.Background(), backend, RuntimeOptions{RepoDir: dir, Binary: "bun"})
	require.NoError(t, err)
	assert.True(t, runtime.BuildRan)
	assert.Equal(t, []string{"run", "build/index.js"}, runtime.Args)
	assert.Equal(t, []string{"bun install", "bun run build"}, backend.ran)
}

func TestPrepareRuntimeFallsBackToStart(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"start":"bun server.js"}}`)
	backend := &scriptedBackend{}

	runtime, err := PrepareRuntime(context.Background(), backend, RuntimeOptions{RepoDir: dir})
	require.NoError(t, err)
	assert.False(t, runtime.BuildRan)
	assert.Equal(t, "bun", runtime.Binary)
	assert.Equal(t, []string{"run", "start"}, runtime.Args)
	assert.Equal(t, []string{"bun install"}, backend.ran)
}

func TestPrepareRuntimeWithoutEntryPoint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"tsc"}}`)

	_, err := PrepareRuntime(context.Background(), &scriptedBackend{}, RuntimeOptions{RepoDir: dir})
	assert.ErrorIs(t, err, ErrNoEntryPoint)
}
