package agent_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/api"
	"github.com/alvesdmateus/deployctl/internal/orchestrator"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/crypto"
	"github.com/alvesdmateus/deployctl/pkg/database"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

var (
	_ orchestrator.Store      = (*agent.Client)(nil)
	_ orchestrator.TaskSource = (*agent.Client)(nil)
)

type controlPlane struct {
	url      string
	repo     *state.Repository
	store    *state.Store
	queue    *queue.Queue
	registry *agent.Registry
}

func startControlPlane(t *testing.T) *controlPlane {
	t.Helper()

	db, err := database.New(database.Config{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.Migrate(db, state.Models()...))

	cipher, err := crypto.NewCipher("client-test-key")
	require.NoError(t, err)

	repo := state.NewRepository(db)
	store := state.NewStore(repo, cipher)
	q := queue.New(repo, nil, zerolog.Nop())
	registry := agent.NewRegistry(repo, store, zerolog.Nop())

	server := api.NewServer(api.Options{
		DB:        db,
		Store:     store,
		Queue:     q,
		Registry:  registry,
		JWTSecret: "client-test-secret",
		Logger:    zerolog.Nop(),
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &controlPlane{url: ts.URL, repo: repo, store: store, queue: q, registry: registry}
}

func TestBootstrapRegistersOnce(t *testing.T) {
	cp := startControlPlane(t)
	ctx := context.Background()

	node, installToken, err := cp.registry.CreateNode(ctx, agent.NewNodeRequest{Name: "edge", Mode: state.NodeModeAgent})
	require.NoError(t, err)

	stateFile := filepath.Join(t.TempDir(), "agent", "agent.json")
	opts := agent.BootstrapOptions{InstallToken: installToken, StateFile: stateFile, Version: "test"}

	creds, err := agent.Bootstrap(ctx, agent.NewClient(cp.url, ""), opts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, node.ID, creds.NodeID)
	assert.NotEmpty(t, creds.PairingCode)

	info, err := os.Stat(stateFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := agent.Bootstrap(ctx, agent.NewClient(cp.url, ""), opts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, creds.APIToken, again.APIToken)
	assert.Empty(t, again.PairingCode)
}

func TestBootstrapWithoutInstallToken(t *testing.T) {
	cp := startControlPlane(t)

	_, err := agent.Bootstrap(context.Background(), agent.NewClient(cp.url, ""), agent.BootstrapOptions{
		StateFile: filepath.Join(t.TempDir(), "missing.json"),
	}, zerolog.Nop())
	assert.Error(t, err)

	creds, err := agent.Bootstrap(context.Background(), agent.NewClient(cp.url, ""), agent.BootstrapOptions{
		Token:     "configured",
		StateFile: filepath.Join(t.TempDir(), "missing.json"),
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "configured", creds.APIToken)
}

func TestClientRejectedToken(t *testing.T) {
	cp := startControlPlane(t)

	_, err := agent.NewClient(cp.url, "garbage").Heartbeat(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, agent.IsUnauthorized(err))
}

func TestClientTaskRoundTrip(t *testing.T) {
	cp := startControlPlane(t)
	ctx := context.Background()

	node, installToken, err := cp.registry.CreateNode(ctx, agent.NewNodeRequest{Name: "edge", Mode: state.NodeModeAgent})
	require.NoError(t, err)

	client := agent.NewClient(cp.url, "")
	creds, err := agent.Bootstrap(ctx, client, agent.BootstrapOptions{
		InstallToken: installToken,
		StateFile:    filepath.Join(t.TempDir(), "agent.json"),
	}, zerolog.Nop())
	require.NoError(t, err)
	client.SetToken(creds.APIToken)

	status, err := client.Heartbeat(ctx, map[string]any{"version": "test"})
	require.NoError(t, err)
	assert.Equal(t, state.NodeAwaitingPairing, status)

	_, err = client.Reserve(ctx)
	var apiErr *agent.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	require.NoError(t, cp.registry.Pair(ctx, node.ID, creds.PairingCode))

	task, err := client.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)

	nodeID := node.ID
	deployment := &state.Deployment{Name: "web", Repository: "acme/web", Branch: "main", NodeID: &nodeID}
	require.NoError(t, cp.repo.CreateDeployment(ctx, deployment))

	taskID, err := cp.queue.Submit(ctx, models.TaskDeploy, queue.DeployPayload{DeploymentID: deployment.ID, CommitSHA: "abc123"})
	require.NoError(t, err)

	task, err = client.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, taskID, task.ID)

	dctx, err := client.LoadContext(ctx, deployment.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/web", dctx.Deployment.Repository)
	assert.Nil(t, dctx.Node)

	require.NoError(t, client.AppendLog(ctx, deployment.ID, models.LogInfo, "building", map[string]any{"step": "build"}))
	require.NoError(t, client.UpdateStatus(ctx, deployment.ID, models.PatchStatus(models.StatusDeploying)))

	versionID, err := client.RecordVersion(ctx, deployment.ID, models.VersionRecord{
		Slot:      models.SlotBlue,
		CommitSHA: "abc123",
		Status:    models.VersionInactive,
		Port:      5200,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, versionID)

	require.NoError(t, client.ActivateVersion(ctx, deployment.ID, versionID))
	require.NoError(t, client.Finish(ctx, task.ID, models.TaskCompleted, ""))

	stored, err := cp.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskCompleted), stored.Status)

	version, err := cp.repo.GetVersion(ctx, deployment.ID, versionID)
	require.NoError(t, err)
	assert.Equal(t, string(models.VersionActive), version.Status)

	logs, err := cp.repo.RecentLogs(ctx, deployment.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "building", logs[0].Message)

	t.Run("foreign deployment is not found", func(t *testing.T) {
		other := &state.Deployment{Name: "api", Repository: "acme/api", Branch: "main"}
		require.NoError(t, cp.repo.CreateDeployment(ctx, other))

		_, err := client.LoadContext(ctx, other.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("reset finds nothing running", func(t *testing.T) {
		n, err := client.ResetStuck(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestClientWaitHonorsContext(t *testing.T) {
	client := agent.NewClient("http://127.0.0.1:0", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Wait(ctx, time.Minute), context.Canceled)

	assert.NoError(t, client.Wait(context.Background(), time.Millisecond))
}
