package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// pairedAgent registers a fresh agent node and pairs it, returning the node id
// and its API token
func pairedAgent(t *testing.T, env *testEnv, name string) (uuid.UUID, string) {
	t.Helper()
	ctx := context.Background()

	node, installToken, err := env.registry.CreateNode(ctx, agent.NewNodeRequest{Name: name, Mode: state.NodeModeAgent})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/agent/register", "", models.RegisterRequest{Token: installToken, Hostname: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var registered models.RegisterResponse
	decodeBody(t, rec, &registered)
	require.NoError(t, env.registry.Pair(ctx, node.ID, registered.PairingCode))

	return node.ID, registered.APIToken
}

func createAgentDeployment(t *testing.T, env *testEnv, nodeID uuid.UUID) uuid.UUID {
	t.Helper()

	deployment := &state.Deployment{Name: "web", Repository: "acme/web", Branch: "main", NodeID: &nodeID}
	require.NoError(t, env.repo.CreateDeployment(context.Background(), deployment))
	return deployment.ID
}

func TestAgentRegistrationAndPairing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	node, installToken, err := env.registry.CreateNode(ctx, agent.NewNodeRequest{Name: "edge-1", Mode: state.NodeModeAgent})
	require.NoError(t, err)
	assert.Equal(t, state.NodePending, node.Status)

	t.Run("invalid payload", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/agent/register", "", map[string]string{})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("unknown install token", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/agent/register", "", models.RegisterRequest{Token: "nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	rec := env.do(t, http.MethodPost, "/api/agent/register", "", models.RegisterRequest{
		Token:    installToken,
		Hostname: "edge-1.lan",
		Arch:     "arm64",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var registered models.RegisterResponse
	decodeBody(t, rec, &registered)
	assert.Equal(t, node.ID, registered.NodeID)
	assert.NotEmpty(t, registered.APIToken)
	assert.Len(t, registered.PairingCode, 12)

	t.Run("install token is single use", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/agent/register", "", models.RegisterRequest{Token: installToken})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("heartbeat is allowed before pairing", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/agent/heartbeat", registered.APIToken, models.HeartbeatRequest{
			Metadata: map[string]any{"load": 0.5},
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AgentHeartbeatsTotal.WithLabelValues(node.ID.String())))

		stored, err := env.repo.GetNode(ctx, node.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored.LastSeen)
		assert.Contains(t, stored.Metadata, `"hostname":"edge-1.lan"`)
		assert.Contains(t, stored.Metadata, `"load":0.5`)
	})

	t.Run("task routes need an active node", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/agent/tasks/reserve", registered.APIToken, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing or wrong token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/agent/heartbeat", "", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/agent/heartbeat", "garbage", nil).Code)
	})

	t.Run("wrong pairing code", func(t *testing.T) {
		assert.ErrorIs(t, env.registry.Pair(ctx, node.ID, "AAAAAAAAAAAA"), agent.ErrInvalidPairingCode)
	})

	require.NoError(t, env.registry.Pair(ctx, node.ID, registered.PairingCode))

	rec = env.do(t, http.MethodPost, "/api/agent/tasks/reserve", registered.APIToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"task":null}`, rec.Body.String())
}

func TestAgentTaskLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	nodeID, token := pairedAgent(t, env, "edge-1")
	deploymentID := createAgentDeployment(t, env, nodeID)
	require.NoError(t, env.repo.UpsertVariable(ctx, sealedVariable(t, env, deploymentID, "API_KEY", "s3cret")))

	// unbound work is invisible to the agent
	unbound := &state.Deployment{Name: "api", Repository: "acme/api", Branch: "main"}
	require.NoError(t, env.repo.CreateDeployment(ctx, unbound))
	_, err := env.queue.Submit(ctx, models.TaskDeploy, queue.DeployPayload{DeploymentID: unbound.ID})
	require.NoError(t, err)

	taskID, err := env.queue.Submit(ctx, models.TaskDeploy, queue.DeployPayload{DeploymentID: deploymentID})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/agent/tasks/reserve", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reserved models.ReserveResponse
	decodeBody(t, rec, &reserved)
	require.NotNil(t, reserved.Task)
	assert.Equal(t, taskID, reserved.Task.ID)
	assert.Equal(t, models.TaskDeploy, reserved.Task.Type)

	base := fmt.Sprintf("/api/agent/deployments/%s", deploymentID)

	rec = env.do(t, http.MethodGet, base+"/context", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dctx models.DeploymentContext
	decodeBody(t, rec, &dctx)
	assert.Equal(t, deploymentID, dctx.Deployment.ID)
	assert.Equal(t, "s3cret", dctx.Environment["API_KEY"])

	rec = env.do(t, http.MethodPost, base+"/logs", token, models.LogRequest{
		Level:   models.LogInfo,
		Message: "Cloning repository",
		Meta:    map[string]any{"stream": "system"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	slot := models.SlotBlue
	status := models.StatusRunning
	rec = env.do(t, http.MethodPost, base+"/status", token, models.StatusPatch{Status: &status, ActiveSlot: &slot})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/versions", token, models.VersionRecord{
		Slot:      models.SlotBlue,
		CommitSHA: "0123abcd",
		Status:    models.VersionInactive,
		Port:      5200,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var version models.VersionResponse
	decodeBody(t, rec, &version)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("%s/versions/%s/activate", base, version.VersionID), token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/agent/tasks/%s/finish", taskID), token, models.FinishRequest{
		Status: models.TaskCompleted,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	deployment, err := env.repo.GetDeployment(ctx, deploymentID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusRunning), deployment.Status)
	assert.Equal(t, string(models.SlotBlue), deployment.ActiveSlot)

	stored, err := env.repo.GetVersion(ctx, deploymentID, version.VersionID)
	require.NoError(t, err)
	assert.Equal(t, string(models.VersionActive), stored.Status)

	task, err := env.repo.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskCompleted), task.Status)
	assert.Equal(t, "agent:"+nodeID.String(), task.ReservedBy)

	logs, err := env.repo.RecentLogs(ctx, deploymentID, 5)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Cloning repository", logs[0].Message)
}

func TestAgentFinishValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	nodeID, token := pairedAgent(t, env, "edge-1")
	deploymentID := createAgentDeployment(t, env, nodeID)

	taskID, err := env.queue.Submit(ctx, models.TaskRestart, queue.DeployPayload{DeploymentID: deploymentID})
	require.NoError(t, err)
	rec := env.do(t, http.MethodPost, "/api/agent/tasks/reserve", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	path := fmt.Sprintf("/api/agent/tasks/%s/finish", taskID)

	rec = env.do(t, http.MethodPost, path, token, models.FinishRequest{Status: models.TaskRunning})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	_, otherToken := pairedAgent(t, env, "edge-2")
	rec = env.do(t, http.MethodPost, path, otherToken, models.FinishRequest{Status: models.TaskCompleted})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, path, token, models.FinishRequest{Status: models.TaskFailed})
	assert.Equal(t, http.StatusOK, rec.Code)

	task, err := env.repo.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskFailed), task.Status)
	assert.Equal(t, "Agent reported error", task.Error)

	rec = env.do(t, http.MethodPost, path, token, models.FinishRequest{Status: models.TaskCompleted})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAgentCompletedCleanupPurgesDeployment(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	nodeID, token := pairedAgent(t, env, "edge-1")
	deploymentID := createAgentDeployment(t, env, nodeID)

	taskID, err := env.queue.Submit(ctx, models.TaskCleanup, queue.DeploymentPayload{DeploymentID: deploymentID})
	require.NoError(t, err)
	rec := env.do(t, http.MethodPost, "/api/agent/tasks/reserve", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/agent/tasks/%s/finish", taskID), token, models.FinishRequest{
		Status: models.TaskCompleted,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = env.repo.GetDeployment(ctx, deploymentID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestAgentCannotTouchForeignDeployments(t *testing.T) {
	env := newTestEnv(t, nil)

	_, token := pairedAgent(t, env, "edge-1")
	otherNode, _ := pairedAgent(t, env, "edge-2")
	foreign := createAgentDeployment(t, env, otherNode)

	base := fmt.Sprintf("/api/agent/deployments/%s", foreign)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, base+"/context", token, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, base+"/logs", token, models.LogRequest{Message: "x"}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, fmt.Sprintf("/api/agent/deployments/%s/context", uuid.New()), token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/agent/deployments/not-a-uuid/context", token, nil).Code)
}

func TestAgentResetTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	nodeID, token := pairedAgent(t, env, "edge-1")
	deploymentID := createAgentDeployment(t, env, nodeID)

	_, err := env.queue.Submit(ctx, models.TaskStop, queue.DeploymentPayload{DeploymentID: deploymentID})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/agent/tasks/reserve", token, nil).Code)

	rec := env.do(t, http.MethodPost, "/api/agent/tasks/reset", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reset":1}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/agent/tasks/reserve", token, nil)
	var reserved models.ReserveResponse
	decodeBody(t, rec, &reserved)
	assert.NotNil(t, reserved.Task)
}

func sealedVariable(t *testing.T, env *testEnv, deploymentID uuid.UUID, key, value string) *state.EnvironmentVariable {
	t.Helper()
	sealed, err := env.store.Seal(value)
	require.NoError(t, err)
	return &state.EnvironmentVariable{DeploymentID: deploymentID, Key: key, Value: sealed}
}
