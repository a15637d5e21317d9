package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/internal/orchestrator"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

type stubRuntime struct {
	status *orchestrator.RuntimeStatus
	err    error
}

func (s stubRuntime) RuntimeStatus(context.Context, uuid.UUID) (*orchestrator.RuntimeStatus, error) {
	return s.status, s.err
}

func createDeployment(t *testing.T, env *testEnv) uuid.UUID {
	t.Helper()

	deployment := &state.Deployment{Name: "web", Repository: "acme/web", Branch: "main"}
	require.NoError(t, env.repo.CreateDeployment(context.Background(), deployment))
	return deployment.ID
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)
	id := createDeployment(t, env)

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/logs", id), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnqueueTask(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.operatorToken(t)
	id := createDeployment(t, env)
	path := fmt.Sprintf("/api/v1/deployments/%s/tasks", id)

	rec := env.do(t, http.MethodPost, path, token, EnqueueTaskRequest{Type: models.TaskDeploy, CommitSHA: "cafe"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var response EnqueueTaskResponse
	decodeBody(t, rec, &response)

	t.Run("duplicate deploy is refused", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, path, token, EnqueueTaskRequest{Type: models.TaskRestart})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("stop is not deduplicated", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, path, token, EnqueueTaskRequest{Type: models.TaskStop})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, path, token, EnqueueTaskRequest{Type: "reboot"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown deployment", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%s/tasks", uuid.New()), token, EnqueueTaskRequest{Type: models.TaskStart})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("get task", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s", response.TaskID), token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var task TaskResponse
		decodeBody(t, rec, &task)
		assert.Equal(t, "deploy", task.Type)
		assert.Equal(t, "pending", task.Status)
		assert.Contains(t, task.Payload, `"commit_sha":"cafe"`)
	})

	t.Run("list tasks", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, path, token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var tasks []TaskResponse
		decodeBody(t, rec, &tasks)
		assert.Len(t, tasks, 2)
	})

	t.Run("missing task", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s", uuid.New()), token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestEnqueueRollback(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	token := env.operatorToken(t)
	id := createDeployment(t, env)
	path := fmt.Sprintf("/api/v1/deployments/%s/tasks", id)

	versionID, err := env.store.RecordVersion(ctx, id, models.VersionRecord{
		Slot:   models.SlotGreen,
		Status: models.VersionInactive,
		Port:   5201,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, path, token, EnqueueTaskRequest{Type: models.TaskRollback})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := uuid.New()
	rec = env.do(t, http.MethodPost, path, token, EnqueueTaskRequest{Type: models.TaskRollback, VersionID: &missing})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, path, token, EnqueueTaskRequest{Type: models.TaskRollback, VersionID: &versionID})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/versions", id), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []models.VersionRecord
	decodeBody(t, rec, &versions)
	require.Len(t, versions, 1)
	assert.Equal(t, versionID, versions[0].ID)
	assert.Equal(t, 5201, versions[0].Port)
}

func TestListLogsOldestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	token := env.operatorToken(t)
	id := createDeployment(t, env)

	for _, message := range []string{"first", "second", "third"} {
		require.NoError(t, env.store.AppendLog(ctx, id, models.LogInfo, message, nil))
		time.Sleep(2 * time.Millisecond)
	}

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/logs?limit=2", id), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var logs []LogResponse
	decodeBody(t, rec, &logs)
	require.Len(t, logs, 2)
	assert.Equal(t, "second", logs[0].Message)
	assert.Equal(t, "third", logs[1].Message)
}

func TestGetRuntimeStatus(t *testing.T) {
	env := newTestEnv(t, stubRuntime{status: &orchestrator.RuntimeStatus{
		State:   orchestrator.RuntimeRunning,
		Service: "deployctl-x-blue",
	}})
	token := env.operatorToken(t)
	id := createDeployment(t, env)

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/runtime", id), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status orchestrator.RuntimeStatus
	decodeBody(t, rec, &status)
	assert.Equal(t, orchestrator.RuntimeRunning, status.State)

	missing := newTestEnv(t, stubRuntime{err: fmt.Errorf("failed to load deployment: %w", state.ErrNotFound)})
	rec = missing.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/runtime", uuid.New()), missing.operatorToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuntimeStatusUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%s/runtime", uuid.New()), env.operatorToken(t), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
