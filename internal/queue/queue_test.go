package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/database"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

type countingNotifier struct {
	notified int
}

func (n *countingNotifier) Notify(context.Context) error { n.notified++; return nil }

func (n *countingNotifier) Wait(context.Context, time.Duration) error { return nil }

func newTestQueue(t *testing.T) (*Queue, *state.Repository, *countingNotifier) {
	t.Helper()

	db, err := database.New(database.Config{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.Migrate(db, state.Models()...))

	repo := state.NewRepository(db)
	notifier := &countingNotifier{}
	return New(repo, notifier, zerolog.Nop()), repo, notifier
}

func createDeployment(t *testing.T, repo *state.Repository, nodeID *uuid.UUID) uuid.UUID {
	t.Helper()

	deployment := &state.Deployment{Name: "web", Repository: "acme/web", Branch: "main", NodeID: nodeID}
	require.NoError(t, repo.CreateDeployment(context.Background(), deployment))
	return deployment.ID
}

func TestEnqueueAndReserve(t *testing.T) {
	q, repo, notifier := newTestQueue(t)
	ctx := context.Background()
	deploymentID := createDeployment(t, repo, nil)

	id, err := q.Enqueue(ctx, models.TaskDeploy, DeployPayload{DeploymentID: deploymentID, CommitSHA: "abc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.notified)

	task, err := q.Reserve(ctx, "worker", nil)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, models.TaskDeploy, task.Type)

	payload, err := DecodePayload(task.Type, task.Payload)
	require.NoError(t, err)
	deploy, ok := payload.(DeployPayload)
	require.True(t, ok)
	assert.Equal(t, "abc", deploy.CommitSHA)
	assert.Equal(t, deploymentID, deploy.Target())

	require.NoError(t, q.Finish(ctx, task.ID, models.TaskCompleted, ""))

	idle, err := q.Reserve(ctx, "worker", nil)
	require.NoError(t, err)
	assert.Nil(t, idle)
}

func TestEnqueueRejectsMismatchedPayload(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.TaskStop, DeployPayload{DeploymentID: uuid.New()}, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = q.Enqueue(ctx, models.TaskType("destroy"), DeploymentPayload{DeploymentID: uuid.New()}, nil)
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	_, err = q.Enqueue(ctx, models.TaskStart, DeploymentPayload{}, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = q.Enqueue(ctx, models.TaskRollback, RollbackPayload{DeploymentID: uuid.New()}, nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSubmitDeduplicatesDeploys(t *testing.T) {
	q, repo, _ := newTestQueue(t)
	ctx := context.Background()
	deploymentID := createDeployment(t, repo, nil)

	_, err := q.Submit(ctx, models.TaskDeploy, DeployPayload{DeploymentID: deploymentID})
	require.NoError(t, err)

	_, err = q.Submit(ctx, models.TaskRestart, DeployPayload{DeploymentID: deploymentID})
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	_, err = q.Submit(ctx, models.TaskStop, DeploymentPayload{DeploymentID: deploymentID})
	assert.NoError(t, err)
}

func TestSubmitResolvesAgentAffinity(t *testing.T) {
	q, repo, _ := newTestQueue(t)
	ctx := context.Background()

	agentNode := &state.Node{Name: "edge", Mode: state.NodeModeAgent, Status: state.NodeActive}
	sshNode := &state.Node{Name: "vps", Mode: state.NodeModeSSH, Status: state.NodeActive}
	require.NoError(t, repo.CreateNode(ctx, agentNode))
	require.NoError(t, repo.CreateNode(ctx, sshNode))

	onAgent := createDeployment(t, repo, &agentNode.ID)
	onSSH := createDeployment(t, repo, &sshNode.ID)

	_, err := q.Submit(ctx, models.TaskStart, DeploymentPayload{DeploymentID: onAgent})
	require.NoError(t, err)
	_, err = q.Submit(ctx, models.TaskStart, DeploymentPayload{DeploymentID: onSSH})
	require.NoError(t, err)

	local, err := q.Reserve(ctx, "control-plane", nil)
	require.NoError(t, err)
	require.NotNil(t, local)
	payload, err := DecodePayload(local.Type, local.Payload)
	require.NoError(t, err)
	assert.Equal(t, onSSH, payload.Target())

	none, err := q.Reserve(ctx, "control-plane", nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	remote, err := q.Reserve(ctx, "agent", &agentNode.ID)
	require.NoError(t, err)
	require.NotNil(t, remote)
	require.NotNil(t, remote.NodeID)
	assert.Equal(t, agentNode.ID, *remote.NodeID)
}

func TestDecodeRollbackPayload(t *testing.T) {
	deploymentID := uuid.New()
	raw, err := json.Marshal(RollbackPayload{
		DeploymentID: deploymentID,
		Version:      models.VersionRecord{Slot: models.SlotGreen, Port: 5201, CommitSHA: "abc"},
	})
	require.NoError(t, err)

	payload, err := DecodePayload(models.TaskRollback, raw)
	require.NoError(t, err)
	rollback := payload.(RollbackPayload)
	assert.Equal(t, models.SlotGreen, rollback.Version.Slot)
	assert.Equal(t, 5201, rollback.Version.Port)

	_, err = DecodePayload(models.TaskDeploy, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodePayload(models.TaskType("bogus"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestSleepNotifierHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := SleepNotifier{}.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewPayload(t *testing.T) {
	id := uuid.New()

	payload, err := NewPayload(models.TaskRestart, id, "", "manual")
	require.NoError(t, err)
	assert.Equal(t, DeployPayload{DeploymentID: id, Reason: "manual"}, payload)

	payload, err = NewPayload(models.TaskStop, id, "", "")
	require.NoError(t, err)
	assert.Equal(t, DeploymentPayload{DeploymentID: id}, payload)

	_, err = NewPayload(models.TaskRollback, id, "", "")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = NewPayload("reboot", id, "", "")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestSubmitRollbackEmbedsVersion(t *testing.T) {
	q, repo, _ := newTestQueue(t)
	ctx := context.Background()
	deploymentID := createDeployment(t, repo, nil)

	version := &state.DeploymentVersion{
		DeploymentID: deploymentID,
		Slot:         string(models.SlotGreen),
		CommitSHA:    "cafe",
		Status:       string(models.VersionInactive),
		Port:         5201,
	}
	require.NoError(t, repo.RecordVersion(ctx, version))

	_, err := q.SubmitRollback(ctx, deploymentID, version.ID)
	require.NoError(t, err)

	task, err := q.Reserve(ctx, "worker", nil)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, models.TaskRollback, task.Type)

	payload, err := DecodePayload(task.Type, task.Payload)
	require.NoError(t, err)
	rollback := payload.(RollbackPayload)
	assert.Equal(t, version.ID, rollback.Version.ID)
	assert.Equal(t, 5201, rollback.Version.Port)
	assert.Equal(t, models.SlotGreen, rollback.Version.Slot)

	_, err = q.SubmitRollback(ctx, deploymentID, uuid.New())
	assert.ErrorIs(t, err, state.ErrNotFound)
}
