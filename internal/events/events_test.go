package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

func TestFromPatch(t *testing.T) {
	id := uuid.New()
	status := models.StatusRunning
	slot := models.SlotGreen

	event := FromPatch(id, models.StatusPatch{Status: &status, ActiveSlot: &slot})
	assert.Equal(t, id, event.DeploymentID)
	assert.Equal(t, models.StatusRunning, event.Status)
	assert.Equal(t, models.SlotGreen, event.ActiveSlot)
	assert.False(t, event.At.IsZero())

	event = FromPatch(id, models.StatusPatch{})
	assert.Empty(t, event.Status)
	assert.Empty(t, event.ActiveSlot)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.StatusChanged(context.Background(), StatusChanged{}))
	assert.NoError(t, p.TaskFinished(context.Background(), TaskFinished{}))
	assert.NoError(t, p.NodeHeartbeat(context.Background(), NodeHeartbeat{}))
	assert.NoError(t, p.Close())
}

func TestNATSPublisher(t *testing.T) {
	ns, err := StartEmbedded("127.0.0.1:-1")
	require.NoError(t, err)
	defer ns.Shutdown()

	publisher, err := Connect(ns.ClientURL(), "test", zerolog.Nop())
	require.NoError(t, err)
	defer publisher.Close()

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	messages := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("test.>", messages)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	deploymentID := uuid.New()
	taskID := uuid.New()

	require.NoError(t, publisher.StatusChanged(context.Background(), StatusChanged{
		DeploymentID: deploymentID,
		Status:       models.StatusRunning,
		ActiveSlot:   models.SlotBlue,
	}))
	require.NoError(t, publisher.TaskFinished(context.Background(), TaskFinished{
		TaskID:       taskID,
		DeploymentID: deploymentID,
		Type:         models.TaskDeploy,
		Status:       models.TaskFailed,
		Error:        "boom",
	}))

	select {
	case msg := <-messages:
		assert.Equal(t, "test.deployments."+deploymentID.String()+".status", msg.Subject)
		var event StatusChanged
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, models.StatusRunning, event.Status)
		assert.Equal(t, models.SlotBlue, event.ActiveSlot)
	case <-time.After(5 * time.Second):
		t.Fatal("status event not delivered")
	}

	select {
	case msg := <-messages:
		assert.Equal(t, "test.tasks."+taskID.String()+".finished", msg.Subject)
		var event TaskFinished
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, models.TaskFailed, event.Status)
		assert.Equal(t, "boom", event.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("task event not delivered")
	}
}

func TestNATSPublisherCanceledContext(t *testing.T) {
	ns, err := StartEmbedded("127.0.0.1:-1")
	require.NoError(t, err)
	defer ns.Shutdown()

	publisher, err := Connect(ns.ClientURL(), "", zerolog.Nop())
	require.NoError(t, err)
	defer publisher.Close()

	assert.Equal(t, "deployctl.nodes.n1.heartbeat", publisher.HeartbeatSubject("n1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, publisher.NodeHeartbeat(ctx, NodeHeartbeat{NodeID: uuid.New()}), context.Canceled)
}

func TestStartEmbeddedRejectsBadAddress(t *testing.T) {
	_, err := StartEmbedded("nope")
	assert.Error(t, err)
}
