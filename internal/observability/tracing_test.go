package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return newTracer(provider, "deployctl-test"), recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, kv := range attrs {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestNewTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracingConfig{ServiceName: "deployctl"})
	require.NoError(t, err)
	assert.False(t, tracer.Enabled())

	ctx, span := tracer.StartTask(context.Background(), &models.Task{ID: uuid.New(), Type: models.TaskDeploy}, uuid.New())
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
	EndTask(span, models.TaskCompleted, nil)

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracerEnabledWithoutCollector(t *testing.T) {
	// Export errors happen asynchronously; construction must not need a collector
	tracer, err := NewTracer(context.Background(), TracingConfig{
		Enabled:        true,
		ServiceName:    "deployctl",
		ServiceVersion: "test",
		Environment:    "test",
		OTLPEndpoint:   "127.0.0.1:1",
		SampleRate:     1,
		Insecure:       true,
	})
	require.NoError(t, err)
	assert.True(t, tracer.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tracer.Shutdown(ctx)
}

func TestStartTaskRecordsAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	nodeID := uuid.New()
	deploymentID := uuid.New()
	task := &models.Task{ID: uuid.New(), Type: models.TaskRollback, NodeID: &nodeID}

	ctx, span := tracer.StartTask(context.Background(), task, deploymentID)
	MarkSlot(ctx, models.SlotGreen, 5201)
	EndTask(span, models.TaskCompleted, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "task.rollback", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, task.ID.String(), attrs[AttrTaskID].AsString())
	assert.Equal(t, "rollback", attrs[AttrTaskType].AsString())
	assert.Equal(t, deploymentID.String(), attrs[AttrDeploymentID].AsString())
	assert.Equal(t, nodeID.String(), attrs[AttrNodeID].AsString())
	assert.Equal(t, "green", attrs[AttrSlot].AsString())
	assert.Equal(t, int64(5201), attrs[AttrPort].AsInt64())
	assert.Equal(t, "completed", attrs[AttrTaskStatus].AsString())
}

func TestEndTaskRecordsFailure(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	_, span := tracer.StartTask(context.Background(), &models.Task{ID: uuid.New(), Type: models.TaskDeploy}, uuid.Nil)
	EndTask(span, models.TaskFailed, errors.New("build failed"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "build failed", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)

	attrs := attrMap(spans[0].Attributes())
	assert.NotContains(t, attrs, AttrDeploymentID)
	assert.NotContains(t, attrs, AttrNodeID)
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{1.5, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-0.5, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sampler(tt.rate).Description(), "rate %v", tt.rate)
	}
}

func TestTraceHTTPClientRecordsClientSpan(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := TraceHTTPClient(nil, tracer)
	resp, err := client.Post(srv.URL+"/api/agent/tasks/reserve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP POST /api/agent/tasks/reserve", spans[0].Name())
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, int64(http.StatusConflict), attrs["http.response.status_code"].AsInt64())
	assert.True(t, attrs["error"].AsBool())
}
