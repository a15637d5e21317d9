package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHeartbeater struct {
	mu       sync.Mutex
	calls    int
	metadata map[string]any
	fail     bool
}

func (f *fakeHeartbeater) Heartbeat(_ context.Context, metadata map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.metadata = metadata
	if f.fail {
		return "", errors.New("connection refused")
	}
	return "active", nil
}

func (f *fakeHeartbeater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestHeartbeatBeatsImmediatelyAndOnInterval(t *testing.T) {
	fake := &fakeHeartbeater{}
	hb := NewHeartbeat(fake, 10*time.Millisecond, "1.2.3", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	require.Eventually(t, func() bool { return fake.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "active", hb.Status())
	assert.NoError(t, hb.WaitActive(context.Background()))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "1.2.3", fake.metadata["version"])
	assert.Contains(t, fake.metadata, "hostname")
	assert.Contains(t, fake.metadata, "uptimeSeconds")
}

func TestHeartbeatSurvivesFailures(t *testing.T) {
	fake := &fakeHeartbeater{fail: true}
	hb := NewHeartbeat(fake, 5*time.Millisecond, "dev", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	require.Eventually(t, func() bool { return fake.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, hb.Status())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, hb.WaitActive(waitCtx), context.DeadlineExceeded)
}
