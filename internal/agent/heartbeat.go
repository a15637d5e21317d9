package agent

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/state"
)

// Heartbeater sends one heartbeat
type Heartbeater interface {
	Heartbeat(ctx context.Context, metadata map[string]any) (string, error)
}

// Heartbeat reports agent liveness on a fixed interval
type Heartbeat struct {
	client   Heartbeater
	interval time.Duration
	version  string
	started  time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	status string
	active chan struct{}
	once   sync.Once
}

// NewHeartbeat creates a heartbeat loop
func NewHeartbeat(client Heartbeater, interval time.Duration, version string, logger zerolog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Heartbeat{
		client:   client,
		interval: interval,
		version:  version,
		started:  time.Now(),
		active:   make(chan struct{}),
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Run beats once immediately, then every interval until ctx is cancelled.
// Failures are logged and never stop the loop.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

// WaitActive blocks until the control plane reports the node active
func (h *Heartbeat) WaitActive(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.active:
		return nil
	}
}

// Status is the node status the control plane returned last
func (h *Heartbeat) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Heartbeat) beat(ctx context.Context) {
	status, err := h.client.Heartbeat(ctx, h.metadata())
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn().Err(err).Msg("Heartbeat failed")
		}
		return
	}

	h.mu.Lock()
	changed := h.status != status
	h.status = status
	if status == state.NodeActive {
		h.once.Do(func() { close(h.active) })
	}
	h.mu.Unlock()

	if changed {
		h.logger.Info().Str("status", status).Msg("Node status")
	}
}

func (h *Heartbeat) metadata() map[string]any {
	return map[string]any{
		"hostname":      hostname(),
		"platform":      runtime.GOOS,
		"arch":          runtime.GOARCH,
		"version":       h.version,
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	}
}
