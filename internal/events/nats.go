package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix prefixes every subject when none is configured
const DefaultSubjectPrefix = "deployctl"

// NATSPublisher publishes JSON events on NATS subjects
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// Connect dials a NATS server and returns a publisher on it
func Connect(url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	logger = logger.With().Str("component", "events").Logger()

	conn, err := nats.Connect(url,
		nats.Name("deployctl"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().Str("url", url).Msg("Connected to NATS")
	return NewNATSPublisher(conn, prefix, logger), nil
}

// NewNATSPublisher wraps an existing connection
func NewNATSPublisher(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// StatusSubject is where status changes of one deployment are published
func (p *NATSPublisher) StatusSubject(deploymentID string) string {
	return p.prefix + ".deployments." + deploymentID + ".status"
}

// TaskSubject is where the outcome of one task is published
func (p *NATSPublisher) TaskSubject(taskID string) string {
	return p.prefix + ".tasks." + taskID + ".finished"
}

// HeartbeatSubject is where heartbeats of one node are published
func (p *NATSPublisher) HeartbeatSubject(nodeID string) string {
	return p.prefix + ".nodes." + nodeID + ".heartbeat"
}

// StatusChanged publishes a status change
func (p *NATSPublisher) StatusChanged(ctx context.Context, event StatusChanged) error {
	return p.publish(ctx, p.StatusSubject(event.DeploymentID.String()), event)
}

// TaskFinished publishes a task outcome
func (p *NATSPublisher) TaskFinished(ctx context.Context, event TaskFinished) error {
	return p.publish(ctx, p.TaskSubject(event.TaskID.String()), event)
}

// NodeHeartbeat publishes a heartbeat
func (p *NATSPublisher) NodeHeartbeat(ctx context.Context, event NodeHeartbeat) error {
	return p.publish(ctx, p.HeartbeatSubject(event.NodeID.String()), event)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending events and closes the connection
func (p *NATSPublisher) Close() error {
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to flush NATS connection")
	}
	p.conn.Close()
	return nil
}

// StartEmbedded runs an in-process NATS server on addr (host:port) for
// single-host installs without an external broker
func StartEmbedded(addr string) (*server.Server, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid NATS address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid NATS port %q: %w", portStr, err)
	}

	ns, err := server.NewServer(&server.Options{Host: host, Port: port, NoSigs: true})
	if err != nil {
		return nil, fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}
	return ns, nil
}
