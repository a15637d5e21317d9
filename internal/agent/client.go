package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// APIError is a non-2xx answer from the control plane
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control plane returned %d", e.StatusCode)
	}
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 answers to models.ErrNotFound
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	return nil
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTracer propagates trace context on every request
func WithTracer(tracer *observability.Tracer) ClientOption {
	return func(c *Client) { c.tracer = tracer }
}

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger.With().Str("component", "agent-client").Logger() }
}

// Client talks to the control plane's agent endpoints. It serves the agent's
// worker both as its task source and as its deployment store.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	tracer  *observability.Tracer
	logger  zerolog.Logger
}

// NewClient creates a client for baseURL (e.g. https://deploy.example.com).
// token may be empty until Register has run.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer != nil {
		c.http = observability.TraceHTTPClient(c.http, c.tracer)
	}
	return c
}

// SetToken replaces the API token used for authenticated calls
func (c *Client) SetToken(token string) {
	c.token = token
}

// Register exchanges an install token for node credentials
func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.RegisterResponse, error) {
	var response models.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", req, &response); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	return &response, nil
}

// Heartbeat reports liveness and returns the node status
func (c *Client) Heartbeat(ctx context.Context, metadata map[string]any) (string, error) {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/heartbeat", models.HeartbeatRequest{Metadata: metadata}, &response); err != nil {
		return "", fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return response.Status, nil
}

// Reserve claims the next task bound to this node
func (c *Client) Reserve(ctx context.Context) (*models.Task, error) {
	var response models.ReserveResponse
	if err := c.do(ctx, http.MethodPost, "/tasks/reserve", nil, &response); err != nil {
		return nil, fmt.Errorf("failed to reserve task: %w", err)
	}
	return response.Task, nil
}

// Finish reports a task outcome
func (c *Client) Finish(ctx context.Context, id uuid.UUID, status models.TaskStatus, errMsg string) error {
	path := fmt.Sprintf("/tasks/%s/finish", id)
	if err := c.do(ctx, http.MethodPost, path, models.FinishRequest{Status: status, Error: errMsg}, nil); err != nil {
		return fmt.Errorf("failed to finish task %s: %w", id, err)
	}
	return nil
}

// Wait sleeps for timeout; the control plane has no push channel to agents
func (c *Client) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ResetStuck returns this node's running tasks to pending
func (c *Client) ResetStuck(ctx context.Context) (int64, error) {
	var response struct {
		Reset int64 `json:"reset"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks/reset", nil, &response); err != nil {
		return 0, fmt.Errorf("failed to reset tasks: %w", err)
	}
	return response.Reset, nil
}

// LoadContext fetches everything needed to run an operation on a deployment
func (c *Client) LoadContext(ctx context.Context, deploymentID uuid.UUID) (*models.DeploymentContext, error) {
	var dctx models.DeploymentContext
	if err := c.do(ctx, http.MethodGet, deploymentPath(deploymentID, "/context"), nil, &dctx); err != nil {
		return nil, fmt.Errorf("failed to load deployment context: %w", err)
	}
	return &dctx, nil
}

// AppendLog ships one log line
func (c *Client) AppendLog(ctx context.Context, deploymentID uuid.UUID, level models.LogLevel, message string, meta map[string]any) error {
	req := models.LogRequest{Level: level, Message: message, Meta: meta}
	if err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "/logs"), req, nil); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// UpdateStatus applies a status patch
func (c *Client) UpdateStatus(ctx context.Context, deploymentID uuid.UUID, patch models.StatusPatch) error {
	if err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "/status"), patch, nil); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// RecordVersion records a built release and returns its id
func (c *Client) RecordVersion(ctx context.Context, deploymentID uuid.UUID, record models.VersionRecord) (uuid.UUID, error) {
	var response models.VersionResponse
	if err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "/versions"), record, &response); err != nil {
		return uuid.Nil, fmt.Errorf("failed to record version: %w", err)
	}
	return response.VersionID, nil
}

// ActivateVersion marks a version active in its slot
func (c *Client) ActivateVersion(ctx context.Context, deploymentID, versionID uuid.UUID) error {
	path := deploymentPath(deploymentID, fmt.Sprintf("/versions/%s/activate", versionID))
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}
	return nil
}

func deploymentPath(id uuid.UUID, suffix string) string {
	return fmt.Sprintf("/deployments/%s%s", id, suffix)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/agent"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload models.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
			apiErr.Message = payload.Message
		}
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Control plane rejected request")
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// IsUnauthorized reports whether err is a rejected token
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
