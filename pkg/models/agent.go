package models

import "github.com/google/uuid"

// RegisterRequest exchanges an install token for agent credentials
type RegisterRequest struct {
	Token    string `json:"token"`
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	Arch     string `json:"arch,omitempty"`
	Version  string `json:"version,omitempty"`
}

// RegisterResponse is returned once per install token
type RegisterResponse struct {
	NodeID      uuid.UUID `json:"node_id"`
	PairingCode string    `json:"pairing_code"`
	APIToken    string    `json:"api_token"`
}

// HeartbeatRequest carries free-form agent state
type HeartbeatRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReserveResponse wraps an optional task
type ReserveResponse struct {
	Task *Task `json:"task"`
}

// FinishRequest reports a task outcome
type FinishRequest struct {
	Status TaskStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// LogRequest appends one line to a deployment log stream
type LogRequest struct {
	Level   LogLevel       `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// VersionResponse returns the id of a recorded version
type VersionResponse struct {
	VersionID uuid.UUID `json:"version_id"`
}

// ErrorResponse is the JSON error body used by every HTTP surface
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
