package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/executor"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// Log streams
const (
	StreamSystem = "system"
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogSink receives deployment log lines
type LogSink interface {
	AppendLog(ctx context.Context, deploymentID uuid.UUID, level models.LogLevel, message string, meta map[string]any) error
}

// DeploymentLogger writes to a deployment's log stream and mirrors every line to zerolog
type DeploymentLogger struct {
	sink         LogSink
	deploymentID uuid.UUID
	taskID       string
	logger       zerolog.Logger
}

// NewDeploymentLogger creates a logger bound to one deployment
func NewDeploymentLogger(sink LogSink, deploymentID uuid.UUID, taskID string, logger zerolog.Logger) *DeploymentLogger {
	return &DeploymentLogger{
		sink:         sink,
		deploymentID: deploymentID,
		taskID:       taskID,
		logger:       logger.With().Str("deployment_id", deploymentID.String()).Logger(),
	}
}

// write never fails the operation: a lost log line is only reported locally
func (l *DeploymentLogger) write(ctx context.Context, level models.LogLevel, message string, details map[string]any) {
	meta := make(map[string]any, len(details)+2)
	for key, value := range details {
		meta[key] = value
	}
	if _, ok := meta["stream"]; !ok {
		meta["stream"] = StreamSystem
	}
	if l.taskID != "" {
		meta["taskId"] = l.taskID
	}

	if err := l.sink.AppendLog(context.WithoutCancel(ctx), l.deploymentID, level, message, meta); err != nil {
		l.logger.Warn().Err(err).Str("message", message).Msg("Failed to write deployment log")
	}
}

// Debug logs a debug message
func (l *DeploymentLogger) Debug(ctx context.Context, message string, details map[string]any) {
	l.write(ctx, models.LogDebug, message, details)
	l.logger.Debug().Fields(details).Msg(message)
}

// Info logs an info message
func (l *DeploymentLogger) Info(ctx context.Context, message string, details map[string]any) {
	l.write(ctx, models.LogInfo, message, details)
	l.logger.Info().Fields(details).Msg(message)
}

// Warn logs a warning message
func (l *DeploymentLogger) Warn(ctx context.Context, message string, details map[string]any) {
	l.write(ctx, models.LogWarn, message, details)
	l.logger.Warn().Fields(details).Msg(message)
}

// Error logs an error message
func (l *DeploymentLogger) Error(ctx context.Context, message string, err error, details map[string]any) {
	if details == nil {
		details = make(map[string]any)
	}
	if err != nil {
		details["error"] = err.Error()
	}

	l.write(ctx, models.LogError, message, details)
	l.logger.Error().Fields(details).Msg(message)
}

// Command records a command about to run
func (l *DeploymentLogger) Command(ctx context.Context, cmd string) {
	l.Info(ctx, "$ "+cmd, Details("stream", StreamSystem))
}

// Lines returns an output callback that streams command output into the log:
// stdout at info, stderr at error.
func (l *DeploymentLogger) Lines(ctx context.Context) func(executor.Stream, string) {
	return func(stream executor.Stream, line string) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return
		}
		if stream == executor.Stderr {
			l.write(ctx, models.LogError, line, Details("stream", StreamStderr))
			l.logger.Debug().Str("stream", StreamStderr).Msg(line)
			return
		}
		l.write(ctx, models.LogInfo, line, Details("stream", StreamStdout))
		l.logger.Debug().Str("stream", StreamStdout).Msg(line)
	}
}

// CommandFailed logs a failed command with its sanitized output
func (l *DeploymentLogger) CommandFailed(ctx context.Context, err error) {
	details := map[string]any{}

	var exitErr *executor.ExitError
	var timeoutErr *executor.TimeoutError
	switch {
	case errors.As(err, &exitErr):
		details["command"] = exitErr.Command
		details["exitCode"] = exitErr.ExitCode
		if out := executor.Sanitize(exitErr.Stdout); out != "" {
			details["stdout"] = out
		}
		if out := executor.Sanitize(exitErr.Stderr); out != "" {
			details["stderr"] = out
		}
	case errors.As(err, &timeoutErr):
		details["command"] = timeoutErr.Command
		details["timeout"] = timeoutErr.Timeout.String()
	}

	l.Error(ctx, "Deployment command failed", err, details)
}

// Details is a helper function to create a details map
func Details(pairs ...any) map[string]any {
	details := make(map[string]any)
	for i := 0; i+1 < len(pairs); i += 2 {
		if key, ok := pairs[i].(string); ok {
			details[key] = pairs[i+1]
		}
	}
	return details
}
