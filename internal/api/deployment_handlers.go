package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/alvesdmateus/deployctl/internal/orchestrator"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// RuntimeInspector reports the live state of a deployment's active slot
type RuntimeInspector interface {
	RuntimeStatus(ctx context.Context, deploymentID uuid.UUID) (*orchestrator.RuntimeStatus, error)
}

// DeploymentHandler handles operator requests against deployments. Requests
// only enqueue work; nothing long-running happens on the request path.
type DeploymentHandler struct {
	repo    *state.Repository
	queue   *queue.Queue
	runtime RuntimeInspector
}

// NewDeploymentHandler creates a new deployment handler
func NewDeploymentHandler(repo *state.Repository, q *queue.Queue, runtime RuntimeInspector) *DeploymentHandler {
	return &DeploymentHandler{repo: repo, queue: q, runtime: runtime}
}

// EnqueueTask handles POST /api/v1/deployments/{id}/tasks
func (h *DeploymentHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDParam(w, r)
	if !ok {
		return
	}

	var req EnqueueTaskRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Type.Valid() {
		RespondWithError(w, http.StatusBadRequest, "Unknown task type")
		return
	}

	if _, err := h.repo.GetDeployment(r.Context(), id); err != nil {
		respondLookupError(w, err, "Deployment not found")
		return
	}

	var (
		taskID uuid.UUID
		err    error
	)
	if req.Type == models.TaskRollback {
		if req.VersionID == nil {
			RespondWithError(w, http.StatusBadRequest, "version_id is required for rollback")
			return
		}
		taskID, err = h.queue.SubmitRollback(r.Context(), id, *req.VersionID)
	} else {
		payload, perr := queue.NewPayload(req.Type, id, req.CommitSHA, req.Reason)
		if perr != nil {
			RespondWithError(w, http.StatusBadRequest, perr.Error())
			return
		}
		taskID, err = h.queue.Submit(r.Context(), req.Type, payload)
	}

	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		RespondWithError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, state.ErrNotFound):
		RespondWithError(w, http.StatusNotFound, "Version not found")
		return
	case errors.Is(err, queue.ErrInvalidPayload):
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to enqueue task")
		RespondWithError(w, http.StatusInternalServerError, "Failed to enqueue task")
		return
	}

	RespondWithJSON(w, http.StatusAccepted, EnqueueTaskResponse{TaskID: taskID})
}

// ListVersions handles GET /api/v1/deployments/{id}/versions
func (h *DeploymentHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDParam(w, r)
	if !ok {
		return
	}

	versions, err := h.repo.ListVersions(r.Context(), id, queryLimit(r, 20))
	if err != nil {
		log.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to list versions")
		RespondWithError(w, http.StatusInternalServerError, "Failed to list versions")
		return
	}

	RespondWithJSON(w, http.StatusOK, VersionsToResponse(versions))
}

// ListLogs handles GET /api/v1/deployments/{id}/logs
func (h *DeploymentHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDParam(w, r)
	if !ok {
		return
	}

	logs, err := h.repo.RecentLogs(r.Context(), id, queryLimit(r, 100))
	if err != nil {
		log.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to list logs")
		RespondWithError(w, http.StatusInternalServerError, "Failed to list logs")
		return
	}

	RespondWithJSON(w, http.StatusOK, LogsToResponse(logs))
}

// ListTasks handles GET /api/v1/deployments/{id}/tasks
func (h *DeploymentHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDParam(w, r)
	if !ok {
		return
	}

	tasks, err := h.repo.ListTasks(r.Context(), &id, queryLimit(r, 20))
	if err != nil {
		log.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to list tasks")
		RespondWithError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}

	response := make([]TaskResponse, 0, len(tasks))
	for i := range tasks {
		response = append(response, TaskToResponse(&tasks[i]))
	}
	RespondWithJSON(w, http.StatusOK, response)
}

// GetRuntimeStatus handles GET /api/v1/deployments/{id}/runtime
func (h *DeploymentHandler) GetRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDParam(w, r)
	if !ok {
		return
	}
	if h.runtime == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "Runtime inspection is not available")
		return
	}

	status, err := h.runtime.RuntimeStatus(r.Context(), id)
	if err != nil {
		respondLookupError(w, err, "Deployment not found")
		return
	}

	RespondWithJSON(w, http.StatusOK, status)
}

// GetTask handles GET /api/v1/tasks/{taskID}
func (h *DeploymentHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}

	task, err := h.repo.GetTask(r.Context(), taskID)
	if err != nil {
		respondLookupError(w, err, "Task not found")
		return
	}

	RespondWithJSON(w, http.StatusOK, TaskToResponse(task))
}

func deploymentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid deployment ID")
		return uuid.Nil, false
	}
	return id, true
}

func respondLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, state.ErrNotFound) {
		RespondWithError(w, http.StatusNotFound, notFound)
		return
	}
	log.Error().Err(err).Msg("Lookup failed")
	RespondWithError(w, http.StatusInternalServerError, "Internal server error")
}

func queryLimit(r *http.Request, fallback int) int {
	limit := fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}
