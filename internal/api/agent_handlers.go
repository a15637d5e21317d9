package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/deployctl/internal/agent"
	"github.com/alvesdmateus/deployctl/internal/events"
	"github.com/alvesdmateus/deployctl/internal/observability"
	"github.com/alvesdmateus/deployctl/internal/queue"
	"github.com/alvesdmateus/deployctl/internal/state"
	"github.com/alvesdmateus/deployctl/pkg/models"
)

// AgentHandler serves the pull-based protocol used by agent pollers. Every
// route except register authenticates the node by its API token, and every
// deployment route is limited to deployments bound to that node.
type AgentHandler struct {
	registry *agent.Registry
	queue    *queue.Queue
	store    *state.Store
	events   events.Publisher
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(registry *agent.Registry, q *queue.Queue, store *state.Store, publisher events.Publisher, metrics *observability.Metrics, logger zerolog.Logger) *AgentHandler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &AgentHandler{
		registry: registry,
		queue:    q,
		store:    store,
		events:   publisher,
		metrics:  metrics,
		logger:   logger.With().Str("component", "agent-api").Logger(),
	}
}

// Routes mounts the agent protocol
func (h *AgentHandler) Routes(r chi.Router) {
	r.With(RateLimitMiddleware(registerLimit, getClientIP)).Post("/register", h.Register)

	r.With(h.RequireNode(true)).Post("/heartbeat", h.Heartbeat)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireNode(false))

		r.Post("/tasks/reserve", h.ReserveTask)
		r.Post("/tasks/reset", h.ResetTasks)
		r.Post("/tasks/{taskID}/finish", h.FinishTask)

		r.Route("/deployments/{id}", func(r chi.Router) {
			r.Use(h.requireOwnedDeployment)

			r.Get("/context", h.GetContext)
			r.Post("/logs", h.AppendLog)
			r.Post("/status", h.UpdateStatus)
			r.Post("/versions", h.RecordVersion)
			r.Post("/versions/{versionID}/activate", h.ActivateVersion)
		})
	})
}

// RequireNode authenticates the bearer API token. Inactive nodes are only
// let through when allowInactive is set.
func (h *AgentHandler) RequireNode(allowInactive bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				RespondWithError(w, http.StatusUnauthorized, "Missing agent token")
				return
			}

			node, err := h.registry.Authenticate(r.Context(), token, allowInactive)
			switch {
			case errors.Is(err, agent.ErrInvalidToken):
				RespondWithError(w, http.StatusUnauthorized, "Invalid agent token")
				return
			case errors.Is(err, agent.ErrNodeInactive):
				RespondWithError(w, http.StatusForbidden, "Node is not active")
				return
			case err != nil:
				h.logger.Error().Err(err).Msg("Failed to authenticate agent")
				RespondWithError(w, http.StatusInternalServerError, "Failed to authenticate agent")
				return
			}

			ctx := context.WithValue(r.Context(), NodeContextKey, node)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetNodeFromContext retrieves the authenticated node from the request context
func GetNodeFromContext(ctx context.Context) *state.Node {
	node, ok := ctx.Value(NodeContextKey).(*state.Node)
	if !ok {
		return nil
	}
	return node
}

// requireOwnedDeployment answers 404 for deployments bound to another node
func (h *AgentHandler) requireOwnedDeployment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, "Invalid deployment ID")
			return
		}

		node := GetNodeFromContext(r.Context())
		deployment, err := h.store.Repository().GetDeployment(r.Context(), id)
		if err != nil || deployment.NodeID == nil || *deployment.NodeID != node.ID {
			if err != nil && !errors.Is(err, state.ErrNotFound) {
				h.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to get deployment")
			}
			RespondWithError(w, http.StatusNotFound, "Deployment not found")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Register handles POST /api/agent/register
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := DecodeJSON(r, &req); err != nil || req.Token == "" {
		RespondWithError(w, http.StatusUnprocessableEntity, "Invalid registration payload")
		return
	}

	resp, err := h.registry.Register(r.Context(), req)
	if errors.Is(err, agent.ErrInvalidToken) {
		RespondWithError(w, http.StatusUnauthorized, "Invalid or already used install token")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to register agent")
		RespondWithError(w, http.StatusInternalServerError, "Failed to register agent")
		return
	}

	RespondWithJSON(w, http.StatusCreated, resp)
}

// Heartbeat handles POST /api/agent/heartbeat
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	node := GetNodeFromContext(r.Context())

	var req models.HeartbeatRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondWithError(w, http.StatusUnprocessableEntity, "Invalid heartbeat payload")
		return
	}

	if err := h.registry.Heartbeat(r.Context(), node.ID, req.Metadata); err != nil {
		h.logger.Error().Err(err).Str("node_id", node.ID.String()).Msg("Failed to record heartbeat")
		RespondWithError(w, http.StatusInternalServerError, "Failed to record heartbeat")
		return
	}

	if h.metrics != nil {
		h.metrics.RecordHeartbeat(node.ID.String())
	}
	if err := h.events.NodeHeartbeat(r.Context(), events.NodeHeartbeat{
		NodeID:   node.ID,
		Metadata: req.Metadata,
		At:       time.Now().UTC(),
	}); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to publish heartbeat")
	}

	RespondWithJSON(w, http.StatusOK, map[string]string{"status": node.Status})
}

// ReserveTask handles POST /api/agent/tasks/reserve
func (h *AgentHandler) ReserveTask(w http.ResponseWriter, r *http.Request) {
	node := GetNodeFromContext(r.Context())
	nodeID := node.ID

	task, err := h.queue.Reserve(r.Context(), "agent:"+nodeID.String(), &nodeID)
	if err != nil {
		h.logger.Error().Err(err).Str("node_id", nodeID.String()).Msg("Failed to reserve task")
		RespondWithError(w, http.StatusInternalServerError, "Failed to reserve task")
		return
	}

	RespondWithJSON(w, http.StatusOK, models.ReserveResponse{Task: task})
}

// ResetTasks handles POST /api/agent/tasks/reset. An agent calls it on start
// to release tasks a previous run of itself left running.
func (h *AgentHandler) ResetTasks(w http.ResponseWriter, r *http.Request) {
	node := GetNodeFromContext(r.Context())
	nodeID := node.ID

	count, err := h.queue.ResetStuck(r.Context(), &nodeID)
	if err != nil {
		h.logger.Error().Err(err).Str("node_id", nodeID.String()).Msg("Failed to reset tasks")
		RespondWithError(w, http.StatusInternalServerError, "Failed to reset tasks")
		return
	}

	RespondWithJSON(w, http.StatusOK, map[string]int64{"reset": count})
}

// FinishTask handles POST /api/agent/tasks/{taskID}/finish
func (h *AgentHandler) FinishTask(w http.ResponseWriter, r *http.Request) {
	node := GetNodeFromContext(r.Context())

	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}

	task, err := h.store.Repository().GetTask(r.Context(), taskID)
	if err != nil || task.NodeID == nil || *task.NodeID != node.ID {
		RespondWithError(w, http.StatusNotFound, "Task not found")
		return
	}

	var req models.FinishRequest
	if err := DecodeJSON(r, &req); err != nil || !req.Status.Finished() {
		RespondWithError(w, http.StatusUnprocessableEntity, "Status must be completed or failed")
		return
	}
	if req.Status == models.TaskFailed && req.Error == "" {
		req.Error = "Agent reported error"
	}

	if err := h.queue.Finish(r.Context(), taskID, req.Status, req.Error); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			RespondWithError(w, http.StatusConflict, "Task is not running")
			return
		}
		h.logger.Error().Err(err).Str("task_id", taskID.String()).Msg("Failed to finish task")
		RespondWithError(w, http.StatusInternalServerError, "Failed to finish task")
		return
	}

	RespondWithJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

// GetContext handles GET /api/agent/deployments/{id}/context
func (h *AgentHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	id := uuid.MustParse(chi.URLParam(r, "id"))

	dctx, err := h.store.LoadContext(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to load deployment context")
		RespondWithError(w, http.StatusInternalServerError, "Failed to load deployment context")
		return
	}

	RespondWithJSON(w, http.StatusOK, dctx)
}

// AppendLog handles POST /api/agent/deployments/{id}/logs
func (h *AgentHandler) AppendLog(w http.ResponseWriter, r *http.Request) {
	id := uuid.MustParse(chi.URLParam(r, "id"))

	var req models.LogRequest
	if err := DecodeJSON(r, &req); err != nil || req.Message == "" {
		RespondWithError(w, http.StatusUnprocessableEntity, "Invalid log payload")
		return
	}
	if !req.Level.Valid() {
		req.Level = models.LogInfo
	}

	if err := h.store.AppendLog(r.Context(), id, req.Level, req.Message, req.Meta); err != nil {
		h.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to append log")
		RespondWithError(w, http.StatusInternalServerError, "Failed to append log")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateStatus handles POST /api/agent/deployments/{id}/status
func (h *AgentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := uuid.MustParse(chi.URLParam(r, "id"))
	node := GetNodeFromContext(r.Context())

	var patch models.StatusPatch
	if err := DecodeJSON(r, &patch); err != nil || patch.Empty() {
		RespondWithError(w, http.StatusUnprocessableEntity, "Invalid status payload")
		return
	}
	if patch.ActiveSlot != nil && !patch.ActiveSlot.Valid() {
		RespondWithError(w, http.StatusUnprocessableEntity, "Invalid slot")
		return
	}

	if err := h.store.UpdateStatus(r.Context(), id, patch); err != nil {
		h.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to update status")
		RespondWithError(w, http.StatusInternalServerError, "Failed to update status")
		return
	}

	if err := h.registry.Heartbeat(r.Context(), node.ID, map[string]any{"lastTask": "status-update"}); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to touch node")
	}
	if err := h.events.StatusChanged(r.Context(), events.FromPatch(id, patch)); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to publish status change")
	}

	w.WriteHeader(http.StatusNoContent)
}

// RecordVersion handles POST /api/agent/deployments/{id}/versions
func (h *AgentHandler) RecordVersion(w http.ResponseWriter, r *http.Request) {
	id := uuid.MustParse(chi.URLParam(r, "id"))

	var record models.VersionRecord
	if err := DecodeJSON(r, &record); err != nil || !record.Slot.Valid() || record.Port <= 0 {
		RespondWithError(w, http.StatusUnprocessableEntity, "Version needs a slot and a port")
		return
	}

	versionID, err := h.store.RecordVersion(r.Context(), id, record)
	if err != nil {
		h.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to record version")
		RespondWithError(w, http.StatusInternalServerError, "Failed to record version")
		return
	}

	RespondWithJSON(w, http.StatusCreated, models.VersionResponse{VersionID: versionID})
}

// ActivateVersion handles POST /api/agent/deployments/{id}/versions/{versionID}/activate
func (h *AgentHandler) ActivateVersion(w http.ResponseWriter, r *http.Request) {
	id := uuid.MustParse(chi.URLParam(r, "id"))

	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	if err := h.store.ActivateVersion(r.Context(), id, versionID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			RespondWithError(w, http.StatusNotFound, "Version not found")
			return
		}
		h.logger.Error().Err(err).Str("deployment_id", id.String()).Msg("Failed to activate version")
		RespondWithError(w, http.StatusInternalServerError, "Failed to activate version")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
