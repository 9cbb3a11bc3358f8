// Package api serves the process agent HTTP API: the scheduler's pull/push
// contract, health probes and status views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"processagent/internal/action"
	"processagent/internal/agent"
	"processagent/internal/apperrors"
	"processagent/internal/dispatcher"
	"processagent/internal/health"
	"processagent/internal/job"
	"processagent/internal/registry"
	"processagent/internal/store"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize bounds PUT /v1/jobs. Schedulers push every live job
// of the agent at once.
const maxRequestBodySize = 16 << 20

const defaultUpdateTimeout = 30 * time.Second

// Handler contains the HTTP handlers of the agent API.
type Handler struct {
	registry      *registry.Registry
	health        *health.Checker
	dispatcher    dispatcher.Dispatcher
	updateTimeout time.Duration
}

// NewHandler creates a handler. d may be nil when webhooks are disabled.
func NewHandler(reg *registry.Registry, checker *health.Checker, d dispatcher.Dispatcher, updateTimeout time.Duration) *Handler {
	if updateTimeout <= 0 {
		updateTimeout = defaultUpdateTimeout
	}
	return &Handler{
		registry:      reg,
		health:        checker,
		dispatcher:    d,
		updateTimeout: updateTimeout,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// UpdateResponse is returned by PUT /v1/jobs.
type UpdateResponse struct {
	Status  string `json:"status"`
	Changed int    `json:"changed"`
}

// GetJobs handles GET /v1/jobs. It hands out the next batch of every agent
// and lets each agent ask usercode for more jobs in the background.
func (h *Handler) GetJobs(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.All()
	if len(agents) == 0 {
		h.handleError(w, r, apperrors.NotReady("process agent", "no agent registered"))
		return
	}

	ops := agent.JobsOps{Submit: []job.Spec{}, Rerun: []string{}, Kill: []string{}}
	finished := true
	for _, a := range agents {
		if !a.Callable() {
			h.handleError(w, r, apperrors.NotReady("agent "+a.ID(), "usercode callbacks are not registered"))
			return
		}
		batch, _ := a.CreateJobs()
		ops.Submit = append(ops.Submit, batch.Submit...)
		ops.Rerun = append(ops.Rerun, batch.Rerun...)
		ops.Kill = append(ops.Kill, batch.Kill...)
		finished = finished && a.IsFinished()
	}

	if finished && ops.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !ops.Empty() {
		slog.DebugContext(r.Context(), "Handing out jobs", "submit", len(ops.Submit), "rerun", len(ops.Rerun), "kill", len(ops.Kill))
	}
	writeJSON(w, http.StatusOK, ops)
}

// PutJobs handles PUT /v1/jobs. Records are routed to the agent named in
// their environment and the handler waits for usercode to see them, up to
// the update timeout.
func (h *Handler) PutJobs(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var records []job.Record
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Bad format: list of jobs needed: " + err.Error()})
		return
	}

	groups, order, err := h.route(records)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	acts := make([]*action.Action, 0, len(order))
	for _, a := range order {
		acts = append(acts, a.UpdateJobs(groups[a]))
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.updateTimeout)
	defer cancel()

	changed := 0
	for _, act := range acts {
		value, err := act.Wait(ctx)
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			writeJSON(w, http.StatusAccepted, UpdateResponse{Status: "queued", Changed: changed})
			return
		case errors.Is(err, agent.ErrStopped):
			h.handleError(w, r, apperrors.NotReady("process agent", "agent loop has stopped"))
			return
		case err != nil:
			h.handleError(w, r, err)
			return
		}
		if events, ok := value.([]store.ChangeEvent); ok {
			changed += len(events)
		}
	}
	writeJSON(w, http.StatusOK, UpdateResponse{Status: "updated", Changed: changed})
}

// route groups records by owning agent, keeping the order agents were first
// seen in. Records without an owner go to the only agent when there is one.
func (h *Handler) route(records []job.Record) (map[*agent.Agent][]job.Record, []*agent.Agent, error) {
	groups := make(map[*agent.Agent][]job.Record)
	var order []*agent.Agent
	single, hasSingle := h.registry.Single()

	for _, rec := range records {
		var target *agent.Agent
		if owner, ok := rec.Env(job.EnvAgentID); ok {
			target, _ = h.registry.Lookup(owner)
		}
		if target == nil && hasSingle {
			target = single
		}
		if target == nil {
			return nil, nil, apperrors.Validationf("environmentVars",
				"job %q does not name a registered agent in %s", rec.ID, job.EnvAgentID)
		}
		if _, seen := groups[target]; !seen {
			order = append(order, target)
		}
		groups[target] = append(groups[target], rec)
	}
	return groups, order, nil
}

// Health handles GET /v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Health())
}

// Status handles GET /v1/status: every job of every agent.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	views := []job.View{}
	for _, a := range h.registry.All() {
		for _, j := range a.Store().GetAll() {
			views = append(views, j.View())
		}
	}
	writeJSON(w, http.StatusOK, views)
}

// AgentStats handles GET /v1/agents/{agentId}/stats.
func (h *Handler) AgentStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentId")
	a, ok := h.registry.Lookup(id)
	if !ok {
		h.handleError(w, r, apperrors.NotFound("agent", id))
		return
	}
	writeJSON(w, http.StatusOK, a.Stats())
}

// Stats handles GET /stats: the stats of every agent.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.All()
	stats := make([]agent.Stats, 0, len(agents))
	for _, a := range agents {
		stats = append(stats, a.Stats())
	}
	writeJSON(w, http.StatusOK, stats)
}

// WebhookStats handles GET /v1/webhooks/stats.
func (h *Handler) WebhookStats(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.handleError(w, r, apperrors.NotFound("webhook dispatcher", "default"))
		return
	}
	writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// Shutdown handles POST /v1/shutdown. Every agent stops without draining
// its queue.
func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	acts := h.registry.TerminateAll()
	slog.InfoContext(r.Context(), "Shutdown requested over HTTP", "agents", len(acts))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe. A degraded process still
// serves its agents.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// OpenAPI handles GET /openapi.yaml.
func (h *Handler) OpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(OpenAPIDocument())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// handleError maps an error to its HTTP status. Usercode failures are 500.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
