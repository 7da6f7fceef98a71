package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/service"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the services behind the control API.
type Handlers struct {
	Runs      *service.Registry
	History   *service.HistoryService
	Approvals *service.ApprovalService

	// Checks are run by /health, keyed by dependency name.
	Checks map[string]HealthCheck
}

// startResponse is returned by StartRun.
type startResponse struct {
	SessionID string   `json:"session_id"`
	Run       *run.Run `json:"run"`
}

// StartRun handles POST /api/v1/runs.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[run.StartRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	handle, err := h.Runs.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "subject not found")
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		SessionID: handle.SessionID(),
		Run:       handle.State(),
	})
}

// GetSubjectState handles GET /api/v1/subjects/{id}/state.
func (h *Handlers) GetSubjectState(w http.ResponseWriter, r *http.Request) {
	getSubject(h.Runs.CurrentState, "no run for subject")(w, r)
}

// CancelSubject handles POST /api/v1/subjects/{id}/cancel. Cancelling a
// subject without an active run is not an error.
func (h *Handlers) CancelSubject(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := subjectParam(w, r)
	if !ok {
		return
	}
	if err := h.Runs.Cancel(r.Context(), subjectID); err != nil {
		writeDomainError(w, err, "no run for subject")
		return
	}
	state, err := h.Runs.CurrentState(r.Context(), subjectID)
	if err != nil {
		writeDomainError(w, err, "no run for subject")
		return
	}
	if state == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ResolveApproval handles POST /api/v1/subjects/{id}/approval.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	actOnSubject(h.Approvals.Resolve, "no run for subject")(w, r)
}

// ListRuns returns the handler for GET /api/v1/{kind}s/{id}/runs.
func (h *Handlers) ListRuns(kind run.SubjectKind) http.HandlerFunc {
	return listSubject(func(ctx context.Context, subjectID string, limit int) ([]run.Run, error) {
		return h.History.ListRuns(ctx, kind, subjectID, limit)
	}, "subject not found")
}

// GetRun handles GET /api/v1/runs/{run_id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "run_id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "run_id must be a positive integer")
		return
	}
	rn, err := h.History.GetRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

type healthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// Health handles GET /health. It answers 503 when any check fails.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := healthStatus{Status: "ok"}
	code := http.StatusOK
	if len(h.Checks) > 0 {
		status.Components = make(map[string]string, len(h.Checks))
	}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status.Components[name] = err.Error()
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Components[name] = "ok"
	}
	writeJSON(w, code, status)
}

// ConnectedCheck adapts a connectivity check such as Queue.IsConnected.
func ConnectedCheck(connected func() bool) HealthCheck {
	return func(context.Context) error {
		if !connected() {
			return errors.New("disconnected")
		}
		return nil
	}
}
