package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/runstream/internal/adapter/ws"
	"github.com/Strob0t/runstream/internal/domain/run"
)

// RouteOptions carries optional route wiring.
type RouteOptions struct {
	// Hub serves /ws when set.
	Hub *ws.Hub

	// Idempotency wraps run creation when set.
	Idempotency func(http.Handler) http.Handler
}

// MountRoutes registers all control API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, opts RouteOptions) {
	r.Get("/health", h.Health)

	if opts.Hub != nil {
		r.Get("/ws", opts.Hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Live runs
		start := http.Handler(http.HandlerFunc(h.StartRun))
		if opts.Idempotency != nil {
			start = opts.Idempotency(start)
		}
		r.Method(http.MethodPost, "/runs", start)
		r.Get("/subjects/{id}/state", h.GetSubjectState)
		r.Post("/subjects/{id}/cancel", h.CancelSubject)
		r.Post("/subjects/{id}/approval", h.ResolveApproval)

		// History
		r.Get("/agents/{id}/runs", h.ListRuns(run.SubjectAgent))
		r.Get("/workflows/{id}/runs", h.ListRuns(run.SubjectWorkflow))
		r.Get("/runs/{run_id}", h.GetRun)
	})
}
