package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/resilience"
	"github.com/Strob0t/runstream/internal/service"
)

const (
	maxRequestBodySize = 1 << 20
	maxSubjectIDLength = 256

	// retryAfterUnavailable is advertised when the run API breaker is open
	// or the registry is shutting down.
	retryAfterUnavailable = "5"
)

type errorResponse struct {
	Error string `json:"error"`
}

// decodeBody reads exactly one JSON value of at most limit bytes into T.
// Unknown fields are rejected so typos in start requests surface as 400s.
func decodeBody[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()

	err := dec.Decode(&v)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("trailing data after JSON body")
	}
	if err == nil {
		return v, true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "request body is empty")
	default:
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return v, false
}

// subjectParam returns the {id} path segment, writing a 400 when it is not a
// usable subject id.
func subjectParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxSubjectIDLength || strings.TrimSpace(id) != id {
		writeError(w, http.StatusBadRequest, "invalid subject id")
		return "", false
	}
	return id, true
}

// queryInt returns the integer query parameter name, or def when absent.
// It writes a 400 and returns false when the value is not a non-negative integer.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorRoute maps a sentinel to a status. A nil message means err.Error()
// is safe to show.
type errorRoute struct {
	target  error
	status  int
	message func(err error, notFound string) string
}

var errorRoutes = []errorRoute{
	{domain.ErrNotFound, http.StatusNotFound, func(_ error, notFound string) string { return notFound }},
	{domain.ErrAlreadyRunning, http.StatusConflict, func(error, string) string { return domain.ErrAlreadyRunning.Error() }},
	{domain.ErrConflict, http.StatusConflict, nil},
	{domain.ErrValidation, http.StatusBadRequest, func(err error, _ string) string {
		return strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
	}},
	{resilience.ErrCircuitOpen, http.StatusServiceUnavailable, unavailable},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, unavailable},
	{service.ErrRegistryStopped, http.StatusServiceUnavailable, unavailable},
}

func unavailable(error, string) string { return "service unavailable" }

// writeDomainError answers with the status of the first matching sentinel
// in err's chain and logs anything unmapped as a 500.
func writeDomainError(w http.ResponseWriter, err error, notFound string) {
	for _, route := range errorRoutes {
		if !errors.Is(err, route.target) {
			continue
		}
		msg := err.Error()
		if route.message != nil {
			msg = route.message(err, notFound)
		}
		if route.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", retryAfterUnavailable)
		}
		writeError(w, route.status, msg)
		return
	}
	slog.Error("unmapped control api error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
