package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/resilience"
	"github.com/Strob0t/runstream/internal/service"
)

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		wantMsg string
	}{
		{"not found", fmt.Errorf("get run 7: %w", domain.ErrNotFound), http.StatusNotFound, "run not found"},
		{"already running", fmt.Errorf("start agent 42: %w", domain.ErrAlreadyRunning), http.StatusConflict, "run already in progress"},
		{"conflict", fmt.Errorf("resolve approval for 42: run is running: %w", domain.ErrConflict), http.StatusConflict, ""},
		{"validation", fmt.Errorf("input is required: %w", domain.ErrValidation), http.StatusBadRequest, "input is required"},
		{"circuit open", fmt.Errorf("list runs: %w", resilience.ErrCircuitOpen), http.StatusServiceUnavailable, "service unavailable"},
		{"stopped", service.ErrRegistryStopped, http.StatusServiceUnavailable, "service unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeDomainError(rec, tt.err, "run not found")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if tt.wantMsg != "" && body.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", body.Error, tt.wantMsg)
			}
			if hasRetry := rec.Header().Get("Retry-After") != ""; hasRetry != (tt.want == http.StatusServiceUnavailable) {
				t.Errorf("Retry-After = %q on %d", rec.Header().Get("Retry-After"), tt.want)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query  string
		want   int
		wantOK bool
	}{
		{"", 20, true},
		{"?limit=5", 5, true},
		{"?limit=0", 0, true},
		{"?limit=-3", 0, false},
		{"?limit=ten", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/runs"+tt.query, http.NoBody)
			rec := httptest.NewRecorder()
			got, ok := queryInt(rec, req, "limit", 20)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("queryInt() = %d, %v; want %d, %v", got, ok, tt.want, tt.wantOK)
			}
			if !ok && rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400 on rejection, got %d", rec.Code)
			}
		})
	}
}

func TestSubjectParam(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"numeric", "42", true},
		{"slug", "nightly-build", true},
		{"padded", " 42", false},
		{"too long", strings.Repeat("9", maxSubjectIDLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.id)
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
			rec := httptest.NewRecorder()

			got, ok := subjectParam(rec, req)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.id {
				t.Errorf("id = %q, want %q", got, tt.id)
			}
			if !ok && rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestCORSDisabledWithoutOrigin(t *testing.T) {
	handler := CORS("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers set with empty origin")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected passthrough, got %d", rec.Code)
	}
}
