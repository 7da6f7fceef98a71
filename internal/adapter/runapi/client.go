// Package runapi provides an HTTP client for the run server's history and
// approval API.
package runapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/port/approval"
	"github.com/Strob0t/runstream/internal/resilience"
)

const maxErrorBody = 4 << 10

// APIError is a non-2xx response from the run server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("run API error %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps statuses onto domain sentinels.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 {
		return domain.ErrUnavailable
	}
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.ErrValidation
	}
	return nil
}

// IsServerFailure reports whether err indicates the run server is unhealthy:
// transport failures and 5xx responses. Client errors such as 404 do not.
func IsServerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// Client talks to the run server's REST API. It implements history.Store and
// approval.Resolver.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new run API client. httpClient may be nil.
func NewClient(cfg config.History, authToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout > 0 && httpClient.Timeout == 0 {
		hc := *httpClient
		hc.Timeout = cfg.Timeout
		httpClient = &hc
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      func() string { return authToken },
		httpClient: httpClient,
	}
}

// SetTokenSource makes every request read its bearer token from fn.
func (c *Client) SetTokenSource(fn func() string) {
	if fn != nil {
		c.token = fn
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// ListRuns returns the most recent runs of a subject, newest first.
func (c *Client) ListRuns(ctx context.Context, kind run.SubjectKind, subjectID string, limit int) ([]run.Run, error) {
	path := fmt.Sprintf("/api/%ss/%s/runs", kind, url.PathEscape(subjectID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list runs %s/%s: %w", kind, subjectID, err)
	}

	var runs []run.Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("unmarshal runs: %w", err)
	}
	if runs == nil {
		runs = []run.Run{}
	}
	for i := range runs {
		if runs[i].Steps == nil {
			runs[i].Steps = []run.StepResult{}
		}
	}
	return runs, nil
}

// GetRun returns one run by id.
func (c *Client) GetRun(ctx context.Context, id int64) (*run.Run, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/runs/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}

	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	if r.Steps == nil {
		r.Steps = []run.StepResult{}
	}
	return &r, nil
}

// ResolveApproval submits a decision for the run's pending approval.
func (c *Client) ResolveApproval(ctx context.Context, runID int64, d approval.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	path := "/api/runs/" + strconv.FormatInt(runID, 10) + "/approval"
	if _, err := c.doRequest(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("resolve approval for run %d: %w", runID, err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if reqID := logger.RequestID(ctx); reqID != "" {
			req.Header.Set("X-Request-ID", reqID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w: %w", domain.ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.ExecuteContext(ctx, call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
