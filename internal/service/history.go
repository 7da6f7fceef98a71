package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/cache"
	"github.com/Strob0t/runstream/internal/port/history"
	"github.com/Strob0t/runstream/internal/resilience"
)

// HistoryService serves past runs from the run server. Terminal runs never
// change, so single-run lookups are cached. When the server cannot be
// reached the local archive answers instead.
type HistoryService struct {
	remote       history.Store
	archive      history.Archive
	cache        cache.Cache
	ttl          time.Duration
	defaultLimit int
	group        singleflight.Group
}

// NewHistoryService creates a HistoryService over remote. defaultLimit
// applies when callers pass a limit < 1.
func NewHistoryService(remote history.Store, defaultLimit int) *HistoryService {
	if defaultLimit < 1 {
		defaultLimit = 20
	}
	return &HistoryService{remote: remote, defaultLimit: defaultLimit}
}

// SetArchive sets the local archive used when the remote store fails.
func (s *HistoryService) SetArchive(a history.Archive) {
	s.archive = a
}

// SetCache attaches a cache for terminal runs.
func (s *HistoryService) SetCache(c cache.Cache, ttl time.Duration) {
	s.cache = c
	s.ttl = ttl
}

// RunKey is the cache key of a run.
func RunKey(id int64) string {
	return "run." + strconv.FormatInt(id, 10)
}

// ListRuns returns the most recent runs of a subject, newest first.
// Concurrent identical requests share one remote call.
func (s *HistoryService) ListRuns(ctx context.Context, kind run.SubjectKind, subjectID string, limit int) ([]run.Run, error) {
	if !run.ValidSubjectKind(kind) {
		return nil, fmt.Errorf("list runs: unknown subject kind %q: %w", kind, domain.ErrValidation)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("list runs: subject id is required: %w", domain.ErrValidation)
	}
	if limit < 1 {
		limit = s.defaultLimit
	}

	ctx, span := otel.StartHistorySpan(ctx, "list_runs")
	defer span.End()

	key := "list/" + string(kind) + "/" + subjectID + "/" + strconv.Itoa(limit)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.remote.ListRuns(ctx, kind, subjectID, limit)
	})
	if err != nil {
		if !s.canFallBack(ctx, err) {
			return nil, err
		}
		runs, archErr := s.archive.ListRuns(ctx, kind, subjectID, limit)
		if archErr != nil {
			slog.WarnContext(ctx, "archive fallback failed", "subject_id", subjectID, "error", archErr)
			return nil, err
		}
		slog.InfoContext(ctx, "history served from archive", "subject_id", subjectID, "remote_error", err)
		return runs, nil
	}

	runs := v.([]run.Run)
	for i := range runs {
		s.remember(ctx, &runs[i])
	}
	return runs, nil
}

// GetRun returns one run by id.
func (s *HistoryService) GetRun(ctx context.Context, id int64) (*run.Run, error) {
	ctx, span := otel.StartHistorySpan(ctx, "get_run")
	defer span.End()

	if r, ok := s.cached(ctx, id); ok {
		return r, nil
	}

	v, err, _ := s.group.Do(RunKey(id), func() (any, error) {
		return s.remote.GetRun(ctx, id)
	})
	if err != nil {
		if !s.canFallBack(ctx, err) {
			return nil, err
		}
		r, archErr := s.archive.GetRun(ctx, id)
		if archErr != nil {
			if !errors.Is(archErr, domain.ErrNotFound) {
				slog.WarnContext(ctx, "archive fallback failed", "run_id", id, "error", archErr)
			}
			return nil, err
		}
		return r, nil
	}

	r := v.(*run.Run)
	s.remember(ctx, r)
	return r, nil
}

// canFallBack reports whether err from the remote store should be answered
// from the archive: only when the remote is unavailable and the caller is
// still waiting. Answers such as not found stand.
func (s *HistoryService) canFallBack(ctx context.Context, err error) bool {
	if s.archive == nil || ctx.Err() != nil {
		return false
	}
	return errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, domain.ErrUnavailable)
}

func (s *HistoryService) cached(ctx context.Context, id int64) (*run.Run, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok, err := s.cache.Get(ctx, RunKey(id))
	if err != nil {
		slog.WarnContext(ctx, "history cache get failed", "run_id", id, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		slog.WarnContext(ctx, "history cache entry corrupt", "run_id", id, "error", err)
		_ = s.cache.Delete(ctx, RunKey(id))
		return nil, false
	}
	return &r, true
}

// remember caches r if it is terminal.
func (s *HistoryService) remember(ctx context.Context, r *run.Run) {
	if s.cache == nil || r == nil || r.ID == 0 || !r.Status.IsTerminal() {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, RunKey(r.ID), data, s.ttl); err != nil {
		slog.WarnContext(ctx, "history cache set failed", "run_id", r.ID, "error", err)
	}
}
