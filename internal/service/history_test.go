package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/cache/cachetest"
	"github.com/Strob0t/runstream/internal/resilience"
)

// fakeStore is a history.Store with canned answers.
type fakeStore struct {
	runs  map[int64]*run.Run
	list  []run.Run
	err   error
	gets  atomic.Int32
	lists atomic.Int32
}

func (s *fakeStore) ListRuns(_ context.Context, _ run.SubjectKind, _ string, limit int) ([]run.Run, error) {
	s.lists.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.list) {
		return s.list[:limit], nil
	}
	return s.list, nil
}

func (s *fakeStore) GetRun(_ context.Context, id int64) (*run.Run, error) {
	s.gets.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func completedRun(id int64) *run.Run {
	done := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return &run.Run{
		ID:          id,
		SubjectID:   "42",
		SubjectKind: run.SubjectAgent,
		Status:      run.StatusCompleted,
		Output:      "ok",
		Steps:       []run.StepResult{},
		CreatedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
	}
}

func TestHistory_GetRunCachesTerminalRuns(t *testing.T) {
	store := &fakeStore{runs: map[int64]*run.Run{7: completedRun(7)}}
	mem := cachetest.NewMem()
	svc := NewHistoryService(store, 20)
	svc.SetCache(mem, time.Hour)

	for i := 0; i < 3; i++ {
		r, err := svc.GetRun(context.Background(), 7)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.ID != 7 || r.Output != "ok" {
			t.Fatalf("got %+v", r)
		}
	}
	if n := store.gets.Load(); n != 1 {
		t.Errorf("remote gets = %d, want 1", n)
	}
	if _, ok := mem.Data[RunKey(7)]; !ok {
		t.Error("terminal run not cached")
	}
}

func TestHistory_NonTerminalRunsNotCached(t *testing.T) {
	active := completedRun(8)
	active.Status = run.StatusRunning
	active.Output = ""
	active.CompletedAt = nil

	store := &fakeStore{runs: map[int64]*run.Run{8: active}}
	mem := cachetest.NewMem()
	svc := NewHistoryService(store, 20)
	svc.SetCache(mem, time.Hour)

	for i := 0; i < 2; i++ {
		if _, err := svc.GetRun(context.Background(), 8); err != nil {
			t.Fatalf("GetRun: %v", err)
		}
	}
	if n := store.gets.Load(); n != 2 {
		t.Errorf("remote gets = %d, want 2", n)
	}
	if len(mem.Data) != 0 {
		t.Errorf("cache = %v, want empty", mem.Data)
	}
}

func TestHistory_CorruptCacheEntryRefetches(t *testing.T) {
	store := &fakeStore{runs: map[int64]*run.Run{7: completedRun(7)}}
	mem := cachetest.NewMem()
	mem.Data[RunKey(7)] = []byte("{broken")
	svc := NewHistoryService(store, 20)
	svc.SetCache(mem, time.Hour)

	r, err := svc.GetRun(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Output != "ok" || store.gets.Load() != 1 {
		t.Errorf("expected remote refetch, got %+v after %d gets", r, store.gets.Load())
	}
}

func TestHistory_ListRunsCachesTerminalEntries(t *testing.T) {
	running := completedRun(2)
	running.Status = run.StatusRunning
	running.Output = ""
	store := &fakeStore{list: []run.Run{*running, *completedRun(1)}}
	mem := cachetest.NewMem()
	svc := NewHistoryService(store, 20)
	svc.SetCache(mem, time.Hour)

	runs, err := svc.ListRuns(context.Background(), run.SubjectAgent, "42", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if _, ok := mem.Data[RunKey(1)]; !ok {
		t.Error("completed run from list not cached")
	}
	if _, ok := mem.Data[RunKey(2)]; ok {
		t.Error("running run from list cached")
	}
}

func TestHistory_ListRunsAppliesLimit(t *testing.T) {
	store := &fakeStore{list: []run.Run{*completedRun(3), *completedRun(2), *completedRun(1)}}
	svc := NewHistoryService(store, 2)

	runs, err := svc.ListRuns(context.Background(), run.SubjectAgent, "42", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("default limit: got %d runs, want 2", len(runs))
	}
	runs, _ = svc.ListRuns(context.Background(), run.SubjectAgent, "42", 1)
	if len(runs) != 1 {
		t.Errorf("explicit limit: got %d runs, want 1", len(runs))
	}
}

func TestHistory_ListRunsValidation(t *testing.T) {
	svc := NewHistoryService(&fakeStore{}, 20)

	tests := []struct {
		name    string
		kind    run.SubjectKind
		subject string
	}{
		{"unknown kind", "robot", "42"},
		{"empty subject", run.SubjectAgent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ListRuns(context.Background(), tt.kind, tt.subject, 5)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestHistory_ArchiveFallback(t *testing.T) {
	archived := completedRun(5)
	archive := newFakeArchive()
	archive.runs[5] = archived

	tests := []struct {
		name         string
		remoteErr    error
		wantFallback bool
	}{
		{"circuit open", resilience.ErrCircuitOpen, true},
		{"server failure", fmt.Errorf("get run 5: %w", domain.ErrUnavailable), true},
		{"not found", domain.ErrNotFound, false},
		{"conflict", domain.ErrConflict, false},
		{"unclassified", errors.New("unmarshal run: bad json"), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"validation", domain.ErrValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewHistoryService(&fakeStore{err: tt.remoteErr}, 20)
			svc.SetArchive(archive)

			r, err := svc.GetRun(context.Background(), 5)
			if tt.wantFallback {
				if err != nil {
					t.Fatalf("GetRun: %v", err)
				}
				if r.ID != 5 {
					t.Errorf("got run %d, want 5", r.ID)
				}
			} else if !errors.Is(err, tt.remoteErr) {
				t.Errorf("expected remote error %v, got %v", tt.remoteErr, err)
			}

			runs, err := svc.ListRuns(context.Background(), run.SubjectAgent, "42", 10)
			if tt.wantFallback {
				if err != nil || len(runs) != 1 {
					t.Errorf("ListRuns fallback = %v, %v", runs, err)
				}
			} else if !errors.Is(err, tt.remoteErr) {
				t.Errorf("ListRuns: expected remote error, got %v", err)
			}
		})
	}
}

func TestHistory_ArchiveMissReturnsRemoteError(t *testing.T) {
	svc := NewHistoryService(&fakeStore{err: resilience.ErrCircuitOpen}, 20)
	svc.SetArchive(newFakeArchive())

	_, err := svc.GetRun(context.Background(), 99)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestHistory_RemoteNotFoundSkipsArchive(t *testing.T) {
	archive := newFakeArchive()
	archive.runs[5] = completedRun(5)
	svc := NewHistoryService(&fakeStore{runs: map[int64]*run.Run{}}, 20)
	svc.SetArchive(archive)

	r, err := svc.GetRun(context.Background(), 5)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got run %+v err %v", r, err)
	}
}

func TestHistory_CancelledCallerSkipsArchive(t *testing.T) {
	archive := newFakeArchive()
	archive.runs[5] = completedRun(5)
	svc := NewHistoryService(&fakeStore{err: domain.ErrUnavailable}, 20)
	svc.SetArchive(archive)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.GetRun(ctx, 5); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHistory_NotFoundWithoutArchive(t *testing.T) {
	svc := NewHistoryService(&fakeStore{runs: map[int64]*run.Run{}}, 20)

	_, err := svc.GetRun(context.Background(), 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
