// Package history defines the ports for retrieving past runs and for
// archiving runs that reached a terminal status.
package history

import (
	"context"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// Store retrieves historical runs. Implementations return domain.ErrNotFound
// for unknown run ids.
type Store interface {
	// ListRuns returns the most recent runs of a subject, newest first.
	ListRuns(ctx context.Context, kind run.SubjectKind, subjectID string, limit int) ([]run.Run, error)

	// GetRun returns a single run by its server-assigned id.
	GetRun(ctx context.Context, id int64) (*run.Run, error)
}

// Archive stores terminal runs locally and serves them back as a Store.
type Archive interface {
	Store

	// SaveRun upserts a terminal run.
	SaveRun(ctx context.Context, r *run.Run) error
}
