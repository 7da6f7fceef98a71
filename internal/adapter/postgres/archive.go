package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/run"
)

// Archive implements history.Archive using PostgreSQL. The full run state is
// stored as JSONB next to the columns used for lookups.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive creates a new Archive backed by the given connection pool.
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// SaveRun upserts a terminal run. Runs the server never identified (id 0)
// cannot be archived.
func (a *Archive) SaveRun(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == 0 {
		return fmt.Errorf("save run: missing run id: %w", domain.ErrValidation)
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("save run %d: status %s is not terminal: %w", r.ID, r.Status, domain.ErrValidation)
	}

	state, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %d: %w", r.ID, err)
	}

	_, err = a.pool.Exec(ctx,
		`INSERT INTO runs (id, subject_kind, subject_id, status, error_kind, state, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   error_kind = EXCLUDED.error_kind,
		   state = EXCLUDED.state,
		   completed_at = EXCLUDED.completed_at,
		   archived_at = now()`,
		r.ID, string(r.SubjectKind), r.SubjectID, string(r.Status), string(r.ErrorKind), state,
		r.CreatedAt, nullTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("save run %d: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns the most recent archived runs of a subject, newest first.
func (a *Archive) ListRuns(ctx context.Context, kind run.SubjectKind, subjectID string, limit int) ([]run.Run, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT state FROM runs
		 WHERE subject_kind = $1 AND subject_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`, string(kind), subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs %s/%s: %w", kind, subjectID, err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (run.Run, error) {
		r, err := scanRun(row)
		if err != nil {
			return run.Run{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs %s/%s: %w", kind, subjectID, err)
	}
	return orEmpty(runs), nil
}

// GetRun returns one archived run or domain.ErrNotFound.
func (a *Archive) GetRun(ctx context.Context, id int64) (*run.Run, error) {
	row := a.pool.QueryRow(ctx, `SELECT state FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %d", id)
	}
	return r, nil
}
