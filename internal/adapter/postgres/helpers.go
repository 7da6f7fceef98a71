package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/run"
)

// rowScanner is satisfied by pgx.Row and pgx.CollectableRow.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun decodes the JSONB state column into a run.
func scanRun(s rowScanner) (*run.Run, error) {
	var state []byte
	if err := s.Scan(&state); err != nil {
		return nil, err
	}
	var r run.Run
	if err := json.Unmarshal(state, &r); err != nil {
		return nil, fmt.Errorf("decode archived run: %w", err)
	}
	r.Steps = orEmpty(r.Steps)
	return &r, nil
}

// nullTime maps a missing timestamp to SQL NULL.
func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// orEmpty keeps JSON output as [] rather than null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// notFoundWrap maps pgx.ErrNoRows to domain.ErrNotFound.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
