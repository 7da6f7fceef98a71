package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/approval"
)

// ApprovalService forwards approval decisions for paused runs.
type ApprovalService struct {
	registry *Registry
	resolver approval.Resolver
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(registry *Registry, resolver approval.Resolver) *ApprovalService {
	return &ApprovalService{registry: registry, resolver: resolver}
}

// Resolve sends d for the subject's pending approval. The subject's run must
// be waiting_approval; the resulting transition arrives on the run stream.
func (s *ApprovalService) Resolve(ctx context.Context, subjectID string, d approval.Decision) error {
	cur, err := s.registry.CurrentState(ctx, subjectID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("resolve approval for %s: %w", subjectID, domain.ErrNotFound)
	}
	if cur.Status != run.StatusWaitingApproval {
		return fmt.Errorf("resolve approval for %s: run is %s: %w", subjectID, cur.Status, domain.ErrConflict)
	}
	if cur.ID == 0 {
		return fmt.Errorf("resolve approval for %s: run id not yet known: %w", subjectID, domain.ErrConflict)
	}

	slog.InfoContext(ctx, "resolving approval",
		"subject_id", subjectID,
		"run_id", cur.ID,
		"approved", d.Approved,
	)
	if err := s.resolver.ResolveApproval(ctx, cur.ID, d); err != nil {
		return fmt.Errorf("resolve approval for %s: %w", subjectID, err)
	}
	return nil
}
