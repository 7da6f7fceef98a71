// Package broadcast defines the port for fanning out run state changes to
// consumers outside the registry.
package broadcast

import (
	"context"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// Broadcaster sends run state snapshots to all of its consumers.
// Implementations must not block the caller for long and must not mutate r.
type Broadcaster interface {
	BroadcastRun(ctx context.Context, r *run.Run)
}
