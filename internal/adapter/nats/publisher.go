package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/messagequeue"
)

// Publisher fans run state snapshots out over a message queue.
// It implements broadcast.Broadcaster.
type Publisher struct {
	q      messagequeue.Queue
	prefix string
}

// NewPublisher creates a Publisher that publishes under prefix.
func NewPublisher(q messagequeue.Queue, prefix string) *Publisher {
	return &Publisher{q: q, prefix: prefix}
}

// BroadcastRun publishes r on its subject's state subject. Failures are
// logged; a broken bus never stalls the run.
func (p *Publisher) BroadcastRun(ctx context.Context, r *run.Run) {
	if r == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		slog.ErrorContext(ctx, "marshal run state", "error", err)
		return
	}
	subject := messagequeue.RunStateSubject(p.prefix, r.SubjectKind, r.SubjectID)
	if err := p.q.Publish(ctx, subject, data); err != nil {
		slog.WarnContext(ctx, "publish run state failed", "subject", subject, "error", err)
	}
}

// Watch delivers every run state snapshot published under the prefix to fn
// until the returned cancel function is called.
func (p *Publisher) Watch(ctx context.Context, fn func(ctx context.Context, r *run.Run)) (func(), error) {
	cancel, err := p.q.Subscribe(ctx, messagequeue.RunStateWildcard(p.prefix), func(ctx context.Context, subject string, data []byte) error {
		var r run.Run
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode run state on %s: %w", subject, err)
		}
		fn(ctx, &r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watch run state: %w", err)
	}
	return cancel, nil
}
