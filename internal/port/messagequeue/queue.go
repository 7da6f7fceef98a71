// Package messagequeue defines the message queue port (interface) used to fan
// run state out to other processes.
package messagequeue

import (
	"context"
	"strings"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject tokens under the configured prefix.
const (
	tokenRuns  = "runs"
	tokenState = "state"
)

// RunStateSubject returns the subject a subject's state snapshots are
// published on: {prefix}.runs.state.{kind}.{subject_id}.
func RunStateSubject(prefix string, kind run.SubjectKind, subjectID string) string {
	return strings.Join([]string{prefix, tokenRuns, tokenState, string(kind), Token(subjectID)}, ".")
}

// RunStateWildcard matches every state snapshot under prefix.
func RunStateWildcard(prefix string) string {
	return strings.Join([]string{prefix, tokenRuns, tokenState, ">"}, ".")
}

// IsRunStateSubject reports whether subject carries run state snapshots.
func IsRunStateSubject(subject string) bool {
	return strings.Contains(subject, "."+tokenRuns+"."+tokenState+".")
}

// Token makes s safe for use as a single subject token: characters NATS
// treats as separators or wildcards are replaced with '_'.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
