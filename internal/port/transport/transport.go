// Package transport defines the port for the duplex connection a run attempt
// streams over.
package transport

import (
	"context"
	"errors"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// ErrClosed is wrapped by Receive when the peer closed the connection
// cleanly. The wrapping message carries the peer's close reason, if any.
var ErrClosed = errors.New("connection closed by peer")

// Conn is one open duplex connection. Receive and Send may be called from
// different goroutines; Close may be called from any goroutine, more than once.
type Conn interface {
	// Send writes v as a single JSON text frame.
	Send(ctx context.Context, v any) error

	// Receive blocks for the next text frame. Any error ends the stream.
	// A clean close by the peer is reported as an error wrapping ErrClosed.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the connection with a normal closure and the given reason.
	Close(reason string) error
}

// Dialer opens the run connection for one subject.
type Dialer interface {
	Dial(ctx context.Context, kind run.SubjectKind, subjectID string) (Conn, error)
}
