package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/Strob0t/runstream/internal/adapter/otel"
	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/reducer"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/port/transport"
)

// session is the transport side of one run attempt: it dials, sends the open
// frame and forwards frames to the registry loop in receipt order.
type session struct {
	reg       *Registry
	id        string
	requestID string
	req       run.StartRequest
	handle    *Handle

	ctx    context.Context // cancelled once the run is terminal
	cancel context.CancelFunc
	span   trace.Span

	conn      transport.Conn // loop-owned, set once the stream is open
	closeOnce sync.Once
}

func newSession(r *Registry, id, requestID string, req run.StartRequest) *session {
	ctx, cancel := context.WithCancel(r.baseCtx)
	ctx = logger.WithRequestID(ctx, requestID)
	ctx = logger.WithAttrs(ctx,
		slog.String("subject_id", req.SubjectID),
		slog.String("subject_kind", string(req.SubjectKind)),
		slog.String("session_id", id),
	)
	ctx, span := otel.StartSessionSpan(ctx, id, req.SubjectKind, req.SubjectID)

	s := &session{
		reg:       r,
		id:        id,
		requestID: requestID,
		req:       req,
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
	}
	s.handle = newHandle(s)
	return s
}

// stream runs on its own goroutine for the lifetime of the attempt.
func (s *session) stream() {
	defer s.reg.wg.Done()

	var conn transport.Conn
	err := s.reg.dials.Do(s.ctx, func() error {
		var dialErr error
		conn, dialErr = s.reg.dialer.Dial(s.ctx, s.req.SubjectKind, s.req.SubjectID)
		return dialErr
	})
	if err != nil {
		s.fail(fmt.Errorf("dial: %w", err))
		return
	}

	open := event.OpenFrame{
		Input:     s.req.Input,
		Context:   s.req.Context,
		AuthToken: s.reg.token(),
		RequestID: s.requestID,
	}
	if err := conn.Send(s.ctx, open); err != nil {
		s.closeConn(conn, "open frame failed")
		s.fail(fmt.Errorf("send open frame: %w", err))
		return
	}

	wanted := make(chan bool, 1)
	if !s.reg.post(func() { wanted <- s.reg.opened(s, conn) }) || !<-wanted {
		s.closeConn(conn, "run cancelled")
		return
	}

	for {
		data, err := conn.Receive(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}
		env, decodeErr := event.Decode(data)
		env.ReceivedAt = s.reg.now()
		if !s.reg.post(func() { s.reg.received(s, env, decodeErr) }) {
			return
		}
	}
}

// fail reports an unrequested end of the stream. Errors caused by the
// registry tearing the session down are not reported.
func (s *session) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.reg.post(func() { s.reg.ended(s, err) })
}

// terminate is called on the loop when the run reaches a terminal status.
func (s *session) terminate(final *run.Run) {
	s.cancel()
	if s.conn != nil {
		conn := s.conn
		reason := "run " + string(final.Status)
		s.reg.wg.Add(1)
		go func() {
			defer s.reg.wg.Done()
			s.closeConn(conn, reason)
		}()
	}
	otel.EndSessionSpan(s.span, final)
	s.handle.finish(final)
}

func (s *session) closeConn(conn transport.Conn, reason string) {
	s.closeOnce.Do(func() {
		if err := conn.Close(reason); err != nil {
			slog.DebugContext(s.ctx, "close run stream", "error", err)
		}
	})
}

// connectionLostReason turns a stream error into the reason stored on the
// failed run.
func connectionLostReason(err error) string {
	switch {
	case err == nil:
		return reducer.DefaultConnectionLostReason
	case errors.Is(err, transport.ErrClosed):
		msg := strings.TrimPrefix(err.Error(), transport.ErrClosed.Error())
		msg = strings.TrimPrefix(msg, ": ")
		if msg == "" {
			return reducer.DefaultConnectionLostReason
		}
		return reducer.DefaultConnectionLostReason + ": " + msg
	default:
		return err.Error()
	}
}
