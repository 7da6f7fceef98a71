package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/runstream/internal/domain"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/logger"
)

func TestRegistry_PlanStepsComplete(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn), WithAuthToken("s3cret"))
	startRegistry(t, reg)

	ctx := logger.WithRequestID(context.Background(), "req-42")
	h, err := reg.Start(ctx, run.StartRequest{
		SubjectID:   "42",
		SubjectKind: run.SubjectAgent,
		Input:       "research go",
		Context:     map[string]string{"lang": "en"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The loop may already have opened the stream by now.
	initial := h.State()
	if initial == nil || (initial.Status != run.StatusPending && initial.Status != run.StatusRunning) {
		t.Fatalf("initial state = %+v, want pending or running", initial)
	}

	open := conn.openFrame(t)
	if open.Input != "research go" || open.AuthToken != "s3cret" || open.RequestID != "req-42" || open.Context["lang"] != "en" {
		t.Errorf("open frame = %+v", open)
	}

	conn.frame(`{"event_type":"plan","run_id":9,"plan":{"goal":"research","steps":[{"description":"search"},{"description":"summarize"}]},"step":{"type":"thinking","content":"planning"}}`)
	conn.frame(`{"event_type":"step","run_id":9,"step":{"type":"tool_call","tool_name":"search","tool_input":{"q":"go"}}}`)
	conn.frame(`{"event_type":"step","run_id":9,"step":{"type":"response","content":"done"}}`)
	conn.frame(`{"event_type":"complete","run_id":9,"output":"Summary: ..."}`)

	final := waitDone(t, h)
	if final.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.ID != 9 {
		t.Errorf("run id = %d, want 9", final.ID)
	}
	if initial.Revision == 0 || final.Revision <= initial.Revision {
		t.Errorf("revision %d -> %d, want increasing", initial.Revision, final.Revision)
	}
	if len(final.Steps) != 3 || final.StepsCompleted != 3 {
		t.Errorf("steps = %d (completed %d), want 3", len(final.Steps), final.StepsCompleted)
	}
	if final.Plan == nil || len(final.Plan.Steps) != 2 {
		t.Errorf("plan = %+v", final.Plan)
	}
	if final.Output != "Summary: ..." {
		t.Errorf("output = %q", final.Output)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("expected started and completed timestamps")
	}

	if reason := conn.waitClosed(t); !strings.Contains(reason, "completed") {
		t.Errorf("close reason = %q", reason)
	}

	cur, err := reg.CurrentState(context.Background(), "42")
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	if cur != final {
		t.Error("CurrentState should return the terminal snapshot")
	}
}

func TestRegistry_ConnectionDrop(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn))
	startRegistry(t, reg)

	h, err := reg.Start(context.Background(), agentRequest("7"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn.openFrame(t)
	conn.frame(`{"event_type":"step","run_id":3,"step":{"type":"thinking","content":"hmm"}}`)
	conn.fail(errors.New("connection reset by peer"))

	final := waitDone(t, h)
	if final.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorKind != run.ErrorKindConnectionFailed {
		t.Errorf("error kind = %q", final.ErrorKind)
	}
	if !strings.Contains(final.Error, "connection reset") {
		t.Errorf("error = %q", final.Error)
	}
	if len(final.Steps) != 1 {
		t.Errorf("steps = %d, want 1", len(final.Steps))
	}
}

func TestRegistry_CleanCloseWithoutTerminal(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn))
	startRegistry(t, reg)

	h, _ := reg.Start(context.Background(), agentRequest("7"))
	conn.openFrame(t)
	conn.fail(errTransportClosed)

	final := waitDone(t, h)
	if final.Status != run.StatusFailed || final.ErrorKind != run.ErrorKindConnectionFailed {
		t.Fatalf("final = %s/%s", final.Status, final.ErrorKind)
	}
	if final.Error == "" {
		t.Error("expected a connection-lost reason")
	}
}

func TestRegistry_DialFailure(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("connection refused")
	reg := NewRegistry(d)
	startRegistry(t, reg)

	h, err := reg.Start(context.Background(), agentRequest("1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	final := waitDone(t, h)
	if final.Status != run.StatusFailed || final.ErrorKind != run.ErrorKindConnectionFailed {
		t.Fatalf("final = %s/%s", final.Status, final.ErrorKind)
	}
	if !strings.Contains(final.Error, "connection refused") {
		t.Errorf("error = %q", final.Error)
	}
}

func TestRegistry_ApprovalRoundTrip(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn))
	startRegistry(t, reg)

	rec := newRecorder()
	unsubscribe, err := reg.Subscribe(context.Background(), "5", rec.observe)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if _, err := reg.Start(context.Background(), agentRequest("5")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn.openFrame(t)
	conn.frame(`{"event_type":"step","run_id":1,"step":{"type":"tool_call","tool_name":"rm"}}`)
	conn.frame(`{"event_type":"approval_needed","run_id":1,"approval":{"id":"ap-1","tool_name":"rm","reason":"destructive"}}`)

	waiting := rec.waitFor(t, hasStatus(run.StatusWaitingApproval))
	if waiting.PendingApproval == nil || waiting.PendingApproval.ID != "ap-1" {
		t.Fatalf("pending approval = %+v", waiting.PendingApproval)
	}

	conn.frame(`{"event_type":"step","run_id":1,"step":{"type":"tool_result","tool_output":"ok"}}`)
	resumed := rec.waitFor(t, hasStatus(run.StatusRunning))
	if resumed.PendingApproval != nil {
		t.Error("pending approval should be cleared after resuming")
	}
	if len(resumed.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(resumed.Steps))
	}
}

func TestRegistry_AlreadyRunningDoesNotDial(t *testing.T) {
	conn := newFakeConn()
	d := newFakeDialer(conn)
	reg := NewRegistry(d)
	startRegistry(t, reg)

	if _, err := reg.Start(context.Background(), agentRequest("1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn.openFrame(t)

	_, err := reg.Start(context.Background(), agentRequest("1"))
	if !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}

	// A different subject is independent.
	d.mu.Lock()
	d.conns = append(d.conns, newFakeConn())
	d.mu.Unlock()
	if _, err := reg.Start(context.Background(), agentRequest("2")); err != nil {
		t.Fatalf("Start other subject: %v", err)
	}
}

func TestRegistry_StartValidation(t *testing.T) {
	reg := NewRegistry(newFakeDialer())
	startRegistry(t, reg)

	_, err := reg.Start(context.Background(), run.StartRequest{SubjectKind: run.SubjectAgent})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRegistry_Cancel(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn))
	startRegistry(t, reg)

	h, _ := reg.Start(context.Background(), agentRequest("3"))
	conn.openFrame(t)
	conn.frame(`{"event_type":"step","run_id":4,"step":{"type":"thinking"}}`)

	if err := reg.Cancel(context.Background(), "3"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final := waitDone(t, h)
	if final.Status != run.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	conn.waitClosed(t)

	// Second cancel and cancel of an unknown subject are no-ops.
	if err := reg.Cancel(context.Background(), "3"); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
	if err := reg.Cancel(context.Background(), "nobody"); err != nil {
		t.Errorf("Cancel unknown: %v", err)
	}
	cur, _ := reg.CurrentState(context.Background(), "3")
	if cur.Status != run.StatusCancelled {
		t.Errorf("state changed after second cancel: %s", cur.Status)
	}

	// Envelopes arriving after cancellation have no effect.
	conn.frame(`{"event_type":"complete","run_id":4,"output":"late"}`)
	cur, _ = reg.CurrentState(context.Background(), "3")
	if cur.Status != run.StatusCancelled || cur.Output != "" {
		t.Errorf("late envelope applied: %+v", cur)
	}
}

func TestRegistry_CancelDuringDial(t *testing.T) {
	d := newFakeDialer(newFakeConn())
	d.gate = make(chan struct{})
	reg := NewRegistry(d)
	startRegistry(t, reg)

	h, _ := reg.Start(context.Background(), agentRequest("1"))
	select {
	case <-d.calls:
	case <-time.After(waitTimeout):
		t.Fatal("dial not attempted")
	}

	h.Cancel()
	final := waitDone(t, h)
	if final.Status != run.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.ErrorKind != run.ErrorKindNone {
		t.Errorf("cancelled run should not carry an error kind, got %q", final.ErrorKind)
	}
}

func TestRegistry_HandleCancelTargetsOwnSession(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	reg := NewRegistry(newFakeDialer(first, second))
	startRegistry(t, reg)

	h1, _ := reg.Start(context.Background(), agentRequest("1"))
	first.openFrame(t)
	first.frame(`{"event_type":"complete","run_id":1,"output":"one"}`)
	waitDone(t, h1)

	h2, err := reg.Start(context.Background(), agentRequest("1"))
	if err != nil {
		t.Fatalf("restart after terminal: %v", err)
	}
	second.openFrame(t)

	h1.Cancel()

	cur, _ := reg.CurrentState(context.Background(), "1")
	if cur.Status.IsTerminal() {
		t.Fatalf("stale handle cancelled the new run: %s", cur.Status)
	}
	h2.Cancel()
	if final := waitDone(t, h2); final.Status != run.StatusCancelled {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestRegistry_MalformedEnvelopeIsDropped(t *testing.T) {
	conn := newFakeConn()
	metrics := &countingMetrics{}
	reg := NewRegistry(newFakeDialer(conn), WithMetrics(metrics))
	startRegistry(t, reg)

	h, _ := reg.Start(context.Background(), agentRequest("1"))
	conn.openFrame(t)
	conn.frame(`not json`)
	conn.frame(`{"event_type":"teleport","run_id":1}`)
	conn.frame(`{"event_type":"node_start","run_id":1,"node_id":"n1"}`) // workflow-only
	conn.frame(`{"event_type":"step","run_id":1,"step":{"type":"response","content":"ok"}}`)
	conn.frame(`{"event_type":"complete","run_id":1,"output":"fine"}`)

	final := waitDone(t, h)
	if final.Status != run.StatusCompleted || len(final.Steps) != 1 {
		t.Fatalf("final = %s with %d steps", final.Status, len(final.Steps))
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.protocolErrors != 3 {
		t.Errorf("protocol errors = %d, want 3", metrics.protocolErrors)
	}
	if metrics.started != 1 || metrics.finished != 1 {
		t.Errorf("started = %d, finished = %d", metrics.started, metrics.finished)
	}
	if metrics.applied != 2 {
		t.Errorf("applied = %d, want 2", metrics.applied)
	}
}

func TestRegistry_DefectiveTerminalStillFinishes(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn))
	startRegistry(t, reg)

	h, _ := reg.Start(context.Background(), agentRequest("1"))
	conn.openFrame(t)
	conn.frame(`{"event_type":"complete","run_id":1}`)

	if final := waitDone(t, h); final.Status != run.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestRegistry_LateAndWildcardSubscribers(t *testing.T) {
	a, b := newFakeConn(), newFakeConn()
	reg := NewRegistry(newFakeDialer(a, b))
	startRegistry(t, reg)

	all := newRecorder()
	unsubAll, err := reg.Subscribe(context.Background(), "", all.observe)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubAll()

	ha, _ := reg.Start(context.Background(), agentRequest("a"))
	a.openFrame(t)
	a.frame(`{"event_type":"complete","run_id":1,"output":"A"}`)
	waitDone(t, ha)

	_, _ = reg.Start(context.Background(), run.StartRequest{SubjectID: "b", SubjectKind: run.SubjectWorkflow, Input: "go"})
	b.openFrame(t)

	all.waitFor(t, func(r *run.Run) bool { return r.SubjectID == "a" && r.Status == run.StatusCompleted })
	all.waitFor(t, func(r *run.Run) bool { return r.SubjectID == "b" && r.Status == run.StatusRunning })

	late := newRecorder()
	unsubLate, err := reg.Subscribe(context.Background(), "a", late.observe)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubLate()
	if got := late.waitFor(t, func(*run.Run) bool { return true }); got.Output != "A" {
		t.Errorf("late subscriber got %+v", got)
	}

	lateAll := newRecorder()
	unsubLateAll, _ := reg.Subscribe(context.Background(), "", lateAll.observe)
	defer unsubLateAll()
	first := lateAll.waitFor(t, func(*run.Run) bool { return true })
	second := lateAll.waitFor(t, func(*run.Run) bool { return true })
	if first.SubjectID != "a" || second.SubjectID != "b" {
		t.Errorf("wildcard snapshot order = %s, %s", first.SubjectID, second.SubjectID)
	}
}

func TestRegistry_UnsubscribeStopsDelivery(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn))
	startRegistry(t, reg)

	rec := newRecorder()
	unsubscribe, _ := reg.Subscribe(context.Background(), "1", rec.observe)
	unsubscribe()
	unsubscribe()

	h, _ := reg.Start(context.Background(), agentRequest("1"))
	conn.openFrame(t)
	conn.frame(`{"event_type":"complete","run_id":1,"output":"x"}`)
	waitDone(t, h)

	// Any op after the unsubscribe has been processed by the loop.
	_, _ = reg.CurrentState(context.Background(), "1")
	select {
	case r := <-rec.ch:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", r)
	default:
	}
}

func TestRegistry_ObserverMayReenter(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	reg := NewRegistry(newFakeDialer(first, second))
	startRegistry(t, reg)

	restarted := make(chan *Handle, 1)
	var once sync.Once
	unsubscribe, _ := reg.Subscribe(context.Background(), "loop", func(r *run.Run) {
		if r.Status != run.StatusCompleted {
			return
		}
		once.Do(func() {
			h, err := reg.Start(context.Background(), agentRequest("loop"))
			if err != nil {
				t.Errorf("restart from observer: %v", err)
				close(restarted)
				return
			}
			restarted <- h
		})
	})
	defer unsubscribe()

	h, _ := reg.Start(context.Background(), agentRequest("loop"))
	first.openFrame(t)
	first.frame(`{"event_type":"complete","run_id":1,"output":"again"}`)
	waitDone(t, h)

	select {
	case h2 := <-restarted:
		if h2 == nil {
			t.Fatal("restart failed")
		}
		second.openFrame(t)
	case <-time.After(waitTimeout):
		t.Fatal("observer never restarted the run")
	}
}

func TestRegistry_ArchivesTerminalRuns(t *testing.T) {
	conn := newFakeConn()
	archive := newFakeArchive()
	reg := NewRegistry(newFakeDialer(conn), WithArchive(archive))
	startRegistry(t, reg)

	h, _ := reg.Start(context.Background(), agentRequest("1"))
	conn.openFrame(t)
	conn.frame(`{"event_type":"error","run_id":11,"error":"model exploded","code":"E42"}`)

	final := waitDone(t, h)
	if final.Status != run.StatusFailed || final.ErrorKind != run.ErrorKindServer {
		t.Fatalf("final = %s/%s", final.Status, final.ErrorKind)
	}
	if final.Error != "model exploded" {
		t.Errorf("error = %q", final.Error)
	}

	select {
	case saved := <-archive.saved:
		if saved.ID != 11 || saved.Status != run.StatusFailed {
			t.Errorf("archived %+v", saved)
		}
	case <-time.After(waitTimeout):
		t.Fatal("terminal run was not archived")
	}
}

func TestRegistry_ShutdownCancelsActiveRuns(t *testing.T) {
	conn := newFakeConn()
	reg := NewRegistry(newFakeDialer(conn))
	stop := startRegistry(t, reg)

	h, _ := reg.Start(context.Background(), agentRequest("1"))
	conn.openFrame(t)

	stop()
	final := waitDone(t, h)
	if final.Status != run.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}

	// Run returns after close; subsequent calls fail fast.
	deadline := time.After(waitTimeout)
	for {
		_, err := reg.Start(context.Background(), agentRequest("2"))
		if errors.Is(err, ErrRegistryStopped) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected ErrRegistryStopped, got %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConnectionLostReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "connection closed before the run finished"},
		{"clean close", errTransportClosed, "connection closed before the run finished"},
		{"clean close with reason", errTransportClosedWith("going away"), "connection closed before the run finished: going away"},
		{"transport error", errors.New("read tcp: reset"), "read tcp: reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := connectionLostReason(tt.err); got != tt.want {
				t.Errorf("connectionLostReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

// countingMetrics is a RunMetrics fake.
type countingMetrics struct {
	mu             sync.Mutex
	started        int
	rejected       int
	applied        int
	protocolErrors int
	finished       int
}

func (m *countingMetrics) RunStarted(context.Context, run.SubjectKind) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *countingMetrics) StartRejected(context.Context, run.SubjectKind) {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func (m *countingMetrics) EnvelopeApplied(context.Context, run.SubjectKind, string) {
	m.mu.Lock()
	m.applied++
	m.mu.Unlock()
}

func (m *countingMetrics) ProtocolError(context.Context, run.SubjectKind) {
	m.mu.Lock()
	m.protocolErrors++
	m.mu.Unlock()
}

func (m *countingMetrics) RunFinished(context.Context, *run.Run) {
	m.mu.Lock()
	m.finished++
	m.mu.Unlock()
}

func TestRegistry_TokenSourceReadPerRun(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	var mu sync.Mutex
	token := "old"
	reg := NewRegistry(newFakeDialer(first, second), WithTokenSource(func() string {
		mu.Lock()
		defer mu.Unlock()
		return token
	}))
	startRegistry(t, reg)

	req := run.StartRequest{SubjectID: "5", SubjectKind: run.SubjectAgent, Input: "x"}
	h, err := reg.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := first.openFrame(t).AuthToken; got != "old" {
		t.Errorf("first token = %q, want old", got)
	}
	first.frame(`{"event_type":"complete","output":"ok"}`)
	waitDone(t, h)

	mu.Lock()
	token = "rotated"
	mu.Unlock()

	if _, err := reg.Start(context.Background(), req); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := second.openFrame(t).AuthToken; got != "rotated" {
		t.Errorf("second token = %q, want rotated", got)
	}
}

func TestRegistry_MaxConcurrentDials(t *testing.T) {
	d := newFakeDialer(newFakeConn(), newFakeConn())
	d.gate = make(chan struct{})
	reg := NewRegistry(d, WithMaxConcurrentDials(1))
	startRegistry(t, reg)

	h1, err := reg.Start(context.Background(), agentRequest("1"))
	if err != nil {
		t.Fatalf("Start 1: %v", err)
	}
	<-d.calls
	h2, err := reg.Start(context.Background(), agentRequest("2"))
	if err != nil {
		t.Fatalf("Start 2: %v", err)
	}

	select {
	case <-d.calls:
		t.Fatal("second dial started while the first held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	// Cancelling a session that waits for a slot ends it without dialing.
	h2.Cancel()
	if final := waitDone(t, h2); final.Status != run.StatusCancelled {
		t.Fatalf("waiting run status = %s, want cancelled", final.Status)
	}

	close(d.gate)
	h1.Cancel()
	waitDone(t, h1)
	if got := d.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}
