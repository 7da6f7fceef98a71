package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/runstream/internal/domain/run"
)

// EventRunState is the message type for run state snapshots.
const EventRunState = "run.state"

const writeTimeout = 5 * time.Second

// Message is the envelope for all messages sent to control-API clients.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SnapshotFunc returns the current state of a subject, or nil.
type SnapshotFunc func(ctx context.Context, subjectID string) (*run.Run, error)

// conn wraps a single client connection.
type conn struct {
	ws      *websocket.Conn
	cancel  context.CancelFunc
	subject string // empty receives every subject

	mu   sync.Mutex        // serializes writes
	last map[string]uint64 // latest revision written, by subject
}

func newConn(ws *websocket.Conn, cancel context.CancelFunc, subject string) *conn {
	return &conn{ws: ws, cancel: cancel, subject: subject, last: make(map[string]uint64)}
}

// stale reports whether r is older than a state already written for its
// subject. Unrevisioned states are never stale. Callers hold c.mu.
func (c *conn) stale(r *run.Run) bool {
	return r.Revision != 0 && r.Revision <= c.last[r.SubjectID]
}

// Hub streams run state snapshots to connected WebSocket clients.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*conn]struct{}
	snapshot SnapshotFunc
}

// NewHub creates a new WebSocket hub. snapshot may be nil; when set, clients
// that subscribe to one subject get its current state on connect.
func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		conns:    make(map[*conn]struct{}),
		snapshot: snapshot,
	}
}

// HandleWS upgrades the request and streams run states until the client
// disconnects. The optional ?subject= query parameter filters by subject id.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := newConn(ws, cancel, r.URL.Query().Get("subject"))

	// Registered before the snapshot is read so no later state is missed.
	// Writes that lose the race to a newer revision are dropped in send.
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "subject_id", c.subject)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	if c.subject != "" && h.snapshot != nil {
		if state, err := h.snapshot(ctx, c.subject); err != nil {
			slog.Warn("websocket snapshot failed", "subject_id", c.subject, "error", err)
		} else if state != nil {
			h.send(ctx, c, state)
		}
	}

	// Read loop to detect disconnects and consume pings.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

// BroadcastRun sends a state snapshot to every client interested in its subject.
func (h *Hub) BroadcastRun(ctx context.Context, r *run.Run) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.subject == "" || c.subject == r.SubjectID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(ctx, c, r)
	}
}

func (h *Hub) send(ctx context.Context, c *conn, r *run.Run) {
	data, err := encodeRunState(r)
	if err != nil {
		slog.Error("websocket marshal failed", "subject_id", r.SubjectID, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale(r) {
		slog.Debug("websocket stale state dropped", "subject_id", r.SubjectID, "revision", r.Revision)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Debug("websocket write failed", "error", err)
		h.remove(c)
		return
	}
	if r.Revision != 0 {
		c.last[r.SubjectID] = r.Revision
	}
}

func encodeRunState(r *run.Run) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: EventRunState, Payload: payload})
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every client. Hijacked connections are not closed by
// http.Server.Shutdown, so the daemon calls this on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.cancel()
		delete(h.conns, c)
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected", "subject_id", c.subject)
	}
}
