// Package ws implements the WebSocket adapters: the client dialer for run
// streams and the hub that serves live run state to control-API clients.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Strob0t/runstream/internal/config"
	"github.com/Strob0t/runstream/internal/domain/run"
	"github.com/Strob0t/runstream/internal/port/transport"
)

// Dialer opens run streams with coder/websocket. It implements transport.Dialer.
type Dialer struct {
	baseURL     string
	dialTimeout time.Duration
	readLimit   int64
	httpClient  *http.Client
}

// NewDialer creates a Dialer from the stream configuration. httpClient may be
// nil to use the default client.
func NewDialer(cfg config.Stream, httpClient *http.Client) *Dialer {
	return &Dialer{
		baseURL:     cfg.BaseURL,
		dialTimeout: cfg.DialTimeout,
		readLimit:   cfg.ReadLimit,
		httpClient:  httpClient,
	}
}

// Endpoint returns the stream URL for a subject: {base}/ws/{kind}s/{id}/run.
func Endpoint(base string, kind run.SubjectKind, subjectID string) string {
	return fmt.Sprintf("%s/ws/%ss/%s/run", strings.TrimRight(base, "/"), kind, url.PathEscape(subjectID))
}

// Dial opens the connection. ctx bounds the handshake only.
func (d *Dialer) Dial(ctx context.Context, kind run.SubjectKind, subjectID string) (transport.Conn, error) {
	endpoint := Endpoint(d.baseURL, kind, subjectID)

	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}

	c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if d.readLimit > 0 {
		c.SetReadLimit(d.readLimit)
	}
	return &clientConn{ws: c}, nil
}

// clientConn adapts *websocket.Conn to transport.Conn.
type clientConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *clientConn) Send(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.ws, v)
}

func (c *clientConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
			if ce.Reason == "" {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("%w: %s", transport.ErrClosed, ce.Reason)
		}
		return nil, err
	}
	return data, nil
}

func (c *clientConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return c.closeErr
}
