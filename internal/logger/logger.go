// Package logger provides structured logging setup for runstream.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/runstream/internal/config"
)

const (
	asyncBufferSize = 4096
	asyncWorkers    = 2
)

// redactedKeys are attribute keys whose values never reach the log output.
var redactedKeys = map[string]bool{
	"auth_token":    true,
	"authorization": true,
}

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// The returned Closer flushes the async handler when cfg.Async is set.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(cfg config.Logging, w io.Writer) (*slog.Logger, Closer) {
	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(h, asyncBufferSize, asyncWorkers)
		h, closer = ah, ah
	}

	// Context attributes are resolved before the async hop loses the context.
	h = &contextHandler{inner: h}

	return slog.New(h).With("service", cfg.Service), closer
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
