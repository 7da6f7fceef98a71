// Package middleware holds the control API's HTTP middleware.
package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Strob0t/runstream/internal/logger"
)

const (
	headerRequestID    = "X-Request-ID"
	maxRequestIDLength = 128
)

// RequestID adopts the caller's X-Request-ID or mints one, stores it in the
// request context and echoes it on the response. The registry copies it into
// the open frame of runs started by the request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if !acceptableRequestID(id) {
			id = newRequestID()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// acceptableRequestID rejects empty, oversized and non-printable ids, which
// would otherwise flow into log lines and the open frame.
func acceptableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// newRequestID returns a time-ordered id as 32 hex characters.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
