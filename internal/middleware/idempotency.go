package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/runstream/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	idempotencyKeyPrefix = "idem."
	maxIdempotencyBody   = 1 << 20
	maxIdempotencyKeyLen = 255
)

// replayedHeaders are copied from the recorded response on replay.
var replayedHeaders = []string{"Content-Type", "Location"}

// recordedResponse is what the store keeps per key.
type recordedResponse struct {
	Fingerprint string              `json:"fingerprint"`
	Status      int                 `json:"status"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body"`
}

// Idempotency makes POSTs carrying an Idempotency-Key safe to retry. The
// first response under a key is kept in store for ttl and replayed to later
// requests with the same key and body. Reusing a key with a different body
// is a 422. Concurrent requests with one key run the handler once. 5xx
// responses are not kept, so the client may retry them.
func Idempotency(store cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	var inflight singleflight.Group
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeJSONError(w, http.StatusBadRequest, "idempotency key too long")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotencyBody))
			if err != nil {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])
			storeKey := idempotencyKeyPrefix + key

			if prev, ok := lookup(r, store, storeKey); ok {
				replay(w, prev, fingerprint)
				return
			}

			led := false
			v, _, _ := inflight.Do(storeKey, func() (any, error) {
				led = true
				rec := newBufferedResponse()
				req := r.Clone(r.Context())
				req.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(rec, req)

				resp := &recordedResponse{
					Fingerprint: fingerprint,
					Status:      rec.status,
					Header:      rec.keptHeader(),
					Body:        rec.body.Bytes(),
				}
				if resp.Status < http.StatusInternalServerError {
					save(r, store, storeKey, resp, ttl)
				}
				// The leader's own response needs every header the handler set.
				return &leaderResult{resp: resp, header: rec.header}, nil
			})
			res := v.(*leaderResult)

			if led {
				for k, vals := range res.header {
					w.Header()[k] = vals
				}
				w.WriteHeader(res.resp.Status)
				_, _ = w.Write(res.resp.Body)
				return
			}
			replay(w, res.resp, fingerprint)
		})
	}
}

type leaderResult struct {
	resp   *recordedResponse
	header http.Header
}

func lookup(r *http.Request, store cache.Cache, storeKey string) (*recordedResponse, bool) {
	data, found, err := store.Get(r.Context(), storeKey)
	if err != nil {
		slog.WarnContext(r.Context(), "idempotency lookup failed", "key", storeKey, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var resp recordedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.WarnContext(r.Context(), "idempotency entry unreadable, running request", "key", storeKey)
		return nil, false
	}
	return &resp, true
}

func save(r *http.Request, store cache.Cache, storeKey string, resp *recordedResponse, ttl time.Duration) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := store.Set(r.Context(), storeKey, data, ttl); err != nil {
		slog.WarnContext(r.Context(), "idempotency store write failed", "key", storeKey, "error", err)
	}
}

func replay(w http.ResponseWriter, resp *recordedResponse, fingerprint string) {
	if resp.Fingerprint != fingerprint {
		writeJSONError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request body")
		return
	}
	for k, vals := range resp.Header {
		w.Header()[k] = vals
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// bufferedResponse holds a handler's whole response until the middleware
// decides who receives it.
type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}

func (b *bufferedResponse) keptHeader() map[string][]string {
	kept := make(map[string][]string, len(replayedHeaders))
	for _, name := range replayedHeaders {
		if vals := b.header.Values(name); len(vals) > 0 {
			kept[name] = vals
		}
	}
	return kept
}
