// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/runstream/internal/logger"
	"github.com/Strob0t/runstream/internal/port/messagequeue"
)

const (
	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"
	maxRetries       = 3
	dlqSuffix        = ".dlq"
	streamMaxAge     = 24 * time.Hour
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// Connect establishes a connection to NATS and ensures a JetStream stream
// capturing every subject under prefix exists.
func Connect(ctx context.Context, url, prefix string) (*Queue, error) {
	if prefix == "" {
		return nil, errors.New("nats connect: subject prefix is required")
	}
	nc, err := nats.Connect(url, nats.Name("runstream"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	stream := streamName(prefix)
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream}, nil
}

// streamName derives a valid stream name from the subject prefix.
func streamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(prefix))
}

// Publish sends a message to the given subject. The request ID carried by
// ctx travels in a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. Only
// messages published after the call are delivered. Payloads failing
// validation go straight to the dead letter subject; handler failures are
// retried up to maxRetries times before they do.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	hdrs := msg.Headers()
	ctx := context.Background()
	if reqID := hdrs.Get(headerRequestID); reqID != "" {
		ctx = logger.WithRequestID(ctx, reqID)
	}
	subject := msg.Subject()

	// Wildcard consumers also match dead letters; those are only for operators.
	if isDeadLetter(subject) {
		if err := msg.Ack(); err != nil {
			slog.ErrorContext(ctx, "nats ack failed", "error", err)
		}
		return
	}

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		slog.WarnContext(ctx, "invalid message", "subject", subject, "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	if err := handler(ctx, subject, msg.Data()); err != nil {
		if retryCount(hdrs) >= maxRetries {
			slog.ErrorContext(ctx, "message handler failed, retries exhausted", "subject", subject, "error", err)
			q.moveToDLQ(ctx, msg)
			return
		}
		slog.ErrorContext(ctx, "message handler failed", "subject", subject, "error", err)
		q.republish(ctx, msg)
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", ackErr)
	}
}

// republish queues the message again with an incremented retry count and
// acks the original.
func (q *Queue) republish(ctx context.Context, msg jetstream.Msg) {
	retry := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: copyHeader(msg.Headers())}
	retry.Header.Set(headerRetryCount, strconv.Itoa(retryCount(msg.Headers())+1))
	if _, err := q.js.PublishMsg(ctx, retry); err != nil {
		slog.ErrorContext(ctx, "nats retry publish failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", err)
	}
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dead := &nats.Msg{Subject: msg.Subject() + dlqSuffix, Data: msg.Data(), Header: copyHeader(msg.Headers())}
	if _, err := q.js.PublishMsg(ctx, dead); err != nil {
		slog.ErrorContext(ctx, "nats dlq publish failed", "subject", dead.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", err)
	}
}

func isDeadLetter(subject string) bool {
	return strings.HasSuffix(subject, dlqSuffix)
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func copyHeader(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// KeyValue returns the named KV bucket, creating it with the given TTL if
// needed.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// Drain drains subscriptions and then closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}
