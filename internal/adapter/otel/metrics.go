package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/runstream/internal/domain/run"
)

const meterName = "runstream"

// Metrics holds all runstream metric instruments.
type Metrics struct {
	RunsStarted      metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	RunsCancelled    metric.Int64Counter
	EnvelopesApplied metric.Int64Counter
	ProtocolErrors   metric.Int64Counter
	AlreadyRunning   metric.Int64Counter
	RunDuration      metric.Float64Histogram
	BreakerChanges   metric.Int64Counter

	meter metric.Meter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith creates all metric instruments on mp.
func NewMetricsWith(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{meter: meter}
	var err error

	m.RunsStarted, err = meter.Int64Counter("runstream.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("runstream.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("runstream.runs.failed",
		metric.WithDescription("Number of runs failed, by error kind"))
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("runstream.runs.cancelled",
		metric.WithDescription("Number of runs cancelled"))
	if err != nil {
		return nil, err
	}

	m.EnvelopesApplied, err = meter.Int64Counter("runstream.envelopes.applied",
		metric.WithDescription("Number of envelopes applied to run state"))
	if err != nil {
		return nil, err
	}

	m.ProtocolErrors, err = meter.Int64Counter("runstream.envelopes.protocol_errors",
		metric.WithDescription("Number of envelopes violating the wire contract"))
	if err != nil {
		return nil, err
	}

	m.AlreadyRunning, err = meter.Int64Counter("runstream.runs.already_running",
		metric.WithDescription("Number of starts rejected because a run was active"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("runstream.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.BreakerChanges, err = meter.Int64Counter("runstream.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// BreakerStateChanged records one circuit breaker transition.
func (m *Metrics) BreakerStateChanged(breaker, from, to string) {
	m.BreakerChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// ObserveCacheHitRatio exports ratio as a gauge sampled on every collection.
func (m *Metrics) ObserveCacheHitRatio(cacheName string, ratio func() float64) error {
	attrs := metric.WithAttributes(attribute.String("cache", cacheName))
	_, err := m.meter.Float64ObservableGauge("runstream.cache.hit_ratio",
		metric.WithDescription("Cache hits over lookups since start"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(ratio(), attrs)
			return nil
		}))
	return err
}

func kindAttr(kind run.SubjectKind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("subject.kind", string(kind)))
}

// RunStarted records a started run.
func (m *Metrics) RunStarted(ctx context.Context, kind run.SubjectKind) {
	m.RunsStarted.Add(ctx, 1, kindAttr(kind))
}

// StartRejected records a start refused with ErrAlreadyRunning.
func (m *Metrics) StartRejected(ctx context.Context, kind run.SubjectKind) {
	m.AlreadyRunning.Add(ctx, 1, kindAttr(kind))
}

// EnvelopeApplied records an envelope folded into run state.
func (m *Metrics) EnvelopeApplied(ctx context.Context, kind run.SubjectKind, eventType string) {
	m.EnvelopesApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject.kind", string(kind)),
		attribute.String("event.type", eventType),
	))
}

// ProtocolError records a contract violation.
func (m *Metrics) ProtocolError(ctx context.Context, kind run.SubjectKind) {
	m.ProtocolErrors.Add(ctx, 1, kindAttr(kind))
}

// RunFinished records the terminal outcome and duration of r.
func (m *Metrics) RunFinished(ctx context.Context, r *run.Run) {
	attrs := kindAttr(r.SubjectKind)
	switch r.Status {
	case run.StatusCompleted:
		m.RunsCompleted.Add(ctx, 1, attrs)
	case run.StatusFailed:
		m.RunsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject.kind", string(r.SubjectKind)),
			attribute.String("error.kind", string(r.ErrorKind)),
		))
	case run.StatusCancelled:
		m.RunsCancelled.Add(ctx, 1, attrs)
	default:
		return
	}
	if d := r.Duration(); d > 0 {
		m.RunDuration.Record(ctx, d.Seconds(), attrs)
	}
}
