package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "opserver"

// Metrics holds the session metric instruments.
type Metrics struct {
	SessionsStarted  metric.Int64Counter
	SessionsFinished metric.Int64Counter
	SessionsRejected metric.Int64Counter
	SessionsActive   metric.Int64UpDownCounter
	SessionDuration  metric.Float64Histogram
	VariableFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("opserver.sessions.started",
		metric.WithDescription("Number of sessions started"))
	if err != nil {
		return nil, err
	}

	m.SessionsFinished, err = meter.Int64Counter("opserver.sessions.finished",
		metric.WithDescription("Number of sessions finished, by status"))
	if err != nil {
		return nil, err
	}

	m.SessionsRejected, err = meter.Int64Counter("opserver.sessions.rejected",
		metric.WithDescription("Run requests rejected, by reason"))
	if err != nil {
		return nil, err
	}

	m.SessionsActive, err = meter.Int64UpDownCounter("opserver.sessions.active",
		metric.WithDescription("Sessions currently in the active registry"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("opserver.session.duration_seconds",
		metric.WithDescription("Session run time in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m.VariableFailures, err = meter.Int64Counter("opserver.variables.read_failures",
		metric.WithDescription("Output variables that could not be read back"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Started records a newly registered session.
func (m *Metrics) Started(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	m.SessionsStarted.Add(ctx, 1, attrs)
	m.SessionsActive.Add(ctx, 1, attrs)
}

// Finished records a finalized session.
func (m *Metrics) Finished(ctx context.Context, operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("operation", operation)))
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.SessionsFinished.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, d.Seconds(), attrs)
}

// Rejected records a run request turned away before registration.
func (m *Metrics) Rejected(ctx context.Context, operation, reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("reason", reason),
	))
}

// VariableReadFailed records an output variable that could not be read.
func (m *Metrics) VariableReadFailed(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.VariableFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
