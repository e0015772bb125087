package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "session-security-engine/session"

type metrics struct {
	created     metric.Int64Counter
	anomalies   metric.Int64Counter
	resolutions metric.Int64Counter
	reauth      metric.Int64Counter
}

// newMetrics creates the session counters on meter. Instruments that fail to register fall back to no-ops.
func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	fallback := noop.NewMeterProvider().Meter(meterName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return &metrics{
		created:     counter("sessions.created", "Sessions created, by initial status."),
		anomalies:   counter("sessions.anomalies", "Anomalous logins detected, by anomaly type."),
		resolutions: counter("sessions.resolutions", "Concurrent session resolutions, by decision."),
		reauth:      counter("sessions.reauth", "Re-authentication attempts on blocked sessions, by outcome."),
	}
}

func (m *metrics) sessionCreated(ctx context.Context, status string) {
	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *metrics) anomalyDetected(ctx context.Context, anomalyType string) {
	m.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("type", anomalyType)))
}

func (m *metrics) resolved(ctx context.Context, decision string) {
	m.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *metrics) reauthenticated(ctx context.Context, outcome string) {
	m.reauth.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
