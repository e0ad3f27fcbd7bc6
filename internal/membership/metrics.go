// internal/membership/metrics.go
package membership

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	verifications metric.Int64Counter
	denials       metric.Int64Counter
	activations   metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("memberportal/membership")

	verifications, err := meter.Int64Counter("membership.verifications",
		metric.WithDescription("Public verification requests by channel and verdict"))
	if err != nil {
		return nil, fmt.Errorf("create verifications counter: %w", err)
	}
	denials, err := meter.Int64Counter("membership.policy.denials",
		metric.WithDescription("Policy denials by operation and reason"))
	if err != nil {
		return nil, fmt.Errorf("create denials counter: %w", err)
	}
	activations, err := meter.Int64Counter("membership.activations",
		metric.WithDescription("Activations and renewals by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create activations counter: %w", err)
	}
	return &metrics{verifications: verifications, denials: denials, activations: activations}, nil
}

func (m *metrics) verified(ctx context.Context, channel string, valid bool) {
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Bool("valid", valid),
	))
}

func (m *metrics) denied(ctx context.Context, op string, reason DenyReason) {
	m.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", string(reason)),
	))
}

func (m *metrics) activated(ctx context.Context, outcome string) {
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
