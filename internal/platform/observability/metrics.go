package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricNamespace = "github.com/tradedesk/offers-api/internal/platform/observability"

// EngineMetrics publishes offer engine counters through the global OpenTelemetry meter provider.
type EngineMetrics struct {
	transitions metric.Int64Counter
	pruned      metric.Int64Counter
	prunes      metric.Int64Counter
	tierFetches metric.Int64Counter
}

// NewEngineMetrics registers the engine instruments.
func NewEngineMetrics() (*EngineMetrics, error) {
	return newEngineMetrics(otel.GetMeterProvider())
}

func newEngineMetrics(provider metric.MeterProvider) (*EngineMetrics, error) {
	meter := provider.Meter(metricNamespace)

	transitions, err := meter.Int64Counter("offers.transitions",
		metric.WithDescription("Offer lifecycle transitions by kind and outcome"))
	if err != nil {
		return nil, err
	}
	pruned, err := meter.Int64Counter("cart.pruned_items",
		metric.WithDescription("Cart lines removed because their offer became unusable"))
	if err != nil {
		return nil, err
	}
	prunes, err := meter.Int64Counter("cart.prunes",
		metric.WithDescription("Cart reconciliation passes that removed at least one line"))
	if err != nil {
		return nil, err
	}
	tierFetches, err := meter.Int64Counter("pricing.fetches",
		metric.WithDescription("Price schedule lookups by source"))
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		transitions: transitions,
		pruned:      pruned,
		prunes:      prunes,
		tierFetches: tierFetches,
	}, nil
}

func (m *EngineMetrics) RecordTransition(ctx context.Context, transition string, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", transition),
		attribute.String("outcome", outcome),
	))
}

func (m *EngineMetrics) RecordCartPruned(ctx context.Context, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.pruned.Add(ctx, int64(removed))
	m.prunes.Add(ctx, 1)
}

func (m *EngineMetrics) RecordTierFetch(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.tierFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
