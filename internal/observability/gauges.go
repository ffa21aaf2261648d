package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"originguard/internal/guard"
)

// StatusSource reports the guard's current counts.
type StatusSource interface {
	Status() guard.StatusSnapshot
}

// RegisterStateGauges exports tracked, blocked and suspicious origin counts
// as observable gauges read from src at collection time. The returned
// registration should be unregistered on shutdown.
func RegisterStateGauges(src StatusSource) (metric.Registration, error) {
	meter := otel.Meter(instrumentationName)

	tracked, err := meter.Int64ObservableGauge("guard.origins.tracked",
		metric.WithDescription("Origins with a request ledger"),
		metric.WithUnit("{origin}"),
	)
	if err != nil {
		return nil, err
	}
	blocked, err := meter.Int64ObservableGauge("guard.origins.blocked",
		metric.WithDescription("Origins with a block entry"),
		metric.WithUnit("{origin}"),
	)
	if err != nil {
		return nil, err
	}
	suspicious, err := meter.Int64ObservableGauge("guard.origins.suspicious",
		metric.WithDescription("Origins carrying a suspicion marker"),
		metric.WithUnit("{origin}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := src.Status()
		o.ObserveInt64(tracked, int64(st.TrackedOrigins))
		o.ObserveInt64(blocked, int64(st.BlockedCount))
		o.ObserveInt64(suspicious, int64(st.SuspiciousCount))
		return nil
	}, tracked, blocked, suspicious)
}
