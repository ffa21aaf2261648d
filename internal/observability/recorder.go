package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"originguard/internal/guard"
	"originguard/internal/stats"
)

// InstrumentedRecorder counts decisions on the guard.decisions counter before
// handing them to the wrapped recorder.
type InstrumentedRecorder struct {
	inner     stats.Recorder
	decisions metric.Int64Counter
}

var _ stats.Recorder = (*InstrumentedRecorder)(nil)

// NewInstrumentedRecorder wraps inner.
func NewInstrumentedRecorder(inner stats.Recorder) (*InstrumentedRecorder, error) {
	decisions, err := otel.Meter(instrumentationName).Int64Counter(
		"guard.decisions",
		metric.WithDescription("Number of admission decisions by outcome and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	return &InstrumentedRecorder{inner: inner, decisions: decisions}, nil
}

// Record implements stats.Recorder.
func (r *InstrumentedRecorder) Record(ctx context.Context, ev stats.Event) error {
	outcome := guard.OutcomeAllow.String()
	if !ev.Allowed {
		outcome = guard.OutcomeReject.String()
	}
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", ev.Reason),
	))
	return r.inner.Record(ctx, ev)
}

// Totals implements stats.Recorder.
func (r *InstrumentedRecorder) Totals(ctx context.Context) (stats.Totals, error) {
	return r.inner.Totals(ctx)
}

// Close implements stats.Recorder.
func (r *InstrumentedRecorder) Close() error {
	return r.inner.Close()
}
