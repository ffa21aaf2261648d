package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"originguard/internal/policy"
)

const instrumentationName = "originguard/guard"

// InstrumentedEvaluator wraps a policy.Evaluator with a trace span, a latency
// histogram and a failure counter per call.
type InstrumentedEvaluator struct {
	inner    policy.Evaluator
	tracer   trace.Tracer
	duration metric.Float64Histogram
	verdicts metric.Int64Counter
	failures metric.Int64Counter
}

var _ policy.Evaluator = (*InstrumentedEvaluator)(nil)

// NewInstrumentedEvaluator registers the policy instruments on the global
// MeterProvider.
func NewInstrumentedEvaluator(inner policy.Evaluator) (*InstrumentedEvaluator, error) {
	meter := otel.Meter(instrumentationName)

	duration, err := meter.Float64Histogram(
		"guard.policy.duration",
		metric.WithDescription("Duration of policy evaluations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	verdicts, err := meter.Int64Counter(
		"guard.policy.verdicts",
		metric.WithDescription("Number of policy verdicts by value"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"guard.policy.failures",
		metric.WithDescription("Number of failed policy evaluations by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedEvaluator{
		inner:    inner,
		tracer:   otel.Tracer(instrumentationName),
		duration: duration,
		verdicts: verdicts,
		failures: failures,
	}, nil
}

// Evaluate implements policy.Evaluator.
func (e *InstrumentedEvaluator) Evaluate(ctx context.Context, snap policy.FeatureSnapshot) (policy.Verdict, error) {
	ctx, span := e.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("guard.origin", snap.Origin),
			attribute.Int("guard.events_in_window", snap.EventsInWindow),
		),
	)
	defer span.End()

	start := time.Now()
	verdict, err := e.inner.Evaluate(ctx, snap)
	e.duration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		kind := FailureKind(err)
		e.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return verdict, err
	}

	e.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict.String())))
	span.SetAttributes(attribute.String("guard.verdict", verdict.String()))
	span.SetStatus(codes.Ok, "")
	return verdict, nil
}

// FailureKind classifies an evaluator error for metric attributes.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, policy.ErrEvaluatorTimeout):
		return "timeout"
	case errors.Is(err, policy.ErrMalformedVerdict):
		return "malformed"
	case errors.Is(err, policy.ErrEvaluatorUnavailable):
		return "unavailable"
	default:
		return "other"
	}
}
