// Package policy defines the heuristic verdict contract consumed by the guard
// and ships two evaluators: a native pattern matcher and a Lua script runner.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verdict is the three-valued outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow      Verdict = "ALLOW"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictBlock      Verdict = "BLOCK"
)

var (
	// ErrEvaluatorUnavailable is returned when no evaluator is configured or
	// the evaluator failed to run.
	ErrEvaluatorUnavailable = errors.New("policy evaluator unavailable")

	// ErrEvaluatorTimeout is returned when the evaluator did not answer in time.
	ErrEvaluatorTimeout = errors.New("policy evaluator timed out")

	// ErrMalformedVerdict is returned for answers outside ALLOW/SUSPICIOUS/BLOCK.
	ErrMalformedVerdict = errors.New("malformed policy verdict")
)

// Valid reports whether v is one of the three known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictSuspicious, VerdictBlock:
		return true
	}
	return false
}

func (v Verdict) String() string { return string(v) }

// ParseVerdict converts raw evaluator output into a Verdict. Matching is case
// insensitive and ignores surrounding whitespace.
func ParseVerdict(raw string) (Verdict, error) {
	v := Verdict(strings.ToUpper(strings.TrimSpace(raw)))
	if !v.Valid() {
		return "", fmt.Errorf("%w: %q", ErrMalformedVerdict, raw)
	}
	return v, nil
}

// FeatureSnapshot is the read-only input handed to an evaluator.
type FeatureSnapshot struct {
	Origin              string
	EventsInWindow      int
	TotalRequests       int64
	URL                 string
	Method              string
	UserAgent           string
	URLLength           int
	HeaderBytes         int
	SuspiciousThreshold int
}

// Evaluator produces a verdict for a feature snapshot. Implementations must
// not touch shared guard state and should honour ctx cancellation.
type Evaluator interface {
	Evaluate(ctx context.Context, snap FeatureSnapshot) (Verdict, error)
}

// EvaluatorFunc adapts a plain function to Evaluator.
type EvaluatorFunc func(ctx context.Context, snap FeatureSnapshot) (Verdict, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, snap FeatureSnapshot) (Verdict, error) {
	return f(ctx, snap)
}

// Static returns an evaluator that always answers v.
func Static(v Verdict) Evaluator {
	return EvaluatorFunc(func(context.Context, FeatureSnapshot) (Verdict, error) {
		return v, nil
	})
}

type boundedEvaluator struct {
	inner   Evaluator
	timeout time.Duration
}

type evalResult struct {
	verdict Verdict
	err     error
}

// WithTimeout bounds every call to inner by timeout. When the bound elapses
// the call returns ErrEvaluatorTimeout without waiting for inner to finish.
// A nil inner always yields ErrEvaluatorUnavailable.
func WithTimeout(inner Evaluator, timeout time.Duration) Evaluator {
	return &boundedEvaluator{inner: inner, timeout: timeout}
}

func (b *boundedEvaluator) Evaluate(ctx context.Context, snap FeatureSnapshot) (Verdict, error) {
	if b.inner == nil {
		return "", ErrEvaluatorUnavailable
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evalResult{err: fmt.Errorf("%w: panic: %v", ErrEvaluatorUnavailable, r)}
			}
		}()
		v, err := b.inner.Evaluate(ctx, snap)
		done <- evalResult{verdict: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		if !res.verdict.Valid() {
			return "", fmt.Errorf("%w: %q", ErrMalformedVerdict, string(res.verdict))
		}
		return res.verdict, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrEvaluatorTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrEvaluatorUnavailable, ctx.Err())
	}
}
