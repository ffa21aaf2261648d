package policy

import (
	"context"
	"strings"
)

// Patterns configures the native PatternEvaluator.
type Patterns struct {
	MaxURLLength         int
	MaxHeaderBytes       int
	SuspiciousUserAgents []string
	AllowedMethods       []string
}

// PatternEvaluator flags requests that match well-known abuse patterns.
//
// An origin whose retained window holds more events than the per-minute
// threshold is blocked. Oversized URLs or headers, an empty or tool-like
// user agent and methods outside the allow list mark it suspicious.
type PatternEvaluator struct {
	patterns Patterns
	agents   []string
	methods  map[string]struct{}
}

var _ Evaluator = (*PatternEvaluator)(nil)

// NewPatternEvaluator creates an evaluator for p.
func NewPatternEvaluator(p Patterns) *PatternEvaluator {
	e := &PatternEvaluator{patterns: p}
	for _, a := range p.SuspiciousUserAgents {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			e.agents = append(e.agents, a)
		}
	}
	if len(p.AllowedMethods) > 0 {
		e.methods = make(map[string]struct{}, len(p.AllowedMethods))
		for _, m := range p.AllowedMethods {
			e.methods[strings.ToUpper(m)] = struct{}{}
		}
	}
	return e
}

// Evaluate implements Evaluator.
func (e *PatternEvaluator) Evaluate(ctx context.Context, snap FeatureSnapshot) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if snap.SuspiciousThreshold > 0 && snap.EventsInWindow > snap.SuspiciousThreshold {
		return VerdictBlock, nil
	}

	if e.patterns.MaxURLLength > 0 && snap.URLLength > e.patterns.MaxURLLength {
		return VerdictSuspicious, nil
	}
	if e.patterns.MaxHeaderBytes > 0 && snap.HeaderBytes > e.patterns.MaxHeaderBytes {
		return VerdictSuspicious, nil
	}
	if e.methods != nil {
		if _, ok := e.methods[strings.ToUpper(snap.Method)]; !ok {
			return VerdictSuspicious, nil
		}
	}

	ua := strings.ToLower(snap.UserAgent)
	if strings.TrimSpace(ua) == "" {
		return VerdictSuspicious, nil
	}
	for _, a := range e.agents {
		if strings.Contains(ua, a) {
			return VerdictSuspicious, nil
		}
	}

	return VerdictAllow, nil
}
