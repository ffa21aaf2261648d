// Package stats records guard decisions for reporting. Recording is best
// effort: a failing backend never affects the decision itself.
package stats

import (
	"context"
	"time"
)

// Event is one guard decision.
type Event struct {
	Origin  string
	Allowed bool

	// Reason is empty for admissions.
	Reason string

	Method string
	Path   string
	At     time.Time
}

// Totals aggregates recorded decisions.
type Totals struct {
	Allowed int64
	Denied  int64
	Reasons map[string]int64
}

// Recorder stores decision events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// Record stores ev.
	Record(ctx context.Context, ev Event) error

	// Totals returns the cumulative counters.
	Totals(ctx context.Context) (Totals, error)

	// Close releases backend resources.
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

func (Nop) Totals(context.Context) (Totals, error) { return Totals{}, nil }

func (Nop) Close() error { return nil }
