package stats

import (
	"container/list"
	"context"
	"maps"
	"sync"
)

// DefaultMaxOrigins caps per-origin counters when tracking is enabled.
const DefaultMaxOrigins = 10000

// MemoryRecorder keeps counters in process. Totals never expire; per-origin
// counters are capped and the least recently seen origin is evicted first.
type MemoryRecorder struct {
	mu           sync.Mutex
	totals       Totals
	byOrigin     map[string]*list.Element
	recent       *list.List // of *originTotals, most recent first
	trackOrigins bool
	maxOrigins   int
}

type originTotals struct {
	origin string
	totals Totals
}

var _ Recorder = (*MemoryRecorder)(nil)

// MemoryOption configures a MemoryRecorder.
type MemoryOption func(*MemoryRecorder)

// WithMaxOrigins caps the number of tracked origins. Non-positive values keep
// DefaultMaxOrigins.
func WithMaxOrigins(n int) MemoryOption {
	return func(m *MemoryRecorder) {
		if n > 0 {
			m.maxOrigins = n
		}
	}
}

// NewMemoryRecorder creates an empty recorder. With trackOrigins set, per
// origin counters are kept as well.
func NewMemoryRecorder(trackOrigins bool, opts ...MemoryOption) *MemoryRecorder {
	m := &MemoryRecorder{
		totals:       Totals{Reasons: make(map[string]int64)},
		byOrigin:     make(map[string]*list.Element),
		recent:       list.New(),
		trackOrigins: trackOrigins,
		maxOrigins:   DefaultMaxOrigins,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count(&m.totals, ev)
	if m.trackOrigins && ev.Origin != "" {
		count(&m.touch(ev.Origin).totals, ev)
	}
	return nil
}

// touch returns the counters of origin, creating them and evicting the least
// recently seen origin when the cap is reached.
func (m *MemoryRecorder) touch(origin string) *originTotals {
	if el, ok := m.byOrigin[origin]; ok {
		m.recent.MoveToFront(el)
		return el.Value.(*originTotals)
	}
	if m.recent.Len() >= m.maxOrigins {
		oldest := m.recent.Back()
		m.recent.Remove(oldest)
		delete(m.byOrigin, oldest.Value.(*originTotals).origin)
	}
	ot := &originTotals{origin: origin, totals: Totals{Reasons: make(map[string]int64)}}
	m.byOrigin[origin] = m.recent.PushFront(ot)
	return ot
}

func count(t *Totals, ev Event) {
	if ev.Allowed {
		t.Allowed++
		return
	}
	t.Denied++
	if ev.Reason != "" {
		t.Reasons[ev.Reason]++
	}
}

// Totals implements Recorder.
func (m *MemoryRecorder) Totals(context.Context) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTotals(m.totals), nil
}

// ByOrigin returns per-origin counters. It is empty unless origin tracking
// is enabled.
func (m *MemoryRecorder) ByOrigin() map[string]Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Totals, len(m.byOrigin))
	for origin, el := range m.byOrigin {
		out[origin] = copyTotals(el.Value.(*originTotals).totals)
	}
	return out
}

// Close implements Recorder.
func (m *MemoryRecorder) Close() error { return nil }

func copyTotals(t Totals) Totals {
	t.Reasons = maps.Clone(t.Reasons)
	return t
}
