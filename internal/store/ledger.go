package store

import (
	"sync"
	"time"
)

// DefaultRetentionMinutes is the trailing window kept in each ledger.
const DefaultRetentionMinutes = 5

const minuteMs = int64(time.Minute / time.Millisecond)

// Event is a single recorded request. It is never mutated once recorded.
type Event struct {
	ArrivalMs    int64
	MinuteBucket int64
	URL          string
	Method       string
	UserAgent    string
}

// NewEvent builds an event for a request that arrived at the given time.
func NewEvent(arrival time.Time, url, method, userAgent string) Event {
	ms := arrival.UnixMilli()
	return Event{
		ArrivalMs:    ms,
		MinuteBucket: MinuteBucket(ms),
		URL:          url,
		Method:       method,
		UserAgent:    userAgent,
	}
}

// MinuteBucket returns floor(ms / 60000).
func MinuteBucket(ms int64) int64 {
	b := ms / minuteMs
	if ms < 0 && ms%minuteMs != 0 {
		b--
	}
	return b
}

// LedgerSnapshot is a read-only view of one origin's ledger.
type LedgerSnapshot struct {
	Origin     string
	Events     []Event
	Total      int64
	LastSeenMs int64

	// ClockRegressed is set when the recorded event arrived before the
	// previous one and its arrival time was clamped forward.
	ClockRegressed bool
}

// RequestsInMinute counts the snapshot's events that fall in minute.
func (s LedgerSnapshot) RequestsInMinute(minute int64) int {
	return RequestsInMinute(s, minute)
}

// RequestsInMinute counts the events of snapshot whose bucket equals minute.
func RequestsInMinute(snapshot LedgerSnapshot, minute int64) int {
	n := 0
	for i := len(snapshot.Events) - 1; i >= 0; i-- {
		b := snapshot.Events[i].MinuteBucket
		if b == minute {
			n++
		} else if b < minute {
			// events are kept in arrival order
			break
		}
	}
	return n
}

type ledgerEntry struct {
	events     []Event
	total      int64
	lastSeenMs int64
}

type ledgerShard struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
}

// MemoryLedger is the in-process LedgerStore.
type MemoryLedger struct {
	retention int64
	shards    [shardCount]ledgerShard
}

var _ LedgerStore = (*MemoryLedger)(nil)

// NewMemoryLedger creates a ledger that keeps events whose minute bucket is
// within retentionMinutes of the newest event. Values <= 0 use the default.
func NewMemoryLedger(retentionMinutes int) *MemoryLedger {
	if retentionMinutes <= 0 {
		retentionMinutes = DefaultRetentionMinutes
	}
	l := &MemoryLedger{retention: int64(retentionMinutes)}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*ledgerEntry)
	}
	return l
}

// RetentionMinutes returns the configured window size.
func (l *MemoryLedger) RetentionMinutes() int { return int(l.retention) }

// RecordEvent implements LedgerStore.
//
// Arrival times never move backwards inside one ledger: an event older than
// the last one seen is clamped to the last arrival so the window bound holds.
func (l *MemoryLedger) RecordEvent(origin string, ev Event) LedgerSnapshot {
	sh := &l.shards[shardFor(origin)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[origin]
	if !ok {
		e = &ledgerEntry{}
		sh.entries[origin] = e
	}

	regressed := false
	if ev.ArrivalMs < e.lastSeenMs {
		regressed = true
		ev.ArrivalMs = e.lastSeenMs
		ev.MinuteBucket = MinuteBucket(ev.ArrivalMs)
	}

	cutoff := ev.MinuteBucket - l.retention
	i := 0
	for i < len(e.events) && e.events[i].MinuteBucket < cutoff {
		i++
	}
	// Reslicing never touches elements shared with earlier snapshots.
	e.events = append(e.events[i:], ev)
	e.total++
	e.lastSeenMs = ev.ArrivalMs

	snap := e.snapshot(origin)
	snap.ClockRegressed = regressed
	return snap
}

// Get implements LedgerStore.
func (l *MemoryLedger) Get(origin string) (LedgerSnapshot, bool) {
	sh := &l.shards[shardFor(origin)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[origin]
	if !ok {
		return LedgerSnapshot{}, false
	}
	return e.snapshot(origin), true
}

// SweepIdle implements LedgerStore.
func (l *MemoryLedger) SweepIdle(cutoffMs int64) []string {
	var removed []string
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for origin, e := range sh.entries {
			if e.lastSeenMs < cutoffMs {
				delete(sh.entries, origin)
				removed = append(removed, origin)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len implements LedgerStore.
func (l *MemoryLedger) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (e *ledgerEntry) snapshot(origin string) LedgerSnapshot {
	n := len(e.events)
	return LedgerSnapshot{
		Origin:     origin,
		Events:     e.events[:n:n],
		Total:      e.total,
		LastSeenMs: e.lastSeenMs,
	}
}
