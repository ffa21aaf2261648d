// Package store holds the process-wide per-origin state of the guard: the
// request ledger that backs the flood window and the time-bounded blocklist.
//
// Both stores are sharded maps. Every read-modify-write for one origin happens
// under that origin's shard lock, so operations on different origins proceed
// in parallel while conflicting operations on the same origin are linearized.
package store

// LedgerStore records request events per origin and exposes the rolling window.
// Implementations must be safe for concurrent use.
type LedgerStore interface {
	// RecordEvent appends ev to the origin's ledger, evicts events that fell
	// out of the retention window, bumps the lifetime total and returns an
	// immutable snapshot of the result.
	RecordEvent(origin string, ev Event) LedgerSnapshot

	// Get returns the current snapshot for origin, if one exists.
	Get(origin string) (LedgerSnapshot, bool)

	// SweepIdle deletes every ledger whose last event is older than cutoffMs
	// and returns the removed origins.
	SweepIdle(cutoffMs int64) []string

	// Len returns the number of tracked origins.
	Len() int
}

// BlockStore keeps time-bounded block entries and suspicion markers per origin.
// Implementations must be safe for concurrent use.
type BlockStore interface {
	// IsBlocked reports whether origin holds a block entry that has not
	// expired at nowMs.
	IsBlocked(origin string, nowMs int64) BlockStatus

	// Block creates or overwrites the origin's block entry. The last writer
	// wins; durations never stack.
	Block(origin string, nowMs, durationMs int64, reason string) BlockResult

	// Clear removes the block entry and the suspicion marker.
	Clear(origin string)

	// ClearIfExpired clears the origin only if its entry has expired at nowMs.
	ClearIfExpired(origin string, nowMs int64) bool

	// MarkSuspicious sets the suspicion marker for origin.
	MarkSuspicious(origin string)

	// IsSuspicious reports whether the suspicion marker is set.
	IsSuspicious(origin string) bool

	// ForgetSuspicion drops the marker of an origin that holds no block entry.
	ForgetSuspicion(origin string) bool

	// SweepExpired clears every entry with ExpiresAtMs <= nowMs and returns
	// the cleared origins.
	SweepExpired(nowMs int64) []string

	// Blocked lists all current block entries ordered by BlockedAtMs, then origin.
	Blocked() []BlockedOrigin

	// Suspicious lists the origins carrying a suspicion marker, sorted.
	Suspicious() []string

	// Counts returns the number of block entries and suspicion markers.
	Counts() (blocked, suspicious int)
}
