package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"originguard/internal/store"
)

// Default Reaper settings.
const (
	DefaultReaperInterval = time.Minute
	DefaultIdleHorizon    = 24 * time.Hour
)

// SweepResult reports what one Reaper cycle removed.
type SweepResult struct {
	ExpiredBlocks []string
	IdleLedgers   []string
}

// Reaper periodically clears expired blocks and idle ledgers. It uses the
// stores' own per-origin locking, so a sweep never removes a block that a
// concurrent request has just re-armed.
type Reaper struct {
	ledger      store.LedgerStore
	blocks      store.BlockStore
	interval    time.Duration
	idleHorizon time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ReaperOption customises a Reaper.
type ReaperOption func(*Reaper)

// WithReaperClock replaces the wall clock.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// WithReaperLogger sets the logger.
func WithReaperLogger(l *slog.Logger) ReaperOption {
	return func(r *Reaper) { r.logger = l }
}

// NewReaper creates a stopped Reaper. Non-positive interval or horizon fall
// back to the defaults.
func NewReaper(ledger store.LedgerStore, blocks store.BlockStore, interval, idleHorizon time.Duration, opts ...ReaperOption) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if idleHorizon <= 0 {
		idleHorizon = DefaultIdleHorizon
	}
	r := &Reaper{
		ledger:      ledger,
		blocks:      blocks,
		interval:    interval,
		idleHorizon: idleHorizon,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sweep loop. Calling Start on a running Reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Sweep runs one cycle at the given instant. Blocks with ExpiresAtMs <= now
// are cleared; ledgers last seen before now-idleHorizon are deleted, together
// with any suspicion marker of an origin that holds no block.
func (r *Reaper) Sweep(now time.Time) SweepResult {
	nowMs := now.UnixMilli()
	res := SweepResult{
		ExpiredBlocks: r.blocks.SweepExpired(nowMs),
		IdleLedgers:   r.ledger.SweepIdle(nowMs - r.idleHorizon.Milliseconds()),
	}
	for _, origin := range res.IdleLedgers {
		// A request may have recreated the ledger since it was swept.
		if _, active := r.ledger.Get(origin); active {
			continue
		}
		r.blocks.ForgetSuspicion(origin)
	}

	blocked, _ := r.blocks.Counts()
	r.logger.Debug("Reaper cycle finished",
		"expired_blocks", len(res.ExpiredBlocks),
		"idle_ledgers", len(res.IdleLedgers),
		"blocked_origins", blocked,
		"tracked_origins", r.ledger.Len(),
	)
	return res
}
