// Package guard implements the per-request admission decision and the
// background sweeper that expires stale guard state.
//
// The pipeline runs a fixed sequence for every request: whitelist, blocklist,
// ledger update, policy evaluation, flood threshold, admit. Each step may
// short-circuit to a rejection. No error raised inside the pipeline reaches
// the caller; every failure resolves to an admit or a reject.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"originguard/internal/policy"
	"originguard/internal/store"
)

// Block reasons recorded by the pipeline.
const (
	ReasonPolicy = "policy-triggered"
	ReasonFlood  = "request-flood"
)

// Client-facing rejection messages.
const (
	MessageBlocked       = "Your IP has been temporarily blocked due to suspicious activity"
	MessagePolicyBlocked = "Your IP has been blocked due to suspicious activity."
	MessageFlood         = "Too many requests. Your IP has been temporarily blocked."
)

// DefaultEvaluatorTimeout bounds policy calls when Config leaves the timeout unset.
const DefaultEvaluatorTimeout = 250 * time.Millisecond

// Outcome is the final disposition of a request.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeReject
)

func (o Outcome) String() string {
	if o == OutcomeReject {
		return "reject"
	}
	return "allow"
}

// Request carries the attributes of one inbound request the pipeline looks at.
type Request struct {
	Origin      string
	Method      string
	URL         string
	UserAgent   string
	HeaderBytes int

	// Arrival defaults to the pipeline clock when zero.
	Arrival time.Time
}

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome

	// Status is the HTTP status of a rejection: 403 for a ban, 429 for a flood.
	Status  int
	Reason  string
	Message string

	// ExpiresAt is set on rejections and holds the end of the block.
	ExpiresAt time.Time

	Whitelisted bool
	Suspicious  bool

	// Verdict is empty when the evaluator failed or was not consulted.
	Verdict      policy.Verdict
	EvaluatorErr error
}

// Allowed reports whether the request may proceed downstream.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Config holds the static settings of a Pipeline.
type Config struct {
	Whitelist           []string
	SuspiciousThreshold int
	BlockDuration       time.Duration

	// EvaluatorTimeout bounds each policy call. Non-positive values fall back
	// to DefaultEvaluatorTimeout; the call is never unbounded.
	EvaluatorTimeout time.Duration
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger used for guard events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Pipeline decides whether each request is admitted.
type Pipeline struct {
	whitelist     map[string]struct{}
	threshold     int
	blockDuration time.Duration

	ledger    store.LedgerStore
	blocks    store.BlockStore
	evaluator policy.Evaluator

	now    func() time.Time
	logger *slog.Logger
}

// NewPipeline wires the stores and evaluator into a pipeline. The evaluator
// is always called through policy.WithTimeout.
func NewPipeline(cfg Config, ledger store.LedgerStore, blocks store.BlockStore, evaluator policy.Evaluator, opts ...Option) *Pipeline {
	timeout := cfg.EvaluatorTimeout
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, o := range cfg.Whitelist {
		wl[o] = struct{}{}
	}
	p := &Pipeline{
		whitelist:     wl,
		threshold:     cfg.SuspiciousThreshold,
		blockDuration: cfg.BlockDuration,
		ledger:        ledger,
		blocks:        blocks,
		evaluator:     policy.WithTimeout(evaluator, timeout),
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsWhitelisted reports whether origin bypasses the guard.
func (p *Pipeline) IsWhitelisted(origin string) bool {
	_, ok := p.whitelist[origin]
	return ok
}

// Decide runs the admission sequence for req.
func (p *Pipeline) Decide(ctx context.Context, req Request) Decision {
	origin := req.Origin
	if p.IsWhitelisted(origin) {
		return Decision{Outcome: OutcomeAllow, Whitelisted: true}
	}

	arrival := req.Arrival
	if arrival.IsZero() {
		arrival = p.now()
	}
	nowMs := arrival.UnixMilli()

	st := p.blocks.IsBlocked(origin, nowMs)
	if st.Blocked {
		p.logger.Warn("Blocked origin attempted access",
			"origin", origin,
			"url", req.URL,
			"reason", st.Entry.Reason,
			"blocked_until", time.UnixMilli(st.Entry.ExpiresAtMs).UTC(),
		)
		return Decision{
			Outcome:   OutcomeReject,
			Status:    http.StatusForbidden,
			Reason:    st.Entry.Reason,
			Message:   MessageBlocked,
			ExpiresAt: time.UnixMilli(st.Entry.ExpiresAtMs),
		}
	}
	if st.Expired && p.blocks.ClearIfExpired(origin, nowMs) {
		p.logger.Info("Block expired", "origin", origin, "reason", st.Entry.Reason)
	}

	snap := p.ledger.RecordEvent(origin, store.NewEvent(arrival, req.URL, req.Method, req.UserAgent))
	if snap.ClockRegressed {
		p.logger.Warn("Clock moved backwards, arrival clamped to last seen",
			"origin", origin,
			"arrival_ms", nowMs,
			"last_seen_ms", snap.LastSeenMs,
		)
	}

	var d Decision
	verdict, err := p.evaluator.Evaluate(ctx, p.features(req, snap))
	switch {
	case err != nil:
		d.EvaluatorErr = err
		p.logger.Warn("Policy evaluator failed, continuing without policy signal",
			"origin", origin,
			"error", err,
			"timeout", errors.Is(err, policy.ErrEvaluatorTimeout),
		)
	case verdict == policy.VerdictSuspicious:
		d.Verdict = verdict
		d.Suspicious = true
		p.blocks.MarkSuspicious(origin)
		p.logger.Warn("Suspicious activity detected",
			"origin", origin,
			"url", req.URL,
			"request_count", len(snap.Events),
		)
	case verdict == policy.VerdictBlock:
		d.Verdict = verdict
		return p.block(d, origin, nowMs, ReasonPolicy, http.StatusForbidden, MessagePolicyBlocked, len(snap.Events))
	default:
		d.Verdict = verdict
	}

	perMinute := snap.RequestsInMinute(store.MinuteBucket(snap.LastSeenMs))
	if float64(perMinute) > float64(p.threshold)/60 {
		return p.block(d, origin, nowMs, ReasonFlood, http.StatusTooManyRequests, MessageFlood, perMinute)
	}

	d.Outcome = OutcomeAllow
	return d
}

func (p *Pipeline) block(d Decision, origin string, nowMs int64, reason string, status int, message string, count int) Decision {
	res := p.blocks.Block(origin, nowMs, p.blockDuration.Milliseconds(), reason)
	if res.Conflict {
		p.logger.Warn("Concurrent block overwrote a newer entry",
			"origin", origin,
			"reason", reason,
		)
	}
	expires := time.UnixMilli(res.Entry.ExpiresAtMs)
	p.logger.Error("Origin blocked",
		"origin", origin,
		"reason", reason,
		"request_count", count,
		"blocked_until", expires.UTC(),
	)

	d.Outcome = OutcomeReject
	d.Status = status
	d.Reason = reason
	d.Message = message
	d.ExpiresAt = expires
	return d
}

func (p *Pipeline) features(req Request, snap store.LedgerSnapshot) policy.FeatureSnapshot {
	return policy.FeatureSnapshot{
		Origin:              req.Origin,
		EventsInWindow:      len(snap.Events),
		TotalRequests:       snap.Total,
		URL:                 req.URL,
		Method:              req.Method,
		UserAgent:           req.UserAgent,
		URLLength:           len(req.URL),
		HeaderBytes:         req.HeaderBytes,
		SuspiciousThreshold: p.threshold,
	}
}

// StatusSnapshot summarises guard state.
type StatusSnapshot struct {
	TrackedOrigins  int
	BlockedCount    int
	SuspiciousCount int
}

// Status returns current counts. It never mutates state.
func (p *Pipeline) Status() StatusSnapshot {
	blocked, suspicious := p.blocks.Counts()
	return StatusSnapshot{
		TrackedOrigins:  p.ledger.Len(),
		BlockedCount:    blocked,
		SuspiciousCount: suspicious,
	}
}

// BlockedOrigins lists block entries ordered by BlockedAtMs, then origin.
func (p *Pipeline) BlockedOrigins() []store.BlockedOrigin {
	return p.blocks.Blocked()
}

// SuspiciousOrigins lists origins carrying a suspicion marker.
func (p *Pipeline) SuspiciousOrigins() []string {
	return p.blocks.Suspicious()
}
