package guard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"originguard/internal/policy"
	"originguard/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var (
	// 12:00:00.000 UTC, aligned on a minute boundary
	baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	quiet    = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type fixture struct {
	pipeline *Pipeline
	ledger   *store.MemoryLedger
	blocks   *store.MemoryBlocklist
	clock    *fakeClock
}

func newFixture(t *testing.T, evaluator policy.Evaluator, mutate ...func(*Config)) *fixture {
	t.Helper()
	cfg := Config{
		Whitelist:           []string{"127.0.0.1", "::1"},
		SuspiciousThreshold: 900,
		BlockDuration:       30 * time.Minute,
		EvaluatorTimeout:    50 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		ledger: store.NewMemoryLedger(store.DefaultRetentionMinutes),
		blocks: store.NewMemoryBlocklist(),
		clock:  newFakeClock(baseTime),
	}
	f.pipeline = NewPipeline(cfg, f.ledger, f.blocks, evaluator, WithClock(f.clock.Now), WithLogger(quiet))
	return f
}

func (f *fixture) decide(origin string) Decision {
	return f.pipeline.Decide(context.Background(), Request{
		Origin:    origin,
		Method:    http.MethodGet,
		URL:       "/",
		UserAgent: "Mozilla/5.0",
	})
}

func TestPipeline_FloodTrigger(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow))
	origin := "203.0.113.9"

	for i := 1; i <= 15; i++ {
		d := f.decide(origin)
		require.True(t, d.Allowed(), "request %d should be admitted", i)
		f.clock.Advance(time.Second)
	}

	now := f.clock.Now()
	d := f.decide(origin)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	assert.Equal(t, ReasonFlood, d.Reason)
	assert.Equal(t, MessageFlood, d.Message)
	assert.Equal(t, now.Add(30*time.Minute).UnixMilli(), d.ExpiresAt.UnixMilli())

	entries := f.pipeline.BlockedOrigins()
	require.Len(t, entries, 1)
	assert.Equal(t, origin, entries[0].Origin)
	assert.Equal(t, ReasonFlood, entries[0].Reason)
	assert.Equal(t, now.UnixMilli(), entries[0].BlockedAtMs)
}

func TestPipeline_FloodCountsOnlyCurrentMinute(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow))
	origin := "203.0.113.10"

	for i := 0; i < 15; i++ {
		require.True(t, f.decide(origin).Allowed())
	}
	f.clock.Advance(time.Minute)
	for i := 0; i < 15; i++ {
		require.True(t, f.decide(origin).Allowed())
	}

	snap, ok := f.ledger.Get(origin)
	require.True(t, ok)
	assert.Len(t, snap.Events, 30)
	assert.EqualValues(t, 30, snap.Total)
}

func TestPipeline_BlockDuration(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow))
	origin := "198.51.100.7"

	f.blocks.Block(origin, baseTime.UnixMilli(), (10 * time.Minute).Milliseconds(), "manual")

	for _, offset := range []time.Duration{0, time.Minute, 10*time.Minute - time.Millisecond} {
		f.clock.Set(baseTime.Add(offset))
		d := f.decide(origin)
		assert.Equal(t, OutcomeReject, d.Outcome, "offset %s", offset)
		assert.Equal(t, http.StatusForbidden, d.Status)
		assert.Equal(t, "manual", d.Reason)
		assert.Equal(t, MessageBlocked, d.Message)
		assert.True(t, baseTime.Add(10*time.Minute).Equal(d.ExpiresAt))
	}

	f.clock.Set(baseTime.Add(10 * time.Minute))
	d := f.decide(origin)
	assert.True(t, d.Allowed())
	assert.Empty(t, f.pipeline.BlockedOrigins())
}

func TestPipeline_BlockedOriginNotTracked(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow))
	origin := "198.51.100.8"
	f.blocks.Block(origin, baseTime.UnixMilli(), 60_000, "manual")

	for i := 0; i < 5; i++ {
		assert.False(t, f.decide(origin).Allowed())
	}
	_, tracked := f.ledger.Get(origin)
	assert.False(t, tracked, "rejected-by-blocklist requests must not touch the ledger")
}

func TestPipeline_ExpiredBlockClearsSuspicion(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow))
	origin := "198.51.100.9"
	f.blocks.Block(origin, baseTime.UnixMilli(), 1000, "manual")
	f.blocks.MarkSuspicious(origin)

	f.clock.Advance(2 * time.Second)
	assert.True(t, f.decide(origin).Allowed())
	assert.False(t, f.blocks.IsSuspicious(origin))
}

func TestPipeline_WhitelistImmunity(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictBlock))

	for i := 0; i < 500; i++ {
		d := f.decide("127.0.0.1")
		require.True(t, d.Allowed())
		require.True(t, d.Whitelisted)
	}

	assert.Equal(t, 0, f.ledger.Len())
	assert.Empty(t, f.pipeline.BlockedOrigins())
	st := f.pipeline.Status()
	assert.Equal(t, StatusSnapshot{}, st)
}

func TestPipeline_PolicyBlock(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictBlock))
	origin := "192.0.2.1"

	d := f.decide(origin)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Equal(t, ReasonPolicy, d.Reason)
	assert.Equal(t, MessagePolicyBlocked, d.Message)
	assert.Equal(t, policy.VerdictBlock, d.Verdict)
	assert.True(t, baseTime.Add(30*time.Minute).Equal(d.ExpiresAt))

	// Ledger was updated before evaluation.
	snap, ok := f.ledger.Get(origin)
	require.True(t, ok)
	assert.Len(t, snap.Events, 1)

	// Subsequent requests are stopped by the blocklist.
	f.clock.Advance(time.Second)
	d = f.decide(origin)
	assert.Equal(t, http.StatusForbidden, d.Status)
	assert.Equal(t, ReasonPolicy, d.Reason)
	assert.Equal(t, MessageBlocked, d.Message)
}

func TestPipeline_SuspiciousContinues(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictSuspicious))
	origin := "192.0.2.2"

	d := f.decide(origin)
	assert.True(t, d.Allowed())
	assert.True(t, d.Suspicious)
	assert.True(t, f.blocks.IsSuspicious(origin))

	st := f.pipeline.Status()
	assert.Equal(t, 1, st.TrackedOrigins)
	assert.Equal(t, 0, st.BlockedCount)
	assert.Equal(t, 1, st.SuspiciousCount)
	assert.Equal(t, []string{origin}, f.pipeline.SuspiciousOrigins())
}

func TestPipeline_SuspiciousStillFloodChecked(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictSuspicious), func(c *Config) {
		c.SuspiciousThreshold = 60
	})
	origin := "192.0.2.3"

	assert.True(t, f.decide(origin).Allowed())
	d := f.decide(origin)
	assert.Equal(t, ReasonFlood, d.Reason)
	assert.True(t, d.Suspicious)
}

func TestPipeline_EvaluatorTimeoutResilience(t *testing.T) {
	slow := policy.EvaluatorFunc(func(ctx context.Context, _ policy.FeatureSnapshot) (policy.Verdict, error) {
		<-ctx.Done()
		return policy.VerdictAllow, nil
	})
	f := newFixture(t, slow, func(c *Config) { c.EvaluatorTimeout = 5 * time.Millisecond })
	origin := "203.0.113.50"

	for i := 0; i < 15; i++ {
		d := f.decide(origin)
		require.True(t, d.Allowed())
		require.ErrorIs(t, d.EvaluatorErr, policy.ErrEvaluatorTimeout)
	}
	d := f.decide(origin)
	assert.Equal(t, OutcomeReject, d.Outcome)
	assert.Equal(t, ReasonFlood, d.Reason)
}

func TestPipeline_UnsetEvaluatorTimeoutStaysBounded(t *testing.T) {
	stuck := policy.EvaluatorFunc(func(ctx context.Context, _ policy.FeatureSnapshot) (policy.Verdict, error) {
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
		}
		return policy.VerdictBlock, nil
	})

	for _, timeout := range []time.Duration{0, -time.Second} {
		f := newFixture(t, stuck, func(c *Config) { c.EvaluatorTimeout = timeout })

		start := time.Now()
		d := f.decide("203.0.113.80")

		assert.True(t, d.Allowed(), "timeout %s", timeout)
		assert.ErrorIs(t, d.EvaluatorErr, policy.ErrEvaluatorTimeout)
		assert.Less(t, time.Since(start), 5*time.Second)
	}
}

func TestPipeline_EvaluatorFailuresAreNeutral(t *testing.T) {
	tests := []struct {
		name      string
		evaluator policy.Evaluator
		wantErr   error
	}{
		{
			name:      "nil evaluator",
			evaluator: nil,
			wantErr:   policy.ErrEvaluatorUnavailable,
		},
		{
			name: "error",
			evaluator: policy.EvaluatorFunc(func(context.Context, policy.FeatureSnapshot) (policy.Verdict, error) {
				return "", fmt.Errorf("%w: script crashed", policy.ErrEvaluatorUnavailable)
			}),
			wantErr: policy.ErrEvaluatorUnavailable,
		},
		{
			name:      "malformed verdict",
			evaluator: policy.Static(policy.Verdict("MAYBE")),
			wantErr:   policy.ErrMalformedVerdict,
		},
		{
			name: "panic",
			evaluator: policy.EvaluatorFunc(func(context.Context, policy.FeatureSnapshot) (policy.Verdict, error) {
				panic("boom")
			}),
			wantErr: policy.ErrEvaluatorUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.evaluator)
			d := f.decide("192.0.2.20")
			assert.True(t, d.Allowed())
			assert.False(t, d.Suspicious)
			assert.ErrorIs(t, d.EvaluatorErr, tt.wantErr)
			assert.Empty(t, d.Verdict)
		})
	}
}

func TestPipeline_FeatureSnapshot(t *testing.T) {
	var got policy.FeatureSnapshot
	capture := policy.EvaluatorFunc(func(_ context.Context, snap policy.FeatureSnapshot) (policy.Verdict, error) {
		got = snap
		return policy.VerdictAllow, nil
	})
	f := newFixture(t, capture)

	f.decide("192.0.2.30")
	f.pipeline.Decide(context.Background(), Request{
		Origin:      "192.0.2.30",
		Method:      http.MethodPost,
		URL:         "/login?next=/home",
		UserAgent:   "curl/8.0",
		HeaderBytes: 321,
	})

	assert.Equal(t, "192.0.2.30", got.Origin)
	assert.Equal(t, 2, got.EventsInWindow)
	assert.EqualValues(t, 2, got.TotalRequests)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/login?next=/home", got.URL)
	assert.Equal(t, len("/login?next=/home"), got.URLLength)
	assert.Equal(t, "curl/8.0", got.UserAgent)
	assert.Equal(t, 321, got.HeaderBytes)
	assert.Equal(t, 900, got.SuspiciousThreshold)
}

func TestPipeline_ExplicitArrival(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow))
	arrival := baseTime.Add(42 * time.Second)

	f.pipeline.Decide(context.Background(), Request{Origin: "192.0.2.40", Arrival: arrival})

	snap, ok := f.ledger.Get("192.0.2.40")
	require.True(t, ok)
	assert.Equal(t, arrival.UnixMilli(), snap.LastSeenMs)
}

func TestPipeline_ClockRegressionStaysInBucket(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow), func(c *Config) { c.SuspiciousThreshold = 120 })
	origin := "192.0.2.50"

	f.clock.Set(baseTime.Add(time.Minute))
	assert.True(t, f.decide(origin).Allowed())

	// The clock jumps back into the previous minute. The clamped event still
	// counts towards the minute of the newest arrival.
	f.clock.Set(baseTime.Add(30 * time.Second))
	assert.True(t, f.decide(origin).Allowed())
	d := f.decide(origin)
	assert.Equal(t, ReasonFlood, d.Reason)
}

func TestPipeline_ConcurrentOrigins(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow), func(c *Config) { c.SuspiciousThreshold = 6000 })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			origin := fmt.Sprintf("10.0.0.%d", id)
			for j := 0; j < 50; j++ {
				f.decide(origin)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, f.pipeline.Status().TrackedOrigins)
	for i := 0; i < 20; i++ {
		snap, ok := f.ledger.Get(fmt.Sprintf("10.0.0.%d", i))
		require.True(t, ok)
		assert.EqualValues(t, 50, snap.Total)
	}
}

func TestPipeline_ConcurrentFloodSingleEntry(t *testing.T) {
	f := newFixture(t, policy.Static(policy.VerdictAllow))
	origin := "203.0.113.99"

	var wg sync.WaitGroup
	rejected := make(chan Decision, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := f.decide(origin); !d.Allowed() {
				rejected <- d
			}
		}()
	}
	wg.Wait()
	close(rejected)

	n := 0
	for d := range rejected {
		n++
		assert.Contains(t, []string{ReasonFlood}, d.Reason)
	}
	assert.Equal(t, 85, n)
	assert.Len(t, f.pipeline.BlockedOrigins(), 1)
}

func TestDecision_Allowed(t *testing.T) {
	assert.True(t, Decision{Outcome: OutcomeAllow}.Allowed())
	assert.False(t, Decision{Outcome: OutcomeReject}.Allowed())
	assert.Equal(t, "allow", OutcomeAllow.String())
	assert.Equal(t, "reject", OutcomeReject.String())
}
