package stats

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecorder_Totals(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder(false)

	require.NoError(t, rec.Record(ctx, Event{Origin: "a", Allowed: true}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "a", Allowed: true}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "b", Reason: "request-flood"}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "b", Reason: "request-flood"}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "c", Reason: "policy-triggered"}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "d"}))

	totals, err := rec.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, totals.Allowed)
	assert.EqualValues(t, 4, totals.Denied)
	assert.Equal(t, map[string]int64{"request-flood": 2, "policy-triggered": 1}, totals.Reasons)

	assert.Empty(t, rec.ByOrigin())
}

func TestMemoryRecorder_TotalsAreCopies(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder(false)
	require.NoError(t, rec.Record(ctx, Event{Reason: "x"}))

	totals, _ := rec.Totals(ctx)
	totals.Reasons["x"] = 100

	again, _ := rec.Totals(ctx)
	assert.EqualValues(t, 1, again.Reasons["x"])
}

func TestMemoryRecorder_TrackOrigins(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder(true)

	require.NoError(t, rec.Record(ctx, Event{Origin: "198.51.100.1", Allowed: true}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "198.51.100.1", Reason: "request-flood"}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "198.51.100.2", Allowed: true}))

	byOrigin := rec.ByOrigin()
	require.Len(t, byOrigin, 2)
	assert.EqualValues(t, 1, byOrigin["198.51.100.1"].Allowed)
	assert.EqualValues(t, 1, byOrigin["198.51.100.1"].Denied)
	assert.EqualValues(t, 1, byOrigin["198.51.100.1"].Reasons["request-flood"])
	assert.EqualValues(t, 1, byOrigin["198.51.100.2"].Allowed)
}

func TestMemoryRecorder_MaxOriginsEvictsLeastRecent(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder(true, WithMaxOrigins(2))

	require.NoError(t, rec.Record(ctx, Event{Origin: "198.51.100.1", Allowed: true}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "198.51.100.2", Allowed: true}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "198.51.100.1", Allowed: true}))
	require.NoError(t, rec.Record(ctx, Event{Origin: "198.51.100.3", Reason: "request-flood"}))

	byOrigin := rec.ByOrigin()
	require.Len(t, byOrigin, 2)
	assert.EqualValues(t, 2, byOrigin["198.51.100.1"].Allowed)
	assert.NotContains(t, byOrigin, "198.51.100.2")
	assert.EqualValues(t, 1, byOrigin["198.51.100.3"].Reasons["request-flood"])

	totals, err := rec.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, totals.Allowed, "eviction never touches totals")
	assert.EqualValues(t, 1, totals.Denied)
}

func TestMemoryRecorder_ManyOriginsStayBounded(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder(true, WithMaxOrigins(100), WithMaxOrigins(0))

	for i := 0; i < 5000; i++ {
		require.NoError(t, rec.Record(ctx, Event{Origin: fmt.Sprintf("10.0.%d.%d", i/256, i%256), Allowed: true}))
	}

	assert.Len(t, rec.ByOrigin(), 100)
	assert.Equal(t, 100, rec.recent.Len())
	totals, _ := rec.Totals(ctx)
	assert.EqualValues(t, 5000, totals.Allowed)
}

func TestNewMemoryRecorder_DefaultCap(t *testing.T) {
	assert.Equal(t, DefaultMaxOrigins, NewMemoryRecorder(true).maxOrigins)
}

func TestMemoryRecorder_Concurrent(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder(true)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rec.Record(ctx, Event{Origin: fmt.Sprintf("o-%d", id), Allowed: j%2 == 0, Reason: "r"})
			}
		}(i)
	}
	wg.Wait()

	totals, err := rec.Totals(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 500, totals.Allowed)
	assert.EqualValues(t, 500, totals.Denied)
	assert.Len(t, rec.ByOrigin(), 10)
	assert.NoError(t, rec.Close())
}

func TestNop(t *testing.T) {
	var rec Recorder = Nop{}
	assert.NoError(t, rec.Record(context.Background(), Event{}))
	totals, err := rec.Totals(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, totals.Allowed)
	assert.NoError(t, rec.Close())
}
