package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder writes counters to Redis hashes:
//
//	<prefix>:total                allowed / denied
//	<prefix>:reasons              denied count per reason
//	<prefix>:minute:<yyyymmddhhmm> allowed / denied, expires after ttl
//	<prefix>:origin:<origin>       allowed / denied, expires after ttl
//
// The total and reason hashes are cumulative and never expire.
type RedisRecorder struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration
	trackOrigins bool
}

var _ Recorder = (*RedisRecorder)(nil)

// RedisOption customises a RedisRecorder.
type RedisOption func(*RedisRecorder)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) { r.prefix = strings.Trim(prefix, ":") }
}

// WithTTL sets the expiry of time-bucketed and per-origin keys.
func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

// WithTrackOrigins enables per-origin hashes.
func WithTrackOrigins(track bool) RedisOption {
	return func(r *RedisRecorder) { r.trackOrigins = track }
}

// NewRedisRecorder wraps an existing client.
func NewRedisRecorder(rdb *redis.Client, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "originguard:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRecorder) totalKey() string  { return r.prefix + ":total" }
func (r *RedisRecorder) reasonKey() string { return r.prefix + ":reasons" }

func (r *RedisRecorder) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
}

func (r *RedisRecorder) originKey(origin string) string {
	return r.prefix + ":origin:" + origin
}

// Record implements Recorder. All writes go out in one pipeline.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.totalKey(), field, 1)
	if !ev.Allowed && ev.Reason != "" {
		pipe.HIncrBy(ctx, r.reasonKey(), ev.Reason, 1)
	}

	bucketKey := r.minuteKey(at)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, bucketKey, r.ttl)
	}

	if r.trackOrigins && ev.Origin != "" {
		originKey := r.originKey(ev.Origin)
		pipe.HIncrBy(ctx, originKey, field, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, originKey, r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// Totals implements Recorder.
func (r *RedisRecorder) Totals(ctx context.Context) (Totals, error) {
	pipe := r.rdb.Pipeline()
	totalCmd := pipe.HGetAll(ctx, r.totalKey())
	reasonCmd := pipe.HGetAll(ctx, r.reasonKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Totals{}, fmt.Errorf("failed to read decision totals: %w", err)
	}

	t := Totals{Reasons: make(map[string]int64)}
	for field, raw := range totalCmd.Val() {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Totals{}, fmt.Errorf("invalid counter %s: %w", field, err)
		}
		switch field {
		case "allowed":
			t.Allowed = n
		case "denied":
			t.Denied = n
		}
	}
	for reason, raw := range reasonCmd.Val() {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Totals{}, fmt.Errorf("invalid reason counter %s: %w", reason, err)
		}
		t.Reasons[reason] = n
	}
	return t, nil
}

// Ping checks connectivity.
func (r *RedisRecorder) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisRecorder) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
