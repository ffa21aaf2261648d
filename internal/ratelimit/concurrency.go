package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"originguard/internal/models"
)

// ConcurrencyLimiter caps the number of requests in flight. It is a channel
// semaphore: a slot is a buffered send, a release is a receive.
type ConcurrencyLimiter struct {
	sem            chan struct{}
	acquireTimeout time.Duration
}

// NewConcurrencyLimiter returns nil when maxInFlight <= 0, which disables the cap.
func NewConcurrencyLimiter(maxInFlight int, acquireTimeout time.Duration) *ConcurrencyLimiter {
	if maxInFlight <= 0 {
		return nil
	}
	return &ConcurrencyLimiter{
		sem:            make(chan struct{}, maxInFlight),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire takes a slot. With a zero acquire timeout it fails immediately when
// the pool is full; otherwise it waits up to the timeout or until ctx ends.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context) (release func(), ok bool) {
	if c == nil {
		return func() {}, true
	}
	if c.acquireTimeout <= 0 {
		select {
		case c.sem <- struct{}{}:
			return c.release, true
		default:
			return nil, false
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
	defer cancel()
	select {
	case c.sem <- struct{}{}:
		return c.release, true
	case <-ctx.Done():
		return nil, false
	}
}

func (c *ConcurrencyLimiter) release() { <-c.sem }

// InFlight returns the number of held slots.
func (c *ConcurrencyLimiter) InFlight() int {
	if c == nil {
		return 0
	}
	return len(c.sem)
}

// Middleware rejects requests with 503 when no slot can be acquired.
func (c *ConcurrencyLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := c.Acquire(r.Context())
			if !ok {
				slog.Warn("Concurrency limit reached", "limit", cap(c.sem), "url", r.URL.RequestURI())
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(models.NewErrorResponse("Server is busy, please retry", models.ErrorCodeServiceUnavailable))
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
