// Package ratelimit provides the coarse per-origin limiters that sit in front
// of the guard: a windowed token bucket, a progressive slow-down and a global
// cap on in-flight requests. Each comes with HTTP middleware.
package ratelimit

import (
	"net/http"
	"time"
)

// Limiter defines the rate limiting contract. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow checks whether a request identified by key should be allowed.
	// Returns whether the request is allowed and rate information for
	// populating response headers.
	Allow(key string) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int           // Maximum requests per window
	Remaining  int           // Approximate tokens remaining
	ResetAt    time.Time     // When the bucket will be full again
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}

// KeyFunc extracts the limiter key of a request.
type KeyFunc func(r *http.Request) string
