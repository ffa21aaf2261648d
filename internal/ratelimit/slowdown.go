package ratelimit

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type slowWindow struct {
	start time.Time
	hits  int
}

// SlowDown delays requests from keys that exceed a per-window allowance. The
// first delayAfter requests in a fixed window pass untouched; each request
// beyond that waits delay times the excess, capped at maxDelay.
type SlowDown struct {
	window     time.Duration
	delayAfter int
	delay      time.Duration
	maxDelay   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]*slowWindow
	done    chan struct{}
	closed  bool
}

// NewSlowDown creates a SlowDown and starts a goroutine that drops finished
// windows once per window length. A zero maxDelay means no cap.
func NewSlowDown(windowSize time.Duration, delayAfter int, delay, maxDelay time.Duration) *SlowDown {
	s := &SlowDown{
		window:     windowSize,
		delayAfter: delayAfter,
		delay:      delay,
		maxDelay:   maxDelay,
		now:        time.Now,
		windows:    make(map[string]*slowWindow),
		done:       make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Close stops the background cleanup goroutine.
func (s *SlowDown) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *SlowDown) cleanup() {
	ticker := time.NewTicker(s.window)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Hit records a request for key and returns how long it must be delayed.
func (s *SlowDown) Hit(key string) time.Duration {
	now := s.now()

	s.mu.Lock()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= s.window {
		w = &slowWindow{start: now}
		s.windows[key] = w
	}
	w.hits++
	hits := w.hits
	s.mu.Unlock()

	excess := hits - s.delayAfter
	if excess <= 0 {
		return 0
	}
	d := time.Duration(excess) * s.delay
	if s.maxDelay > 0 && d > s.maxDelay {
		d = s.maxDelay
	}
	return d
}

// Sweep drops windows that ended before now.
func (s *SlowDown) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, w := range s.windows {
		if now.Sub(w.start) >= s.window {
			delete(s.windows, key)
			n++
		}
	}
	return n
}

// Middleware delays over-allowance requests before passing them on. A
// request whose context ends during the delay is dropped.
func (s *SlowDown) Middleware(key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d := s.Hit(key(r)); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-timer.C:
				case <-r.Context().Done():
					timer.Stop()
					slog.Debug("Request cancelled while slowed down", "delay", d)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
