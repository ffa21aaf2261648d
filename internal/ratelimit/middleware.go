package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"originguard/internal/models"
)

// Middleware returns HTTP middleware that enforces limiter per key. Denied
// requests get a 429 JSON body carrying message.
func Middleware(limiter Limiter, key KeyFunc, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			allowed, info := limiter.Allow(k)

			// Always set rate limit headers
			resetSecs := int(math.Ceil(time.Until(info.ResetAt).Seconds()))
			w.Header().Set("RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("RateLimit-Reset", strconv.Itoa(max(resetSecs, 0)))

			if !allowed {
				retryAfterSecs := int(info.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				errorResp := models.NewErrorResponse(message, models.ErrorCodeRateLimitExceeded)
				json.NewEncoder(w).Encode(errorResp)

				slog.Warn("Rate limit exceeded",
					"key", k,
					"url", r.URL.RequestURI(),
					"limit", info.Limit,
					"retry_after", retryAfterSecs,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
