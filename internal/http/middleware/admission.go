package middleware

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/iago/audiodrop-back/internal/ratelimit"
)

// Admission gates job creation with the per-IP sliding window. Only admitted
// requests count against the window.
func Admission(limiter *ratelimit.SlidingWindow, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			decision := limiter.Allow(ip)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				if logger != nil {
					logger.Printf("admission rejected request_id=%s ip=%s retry_after_s=%d", GetRequestID(r.Context()), ip, retryAfter)
				}
				WriteError(w, r, http.StatusTooManyRequests, fmt.Sprintf("Rate limit exceeded. Max %d downloads per minute.", limiter.Limit()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
