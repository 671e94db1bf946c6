package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
)

// Middleware throttles requests by client IP using the provided
// Limiter. Applied to credential endpoints only; authenticated traffic
// is not limited.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     — maximum requests allowed in the window
//	X-RateLimit-Remaining — tokens remaining in the current window
//	X-RateLimit-Reset     — Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429 and
// a JSON error body.
func Middleware(limiter *Limiter, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)

			limit, remaining, resetAt := limiter.Status(key)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

			if !limiter.Allow(key) {
				for _, fn := range onReject {
					fn()
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Too many attempts. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the remote address without the port. Proxy headers
// are deliberately ignored; FinMark terminates its own TLS or sits
// behind a trusted proxy configured to rewrite RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
