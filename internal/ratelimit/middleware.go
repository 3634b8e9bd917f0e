package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc derives the bucket key for a request. An empty key bypasses the
// limiter.
type KeyFunc func(r *http.Request) string

// Rule configures one protected route group.
type Rule struct {
	Scope string  // label for metrics and bucket namespacing
	Rate  int     // requests per window; zero uses the limiter default
	Key   KeyFunc // defaults to ClientIP
}

// ClientIP keys requests by remote address without the port. Run chi's
// RealIP middleware first when behind a trusted proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// Middleware returns an HTTP middleware that enforces rule using the
// provided Limiter. Buckets are namespaced by rule.Scope so separate route
// groups do not share quota.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining tokens remaining in the current window
//	X-RateLimit-Reset     Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429 and a JSON
// error body, after calling each onReject with the rule's scope.
func Middleware(limiter *Limiter, rule Rule, onReject ...func(scope string)) func(http.Handler) http.Handler {
	keyFunc := rule.Key
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := keyFunc(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := rule.Scope + ":" + id

			limit, remaining, resetAt := limiter.Status(key, rule.Rate)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !limiter.Allow(key, rule.Rate) {
				for _, fn := range onReject {
					fn(rule.Scope)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
