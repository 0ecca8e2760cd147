package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsoft/browserplane/internal/core"
	"github.com/kestrelsoft/browserplane/internal/ratelimit"
)

// normalizeIP validates and normalizes an IP address string, collapsing
// IPv4-mapped IPv6 forms to their IPv4 representation so a client can't
// dodge the bucket by varying its address notation.
func normalizeIP(ipStr string) string {
	ipStr = strings.TrimSpace(ipStr)
	if ipStr == "" {
		return ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ipStr
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

// getClientIP extracts the client IP from the request. When trustProxy is
// false (the default), only RemoteAddr is used to prevent spoofing; when
// true, X-Forwarded-For and X-Real-IP are honored, in that order, for
// deployments that sit behind a trusted reverse proxy.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ipStr := xff
			if idx := strings.Index(xff, ","); idx > 0 {
				ipStr = xff[:idx]
			}
			if normalized := normalizeIP(ipStr); normalized != "" {
				return normalized
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if normalized := normalizeIP(xri); normalized != "" {
				return normalized
			}
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return normalizeIP(r.RemoteAddr)
	}
	return normalizeIP(ip)
}

// RateLimitMiddleware gates requests through an internal/ratelimit.Limiter
// keyed by client IP instead of userId, for the outermost per-connection
// abuse guard in front of every route (the per-user limiters downstream
// still apply on top of this).
type RateLimitMiddleware struct {
	limiter    *ratelimit.Limiter
	trustProxy bool
}

// NewRateLimitMiddleware builds a RateLimitMiddleware. Call Close on
// shutdown to stop the limiter's background cleanup goroutine.
func NewRateLimitMiddleware(requestsPerMinute int, trustProxy bool) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter:    ratelimit.New(requestsPerMinute, time.Minute),
		trustProxy: trustProxy,
	}
}

// Close stops the underlying limiter's cleanup goroutine.
func (m *RateLimitMiddleware) Close() {
	m.limiter.Close()
}

// Handler returns the middleware function.
func (m *RateLimitMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r, m.trustProxy)

			ok, retryAfter := m.limiter.Allow(core.UserId(ip))
			if !ok {
				secs := int(retryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
