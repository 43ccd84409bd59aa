package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AuthorizationHeader carries the admin bearer token.
const AuthorizationHeader = "Authorization"

// ExtractBearerToken returns the token of a "Bearer <token>" header value,
// or "" when the value is missing or malformed.
func ExtractBearerToken(value string) string {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// TokenMatches compares a presented token with the configured one in
// constant time. An empty configured token matches nothing.
func TokenMatches(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// AdminAuthMiddleware requires "Authorization: Bearer <token>" on every request.
// A missing or malformed header is answered with 401, a wrong token with 403.
func AdminAuthMiddleware(token string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := ExtractBearerToken(r.Header.Get(AuthorizationHeader))
			if presented == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeMessage(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if !TokenMatches(presented, token) {
				logger.Warn("admin request with invalid token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeMessage(w, http.StatusForbidden, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ThrottleMiddleware caps the request rate of everything behind it with one
// process-local token bucket.
func ThrottleMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				writeMessage(w, http.StatusTooManyRequests, "too many admin requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
