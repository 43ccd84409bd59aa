package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
)

// Decider makes admission decisions for an identity under a named algorithm.
// service.RateLimitService implements it.
type Decider interface {
	Decide(ctx context.Context, algorithm, identity string) (limiter.Decision, error)
}

// RateLimitMiddleware returns an HTTP middleware that applies rate limiting to requests.
// It asks the decider whether the request may proceed under algorithm.
//
// The identifier (client/user key) is extracted using the provided keyExtractor function.
// If the request is rate limited, a 429 Too Many Requests response is returned with
// Retry-After headers. Store failures are answered with 503; requests are never
// let through when no decision could be made.
//
// Example: Rate limit by IP address
//
//	mw := RateLimitMiddleware(rateLimitService.Scoped("client:"), "sliding_window_log", IPKeyExtractor, logger)
func RateLimitMiddleware(decider Decider, algorithm string, keyExtractor func(*http.Request) string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)

			decision, err := decider.Decide(r.Context(), algorithm, key)
			if err != nil {
				switch {
				case errors.Is(err, limiter.ErrInvalidKey):
					writeMessage(w, http.StatusBadRequest, "invalid client identifier")
				case errors.Is(err, storage.ErrUnavailable):
					logger.Error("client rate limit check failed", zap.String("key", key), zap.Error(err))
					writeMessage(w, http.StatusServiceUnavailable, "rate limit store unavailable")
				default:
					logger.Error("client rate limit check failed", zap.String("key", key), zap.Error(err))
					writeMessage(w, http.StatusInternalServerError, "internal server error")
				}
				return
			}

			if !decision.Allowed {
				logger.Debug("request rate limited", zap.String("key", key))
				w.Header().Set("X-RateLimit-Retry-After-Ms", strconv.FormatInt(decision.RetryAfterMillis(), 10))
				w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(decision.RetryAfter.Seconds())), 10))
				writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyExtractor extracts the client IP address from the request.
// It checks for X-Forwarded-For header first (for proxied requests),
// then falls back to RemoteAddr. The result is prefixed with "ip@" and
// rewritten into the limiter key alphabet.
func IPKeyExtractor(r *http.Request) string {
	ip := ""
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		// The first entry is the originating client
		ip = strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
	}
	return "ip@" + sanitizeKey(ip)
}

// UserIDKeyExtractor returns a key extractor that uses a custom header for user identification.
// This is useful for authenticated APIs where you want to rate limit per user instead of IP.
func UserIDKeyExtractor(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID := r.Header.Get(headerName); userID != "" {
			return "user@" + sanitizeKey(userID)
		}
		return IPKeyExtractor(r)
	}
}

// PathKeyExtractor combines the client IP with the request path, so each
// endpoint gets its own budget.
func PathKeyExtractor(r *http.Request) string {
	return IPKeyExtractor(r) + "." + sanitizeKey(strings.Trim(r.URL.Path, "/"))
}

// sanitizeKey maps every byte outside [A-Za-z0-9._@-] to '_'.
func sanitizeKey(s string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '.', c == '_', c == '@', c == '-':
			return c
		default:
			return '_'
		}
	}, s)
}

func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
