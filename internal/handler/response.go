package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/service"
	"github.com/mohammadhprp/admission/internal/storage"
	"github.com/mohammadhprp/admission/internal/transaction"
)

// Rate limit response headers
const (
	HeaderRemaining    = "X-RateLimit-Remaining"
	HeaderRetryAfterMs = "X-RateLimit-Retry-After-Ms"
	HeaderRetryAfter   = "Retry-After"
)

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, limiter.ErrInvalidKey),
		errors.Is(err, service.ErrInvalidConfig),
		errors.Is(err, transaction.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, limiter.ErrUnknownAlgorithm),
		errors.Is(err, service.ErrConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageForError hides internal details of server-side failures.
func messageForError(err error) string {
	switch statusForError(err) {
	case http.StatusServiceUnavailable:
		return "rate limit store unavailable"
	case http.StatusInternalServerError:
		return "internal server error"
	default:
		return err.Error()
	}
}

// setDecisionHeaders writes the rate limit headers of a decision.
func setDecisionHeaders(w http.ResponseWriter, d limiter.Decision) {
	w.Header().Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
	if d.Allowed || d.RetryAfter <= 0 {
		return
	}
	w.Header().Set(HeaderRetryAfterMs, strconv.FormatInt(d.RetryAfterMillis(), 10))
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(int64(math.Ceil(d.RetryAfter.Seconds())), 10))
}
