package handler

import (
	"context"
	"net/http"

	"github.com/mohammadhprp/admission/internal/service"
	"go.uber.org/zap"
)

// HealthCheckHandler reports the health of the counter store
type HealthCheckHandler struct {
	health *service.HealthService
	logger *zap.Logger
}

// NewHealthCheckHandler creates a new health check handler
func NewHealthCheckHandler(health *service.HealthService, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		health: health,
		logger: logger,
	}
}

// HealthCheck returns a health check handler
func (h *HealthCheckHandler) HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, timestamp, err := h.health.GetHealthStatus(r.Context())
		body := map[string]string{
			"status": status,
			"time":   timestamp,
		}

		if err != nil {
			body["error"] = messageForError(err)
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// Ping verifies connectivity with the underlying store for non-HTTP health checks.
func (h *HealthCheckHandler) Ping(ctx context.Context) error {
	return h.health.Ping(ctx)
}
