package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/service"
	"go.uber.org/zap"
)

// ParamsPayload is the wire form of limiter.Params. Durations are in
// milliseconds.
type ParamsPayload struct {
	Capacity         int64   `json:"capacity,omitempty"`
	RefillRate       float64 `json:"refill_rate,omitempty"`
	RefillIntervalMs int64   `json:"refill_interval_ms,omitempty"`
	LeakRate         float64 `json:"leak_rate,omitempty"`
	Limit            int64   `json:"limit,omitempty"`
	WindowMs         int64   `json:"window_ms,omitempty"`
	BaseDelayMs      int64   `json:"base_delay_ms,omitempty"`
	MaxAttempts      int64   `json:"max_attempts,omitempty"`
}

// ToParams converts the payload to limiter.Params.
func (p ParamsPayload) ToParams() limiter.Params {
	return limiter.Params{
		Capacity:       p.Capacity,
		RefillRate:     p.RefillRate,
		RefillInterval: time.Duration(p.RefillIntervalMs) * time.Millisecond,
		LeakRate:       p.LeakRate,
		Limit:          p.Limit,
		Window:         time.Duration(p.WindowMs) * time.Millisecond,
		BaseDelay:      time.Duration(p.BaseDelayMs) * time.Millisecond,
		MaxAttempts:    p.MaxAttempts,
	}
}

// NewParamsPayload converts limiter.Params to its wire form.
func NewParamsPayload(p limiter.Params) ParamsPayload {
	return ParamsPayload{
		Capacity:         p.Capacity,
		RefillRate:       p.RefillRate,
		RefillIntervalMs: p.RefillInterval.Milliseconds(),
		LeakRate:         p.LeakRate,
		Limit:            p.Limit,
		WindowMs:         p.Window.Milliseconds(),
		BaseDelayMs:      p.BaseDelay.Milliseconds(),
		MaxAttempts:      p.MaxAttempts,
	}
}

// ConfigRequest is the body of POST /admin/config
type ConfigRequest struct {
	MerchantID string        `json:"merchant_id"`
	Algorithm  string        `json:"algorithm"`
	Params     ParamsPayload `json:"params"`
}

// ConfigResponse represents a stored override
type ConfigResponse struct {
	MerchantID string        `json:"merchant_id"`
	Algorithm  string        `json:"algorithm"`
	Params     ParamsPayload `json:"params"`
	CreatedAt  int64         `json:"created_at"` // Unix timestamp
	UpdatedAt  int64         `json:"updated_at"` // Unix timestamp
}

// StatusResponse represents the limiter status of a merchant
type StatusResponse struct {
	MerchantID string        `json:"merchant_id"`
	Algorithm  string        `json:"algorithm"`
	Params     ParamsPayload `json:"params"`
	Overridden bool          `json:"overridden"`
	Rejections int64         `json:"rejections"`
}

// AdminHandler handles configuration and limiter state operations
type AdminHandler struct {
	rateLimit *service.RateLimitService
	configs   *service.ConfigService
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(rateLimit *service.RateLimitService, configs *service.ConfigService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		rateLimit: rateLimit,
		configs:   configs,
		logger:    logger,
	}
}

// GetConfig handles GET /admin/config?merchant_id=&algorithm=
func (h *AdminHandler) GetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, algorithm, ok := h.configQuery(w, r)
		if !ok {
			return
		}

		record, err := h.configs.GetConfig(r.Context(), merchantID, algorithm)
		if err != nil {
			h.fail(w, "failed to get configuration", err)
			return
		}
		writeJSON(w, http.StatusOK, newConfigResponse(record))
	}
}

// SetConfig handles POST /admin/config
func (h *AdminHandler) SetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MerchantID == "" {
			writeError(w, http.StatusBadRequest, service.ErrMerchantIDRequired)
			return
		}
		if req.Algorithm == "" {
			writeError(w, http.StatusBadRequest, service.ErrAlgorithmRequired)
			return
		}

		algorithm, err := limiter.ParseAlgorithm(req.Algorithm)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}

		record, err := h.configs.SetConfig(r.Context(), req.MerchantID, algorithm, req.Params.ToParams())
		if err != nil {
			h.fail(w, "failed to set configuration", err)
			return
		}
		writeJSON(w, http.StatusOK, newConfigResponse(record))
	}
}

// DeleteConfig handles DELETE /admin/config?merchant_id=&algorithm=
func (h *AdminHandler) DeleteConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, algorithm, ok := h.configQuery(w, r)
		if !ok {
			return
		}

		if err := h.configs.DeleteConfig(r.Context(), merchantID, algorithm); err != nil {
			h.fail(w, "failed to delete configuration", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message":     "configuration deleted",
			"merchant_id": merchantID,
			"algorithm":   string(algorithm),
		})
	}
}

// Status handles GET /admin/ratelimit/{algorithm}/{merchant_id}
func (h *AdminHandler) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		status, err := h.rateLimit.Status(r.Context(), vars["algorithm"], vars["merchant_id"])
		if err != nil {
			h.fail(w, "failed to get status", err)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			MerchantID: status.MerchantID,
			Algorithm:  string(status.Algorithm),
			Params:     NewParamsPayload(status.Params),
			Overridden: status.Overridden,
			Rejections: status.Rejections,
		})
	}
}

// Reset handles DELETE /admin/ratelimit/{algorithm}/{merchant_id}
func (h *AdminHandler) Reset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		if err := h.rateLimit.Reset(r.Context(), vars["algorithm"], vars["merchant_id"]); err != nil {
			h.fail(w, "failed to reset rate limit", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message":     "rate limit reset",
			"merchant_id": vars["merchant_id"],
		})
	}
}

func (h *AdminHandler) configQuery(w http.ResponseWriter, r *http.Request) (string, limiter.Algorithm, bool) {
	q := r.URL.Query()
	merchantID := q.Get("merchant_id")
	if merchantID == "" {
		writeError(w, http.StatusBadRequest, service.ErrMerchantIDRequired)
		return "", "", false
	}
	if q.Get("algorithm") == "" {
		writeError(w, http.StatusBadRequest, service.ErrAlgorithmRequired)
		return "", "", false
	}

	algorithm, err := limiter.ParseAlgorithm(q.Get("algorithm"))
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return "", "", false
	}
	return merchantID, algorithm, true
}

func (h *AdminHandler) fail(w http.ResponseWriter, msg string, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	writeError(w, code, messageForError(err))
}

func newConfigResponse(record *service.ConfigRecord) ConfigResponse {
	return ConfigResponse{
		MerchantID: record.MerchantID,
		Algorithm:  string(record.Algorithm),
		Params:     NewParamsPayload(record.Params),
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
}
