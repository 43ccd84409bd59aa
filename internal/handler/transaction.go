package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/service"
	"github.com/mohammadhprp/admission/internal/transaction"
	"go.uber.org/zap"
)

// Recorder persists admitted transactions
type Recorder interface {
	Record(ctx context.Context, merchantID, algorithm string, amount float64) (*transaction.Transaction, error)
	List(ctx context.Context, merchantID string, limit int) ([]transaction.Transaction, error)
}

// TransactionRequest is the body of POST /transaction/{algorithm}
type TransactionRequest struct {
	MerchantID string  `json:"merchant_id"`
	Amount     float64 `json:"amount"`
}

// TransactionResponse is returned for an admitted transaction
type TransactionResponse struct {
	Message     string                   `json:"message"`
	Transaction *transaction.Transaction `json:"transaction"`
	Remaining   int64                    `json:"remaining"`
}

// RejectedResponse is returned for a throttled transaction
type RejectedResponse struct {
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// TransactionHandler admits merchant transactions through a rate limiting
// algorithm chosen by the route
type TransactionHandler struct {
	rateLimit *service.RateLimitService
	recorder  Recorder
	logger    *zap.Logger
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(rateLimit *service.RateLimitService, recorder Recorder, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		rateLimit: rateLimit,
		recorder:  recorder,
		logger:    logger,
	}
}

// Create handles POST /transaction/{algorithm}
func (h *TransactionHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["algorithm"]

		var req TransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Amount <= 0 {
			writeError(w, http.StatusBadRequest, transaction.ErrInvalidAmount.Error())
			return
		}

		algorithm, err := limiter.ParseAlgorithm(name)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}

		decision, err := h.rateLimit.Decide(r.Context(), string(algorithm), req.MerchantID)
		if err != nil {
			h.logError("admission decision failed", req.MerchantID, err)
			writeError(w, statusForError(err), messageForError(err))
			return
		}

		setDecisionHeaders(w, decision)
		if !decision.Allowed {
			writeJSON(w, http.StatusTooManyRequests, RejectedResponse{
				Error:        "too many requests",
				RetryAfterMs: decision.RetryAfterMillis(),
			})
			return
		}

		tx, err := h.recorder.Record(r.Context(), req.MerchantID, string(algorithm), req.Amount)
		if err != nil {
			h.logError("failed to record transaction", req.MerchantID, err)
			writeError(w, statusForError(err), messageForError(err))
			return
		}

		writeJSON(w, http.StatusOK, TransactionResponse{
			Message:     "transaction processed",
			Transaction: tx,
			Remaining:   decision.Remaining,
		})
	}
}

// List handles GET /admin/transactions/{merchant_id}
func (h *TransactionHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID := mux.Vars(r)["merchant_id"]
		if err := limiter.ValidateKey(merchantID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		txs, err := h.recorder.List(r.Context(), merchantID, limit)
		if err != nil {
			h.logError("failed to list transactions", merchantID, err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if txs == nil {
			txs = []transaction.Transaction{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"merchant_id":  merchantID,
			"transactions": txs,
		})
	}
}

func (h *TransactionHandler) logError(msg, merchantID string, err error) {
	if statusForError(err) < http.StatusInternalServerError {
		return
	}
	h.logger.Error(msg, zap.String("merchant_id", merchantID), zap.Error(err))
}
