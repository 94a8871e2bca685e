package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine   *engine.Engine
	store    domain.Store
	relation string
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, store domain.Store, relation, version string) *Handler {
	return &Handler{
		engine:   eng,
		store:    store,
		relation: relation,
		version:  version,
	}
}

// TransactionInput is one transaction in a scoring request. The timestamp
// is accepted as a string so callers can send either the canonical
// "2006-01-02 15:04:05" form or RFC 3339.
type TransactionInput struct {
	UserID       string  `json:"userId"`
	Timestamp    string  `json:"timestamp"`
	MerchantName string  `json:"merchantName"`
	Amount       float64 `json:"amount"`
}

// ScoreRequest is the request body for POST /score.
type ScoreRequest struct {
	Transactions []TransactionInput `json:"transactions"`
	Persist      bool               `json:"persist,omitempty"`
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	Flags   []domain.FraudFlag `json:"flags"`
	Count   int                `json:"count"`
	Scanned int                `json:"scanned"`
	TraceID string             `json:"traceId,omitempty"`
	ScanMs  int64              `json:"scanMs"`
	Version string             `json:"version"`
}

// Score handles POST /score requests: it runs the configured checker set
// over the submitted batch and returns every fraud flag raised.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions must not be empty",
		})
		return
	}

	txns := make([]domain.Transaction, 0, len(req.Transactions))
	for i, in := range req.Transactions {
		if in.UserID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "userId is required",
			})
			return
		}
		ts, err := domain.ParseTimestamp(in.Timestamp)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("invalid timestamp at index %d", i),
			})
			return
		}
		txns = append(txns, domain.Transaction{
			UserID:       in.UserID,
			Timestamp:    ts,
			MerchantName: in.MerchantName,
			Amount:       in.Amount,
		})
	}

	if req.Persist && h.store != nil {
		if err := h.store.InsertTransactions(ctx, h.relation, txns); err != nil {
			slog.Error("persist failed", "error", err, "trace_id", traceID)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to persist transactions",
			})
			return
		}
	}

	flags, err := h.engine.Execute(ctx, txns)
	if err != nil {
		slog.Error("scan failed", "error", err, "trace_id", traceID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "scan failed",
		})
		return
	}
	if flags == nil {
		flags = []domain.FraudFlag{}
	}

	writeJSON(w, http.StatusOK, ScoreResponse{
		Flags:   flags,
		Count:   len(flags),
		Scanned: len(txns),
		TraceID: traceID,
		ScanMs:  time.Since(start).Milliseconds(),
		Version: h.version,
	})
}

// Health returns the health status of the server.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
