/**
 * @description
 * HTTP handlers mapping the REST surface onto ledger operations. The API
 * layer is deliberately thin: request validation, ledger call, public view
 * out.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/ledger: All business logic.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/ledger"
	"github.com/anypay/settlement-engine/internal/notify"
)

// Handlers bundles the API dependencies.
type Handlers struct {
	ledger     *ledger.Ledger
	dispatcher *notify.Dispatcher
}

// NewHandlers creates the handler set.
func NewHandlers(l *ledger.Ledger, dispatcher *notify.Dispatcher) *Handlers {
	return &Handlers{ledger: l, dispatcher: dispatcher}
}

type createPaymentRequest struct {
	Currency         string          `json:"currency"`
	Amount           decimal.Decimal `json:"amount"`
	RequiredDepth    int             `json:"required_depth,omitempty"`
	ExpiresInSeconds int64           `json:"expires_in_seconds,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
}

// CreatePayment handles POST /v1/payments. The idempotency key may come
// from the Idempotency-Key header or the body; the header wins.
func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := MerchantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	expiresIn := req.ExpiresInSeconds
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	terms := domain.PaymentTerms{
		Currency:      req.Currency,
		Amount:        req.Amount,
		RequiredDepth: req.RequiredDepth,
		ExpiresAt:     time.Now().Add(time.Duration(expiresIn) * time.Second),
	}

	p, err := h.ledger.Create(r.Context(), merchantID, terms, key)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	// Allocation is attempted inline; if the wallet authority is briefly
	// unreachable the payment stays Created and the allocation retry loop
	// picks it up.
	if p.State == domain.StateCreated {
		if allocated, err := h.ledger.Allocate(r.Context(), p.ID); err == nil {
			p = allocated
		} else {
			log.Printf("api: inline allocation for payment %s failed: %v", p.ID, err)
		}
	}

	writeJSON(w, http.StatusCreated, p.Public())
}

// GetPayment handles GET /v1/payments/{id}.
func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := MerchantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	p, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if p.MerchantID != merchantID {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Public())
}

// ListPayments handles GET /v1/payments.
func (h *Handlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := MerchantFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	payments, err := h.ledger.List(r.Context(), merchantID, limit, offset)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	views := make([]domain.PublicView, 0, len(payments))
	for i := range payments {
		views = append(views, payments[i].Public())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": views})
}

// CancelPayment handles POST /v1/payments/{id}/cancel. Valid only before
// an address was allocated.
func (h *Handlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := MerchantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	p, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if p.MerchantID != merchantID {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	cancelled, err := h.ledger.Cancel(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled.Public())
}

// PaymentEvents handles GET /v1/payments/{id}/events: the audit trail.
func (h *Handlers) PaymentEvents(w http.ResponseWriter, r *http.Request) {
	merchantID, _ := MerchantFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	p, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if p.MerchantID != merchantID {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	events, err := h.ledger.AuditTrail(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ReplayNotification handles POST /admin/notifications/{id}/replay.
func (h *Handlers) ReplayNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	if err := h.dispatcher.Replay(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrCancelNotAllowed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "payment not found")
	case errors.Is(err, domain.ErrAllocation):
		writeError(w, http.StatusServiceUnavailable, "address allocation temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
