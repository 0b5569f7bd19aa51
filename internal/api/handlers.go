/**
 * @description
 * This file contains the HTTP handlers for the kiosk backend's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application services, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/app"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
)

// KioskHandlers holds the application services that handlers use.
type KioskHandlers struct {
	auth   *app.AuthService
	ledger *app.LedgerService
	repo   store.Repository
	cache  *app.ProviderCache
}

// NewKioskHandlers creates a new instance of KioskHandlers.
func NewKioskHandlers(auth *app.AuthService, ledger *app.LedgerService, repo store.Repository, cache *app.ProviderCache) *KioskHandlers {
	return &KioskHandlers{auth: auth, ledger: ledger, repo: repo, cache: cache}
}

// RegisterHandler handles new account registration.
func (h *KioskHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidIdentityNumber):
			h.writeError(w, http.StatusBadRequest, "Invalid identity number")
		case errors.Is(err, domain.ErrInvalidAccountNumber):
			h.writeError(w, http.StatusBadRequest, "Invalid account number")
		case errors.Is(err, app.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrIdentityTaken):
			h.writeError(w, http.StatusConflict, "Identity or account number already registered")
		default:
			log.Printf("level=error component=api endpoint=register err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"userId": user.ID.String()})
}

// VerifyHandler handles the three-factor login.
func (h *KioskHandlers) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.auth.Verify(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrAccountLocked):
			h.writeError(w, http.StatusForbidden, "Account locked after too many failed attempts")
		case errors.Is(err, app.ErrFaceMismatch):
			h.writeError(w, http.StatusUnauthorized, "Face verification failed")
		case errors.Is(err, app.ErrFaceUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, "Face verification is temporarily unavailable")
		case errors.Is(err, app.ErrInvalidCredentials):
			h.writeError(w, http.StatusUnauthorized, "Invalid credentials")
		default:
			log.Printf("level=error component=api endpoint=verify err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Authentication failed")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// LogoutHandler ends every session of the authenticated user.
func (h *KioskHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := GetSessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user from context")
		return
	}
	if err := h.auth.Logout(r.Context(), user.UserID); err != nil {
		log.Printf("level=error component=api endpoint=logout user_id=%s err=%v", user.UserID, err)
		h.writeError(w, http.StatusInternalServerError, "Logout failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DepositHandler records cash accepted by the kiosk hardware.
func (h *KioskHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := GetSessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user from context")
		return
	}

	var req domain.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.ledger.Deposit(r.Context(), user.UserID, req)
	if err != nil {
		h.writeLedgerError(w, "deposit", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// TransferHandler submits an outgoing transfer.
func (h *KioskHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := GetSessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user from context")
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.ledger.Transfer(r.Context(), user.UserID, req)
	if err != nil {
		if errors.Is(err, app.ErrOutcomeUnknown) && result != nil {
			// Debit compensated, outcome pending reconciliation.
			h.writeJSON(w, http.StatusAccepted, result)
			return
		}
		h.writeLedgerError(w, "transfer", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// BillPayHandler submits a bill payment.
func (h *KioskHandlers) BillPayHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := GetSessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user from context")
		return
	}

	var req domain.BillPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.ledger.PayBill(r.Context(), user.UserID, req)
	if err != nil {
		if errors.Is(err, app.ErrOutcomeUnknown) && result != nil {
			h.writeJSON(w, http.StatusAccepted, result)
			return
		}
		h.writeLedgerError(w, "bill_payment", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// TransferStatusHandler returns one transaction, refreshing a stale PENDING
// status against the processor.
func (h *KioskHandlers) TransferStatusHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := GetSessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user from context")
		return
	}

	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.ledger.GetStatus(r.Context(), user.UserID, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=transfer_status transaction_id=%s err=%v", transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not fetch transaction status")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": tx})
}

// HistoryHandler returns the authenticated user's transaction history.
func (h *KioskHandlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := GetSessionUser(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user from context")
		return
	}

	opts := domain.HistoryOptions{Type: r.URL.Query().Get("type")}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	transactions, err := h.ledger.History(r.Context(), user.UserID, opts)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions})
}

// BillProvidersHandler returns the active bill-provider catalog.
func (h *KioskHandlers) BillProvidersHandler(w http.ResponseWriter, r *http.Request) {
	providers, err := h.ledger.ListBillProviders(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=bill_providers err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Could not fetch bill providers")
		return
	}
	if providers == nil {
		providers = []domain.BillProvider{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"providers": providers})
}

// HealthHandler reports liveness of the service and its dependencies.
func (h *KioskHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"database": "ok",
		"cache":    "ok",
	}
	status := http.StatusOK

	if err := h.repo.Ping(r.Context()); err != nil {
		services["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		if errors.Is(err, app.ErrCacheNotConfigured) {
			services["cache"] = "not_configured"
		} else {
			services["cache"] = "unreachable"
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.writeJSON(w, status, map[string]interface{}{"status": overall, "services": services})
}

// writeLedgerError maps ledger errors onto the HTTP taxonomy.
func (h *KioskHandlers) writeLedgerError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrAmountOutOfRange):
		h.writeError(w, http.StatusBadRequest, "Amount out of range")
	case errors.Is(err, domain.ErrInvalidAccountNumber):
		h.writeError(w, http.StatusBadRequest, "Invalid recipient account number")
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusBadRequest, "Insufficient funds")
	case errors.Is(err, app.ErrProviderInactive):
		h.writeError(w, http.StatusBadRequest, "Bill provider is inactive")
	case errors.Is(err, store.ErrProviderNotFound):
		h.writeError(w, http.StatusNotFound, "Bill provider not found")
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	default:
		log.Printf("level=error component=api endpoint=%s err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Operation failed")
	}
}

func (h *KioskHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *KioskHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
