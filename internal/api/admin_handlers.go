/**
 * @description
 * Admin-only handlers. The router already restricts these routes to the admin
 * role; the service repeats the check for callers that bypass HTTP.
 */

package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

type adjustmentRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type airdropRequest struct {
	Recipients []string `json:"recipients" validate:"required,min=1,max=1000,dive,uuid"`
	AmountEach int64    `json:"amount_each"`
	Reason     string   `json:"reason" validate:"required,max=500"`
}

type adminUnlockRequest struct {
	Notes string `json:"notes" validate:"required,max=500"`
}

type rejectWithdrawalRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type providerBalanceResponse struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// AdjustBalanceHandler applies a signed admin adjustment.
func (h *Handlers) AdjustBalanceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req adjustmentRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	txn, err := h.service.AdminAdjust(r.Context(), actor, uuid.MustParse(req.UserID), req.Delta, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// AirdropHandler credits every recipient in one atomic unit.
func (h *Handlers) AirdropHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req airdropRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	recipients := make([]uuid.UUID, 0, len(req.Recipients))
	for _, raw := range req.Recipients {
		recipients = append(recipients, uuid.MustParse(raw))
	}
	txns, err := h.service.Airdrop(r.Context(), actor, recipients, req.AmountEach, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"transactions": txns})
}

// AdminUnlockVaultHandler releases a vault before maturity.
func (h *Handlers) AdminUnlockVaultHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req adminUnlockRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	vault, err := h.service.AdminUnlockVault(r.Context(), actor, id, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

// ListWithdrawalsHandler is the withdrawal review queue.
func (h *Handlers) ListWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var filter domain.WithdrawalFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := domain.ParseWithdrawalStatus(raw)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			h.writeServiceError(w, r, domain.NewValidationError("user_id", "must be a uuid"))
			return
		}
		filter.UserID = &userID
	}
	var err error
	if filter.Limit, err = intQuery(r, "limit"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if filter.Offset, err = intQuery(r, "offset"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	withdrawals, err := h.service.ListWithdrawals(r.Context(), actor, filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawals)
}

// SubmitWithdrawalHandler sends a pending withdrawal to the provider.
func (h *Handlers) SubmitWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	withdrawal, err := h.service.SubmitWithdrawal(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawal)
}

// RejectWithdrawalHandler refuses a pending withdrawal and restores the reserved funds.
func (h *Handlers) RejectWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req rejectWithdrawalRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	withdrawal, err := h.service.RejectWithdrawal(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawal)
}

// AuditWalletHandler compares a stored balance with its replayed ledger.
func (h *Handlers) AuditWalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := uuidParam(r, "userId")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	audit, err := h.service.AuditWallet(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// ProviderBalanceHandler reports the custodial balance for a currency.
func (h *Handlers) ProviderBalanceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	balance, err := h.service.ProviderBalance(r.Context(), actor, r.URL.Query().Get("currency"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, providerBalanceResponse{
		Currency:  balance.Currency,
		Available: balance.Available,
		Frozen:    balance.Frozen,
	})
}
