package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/app"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

type depositRequest struct {
	Currency string `json:"currency" validate:"required,max=16"`
	Chain    string `json:"chain" validate:"omitempty,max=32"`
	Amount   int64  `json:"amount" validate:"gte=0"`
}

type withdrawalRequest struct {
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency" validate:"required,max=16"`
	Chain         string `json:"chain" validate:"omitempty,max=32"`
	WalletAddress string `json:"wallet_address" validate:"required,max=256"`
	Memo          string `json:"memo" validate:"omitempty,max=128"`
}

// CreateDepositHandler opens a purchase order and returns the payment details.
func (h *Handlers) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	order, err := h.service.RequestDeposit(r.Context(), actor.UserID, app.DepositRequest{
		Currency: req.Currency,
		Chain:    req.Chain,
		Amount:   req.Amount,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListDepositsHandler lists the caller's recent purchase orders.
func (h *Handlers) ListDepositsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	orders, err := h.service.ListDepositOrders(r.Context(), actor.UserID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetDepositHandler returns a purchase order by its order id.
func (h *Handlers) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		h.writeServiceError(w, r, domain.NewValidationError("orderId", "is required"))
		return
	}
	order, err := h.service.GetDepositOrder(r.Context(), actor, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CreateWithdrawalHandler reserves funds for a payout. The request is accepted
// while the provider settles it.
func (h *Handlers) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	withdrawal, err := h.service.RequestWithdrawal(r.Context(), actor.UserID, app.WithdrawalInput{
		Amount:        req.Amount,
		Currency:      req.Currency,
		Chain:         req.Chain,
		WalletAddress: req.WalletAddress,
		Memo:          req.Memo,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, withdrawal)
}

// GetWithdrawalHandler returns one of the caller's withdrawals.
func (h *Handlers) GetWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	withdrawal, err := h.service.GetWithdrawal(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawal)
}
