/**
 * @description
 * This file contains the HTTP handlers for wallet, transfer, tip, rain and vault
 * endpoints, along with the shared request decoding and error mapping helpers.
 * Handlers parse and validate requests, call the ledger service, and write JSON.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/go-playground/validator/v10: Request DTO validation.
 * - internal/app, internal/domain: Ledger service and error taxonomy.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/app"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

const maxRequestBody = 1 << 20

// Handlers holds the ledger service that handlers will use.
type Handlers struct {
	service  *app.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	// Report json field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Handlers{service: service, validate: v, logger: logger.Named("api")}
}

type transferRequest struct {
	ToUserID string            `json:"to_user_id" validate:"required,uuid"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata" validate:"omitempty,max=20"`
}

type tipRequest struct {
	ToUserID string `json:"to_user_id" validate:"required,uuid"`
	Amount   int64  `json:"amount"`
	Source   string `json:"source" validate:"omitempty,max=64"`
}

type rainRequest struct {
	Amount            int64  `json:"amount"`
	EligibleUserCount int    `json:"eligible_user_count" validate:"gte=0"`
	Channel           string `json:"channel" validate:"omitempty,max=64"`
}

type lockVaultRequest struct {
	Amount        int64      `json:"amount"`
	UnlockTime    *time.Time `json:"unlock_time"`
	WalletAddress string     `json:"wallet_address" validate:"omitempty,max=128"`
	Notes         string     `json:"notes" validate:"omitempty,max=500"`
}

// actor returns the caller or writes a 401.
func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
	}
	return actor, ok
}

// decode reads a JSON body into dst and validates it.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		return domain.NewValidationError("", "invalid request body")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.NewValidationError(verrs[0].Field(), fmt.Sprintf("failed %q check", verrs[0].Tag()))
		}
		return domain.NewValidationError("", err.Error())
	}
	return nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.NewValidationError(name, "must be a uuid")
	}
	return id, nil
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return v, nil
}

func timeQuery(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, domain.NewValidationError(name, "must be an RFC3339 timestamp")
	}
	return &t, nil
}

// listQuery splits repeated and comma separated values of a query parameter.
func listQuery(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// GetWalletHandler returns the caller's balance.
func (h *Handlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetBalance(r.Context(), actor.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// OpenWalletHandler provisions the caller's wallet. Repeated calls return the same wallet.
func (h *Handlers) OpenWalletHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	wallet, err := h.service.OpenWallet(r.Context(), actor.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListTransactionsHandler returns a page of the caller's history.
func (h *Handlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	filter := domain.TransactionFilter{UserID: actor.UserID}
	for _, raw := range listQuery(r, "type") {
		t, err := domain.ParseTransactionType(raw)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		filter.Types = append(filter.Types, t)
	}
	for _, raw := range listQuery(r, "status") {
		s, err := domain.ParseTransactionStatus(raw)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	var err error
	if filter.From, err = timeQuery(r, "from"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if filter.To, err = timeQuery(r, "to"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if filter.Limit, err = intQuery(r, "limit"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if filter.Offset, err = intQuery(r, "offset"); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	page, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// TransferHandler moves funds from the caller to another user.
func (h *Handlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.service.Transfer(r.Context(), actor.UserID, uuid.MustParse(req.ToUserID), req.Amount, domain.TransferReasonTransfer, req.Metadata)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// TipHandler sends a tip with the configured burn split.
func (h *Handlers) TipHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req tipRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.service.Tip(r.Context(), actor, app.TipRequest{
		ToUserID: uuid.MustParse(req.ToUserID),
		Amount:   req.Amount,
		Source:   req.Source,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// RainHandler splits an amount across recently active users.
func (h *Handlers) RainHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req rainRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.service.Rain(r.Context(), actor, app.RainRequest{
		Amount:            req.Amount,
		EligibleUserCount: req.EligibleUserCount,
		Channel:           req.Channel,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// LockVaultHandler moves funds into a time-locked vault.
func (h *Handlers) LockVaultHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req lockVaultRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	vault, err := h.service.LockVault(r.Context(), actor.UserID, app.LockVaultRequest{
		WalletAddress: req.WalletAddress,
		Amount:        req.Amount,
		UnlockTime:    req.UnlockTime,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, vault)
}

// ListVaultsHandler lists the caller's vaults.
func (h *Handlers) ListVaultsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	vaults, err := h.service.ListVaults(r.Context(), actor.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vaults)
}

// GetVaultHandler returns one vault owned by the caller.
func (h *Handlers) GetVaultHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	vault, err := h.service.GetVault(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

// UnlockVaultHandler releases a matured vault.
func (h *Handlers) UnlockVaultHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	vault, err := h.service.UnlockVault(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

// writeServiceError maps the error taxonomy onto HTTP status codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldown *domain.CooldownError
	switch {
	case errors.As(err, &cooldown):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cooldown.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidTransfer):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not permitted")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPaymentProvider):
		h.logger.Warn("payment provider failure",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
