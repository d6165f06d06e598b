/**
 * @description
 * This file sets up the HTTP router for the ledger service. It defines the public
 * endpoints (health, metrics, provider webhooks), the authenticated user API under
 * /api/v1 and the admin-only routes beneath it.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

// NewRouter creates and returns the service's root router.
func NewRouter(h *Handlers, auth AuthConfig, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Provider callbacks authenticate by signature, not by token.
	r.Post("/webhook/{provider}", h.WebhookHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(auth))

		r.Get("/wallet", h.GetWalletHandler)
		r.Post("/wallet", h.OpenWalletHandler)
		r.Get("/wallet/transactions", h.ListTransactionsHandler)

		r.Post("/transfers", h.TransferHandler)
		r.Post("/tips", h.TipHandler)
		r.Post("/rains", h.RainHandler)

		r.Post("/vaults", h.LockVaultHandler)
		r.Get("/vaults", h.ListVaultsHandler)
		r.Get("/vaults/{id}", h.GetVaultHandler)
		r.Post("/vaults/{id}/unlock", h.UnlockVaultHandler)

		r.Post("/deposits", h.CreateDepositHandler)
		r.Get("/deposits", h.ListDepositsHandler)
		r.Get("/deposits/{orderId}", h.GetDepositHandler)
		r.Post("/withdrawals", h.CreateWithdrawalHandler)
		r.Get("/withdrawals/{id}", h.GetWithdrawalHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin))

			r.Post("/adjustments", h.AdjustBalanceHandler)
			r.Post("/airdrops", h.AirdropHandler)
			r.Post("/vaults/{id}/unlock", h.AdminUnlockVaultHandler)
			r.Get("/withdrawals", h.ListWithdrawalsHandler)
			r.Post("/withdrawals/{id}/submit", h.SubmitWithdrawalHandler)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawalHandler)
			r.Get("/wallets/{userId}/audit", h.AuditWalletHandler)
			r.Get("/provider/balance", h.ProviderBalanceHandler)
		})
	})

	return r
}
