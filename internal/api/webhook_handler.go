package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/app"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

const (
	headerAppID     = "X-App-Id"
	headerTimestamp = "X-Timestamp"
	headerSignature = "X-Signature"
)

// WebhookHandler receives payment provider callbacks. Once a callback is
// authenticated the response is always 200; the body tells the provider
// whether to redeliver.
func (h *Handlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	result, err := h.service.IngestWebhook(r.Context(), provider, raw, app.WebhookHeaders{
		AppID:     r.Header.Get(headerAppID),
		Timestamp: r.Header.Get(headerTimestamp),
		Signature: r.Header.Get(headerSignature),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown provider")
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrUnauthorized):
			h.logger.Warn("webhook rejected",
				zap.String("provider", provider),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid signature")
		default:
			h.writeServiceError(w, r, err)
		}
		return
	}

	status := "success"
	if !result.Outcome.Acknowledged() {
		status = "retry"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
