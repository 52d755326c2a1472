package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/TambongStercy/SBC-MS-sub009/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Providers retry aggressively; keep payload reads bounded.
const maxWebhookBody = 1 << 20

// WebhookHandler ingests asynchronous status pushes from payout providers.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// HandleProviderWebhook handles POST /v1/webhooks/{provider}.
// Payloads that cannot be parsed, or that match no withdrawal even after the
// reverse lookup by provider reference, earn a 400.
func (h *WebhookHandler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		zap.L().Error("read webhook body failed", zap.Error(err), zap.String("provider", providerName))
		RespondError(w, r, http.StatusBadRequest, "webhook/unreadable-body", "Failed to read request body")
		return
	}

	if err := h.webhookSvc.HandleWebhook(r.Context(), providerName, body); err != nil {
		switch {
		case errors.Is(err, provider.ErrUnknownProvider):
			RespondError(w, r, http.StatusNotFound, "webhook/unknown-provider", "Unknown provider")
		case errors.Is(err, provider.ErrMalformedWebhook):
			RespondError(w, r, http.StatusBadRequest, "webhook/malformed-payload", "Malformed webhook payload")
		default:
			zap.L().Error("process webhook failed", zap.Error(err), zap.String("provider", providerName))
			RespondError(w, r, http.StatusInternalServerError, "webhook/processing-failed", "Failed to process webhook")
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
