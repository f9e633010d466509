package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/listing-pipeline/internal/api/dto"
	"github.com/cuongbtq/listing-pipeline/internal/billing"
	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

// WebhookHandler receives signed payment notifications
type WebhookHandler struct {
	logger   *slog.Logger
	granter  EventGranter
	secret   []byte
	maxBytes int64
}

func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	maxBytes := deps.MaxPayloadBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &WebhookHandler{
		logger:   deps.Logger,
		granter:  deps.Granter,
		secret:   deps.SigningSecret,
		maxBytes: maxBytes,
	}
}

// Payments handles POST /api/v1/webhooks/payments
// The signature is checked over the raw body before anything is decoded.
func (h *WebhookHandler) Payments(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, h.logger, "payment_webhook", domain.NewValidationError("body", "payload too large"))
			return
		}
		respondError(c, h.logger, "payment_webhook", domain.NewValidationError("body", err.Error()))
		return
	}

	if err := billing.VerifySignature(h.secret, raw, c.GetHeader(billing.SignatureHeader)); err != nil {
		respondError(c, h.logger, "payment_webhook", err)
		return
	}

	event, err := billing.DecodeEvent(raw)
	if err != nil {
		respondError(c, h.logger, "payment_webhook", err)
		return
	}

	outcome, err := h.granter.HandleEvent(c.Request.Context(), event)
	if err != nil {
		respondError(c, h.logger, "payment_webhook", err)
		return
	}

	c.JSON(http.StatusOK, dto.WebhookResponse{
		Received: true,
		Granted:  outcome.Granted,
		Reason:   outcome.Reason,
		Balance:  outcome.Balance,
	})
}
