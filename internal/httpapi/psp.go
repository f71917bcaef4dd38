package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"usagemeter/internal/platform/logging"
	"usagemeter/internal/psp"
)

// PSPHandler serves the payment processor webhook: HMAC-verified
// subscription status mutations. Everything else the PSP emits is the
// dashboard/billing UI's concern, not the core's.
type PSPHandler struct {
	handler *psp.Handler
	logger  logging.Logger
}

// NewPSPHandler constructs a PSPHandler.
func NewPSPHandler(handler *psp.Handler, logger logging.Logger) *PSPHandler {
	return &PSPHandler{handler: handler, logger: logger}
}

type pspWebhookPayload struct {
	SubscriptionID string `json:"subscription_id"`
	OrganizationID string `json:"organization_id"`
	Status         string `json:"status"`
}

// Handle handles POST /webhooks/psp.
func (h *PSPHandler) Handle(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		failInvalidRequest(c, "failed to read request body", nil)
		return
	}

	timestamp := c.GetHeader("X-Webhook-Timestamp")
	signature := c.GetHeader("X-Webhook-Signature")

	if err := h.handler.VerifySignature(raw, timestamp, signature); err != nil {
		switch {
		case errors.Is(err, psp.ErrInvalidSignature):
			failUnauthorized(c, "invalid webhook signature")
		case errors.Is(err, psp.ErrStaleTimestamp):
			failUnauthorized(c, "webhook timestamp outside tolerance")
		default:
			failInvalidRequest(c, "malformed webhook timestamp", nil)
		}
		return
	}

	var payload pspWebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		failInvalidRequest(c, "malformed webhook payload", nil)
		return
	}

	event := psp.Event{
		SubscriptionID: payload.SubscriptionID,
		OrganizationID: payload.OrganizationID,
		Status:         psp.SubscriptionStatus(payload.Status),
	}

	if err := h.handler.ApplySubscriptionStatus(event); err != nil {
		h.logger.WithError(err).Error("failed to apply PSP subscription status")
		failInternal(c, "failed to apply subscription status")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
