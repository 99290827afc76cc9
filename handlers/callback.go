package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"kenfuse-payment-svc/gateway/card"
	"kenfuse-payment-svc/middleware"
	"kenfuse-payment-svc/reconciler"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

type CallbackReconciler interface {
	HandleMobileMoneyCallback(ctx context.Context, raw []byte) (reconciler.Outcome, error)
	HandleCardEvent(ctx context.Context, ev *card.CardEvent) (reconciler.Outcome, error)
}

type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*card.CardEvent, error)
}

type CallbackHandler struct {
	reconciler CallbackReconciler
	webhooks   WebhookVerifier
	logger     *zap.Logger
}

func NewCallbackHandler(r CallbackReconciler, webhooks WebhookVerifier, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{reconciler: r, webhooks: webhooks, logger: logger}
}

// MobileMoneyCallback always acknowledges. Daraja does not retry on errors,
// so a callback that cannot be recorded is logged for manual review and the
// payment stays awaiting_callback.
func (h *CallbackHandler) MobileMoneyCallback(c *gin.Context) {
	traceID := middleware.GetTraceID(c.Request.Context())

	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("Failed to read mobile money callback", zap.String("trace_id", traceID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	outcome, err := h.reconciler.HandleMobileMoneyCallback(c.Request.Context(), raw)
	if err != nil {
		h.logger.Error("Mobile money callback not reconciled",
			zap.String("trace_id", traceID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CardWebhook rejects unsigned payloads with 400 and internal failures with
// 500; Stripe redelivers both.
func (h *CallbackHandler) CardWebhook(c *gin.Context) {
	traceID := middleware.GetTraceID(c.Request.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	ev, err := h.webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, card.ErrInvalidSignature) {
			h.logger.Warn("Card webhook signature rejected", zap.String("trace_id", traceID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
			return
		}
		h.logger.Error("Failed to parse card webhook", zap.String("trace_id", traceID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	outcome, err := h.reconciler.HandleCardEvent(c.Request.Context(), ev)
	if err != nil {
		h.logger.Error("Card webhook not reconciled",
			zap.String("trace_id", traceID),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}
