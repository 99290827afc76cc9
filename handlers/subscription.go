package handlers

import (
	"context"
	"net/http"

	"kenfuse-payment-svc/models"
	"kenfuse-payment-svc/subscription"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Upgrader interface {
	Upgrade(ctx context.Context, req subscription.UpgradeRequest) (*subscription.UpgradeResult, error)
	Plans() []models.Plan
}

type SubscriptionHandler struct {
	upgrader Upgrader
	logger   *zap.Logger
}

func NewSubscriptionHandler(u Upgrader, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{upgrader: u, logger: logger}
}

func (h *SubscriptionHandler) Upgrade(c *gin.Context) {
	var req models.UpgradeSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	method, err := subscription.ParseMethod(string(req.PaymentMethod))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	res, err := h.upgrader.Upgrade(c.Request.Context(), subscription.UpgradeRequest{
		UserID: userID(c),
		Plan:   req.Plan,
		Method: method,
		Phone:  req.Phone,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := models.UpgradeSubscriptionResponse{
		Status:            res.Status,
		Plan:              res.Plan.Name,
		Amount:            res.Plan.Price.StringFixed(2),
		User:              res.User,
		Payment:           res.Payment,
		CheckoutRequestID: res.CheckoutRequestID,
		ClientSecret:      res.ClientSecret,
		PaymentIntentID:   res.PaymentIntentID,
	}
	if res.Status == models.UpgradeApplied {
		resp.Message = "Subscription updated"
		c.JSON(http.StatusOK, resp)
		return
	}
	resp.Message = "Complete the payment to activate your subscription"
	c.JSON(http.StatusAccepted, resp)
}

func (h *SubscriptionHandler) Plans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.upgrader.Plans()})
}
