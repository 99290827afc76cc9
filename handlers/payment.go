package handlers

import (
	"context"
	"net/http"
	"strconv"

	"kenfuse-payment-svc/models"
	"kenfuse-payment-svc/payments"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PaymentService interface {
	InitiateMobileMoney(ctx context.Context, in payments.MobileMoneyInput) (*payments.MobileMoneyResult, error)
	InitiateCard(ctx context.Context, in payments.CardInput) (*payments.CardResult, error)
	GetPayment(ctx context.Context, userID, id string) (*models.PaymentRecord, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error)
}

type PaymentHandler struct {
	payments PaymentService
	logger   *zap.Logger
}

func NewPaymentHandler(svc PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: svc, logger: logger}
}

func (h *PaymentHandler) InitiateMobileMoney(c *gin.Context) {
	ctx, span := otel.Tracer("payment-service").Start(c.Request.Context(), "InitiateMobileMoney_HTTP")
	defer span.End()

	var req models.MobileMoneyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.payments.InitiateMobileMoney(ctx, payments.MobileMoneyInput{
		UserID:      userID(c),
		Amount:      req.Amount,
		Phone:       req.Phone,
		Description: req.Description,
		Purpose:     models.PurposePayment,
	})
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	span.SetAttributes(attribute.String("payment.id", res.Payment.ID))
	c.JSON(http.StatusAccepted, models.MobileMoneyPaymentResponse{
		Message:           "Payment request sent. Check your phone to complete the payment.",
		Payment:           res.Payment,
		CheckoutRequestID: res.CheckoutRequestID,
	})
}

func (h *PaymentHandler) InitiateCard(c *gin.Context) {
	ctx, span := otel.Tracer("payment-service").Start(c.Request.Context(), "InitiateCard_HTTP")
	defer span.End()

	var req models.CardPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.payments.InitiateCard(ctx, payments.CardInput{
		UserID:      userID(c),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Purpose:     models.PurposePayment,
	})
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	span.SetAttributes(attribute.String("payment.id", res.Payment.ID))
	c.JSON(http.StatusOK, models.CardPaymentResponse{
		Message:         "Payment intent created",
		ClientSecret:    res.ClientSecret,
		PaymentIntentID: res.PaymentIntentID,
		Payment:         res.Payment,
	})
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.payments.GetPayment(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) ListPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.payments.ListPayments(c.Request.Context(), userID(c), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.PaymentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": list})
}
