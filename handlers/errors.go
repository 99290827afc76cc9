package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"kenfuse-payment-svc/apperr"
	"kenfuse-payment-svc/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps the apperr taxonomy onto HTTP status codes.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	traceID := middleware.GetTraceID(c.Request.Context())
	_ = c.Error(err)

	var (
		vErr    *apperr.ValidationError
		authErr *apperr.AuthError
		gwErr   *apperr.GatewayError
	)
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.As(err, &authErr):
		logger.Error("Gateway authentication failed",
			zap.String("trace_id", traceID),
			zap.String("gateway", authErr.Gateway),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider authentication failed"})
	case errors.As(err, &gwErr) && gwErr.Retryable:
		logger.Warn("Gateway unavailable", zap.String("trace_id", traceID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment provider temporarily unavailable"})
	case errors.As(err, &gwErr):
		body := gin.H{"error": "Payment request rejected by provider"}
		if len(gwErr.Raw) > 0 {
			if json.Valid(gwErr.Raw) {
				body["details"] = json.RawMessage(gwErr.Raw)
			} else {
				body["details"] = string(gwErr.Raw)
			}
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Payment state conflict"})
	default:
		logger.Error("Request failed", zap.String("trace_id", traceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func userID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}
