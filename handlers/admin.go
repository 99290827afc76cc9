package handlers

import (
	"context"
	"net/http"
	"strconv"

	"kenfuse-payment-svc/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Sweeper interface {
	Sweep(ctx context.Context, limit int) (int, error)
}

type AdminHandler struct {
	sweeper Sweeper
	logger  *zap.Logger
}

func NewAdminHandler(s Sweeper, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{sweeper: s, logger: logger}
}

// Reconcile runs one fulfillment sweep. Partial failures still report how
// many payments were applied.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	applied, err := h.sweeper.Sweep(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Reconciliation sweep had failures",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.Int("applied", applied),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"applied": applied, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}
