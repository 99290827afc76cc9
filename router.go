package main

import (
	"slices"
	"time"

	"kenfuse-payment-svc/config"
	"kenfuse-payment-svc/handlers"
	"kenfuse-payment-svc/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

type routes struct {
	payments     *handlers.PaymentHandler
	callbacks    *handlers.CallbackHandler
	subscription *handlers.SubscriptionHandler
	admin        *handlers.AdminHandler
}

func newRouter(cfg *config.Config, logger *zap.Logger, r routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	// gateway notifications carry no user token
	router.POST("/payments/mobile-money/callback", r.callbacks.MobileMoneyCallback)
	router.POST("/payments/card/webhook", r.callbacks.CardWebhook)
	router.GET("/subscriptions/plans", r.subscription.Plans)

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware([]byte(cfg.JWTSecret)))
	{
		protected.POST("/payments/mobile-money", r.payments.InitiateMobileMoney)
		protected.POST("/payments/card", r.payments.InitiateCard)
		protected.GET("/payments", r.payments.ListPayments)
		protected.GET("/payments/:id", r.payments.GetPayment)
		protected.POST("/subscriptions/upgrade", r.subscription.Upgrade)
	}

	admin := router.Group("/admin")
	admin.Use(middleware.AuthMiddleware([]byte(cfg.JWTSecret)), middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.POST("/payments/reconcile", r.admin.Reconcile)
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}
