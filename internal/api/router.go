// Package api exposes the checkout engine over HTTP with gin.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter registers every route on a fresh gin engine.
func NewRouter(h *Handler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), requestLogger(h.log))

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/settlements", h.Settle)
	api.POST("/settlements/reconcile", h.Reconcile)

	api.POST("/accounts", h.CreateAccount)
	api.GET("/accounts/:id", h.GetAccount)
	api.POST("/accounts/:id/funds", h.AddFunds)
	api.POST("/accounts/:id/tokens", h.AddBonusTokens)
	api.GET("/accounts/:id/orders", h.ListOrders)
	api.GET("/accounts/:id/token-transactions", h.ListTokenTransactions)
	api.GET("/accounts/:id/reconciliation", h.TokenReconciliation)

	api.GET("/products", h.ListProducts)
	api.GET("/products/:id", h.GetProduct)
	api.POST("/products", h.CreateProduct)

	api.POST("/orders/cart", h.AddToCart)
	return r
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("[HTTP]",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
