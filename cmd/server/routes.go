package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-broker/internal/alerts"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/execution"
	"github.com/ksred/klear-broker/internal/metrics"
	"github.com/ksred/klear-broker/internal/positions"
	"github.com/ksred/klear-broker/internal/ratelimit"
	"github.com/ksred/klear-broker/internal/trading"
	"github.com/ksred/klear-broker/pkg/middleware"
)

type limiters struct {
	auth   *ratelimit.Limiter
	api    *ratelimit.Limiter
	orders *ratelimit.Limiter
}

type handlers struct {
	authService *auth.Service
	auth        *auth.GinHandlers
	connections *connections.GinHandlers
	trading     *trading.GinHandlers
	positions   *positions.GinHandlers
	alerts      *alerts.GinHandlers
	execution   *execution.GinHandlers
}

// setupRoutes configures all API endpoints. Caller routes authenticate
// before rate limiting so limits are counted per user; the token endpoint
// is limited per source address. Internal routes require the internal
// bearer token.
func setupRoutes(router *gin.Engine, cfg *config.Config, limits limiters, h handlers) {
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	jwtAuth := middleware.JWTAuth(h.authService)
	authLimit := middleware.RateLimit(limits.auth)
	apiLimit := middleware.RateLimit(limits.api)
	orderLimit := middleware.RateLimit(limits.orders)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequestLogger())
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authLimit, h.auth.GenerateTokenHandler())
		}

		// Connection routes
		conns := v1.Group("/connections")
		conns.Use(jwtAuth)
		{
			conns.GET("", apiLimit, h.connections.ListHandler())
			conns.POST("/:broker", authLimit, h.connections.InitiateHandler())
			conns.POST("/:broker/exchange", authLimit, h.connections.ExchangeHandler())
			conns.POST("/:broker/session", authLimit, h.connections.SessionHandler())
			conns.DELETE("/:broker", apiLimit, h.connections.DisconnectHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(jwtAuth)
		{
			orders.POST("", orderLimit, h.trading.SubmitOrderHandler())
			orders.GET("/:order_id", apiLimit, h.trading.GetOrderHandler())
			orders.POST("/:order_id/cancel", orderLimit, h.trading.CancelOrderHandler())
		}

		account := v1.Group("")
		account.Use(jwtAuth, apiLimit)
		{
			account.GET("/positions", h.positions.ListHandler())
			account.GET("/alerts", h.alerts.ListHandler())
			account.POST("/alerts/:alert_id/read", h.alerts.MarkReadHandler())
		}

		// Internal routes (broker webhooks and operators)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.Security.InternalToken))
		{
			internal.POST("/callbacks/:broker", h.execution.CallbackHandler())
			internal.POST("/jobs/sync-positions", h.execution.SyncPositionsHandler())
			internal.GET("/jobs/failed", h.execution.ListFailedHandler())
			internal.POST("/jobs/failed/:job_id/requeue", h.execution.RequeueFailedHandler())
		}
	}
}
