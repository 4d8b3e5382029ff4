package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/playmatatu/referee/internal/api/handlers"
	"github.com/playmatatu/referee/internal/config"
	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/middleware"
	"github.com/playmatatu/referee/internal/ws"
)

// Store is what the admin API reads.
type Store interface {
	handlers.Pinger
	handlers.GameReader
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, st Store, replayer handlers.Replayer, queue handlers.Submitter, hub *ws.Hub, cfg *config.Config) {
	router.Use(middleware.CORSMiddleware(cfg))

	if cfg.Environment != "production" {
		router.Use(func(c *gin.Context) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
			c.Next()
		})
		logger.Get().Infof("[DEV MODE] no-cache headers enabled for all routes")
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck(st))

		v1.POST("/admin/login", handlers.AdminLogin(cfg))

		adminGroup := v1.Group("/admin", handlers.AdminAuthMiddleware(cfg))
		{
			adminGroup.GET("/games/:id", handlers.GetAdminGameDetail(st))
			adminGroup.GET("/settlements", handlers.GetAdminSettlements(st))
			adminGroup.POST("/settlements/:id/replay", handlers.ReplaySettlement(replayer, queue))
		}

		v1.GET("/events",
			middleware.WebSocketCORSCheck(cfg),
			handlers.AdminAuthMiddleware(cfg),
			handlers.HandleEvents(hub),
		)
	}
}
