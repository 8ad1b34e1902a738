package router

import (
	"github.com/gin-gonic/gin"

	"chainpulse.dev/pulse/internal/http/handler"
	"chainpulse.dev/pulse/internal/metrics"
)

type RouterConfig struct {
	AdminAPIKey string
}

func SetupRoutes(router *gin.Engine, triggerHandler *handler.TriggerHandler, breakerHandler *handler.BreakerHandler, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		TriggerRouter(v1.Group("/triggers"), triggerHandler, breakerHandler, cfg.AdminAPIKey)
	}
}
