package router

import (
	"github.com/gin-gonic/gin"

	"chainpulse.dev/pulse/internal/http/handler"
)

// TriggerRouter sets up the trigger operations routes. Everything here is
// admin-only; trigger CRUD lives in the dashboard API, not this service.
func TriggerRouter(rg *gin.RouterGroup, th *handler.TriggerHandler, bh *handler.BreakerHandler, adminAPIKey string) {
	rg.Use(handler.RequireAdminAPIKey(adminAPIKey))

	rg.GET("/:id", th.Get)
	rg.POST("/:id/enable", th.SetEnabled(true))
	rg.POST("/:id/disable", th.SetEnabled(false))
	rg.GET("/:id/results", th.Results)

	rg.GET("/:id/breaker", bh.Status)
	rg.POST("/:id/breaker/close", bh.ForceClose)
}
