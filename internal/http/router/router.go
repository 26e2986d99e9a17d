package router

import (
	"github.com/gin-gonic/gin"

	"dealbridge.app/sync/internal/http/handler"
	"dealbridge.app/sync/internal/http/middleware"
)

type RouterConfig struct {
	IsProduction    bool
	TraceHeaderName string
	AdminAPIKey     string
}

type Handlers struct {
	Webhook *handler.WebhookHandler
	Admin   *handler.AdminHandler
}

func SetupRoutes(router *gin.Engine, handlers Handlers, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	WebhookRouter(router.Group("/webhooks/crm"), handlers.Webhook)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireAdminKey(cfg.AdminAPIKey))
	{
		AdminRouter(v1.Group("/deals"), handlers.Admin)
	}
}
