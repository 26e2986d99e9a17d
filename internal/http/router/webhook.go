package router

import (
	"github.com/gin-gonic/gin"

	"dealbridge.app/sync/internal/http/handler"
)

func WebhookRouter(group *gin.RouterGroup, h *handler.WebhookHandler) {
	group.POST("/deals", h.DealEvent)
	group.POST("/line-items", h.LineItemEvent)
}
