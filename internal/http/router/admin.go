package router

import (
	"github.com/gin-gonic/gin"

	"dealbridge.app/sync/internal/http/handler"
)

func AdminRouter(group *gin.RouterGroup, h *handler.AdminHandler) {
	group.POST("/:id/sync", h.Resync)
	group.GET("/:id/runs", h.ListRuns)
}
