package router

import (
	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/internal/http/handler"
)

func TaskRouter(rg *gin.RouterGroup, h *handler.TaskHandler, s *handler.TaskStreamHandler) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.POST("/:id/cancel", h.Cancel)
	rg.GET("/:id/stream", s.Stream)
}
