package router

import (
	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/internal/http/handler/webhook"
)

func WebhookRouter(rg *gin.RouterGroup, h *webhook.Handler) {
	rg.POST("/:provider/:webhook_id", h.HandleEvent)
}
