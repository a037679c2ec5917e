package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/internal/http/handler"
	"taskrelay.app/relay/internal/http/handler/webhook"
	"taskrelay.app/relay/internal/http/middleware"
	"taskrelay.app/relay/internal/service"
)

type RouterConfig struct {
	AdminAPIKey string
	TraceHeader string
	// Output serves /tasks/:id/stream; nil disables streaming.
	Output handler.OutputReader
}

func SetupRoutes(router *gin.Engine, services *service.Services, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhookHandler := webhook.NewHandler(services.WebhookIngest(), cfg.TraceHeader)
	WebhookRouter(router.Group("/webhooks"), webhookHandler)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/rules/schema", handler.RulesSchema)

		tasks := v1.Group("/tasks", middleware.RequireAPIKey(cfg.AdminAPIKey))
		TaskRouter(tasks, handler.NewTaskHandler(services.Tasks()), handler.NewTaskStreamHandler(cfg.Output))
	}
}
