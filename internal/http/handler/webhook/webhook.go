package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/http/dto"
	"taskrelay.app/relay/internal/mapper"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/rules"
	"taskrelay.app/relay/internal/service"
	"taskrelay.app/relay/internal/signature"
)

// MaxBodyBytes bounds an inbound webhook body.
const MaxBodyBytes = 5 << 20

type Handler struct {
	ingest      service.WebhookIngestService
	traceHeader string
}

func NewHandler(ingest service.WebhookIngestService, traceHeader string) *Handler {
	return &Handler{ingest: ingest, traceHeader: traceHeader}
}

// HandleEvent accepts a provider's native payload on
// /webhooks/:provider/:webhook_id. The raw body is passed through untouched
// because signatures are computed over the exact bytes.
func (h *Handler) HandleEvent(c *gin.Context) {
	ctx := c.Request.Context()

	provider, ok := model.ParseProvider(c.Param("provider"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	traceID := c.GetHeader(h.traceHeader)
	if traceID == "" {
		traceID = logger.TraceID(ctx)
	}

	result, err := h.ingest.Ingest(ctx, service.WebhookRequest{
		Provider:  provider,
		WebhookID: c.Param("webhook_id"),
		Headers:   c.Request.Header,
		Body:      body,
		TraceID:   traceID,
	})
	if err != nil {
		switch {
		case errors.Is(err, rules.ErrWebhookNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		case errors.Is(err, signature.ErrInvalid):
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		case errors.Is(err, mapper.ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			slog.ErrorContext(ctx, "failed to process webhook", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.NewWebhookResponse(result))
}
