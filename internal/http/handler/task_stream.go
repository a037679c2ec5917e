package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/internal/http/dto"
	"taskrelay.app/relay/internal/stream"
)

// OutputReader reads a task's output stream after lastID, blocking up to
// block for new entries.
type OutputReader interface {
	Read(ctx context.Context, taskID, lastID string, block time.Duration) ([]stream.Event, error)
}

type TaskStreamHandler struct {
	reader OutputReader
	block  time.Duration
}

func NewTaskStreamHandler(reader OutputReader) *TaskStreamHandler {
	return &TaskStreamHandler{reader: reader, block: 25 * time.Second}
}

// WithBlock overrides how long one read waits before a ping is sent.
func (h *TaskStreamHandler) WithBlock(d time.Duration) *TaskStreamHandler {
	h.block = d
	return h
}

// Stream relays a task's output as Server-Sent Events. Each chunk is an
// "output" event carrying {timestamp, content}; the stream ends with a
// "done" event holding the final status. last_id resumes after a given entry.
func (h *TaskStreamHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	if h.reader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "output streaming not configured"})
		return
	}

	taskID := c.Param("id")
	lastID := c.Query("last_id")
	if lastID == "" {
		lastID = "0"
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	setSSEHeaders(c.Writer)
	sseWrite(c.Writer, "", "ping", "ready")
	flusher.Flush()

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := h.reader.Read(ctx, taskID, lastID, h.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sseWrite(c.Writer, "", "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(events) == 0 {
			sseWrite(c.Writer, "", "ping", time.Now().UTC().Format(time.RFC3339Nano))
			flusher.Flush()
			continue
		}

		for _, ev := range events {
			lastID = ev.ID
			if ev.Done {
				sseWrite(c.Writer, ev.ID, "done", map[string]string{"status": ev.Status})
				flusher.Flush()
				return
			}
			sseWrite(c.Writer, ev.ID, "output", dto.StreamChunk{
				Timestamp: ev.Chunk.Timestamp,
				Stream:    ev.Chunk.Stream,
				Content:   ev.Chunk.Content,
			})
		}
		flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, id, event string, data any) {
	payload := marshalPayload(data)
	if id != "" {
		_, _ = fmt.Fprintf(w, "id: %s\n", id)
	}
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

func marshalPayload(data any) string {
	switch payload := data.(type) {
	case string:
		return payload
	case []byte:
		return string(payload)
	default:
		bytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(bytes)
	}
}
