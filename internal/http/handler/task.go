package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/http/dto"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/service"
	"taskrelay.app/relay/internal/store"
)

type TaskHandler struct {
	tasks service.TaskService
}

func NewTaskHandler(tasks service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

func (h *TaskHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := service.CreateTaskParams{
		Source:          model.TaskSourceDirect,
		Message:         req.Message,
		Agent:           req.Agent,
		Model:           req.Model,
		Priority:        model.Priority(req.Priority),
		FlowKey:         req.FlowKey,
		NewConversation: req.NewConversation,
	}
	params.TraceID = logger.TraceID(ctx)

	task, err := h.tasks.Create(ctx, params)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTask):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, queue.ErrUnavailable):
			slog.ErrorContext(ctx, "task could not be enqueued", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable", "task_id": task.ID})
		default:
			slog.ErrorContext(ctx, "failed to create task", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		}
		return
	}

	c.JSON(http.StatusCreated, dto.NewTaskResponse(task))
}

func (h *TaskHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	task, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to get task", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}

	c.JSON(http.StatusOK, dto.NewTaskResponse(task))
}

func (h *TaskHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	filter := store.TaskFilter{
		Status: model.TaskStatus(c.Query("status")),
		FlowID: c.Query("flow_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	tasks, err := h.tasks.List(ctx, filter)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list tasks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}

	resp := dto.TaskListResponse{Tasks: make([]dto.TaskResponse, 0, len(tasks))}
	for i := range tasks {
		resp.Tasks = append(resp.Tasks, dto.NewTaskResponse(&tasks[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()

	res, err := h.tasks.Cancel(ctx, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, service.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": "task already finished", "status": res.Task.Status})
		default:
			slog.ErrorContext(ctx, "failed to cancel task", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
		}
		return
	}

	code := http.StatusOK
	if res.Pending {
		code = http.StatusAccepted
	}
	c.JSON(code, dto.CancelTaskResponse{Task: dto.NewTaskResponse(res.Task), Cancelling: res.Pending})
}
