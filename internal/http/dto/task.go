package dto

import (
	"time"

	"taskrelay.app/relay/internal/model"
)

type CreateTaskRequest struct {
	Message         string `json:"message" binding:"required"`
	Agent           string `json:"agent,omitempty"`
	Model           string `json:"model,omitempty"`
	Priority        string `json:"priority,omitempty" binding:"omitempty,oneof=high normal low"`
	FlowKey         string `json:"flow_key,omitempty"`
	NewConversation *bool  `json:"new_conversation,omitempty"`
}

type TaskResponse struct {
	ID             string             `json:"id"`
	Status         model.TaskStatus   `json:"status"`
	Source         model.TaskSource   `json:"source"`
	Provider       string             `json:"provider,omitempty"`
	InputMessage   string             `json:"input_message"`
	AssignedAgent  string             `json:"assigned_agent"`
	Model          string             `json:"model,omitempty"`
	Priority       model.Priority     `json:"priority"`
	FlowID         *string            `json:"flow_id,omitempty"`
	ConversationID *string            `json:"conversation_id,omitempty"`
	SessionID      string             `json:"session_id"`
	ReplyTarget    *model.ReplyTarget `json:"reply_target,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	DurationMS     int64              `json:"duration_ms,omitempty"`
	CostUSD        float64            `json:"cost_usd"`
	InputTokens    int64              `json:"input_tokens"`
	OutputTokens   int64              `json:"output_tokens"`
	Error          *string            `json:"error,omitempty"`
	Result         string             `json:"result,omitempty"`
}

func NewTaskResponse(t *model.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		Status:         t.Status,
		Source:         t.Source,
		Provider:       string(t.Provider),
		InputMessage:   t.InputMessage,
		AssignedAgent:  t.AssignedAgent,
		Model:          t.Model,
		Priority:       t.Priority,
		FlowID:         t.FlowID,
		ConversationID: t.ConversationID,
		SessionID:      t.SessionID,
		ReplyTarget:    t.ReplyTarget,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		DurationMS:     t.Duration().Milliseconds(),
		CostUSD:        t.CostUSD,
		InputTokens:    t.InputTokens,
		OutputTokens:   t.OutputTokens,
		Error:          t.Error,
		Result:         t.Result,
	}
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

type CancelTaskResponse struct {
	Task TaskResponse `json:"task"`
	// Cancelling is true while the worker is still stopping the process.
	Cancelling bool `json:"cancelling"`
}

type StreamChunk struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream,omitempty"`
	Content   string    `json:"content"`
}
