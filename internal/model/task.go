package model

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
}

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo reports whether s -> next is a legal edge.
// QUEUED -> FAILED exists for tasks that could not be enqueued.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TaskSource string

const (
	TaskSourceWebhook TaskSource = "webhook"
	TaskSourceDirect  TaskSource = "direct"
)

// Priority is the queue class a task waits in. Within a class tasks are FIFO.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists classes in the order workers drain them.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

type Task struct {
	ID             string       `json:"id"`
	Status         TaskStatus   `json:"status"`
	Source         TaskSource   `json:"source"`
	Provider       Provider     `json:"provider,omitempty"`
	InputMessage   string       `json:"input_message"`
	AssignedAgent  string       `json:"assigned_agent"`
	Model          string       `json:"model,omitempty"`
	Priority       Priority     `json:"priority"`
	FlowID         *string      `json:"flow_id,omitempty"`
	ConversationID *string      `json:"conversation_id,omitempty"`
	SessionID      string       `json:"session_id"`
	ReplyTarget    *ReplyTarget `json:"reply_target,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CostUSD        float64      `json:"cost_usd"`
	InputTokens    int64        `json:"input_tokens"`
	OutputTokens   int64        `json:"output_tokens"`
	Error          *string      `json:"error,omitempty"`
	Result         string       `json:"result,omitempty"`
}

// Duration is the wall time between start and completion, or zero.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// TaskOutcome is what a worker records when a task reaches a terminal state.
type TaskOutcome struct {
	Status       TaskStatus
	Result       string
	Error        *string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
}
