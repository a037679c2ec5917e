package store

import (
	"context"
	"errors"
	"time"

	"taskrelay.app/relay/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// TaskStore is the durable record of every task. Status changes are
// compare-and-swap: each returns false when the task was not in the
// expected state, which is how double claims and late cancels are refused.
type TaskStore interface {
	Create(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]model.Task, error)

	// ClaimQueued moves QUEUED -> RUNNING and stamps started_at.
	ClaimQueued(ctx context.Context, id string, at time.Time) (bool, *model.Task, error)
	// Finish moves RUNNING -> outcome.Status and stamps completed_at.
	Finish(ctx context.Context, id string, outcome model.TaskOutcome, at time.Time) (bool, error)
	// CancelQueued moves QUEUED -> CANCELLED.
	CancelQueued(ctx context.Context, id string, at time.Time) (bool, error)
	// FailQueued moves QUEUED -> FAILED for tasks that never reached the queue.
	FailQueued(ctx context.Context, id string, errMsg string, at time.Time) (bool, error)

	SetConversation(ctx context.Context, id, conversationID string) error
}

type TaskFilter struct {
	Status model.TaskStatus
	FlowID string
	Limit  int
}

// ConversationStore owns conversations and their history. All mutation of a
// flow's state happens inside InFlow, which admits one writer per flow id.
type ConversationStore interface {
	InFlow(ctx context.Context, flowID string, fn func(ops FlowOps) error) error
	Get(ctx context.Context, id string) (*model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]model.ConversationMessage, error)
}

// FlowOps are the operations available while holding a flow's lock.
type FlowOps interface {
	// Live returns the flow's non-broken conversation or ErrNotFound.
	Live(ctx context.Context) (*model.Conversation, error)
	Create(ctx context.Context, conv *model.Conversation) error
	MarkBroken(ctx context.Context, conversationID string, at time.Time) error
	// AttachTask links taskID once; it returns false if already linked.
	AttachTask(ctx context.Context, conversationID, taskID string) (bool, error)
	// Append assigns the next sequence number and stores msg.
	Append(ctx context.Context, conversationID string, msg model.ConversationMessage) (model.ConversationMessage, error)
	// Recent returns up to limit messages with seq < beforeSeq (0 = no bound), oldest first.
	Recent(ctx context.Context, conversationID string, limit, beforeSeq int) ([]model.ConversationMessage, error)
	// SeqOf returns the seq of the user message recorded for taskID, or 0.
	SeqOf(ctx context.Context, conversationID, taskID string) (int, error)
}
