package worker

import (
	"context"

	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/runner"
)

// ProcessRunner runs one subprocess to completion. *runner.Runner is the
// production implementation.
type ProcessRunner interface {
	Run(ctx context.Context, spec runner.Spec, out chan<- runner.Chunk) (*runner.Outcome, error)
}

// ConversationContext is the slice of the flow tracker the executor needs.
type ConversationContext interface {
	ContextFor(ctx context.Context, flowID, conversationID, taskID string) ([]model.ConversationMessage, error)
	RecordResult(ctx context.Context, flowID, conversationID, taskID, content string) error
}

// Completer posts a finished task back to its origin.
type Completer interface {
	Complete(ctx context.Context, task *model.Task) (completion.PostResult, error)
}
