package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskrelay.app/relay/common/id"
	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/store"
)

// IDFor derives the flow id for an external thread. The same thread key
// always yields the same id.
func IDFor(key event.ThreadKey) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return "flow-" + hex.EncodeToString(sum[:])[:12]
}

var breakPhrases = []string{
	"new conversation",
	"start fresh",
	"new context",
	"reset conversation",
}

// ShouldStartNew reports whether a prompt asks for a fresh conversation.
// An explicit flag wins over the prompt text.
func ShouldStartNew(prompt string, explicit *bool) bool {
	if explicit != nil {
		return *explicit
	}
	lower := strings.ToLower(prompt)
	for _, phrase := range breakPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Resolution is the conversation a task was bound to.
type Resolution struct {
	Conversation *model.Conversation
	Created      bool
	// Seq of the task's user message in the conversation.
	Seq int
}

type Tracker struct {
	convs store.ConversationStore
	tasks store.TaskStore
	now   func() time.Time
	newID func() string
}

func NewTracker(convs store.ConversationStore, tasks store.TaskStore) *Tracker {
	return &Tracker{
		convs: convs,
		tasks: tasks,
		now:   time.Now,
		newID: id.NewConversationID,
	}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// WithIDs overrides conversation id generation.
func (t *Tracker) WithIDs(newID func() string) *Tracker {
	t.newID = newID
	return t
}

// Resolve binds task to the live conversation of flowID, creating one when
// none exists, the previous one is broken, or startNew is set. The task's
// input is appended as a user message. Calling Resolve again for the same
// task is a no-op apart from returning the binding.
func (t *Tracker) Resolve(ctx context.Context, flowID string, task *model.Task, startNew bool) (*Resolution, error) {
	if flowID == "" {
		return nil, errors.New("resolve: empty flow id")
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{FlowID: &flowID, TaskID: &task.ID, Component: "relay.flow"})

	var res Resolution
	err := t.convs.InFlow(ctx, flowID, func(ops store.FlowOps) error {
		now := t.now()

		conv, err := ops.Live(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			conv = nil
		case err != nil:
			return fmt.Errorf("loading live conversation: %w", err)
		}

		if conv != nil && startNew && !conv.HasTask(task.ID) {
			if err := ops.MarkBroken(ctx, conv.ID, now); err != nil {
				return err
			}
			slog.InfoContext(ctx, "conversation reset by request", "conversation_id", conv.ID)
			conv = nil
		}

		if conv == nil {
			conv = &model.Conversation{
				ID:        t.newID(),
				FlowID:    flowID,
				Title:     title(task.InputMessage),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := ops.Create(ctx, conv); err != nil {
				return err
			}
			res.Created = true
		}

		attached, err := ops.AttachTask(ctx, conv.ID, task.ID)
		if err != nil {
			return err
		}
		if attached {
			taskID := task.ID
			msg, err := ops.Append(ctx, conv.ID, model.ConversationMessage{
				Role:      model.RoleUser,
				Content:   task.InputMessage,
				TaskID:    &taskID,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			res.Seq = msg.Seq
			conv.TaskIDs = append(conv.TaskIDs, task.ID)
		} else {
			seq, err := ops.SeqOf(ctx, conv.ID, task.ID)
			if err != nil {
				return err
			}
			res.Seq = seq
		}
		res.Conversation = conv
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving flow %s: %w", flowID, err)
	}

	if err := t.tasks.SetConversation(ctx, task.ID, res.Conversation.ID); err != nil {
		return nil, fmt.Errorf("linking task to conversation: %w", err)
	}
	task.ConversationID = &res.Conversation.ID

	slog.InfoContext(ctx, "flow resolved",
		"conversation_id", res.Conversation.ID,
		"created", res.Created,
		"seq", res.Seq)
	return &res, nil
}

// ContextFor returns up to MaxContextMessages messages that precede the
// task's own message, oldest first.
func (t *Tracker) ContextFor(ctx context.Context, flowID, conversationID, taskID string) ([]model.ConversationMessage, error) {
	var history []model.ConversationMessage
	err := t.convs.InFlow(ctx, flowID, func(ops store.FlowOps) error {
		seq, err := ops.SeqOf(ctx, conversationID, taskID)
		if err != nil {
			return err
		}
		history, err = ops.Recent(ctx, conversationID, model.MaxContextMessages, seq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading context: %w", err)
	}
	return history, nil
}

// RecordResult appends the agent's answer to the conversation.
func (t *Tracker) RecordResult(ctx context.Context, flowID, conversationID, taskID, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return t.convs.InFlow(ctx, flowID, func(ops store.FlowOps) error {
		_, err := ops.Append(ctx, conversationID, model.ConversationMessage{
			Role:      model.RoleAssistant,
			Content:   content,
			TaskID:    &taskID,
			CreatedAt: t.now(),
		})
		return err
	})
}

// Break marks the flow's live conversation broken so the next event starts
// over. It is a no-op when the flow has no live conversation.
func (t *Tracker) Break(ctx context.Context, flowID string) (bool, error) {
	var broken bool
	err := t.convs.InFlow(ctx, flowID, func(ops store.FlowOps) error {
		conv, err := ops.Live(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		broken = true
		return ops.MarkBroken(ctx, conv.ID, t.now())
	})
	if err != nil {
		return false, fmt.Errorf("breaking flow %s: %w", flowID, err)
	}
	return broken, nil
}

// BuildPrompt prefixes the current request with a transcript of history.
func BuildPrompt(history []model.ConversationMessage, current string) string {
	if len(history) == 0 {
		return current
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("\nTask: ")
	b.WriteString(current)
	return b.String()
}

func title(input string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(input), "\n")
	return logger.Truncate(line, 80)
}
