package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskrelay.app/relay/internal/model"
)

var (
	_ TaskStore         = (*MemoryTaskStore)(nil)
	_ ConversationStore = (*MemoryConversationStore)(nil)
)

// MemoryTaskStore is an in-process TaskStore used by tests and single-binary
// development runs.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*model.Task)}
}

func (s *MemoryTaskStore) Create(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("inserting task: duplicate id %s", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryTaskStore) List(_ context.Context, filter TaskFilter) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.FlowID != "" && (t.FlowID == nil || *t.FlowID != filter.FlowID) {
			continue
		}
		out = append(out, *cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryTaskStore) ClaimQueued(_ context.Context, id string, at time.Time) (bool, *model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.TaskStatusQueued {
		return false, nil, nil
	}
	t.Status = model.TaskStatusRunning
	if t.StartedAt == nil {
		started := latest(at, t.CreatedAt)
		t.StartedAt = &started
	}
	return true, cloneTask(t), nil
}

func (s *MemoryTaskStore) Finish(_ context.Context, id string, outcome model.TaskOutcome, at time.Time) (bool, error) {
	if !model.TaskStatusRunning.CanTransitionTo(outcome.Status) {
		return false, fmt.Errorf("finish: %q is not a terminal status", outcome.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.TaskStatusRunning {
		return false, nil
	}
	t.Status = outcome.Status
	t.Result = outcome.Result
	t.Error = outcome.Error
	t.CostUSD = outcome.CostUSD
	t.InputTokens = outcome.InputTokens
	t.OutputTokens = outcome.OutputTokens
	s.complete(t, at)
	return true, nil
}

func (s *MemoryTaskStore) CancelQueued(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.TaskStatusQueued {
		return false, nil
	}
	t.Status = model.TaskStatusCancelled
	s.complete(t, at)
	return true, nil
}

func (s *MemoryTaskStore) FailQueued(_ context.Context, id string, errMsg string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.TaskStatusQueued {
		return false, nil
	}
	t.Status = model.TaskStatusFailed
	t.Error = &errMsg
	s.complete(t, at)
	return true, nil
}

func (s *MemoryTaskStore) SetConversation(_ context.Context, id, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ConversationID = &conversationID
	return nil
}

func (s *MemoryTaskStore) complete(t *model.Task, at time.Time) {
	if t.CompletedAt != nil {
		return
	}
	floor := t.CreatedAt
	if t.StartedAt != nil {
		floor = *t.StartedAt
	}
	done := latest(at, floor)
	t.CompletedAt = &done
}

func latest(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	if t.ReplyTarget != nil {
		rt := *t.ReplyTarget
		c.ReplyTarget = &rt
	}
	return &c
}

// MemoryConversationStore keeps conversations in process. InFlow serializes
// callers per flow id with a keyed mutex.
type MemoryConversationStore struct {
	mu       sync.Mutex
	locks    map[string]*flowLock
	convs    map[string]*model.Conversation
	messages map[string][]model.ConversationMessage
}

type flowLock struct {
	mu   sync.Mutex
	refs int
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		locks:    make(map[string]*flowLock),
		convs:    make(map[string]*model.Conversation),
		messages: make(map[string][]model.ConversationMessage),
	}
}

func (s *MemoryConversationStore) InFlow(ctx context.Context, flowID string, fn func(ops FlowOps) error) error {
	s.mu.Lock()
	l, ok := s.locks[flowID]
	if !ok {
		l = &flowLock{}
		s.locks[flowID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, flowID)
		}
		s.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memoryFlowOps{s: s, flowID: flowID})
}

func (s *MemoryConversationStore) Get(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s *MemoryConversationStore) Messages(_ context.Context, conversationID string) ([]model.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ConversationMessage(nil), s.messages[conversationID]...), nil
}

type memoryFlowOps struct {
	s      *MemoryConversationStore
	flowID string
}

func (o *memoryFlowOps) Live(_ context.Context) (*model.Conversation, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	for _, c := range o.s.convs {
		if c.FlowID == o.flowID && c.BrokenAt == nil {
			return cloneConversation(c), nil
		}
	}
	return nil, ErrNotFound
}

func (o *memoryFlowOps) Create(_ context.Context, conv *model.Conversation) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if _, ok := o.s.convs[conv.ID]; ok {
		return fmt.Errorf("inserting conversation: duplicate id %s", conv.ID)
	}
	if conv.BrokenAt == nil {
		for _, c := range o.s.convs {
			if c.FlowID == conv.FlowID && c.BrokenAt == nil {
				return fmt.Errorf("inserting conversation: flow %s already has a live conversation", conv.FlowID)
			}
		}
	}
	o.s.convs[conv.ID] = cloneConversation(conv)
	return nil
}

func (o *memoryFlowOps) MarkBroken(_ context.Context, conversationID string, at time.Time) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	c, ok := o.s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	if c.BrokenAt == nil {
		c.BrokenAt = &at
	}
	c.UpdatedAt = at
	return nil
}

func (o *memoryFlowOps) AttachTask(_ context.Context, conversationID, taskID string) (bool, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	c, ok := o.s.convs[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if c.HasTask(taskID) {
		return false, nil
	}
	c.TaskIDs = append(c.TaskIDs, taskID)
	sort.Strings(c.TaskIDs)
	return true, nil
}

func (o *memoryFlowOps) Append(_ context.Context, conversationID string, msg model.ConversationMessage) (model.ConversationMessage, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	c, ok := o.s.convs[conversationID]
	if !ok {
		return msg, ErrNotFound
	}
	history := o.s.messages[conversationID]
	msg.Seq = len(history) + 1
	o.s.messages[conversationID] = append(history, msg)
	c.UpdatedAt = msg.CreatedAt
	return msg, nil
}

func (o *memoryFlowOps) Recent(_ context.Context, conversationID string, limit, beforeSeq int) ([]model.ConversationMessage, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	var eligible []model.ConversationMessage
	for _, m := range o.s.messages[conversationID] {
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			break
		}
		eligible = append(eligible, m)
	}
	if limit <= 0 {
		limit = model.MaxContextMessages
	}
	if len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	return append([]model.ConversationMessage(nil), eligible...), nil
}

func (o *memoryFlowOps) SeqOf(_ context.Context, conversationID, taskID string) (int, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	for _, m := range o.s.messages[conversationID] {
		if m.Role == model.RoleUser && m.TaskID != nil && *m.TaskID == taskID {
			return m.Seq, nil
		}
	}
	return 0, nil
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	out.TaskIDs = append([]string(nil), c.TaskIDs...)
	return &out
}
