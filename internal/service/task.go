package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskrelay.app/relay/common/id"
	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/tasklog"
)

var (
	ErrInvalidTask    = errors.New("invalid task")
	ErrTaskNotFound   = errors.New("task not found")
	ErrNotCancellable = errors.New("task already finished")
)

type CreateTaskParams struct {
	Source   model.TaskSource
	Provider model.Provider
	Message  string
	Agent    string
	Model    string
	Priority model.Priority

	// FlowID binds the task to a conversation. Direct tasks pass FlowKey
	// instead and get a flow id derived from it.
	FlowID          string
	FlowKey         string
	NewConversation *bool

	Reply   *model.ReplyTarget
	TraceID string

	// Stages are ingestion steps recorded in the task log before the task
	// is enqueued.
	Stages []tasklog.Stage
}

// Canceller asks whichever worker runs a task to stop it.
type Canceller interface {
	RequestCancel(ctx context.Context, taskID string) error
}

type TaskService interface {
	Create(ctx context.Context, params CreateTaskParams) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, filter store.TaskFilter) ([]model.Task, error)
	// Cancel stops a task. A queued task is cancelled on the spot; a running
	// one is signalled and reported as Pending.
	Cancel(ctx context.Context, id string) (*CancelResult, error)
}

type CancelResult struct {
	Task *model.Task
	// Pending is set when the task was running and its worker has been
	// asked to stop; the task turns CANCELLED once the process has exited.
	Pending bool
}

type TaskDefaults struct {
	Agent string
	Model string
}

type taskService struct {
	tasks     store.TaskStore
	flows     *flow.Tracker
	producer  queue.Producer
	canceller Canceller
	logs      *tasklog.Writer
	defaults  TaskDefaults
	now       func() time.Time
	logger    *slog.Logger
}

// NewTaskService wires task creation to the store, the flow tracker and
// the queue. logs and canceller may be nil.
func NewTaskService(
	tasks store.TaskStore,
	flows *flow.Tracker,
	producer queue.Producer,
	canceller Canceller,
	logs *tasklog.Writer,
	defaults TaskDefaults,
	logger *slog.Logger,
) TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &taskService{
		tasks:     tasks,
		flows:     flows,
		producer:  producer,
		canceller: canceller,
		logs:      logs,
		defaults:  defaults,
		now:       time.Now,
		logger:    logger,
	}
}

// Create persists a QUEUED task, binds it to its flow's conversation and
// enqueues it. When the queue refuses the entry the task is finalised as
// FAILED and returned together with an error wrapping queue.ErrUnavailable.
func (s *taskService) Create(ctx context.Context, params CreateTaskParams) (*model.Task, error) {
	if strings.TrimSpace(params.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidTask)
	}
	priority, err := model.ParsePriority(string(params.Priority))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if params.Source == "" {
		params.Source = model.TaskSourceDirect
	}

	task := &model.Task{
		ID:            id.NewTaskID(),
		Status:        model.TaskStatusQueued,
		Source:        params.Source,
		Provider:      params.Provider,
		InputMessage:  params.Message,
		AssignedAgent: firstNonEmpty(params.Agent, s.defaults.Agent),
		Model:         firstNonEmpty(params.Model, s.defaults.Model),
		Priority:      priority,
		SessionID:     uuid.NewString(),
		ReplyTarget:   params.Reply,
		CreatedAt:     s.now().UTC(),
	}

	flowID := params.FlowID
	if flowID == "" && params.FlowKey != "" {
		flowID = flow.IDFor(directThread(params.FlowKey))
	}
	if flowID != "" {
		task.FlowID = &flowID
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{TaskID: &task.ID, FlowID: task.FlowID})

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	if flowID != "" && s.flows != nil {
		res, err := s.flows.Resolve(ctx, flowID, task, flow.ShouldStartNew(params.Message, params.NewConversation))
		if err != nil {
			// The task still runs, only without prior context.
			s.logger.WarnContext(ctx, "failed to bind task to conversation", "error", err)
		} else {
			params.Stages = append(params.Stages, s.stage("conversation_resolved", map[string]any{
				"conversation_id": res.Conversation.ID,
				"created":         res.Created,
				"seq":             res.Seq,
			}))
		}
	}

	if err := s.producer.Enqueue(ctx, queue.Entry{TaskID: task.ID, Priority: priority, TraceID: params.TraceID}); err != nil {
		msg := err.Error()
		if _, ferr := s.tasks.FailQueued(ctx, task.ID, msg, s.now().UTC()); ferr != nil {
			s.logger.ErrorContext(ctx, "failed to mark unqueued task failed", "error", ferr)
		}
		task.Status = model.TaskStatusFailed
		task.Error = &msg
		s.recordStages(ctx, task.ID, append(params.Stages, s.stage("enqueue_failed", map[string]any{"error": msg})))
		return task, fmt.Errorf("enqueueing task %s: %w", task.ID, err)
	}

	s.recordStages(ctx, task.ID, append(params.Stages, s.stage("queued", map[string]any{"priority": priority})))
	s.logger.InfoContext(ctx, "task created",
		"source", task.Source,
		"agent", task.AssignedAgent,
		"priority", priority)
	return task, nil
}

func (s *taskService) Get(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return task, nil
}

func (s *taskService) List(ctx context.Context, filter store.TaskFilter) ([]model.Task, error) {
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

func (s *taskService) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{TaskID: &id})

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return &CancelResult{Task: task}, ErrNotCancellable
	}

	if task.Status == model.TaskStatusQueued {
		ok, err := s.tasks.CancelQueued(ctx, id, s.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("cancelling queued task: %w", err)
		}
		if task, err = s.Get(ctx, id); err != nil {
			return nil, err
		}
		if ok {
			s.logger.InfoContext(ctx, "queued task cancelled")
			return &CancelResult{Task: task}, nil
		}
		// Claimed in the meantime; signal the worker instead.
		if task.Status.IsTerminal() {
			return &CancelResult{Task: task}, ErrNotCancellable
		}
	}

	if s.canceller == nil {
		return nil, fmt.Errorf("no canceller configured for running task %s", id)
	}
	if err := s.canceller.RequestCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("requesting cancel: %w", err)
	}
	s.logger.InfoContext(ctx, "cancel requested for running task")
	return &CancelResult{Task: task, Pending: true}, nil
}

func (s *taskService) stage(name string, data map[string]any) tasklog.Stage {
	return tasklog.Stage{Timestamp: s.now().UTC(), Stage: name, Data: data}
}

func (s *taskService) recordStages(ctx context.Context, taskID string, stages []tasklog.Stage) {
	if s.logs == nil || len(stages) == 0 {
		return
	}
	log, err := s.logs.Task(taskID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to open task log", "error", err)
		return
	}
	for _, st := range stages {
		log.AppendStage(ctx, st)
	}
	s.logs.Forget(taskID)
}

func directThread(key string) event.ThreadKey {
	return event.ThreadKey("direct:" + key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
