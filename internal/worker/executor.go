package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"taskrelay.app/relay/common"
	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/runner"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/stream"
	"taskrelay.app/relay/internal/tasklog"
)

const outputBuffer = 256

type ExecutorConfig struct {
	Agent       config.AgentConfig
	Timeout     time.Duration
	GracePeriod time.Duration
}

// Executor runs one claimed task: it builds the prompt from the task's
// conversation, supervises the agent process, records the outcome and
// posts it back.
type Executor struct {
	tasks     store.TaskStore
	runner    ProcessRunner
	flows     ConversationContext
	completer Completer
	sink      stream.Sink
	logs      *tasklog.Writer
	registry  *Registry
	cfg       ExecutorConfig
	now       func() time.Time
}

type ExecutorDeps struct {
	Tasks     store.TaskStore
	Runner    ProcessRunner
	Flows     ConversationContext
	Completer Completer
	Sink      stream.Sink
	Logs      *tasklog.Writer
	Registry  *Registry
}

func NewExecutor(deps ExecutorDeps, cfg ExecutorConfig) *Executor {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Sink == nil {
		deps.Sink = stream.Multi()
	}
	return &Executor{
		tasks:     deps.Tasks,
		runner:    deps.Runner,
		flows:     deps.Flows,
		completer: deps.Completer,
		sink:      deps.Sink,
		logs:      deps.Logs,
		registry:  deps.Registry,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Registry exposes the running-task registry so a CancelListener can share it.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs task, which the caller has already moved to RUNNING, and
// returns the status it finished in. Bookkeeping after the process exits
// uses a context detached from ctx so shutdown does not lose the outcome.
func (e *Executor) Execute(ctx context.Context, task *model.Task) model.TaskStatus {
	log := e.taskLog(ctx, task)

	runCtx, release := e.registry.Track(ctx, task.ID)
	defer release()

	prompt := e.prompt(ctx, task)
	if log != nil {
		if err := log.WriteInput(tasklog.Input{Message: task.InputMessage, Prompt: prompt}); err != nil {
			slog.WarnContext(ctx, "failed to write task input log", "error", err)
		}
	}

	spec := e.spec(task, prompt)
	chunks := make(chan runner.Chunk, outputBuffer)
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for c := range chunks {
			e.sink.Publish(ctx, task.ID, c)
			if log != nil {
				log.AppendOutput(ctx, c)
			}
		}
	}()

	slog.InfoContext(ctx, "starting agent",
		"agent", task.AssignedAgent,
		"model", task.Model,
		"dir", spec.Dir)

	outcome, runErr := e.runner.Run(runCtx, spec, chunks)
	<-pumped

	final := e.outcomeFor(task.ID, outcome, runErr)
	e.finish(context.WithoutCancel(ctx), task, final, outcome, log)
	return final.Status
}

func (e *Executor) taskLog(ctx context.Context, task *model.Task) *tasklog.TaskLog {
	if e.logs == nil {
		return nil
	}
	log, err := e.logs.Task(task.ID)
	if err != nil {
		slog.WarnContext(ctx, "task log unavailable", "error", err)
		return nil
	}
	meta := tasklog.Metadata{
		TaskID:        task.ID,
		Source:        string(task.Source),
		Provider:      string(task.Provider),
		CreatedAt:     task.CreatedAt,
		Status:        string(task.Status),
		AssignedAgent: task.AssignedAgent,
		Model:         task.Model,
	}
	if task.FlowID != nil {
		meta.FlowID = *task.FlowID
	}
	if task.ConversationID != nil {
		meta.ConversationID = *task.ConversationID
	}
	if err := log.WriteMetadata(meta); err != nil {
		slog.WarnContext(ctx, "failed to write task metadata log", "error", err)
	}
	return log
}

// prompt renders the conversation history ahead of the request. A history
// lookup failure degrades to the bare request.
func (e *Executor) prompt(ctx context.Context, task *model.Task) string {
	if e.flows == nil || task.FlowID == nil || task.ConversationID == nil {
		return task.InputMessage
	}
	history, err := e.flows.ContextFor(ctx, *task.FlowID, *task.ConversationID, task.ID)
	if err != nil {
		slog.WarnContext(ctx, "conversation context unavailable, running without history", "error", err)
		return task.InputMessage
	}
	return flow.BuildPrompt(history, task.InputMessage)
}

func (e *Executor) spec(task *model.Task, prompt string) runner.Spec {
	agent := e.cfg.Agent
	modelName := task.Model
	if modelName == "" {
		modelName = agent.DefaultModel
	}

	var dir string
	if agent.AgentsDir != "" {
		if name, err := common.Slugify(task.AssignedAgent, ""); err == nil {
			dir = filepath.Join(agent.AgentsDir, name)
		}
	}

	envName := agent.TaskIDEnv
	if envName == "" {
		envName = "RELAY_TASK_ID"
	}

	return runner.Spec{
		Command: agent.Binary,
		Args: runner.BuildAgentArgs(runner.AgentArgs{
			Prompt:          prompt,
			Model:           modelName,
			AllowedTools:    agent.AllowedTools,
			SkipPermissions: agent.SkipPermissions,
		}),
		Dir:           dir,
		Env:           []string{envName + "=" + task.ID},
		Timeout:       e.cfg.Timeout,
		GracePeriod:   e.cfg.GracePeriod,
		ExpectTrailer: true,
	}
}

// outcomeFor maps a run result onto the task's terminal state.
func (e *Executor) outcomeFor(taskID string, outcome *runner.Outcome, runErr error) model.TaskOutcome {
	var final model.TaskOutcome
	if outcome != nil {
		final.CostUSD = outcome.CostUSD
		final.InputTokens = outcome.InputTokens
		final.OutputTokens = outcome.OutputTokens
		final.Result = outcome.Result
		if final.Result == "" {
			final.Result = strings.TrimSpace(outcome.Output)
		}
	}

	switch {
	case runErr == nil:
		final.Status = model.TaskStatusCompleted
	case runner.KindOf(runErr) == runner.KindCancelled && e.registry.Requested(taskID):
		final.Status = model.TaskStatusCancelled
		msg := "cancelled by request"
		final.Error = &msg
	case runner.KindOf(runErr) == runner.KindCancelled:
		final.Status = model.TaskStatusFailed
		msg := "cancelled: worker shutting down"
		final.Error = &msg
	default:
		final.Status = model.TaskStatusFailed
		msg := runErr.Error()
		var re *runner.RunError
		if !errors.As(runErr, &re) {
			msg = fmt.Sprintf("%s: %v", runner.KindSpawnFailed, runErr)
		}
		final.Error = &msg
	}
	return final
}

func (e *Executor) finish(ctx context.Context, task *model.Task, final model.TaskOutcome, outcome *runner.Outcome, log *tasklog.TaskLog) {
	at := e.now().UTC()
	ok, err := e.tasks.Finish(ctx, task.ID, final, at)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "failed to record task outcome", "error", err, "status", final.Status)
	case !ok:
		slog.WarnContext(ctx, "task was no longer running, outcome not recorded", "status", final.Status)
		e.sink.End(ctx, task.ID, string(final.Status))
		return
	}

	e.sink.End(ctx, task.ID, string(final.Status))

	task.Status = final.Status
	task.Result = final.Result
	task.Error = final.Error
	task.CostUSD = final.CostUSD
	task.InputTokens = final.InputTokens
	task.OutputTokens = final.OutputTokens
	task.CompletedAt = &at

	if log != nil {
		res := tasklog.Result{
			Success:     final.Status == model.TaskStatusCompleted,
			Status:      string(final.Status),
			Result:      final.Result,
			CompletedAt: at,
			Metrics: tasklog.Metrics{
				CostUSD:      final.CostUSD,
				InputTokens:  final.InputTokens,
				OutputTokens: final.OutputTokens,
			},
		}
		if final.Error != nil {
			res.Error = *final.Error
		}
		if outcome != nil {
			res.Metrics.DurationSeconds = outcome.Duration.Seconds()
		}
		if err := log.WriteResult(res); err != nil {
			slog.WarnContext(ctx, "failed to write task result log", "error", err)
		}
		e.logs.Forget(task.ID)
	}

	attrs := []any{
		"status", final.Status,
		"cost_usd", final.CostUSD,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
	}
	if final.Error != nil {
		attrs = append(attrs, "error", *final.Error)
	}
	slog.InfoContext(ctx, "task finished", attrs...)

	if final.Status == model.TaskStatusCompleted && e.flows != nil && task.FlowID != nil && task.ConversationID != nil {
		if err := e.flows.RecordResult(ctx, *task.FlowID, *task.ConversationID, task.ID, final.Result); err != nil {
			slog.WarnContext(ctx, "failed to record result in conversation", "error", err)
		}
	}

	if e.completer != nil {
		if _, err := e.completer.Complete(ctx, task); err != nil {
			slog.WarnContext(ctx, "completion not delivered", "error", err)
		}
	}
}
