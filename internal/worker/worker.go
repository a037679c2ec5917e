package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/store"
)

type Config struct {
	Slots int
}

// Pool runs a fixed number of slots. Each slot owns at most one task at a
// time, so no more than Slots tasks are RUNNING at once in this process.
type Pool struct {
	consumer queue.Consumer
	tasks    store.TaskStore
	executor *Executor
	cfg      Config
	now      func() time.Time

	busy atomic.Int32
	peak atomic.Int32

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer queue.Consumer, tasks store.TaskStore, executor *Executor, cfg Config) *Pool {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	return &Pool{
		consumer:  consumer,
		tasks:     tasks,
		executor:  executor,
		cfg:       cfg,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is done or Stop is called. Stop lets running tasks
// finish; cancelling ctx cancels them.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "relay.worker.pool"})

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go func() {
		select {
		case <-p.stopCh:
			slog.InfoContext(ctx, "worker pool stopping")
			stopPolling()
		case <-pollCtx.Done():
		}
	}()

	slog.InfoContext(ctx, "worker pool started", "slots", p.cfg.Slots)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, pollCtx, slot)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (p *Pool) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
}

// Busy is the number of slots currently executing a task.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Peak is the highest Busy value observed.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

func (p *Pool) runSlot(ctx, pollCtx context.Context, slot int) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Slot: &slot})

	for {
		msg, err := p.consumer.Next(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "queue read failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-pollCtx.Done():
				return
			}
			continue
		}

		if err := p.handleSafe(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "queue entry handling failed",
				"error", err,
				"message_id", msg.ID,
				"task_id", msg.TaskID)
		}
	}
}

func (p *Pool) handleSafe(ctx context.Context, msg queue.Message) (err error) {
	var claimed bool
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in worker slot",
				"panic", r,
				"message_id", msg.ID,
				"task_id", msg.TaskID)
			err = fmt.Errorf("panic: %v", r)
			if claimed {
				p.failAfterPanic(context.WithoutCancel(ctx), msg.TaskID, r)
			}
		}
	}()
	return p.handle(ctx, msg, &claimed)
}

func (p *Pool) handle(ctx context.Context, msg queue.Message, claimed *bool) error {
	msgID := msg.ID
	taskID := msg.TaskID
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: &msgID, TaskID: &taskID})

	ctx, span := logger.StartLinkedSpan(ctx, msg.TraceID, "worker.task",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("relay.task_id", taskID), attribute.Int("relay.attempt", msg.Attempt)))
	defer span.End()

	ok, task, err := p.tasks.ClaimQueued(ctx, msg.TaskID, p.now().UTC())
	if err != nil {
		logger.FailSpan(span, err)
		if relErr := p.consumer.Release(ctx, msg); relErr != nil {
			slog.WarnContext(ctx, "failed to release queue entry", "error", relErr)
		}
		return fmt.Errorf("claiming task: %w", err)
	}
	if !ok {
		// Cancelled while queued, or already run after a redelivery.
		slog.InfoContext(ctx, "task not claimable, skipping")
		p.ack(ctx, msg)
		return nil
	}
	*claimed = true
	p.ack(ctx, msg)

	n := p.busy.Add(1)
	defer p.busy.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if task.FlowID != nil {
		ctx = logger.WithLogFields(ctx, logger.LogFields{FlowID: task.FlowID})
	}
	if task.Provider != "" {
		provider := string(task.Provider)
		ctx = logger.WithLogFields(ctx, logger.LogFields{Provider: &provider})
	}

	slog.InfoContext(ctx, "task claimed",
		"priority", msg.Priority,
		"attempt", msg.Attempt,
		"agent", task.AssignedAgent)

	status := p.executor.Execute(ctx, task)
	if status == model.TaskStatusFailed {
		logger.FailSpan(span, errors.New("task failed"))
	}
	return nil
}

func (p *Pool) ack(ctx context.Context, msg queue.Message) {
	if err := p.consumer.Ack(ctx, msg); err != nil {
		// The claim CAS makes a redelivery harmless.
		slog.WarnContext(ctx, "failed to ack queue entry", "error", err)
	}
}

func (p *Pool) failAfterPanic(ctx context.Context, taskID string, r any) {
	msg := fmt.Sprintf("worker panic: %v", r)
	if _, err := p.tasks.Finish(ctx, taskID, model.TaskOutcome{Status: model.TaskStatusFailed, Error: &msg}, p.now().UTC()); err != nil {
		slog.ErrorContext(ctx, "failed to fail task after panic", "error", err, "task_id", taskID)
	}
}
