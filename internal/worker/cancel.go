package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"taskrelay.app/relay/common/logger"
)

// CancelChannel is the Pub/Sub channel cancel requests travel on.
const CancelChannel = "relay:task-cancel"

// An early cancel is remembered this long in case it overtakes the claim.
const pendingCancelTTL = time.Minute

// Registry tracks the running tasks of this process and how to stop them.
type Registry struct {
	mu        sync.Mutex
	running   map[string]context.CancelFunc
	requested map[string]bool
	early     map[string]time.Time
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		running:   make(map[string]context.CancelFunc),
		requested: make(map[string]bool),
		early:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// Track derives a cancellable context for taskID. The returned release must
// be called once the task is finished.
func (r *Registry) Track(ctx context.Context, taskID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.running[taskID] = cancel
	if at, ok := r.early[taskID]; ok {
		delete(r.early, taskID)
		if r.now().Sub(at) < pendingCancelTTL {
			r.requested[taskID] = true
			cancel()
		}
	}
	r.mu.Unlock()

	return runCtx, func() {
		r.mu.Lock()
		delete(r.running, taskID)
		delete(r.requested, taskID)
		r.mu.Unlock()
		cancel()
	}
}

// Cancel stops taskID if it runs here and reports whether it did. Unknown
// ids are remembered briefly, since the request may beat the claim.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.running[taskID]
	if !ok {
		r.pruneLocked()
		r.early[taskID] = r.now()
		return false
	}
	r.requested[taskID] = true
	cancel()
	return true
}

// Requested reports whether taskID was stopped by a cancel request rather
// than by shutdown.
func (r *Registry) Requested(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested[taskID]
}

func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// RequestCancel satisfies the same contract as RedisCancelPublisher for
// single-process deployments.
func (r *Registry) RequestCancel(_ context.Context, taskID string) error {
	r.Cancel(taskID)
	return nil
}

func (r *Registry) pruneLocked() {
	now := r.now()
	for id, at := range r.early {
		if now.Sub(at) >= pendingCancelTTL {
			delete(r.early, id)
		}
	}
}

// RedisCancelPublisher broadcasts cancel requests to every worker process.
type RedisCancelPublisher struct {
	client redis.Cmdable
}

func NewRedisCancelPublisher(client redis.Cmdable) *RedisCancelPublisher {
	return &RedisCancelPublisher{client: client}
}

func (p *RedisCancelPublisher) RequestCancel(ctx context.Context, taskID string) error {
	if err := p.client.Publish(ctx, CancelChannel, taskID).Err(); err != nil {
		return fmt.Errorf("publishing cancel: %w", err)
	}
	return nil
}

type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// CancelListener feeds cancel requests from Redis into a Registry.
type CancelListener struct {
	client   Subscriber
	registry *Registry

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewCancelListener(client Subscriber, registry *Registry) *CancelListener {
	return &CancelListener{
		client:    client,
		registry:  registry,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (l *CancelListener) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "relay.worker.cancel"})
	defer close(l.stoppedCh)

	sub := l.client.Subscribe(ctx, CancelChannel)
	defer sub.Close()

	slog.InfoContext(ctx, "cancel listener started", "channel", CancelChannel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			slog.InfoContext(ctx, "cancel listener stopping")
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			taskID := msg.Payload
			if l.registry.Cancel(taskID) {
				slog.InfoContext(ctx, "cancelling running task", "task_id", taskID)
			} else {
				slog.DebugContext(ctx, "cancel request for task not running here", "task_id", taskID)
			}
		}
	}
}

func (l *CancelListener) Stop() {
	close(l.stopCh)
	<-l.stoppedCh
}
