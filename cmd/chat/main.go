package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskrelay.app/relay/common/id"
	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/runner"
	"taskrelay.app/relay/internal/service"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/stream"
	"taskrelay.app/relay/internal/tasklog"
	"taskrelay.app/relay/internal/worker"
)

// chat runs the whole pipeline in one process against in-memory backends:
// every line typed becomes a task in the same flow, so follow-ups see the
// earlier turns as context.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	if err := id.Init(3); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize id generator: %v\n", err)
		os.Exit(1)
	}

	tasks := store.NewMemoryTaskStore()
	flows := flow.NewTracker(store.NewMemoryConversationStore(), tasks)
	logs := tasklog.New(cfg.Worker.TaskLogDir)
	hub := stream.NewHub(0)
	q := queue.NewMemoryQueue()
	producer := newWatchingProducer(q, hub)

	registry := worker.NewRegistry()
	executor := worker.NewExecutor(worker.ExecutorDeps{
		Tasks:     tasks,
		Runner:    runner.New(),
		Flows:     flows,
		Completer: completion.NewDispatcher(looptrack.NewMemoryTracker(cfg.Loop.MarkerTTL, cfg.Loop.DeliveryTTL), cfg.Completion),
		Sink:      hub,
		Logs:      logs,
		Registry:  registry,
	}, worker.ExecutorConfig{
		Agent:       cfg.Agent,
		Timeout:     cfg.Worker.TaskTimeout,
		GracePeriod: cfg.Worker.KillGracePeriod,
	})

	pool := worker.New(q, tasks, executor, worker.Config{Slots: 1})
	go func() {
		if err := pool.Run(ctx); err != nil {
			slog.DebugContext(ctx, "worker pool exited", "error", err)
		}
	}()
	defer func() {
		q.Close()
		pool.Stop()
	}()

	tasksSvc := service.NewTaskService(tasks, flows, producer, registry, logs,
		service.TaskDefaults{Agent: cfg.Agent.DefaultAgent, Model: cfg.Agent.DefaultModel}, nil)

	// Ctrl-C cancels the running task instead of quitting.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)

	flowKey := "chat:" + id.NewConversationID()
	fmt.Fprintf(os.Stderr, "\nChat ready (agent=%s, binary=%s, logs=%s)\n", cfg.Agent.DefaultAgent, cfg.Agent.Binary, cfg.Worker.TaskLogDir)
	fmt.Fprintln(os.Stderr, "Type a message, /new to start a fresh conversation, or 'quit' to exit:")

	var startNew *bool
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" || line == "q" {
			break
		}
		if line == "/new" {
			yes := true
			startNew = &yes
			fmt.Fprintln(os.Stderr, "Next message starts a new conversation.")
			continue
		}

		task, err := tasksSvc.Create(ctx, service.CreateTaskParams{
			Message:         line,
			FlowKey:         flowKey,
			NewConversation: startNew,
		})
		startNew = nil
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}

		events := producer.events(task.ID)
		status := follow(ctx, events, interrupts, func() {
			if err := registry.RequestCancel(ctx, task.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
			}
		})

		if finished, err := tasksSvc.Get(ctx, task.ID); err == nil {
			fmt.Fprintf(os.Stderr, "--- %s in %s ($%.4f)\n", status, finished.Duration().Round(time.Millisecond), finished.CostUSD)
			if finished.Error != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", *finished.Error)
			}
		}
		fmt.Println()
	}

	fmt.Fprintln(os.Stderr, "Goodbye!")
}

// follow prints a task's live output until its end marker arrives.
func follow(ctx context.Context, events <-chan stream.Event, interrupts <-chan os.Signal, cancel func()) string {
	if events == nil {
		return "unknown"
	}
	for {
		select {
		case <-ctx.Done():
			return "interrupted"
		case <-interrupts:
			fmt.Fprintln(os.Stderr, "\nCancelling...")
			cancel()
		case ev, ok := <-events:
			if !ok {
				return "unknown"
			}
			if ev.Done {
				return ev.Status
			}
			if ev.Chunk.Stream == "stderr" {
				fmt.Fprintln(os.Stderr, ev.Chunk.Content)
				continue
			}
			fmt.Println(ev.Chunk.Content)
		}
	}
}

// watchingProducer subscribes to a task's output before the task becomes
// visible to the pool, so no chunk is published ahead of the subscriber.
type watchingProducer struct {
	next queue.Producer
	hub  *stream.Hub

	mu   sync.Mutex
	subs map[string]<-chan stream.Event
}

func newWatchingProducer(next queue.Producer, hub *stream.Hub) *watchingProducer {
	return &watchingProducer{next: next, hub: hub, subs: make(map[string]<-chan stream.Event)}
}

func (p *watchingProducer) Enqueue(ctx context.Context, e queue.Entry) error {
	ch, unsubscribe := p.hub.Subscribe(e.TaskID)
	if err := p.next.Enqueue(ctx, e); err != nil {
		unsubscribe()
		return err
	}
	p.mu.Lock()
	p.subs[e.TaskID] = ch
	p.mu.Unlock()
	return nil
}

func (p *watchingProducer) events(taskID string) <-chan stream.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := p.subs[taskID]
	delete(p.subs, taskID)
	return ch
}
