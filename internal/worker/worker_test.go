package worker_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/runner"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/stream"
	"taskrelay.app/relay/internal/tasklog"
	"taskrelay.app/relay/internal/worker"
)

var _ = Describe("Pool", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		q         *queue.MemoryQueue
		tasks     *store.MemoryTaskStore
		convs     *store.MemoryConversationStore
		tracker   *flow.Tracker
		completer *recordingCompleter
		hub       *stream.Hub
		logRoot   string
		registry  *worker.Registry
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)
		q = queue.NewMemoryQueue()
		tasks = store.NewMemoryTaskStore()
		convs = store.NewMemoryConversationStore()
		tracker = flow.NewTracker(convs, tasks).WithIDs(func() string { return "conv-1" })
		completer = &recordingCompleter{}
		hub = stream.NewHub(64)
		logRoot = GinkgoT().TempDir()
		registry = worker.NewRegistry()
	})

	newTaskIn := func(id string, flowID *string) *model.Task {
		t := &model.Task{
			ID:            id,
			FlowID:        flowID,
			Status:        model.TaskStatusQueued,
			Source:        model.TaskSourceDirect,
			InputMessage:  "prompt " + id,
			AssignedAgent: "brain",
			Priority:      model.PriorityNormal,
			CreatedAt:     time.Now().UTC(),
		}
		Expect(tasks.Create(ctx, t)).To(Succeed())
		return t
	}

	newTask := func(id string) *model.Task {
		return newTaskIn(id, nil)
	}

	enqueue := func(t *model.Task) {
		Expect(q.Enqueue(ctx, queue.Entry{TaskID: t.ID, Priority: t.Priority})).To(Succeed())
	}

	statusOf := func(id string) func() model.TaskStatus {
		return func() model.TaskStatus {
			t, err := tasks.Get(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			return t.Status
		}
	}

	countIn := func(status model.TaskStatus) func() int {
		return func() int {
			list, err := tasks.List(ctx, store.TaskFilter{Status: status, Limit: 500})
			Expect(err).NotTo(HaveOccurred())
			return len(list)
		}
	}

	startPool := func(r worker.ProcessRunner, slots int, agent config.AgentConfig) *worker.Pool {
		executor := worker.NewExecutor(worker.ExecutorDeps{
			Tasks:     tasks,
			Runner:    r,
			Flows:     tracker,
			Completer: completer,
			Sink:      hub,
			Logs:      tasklog.New(logRoot),
			Registry:  registry,
		}, worker.ExecutorConfig{Agent: agent, Timeout: 10 * time.Second, GracePeriod: time.Second})

		pool := worker.New(q, tasks, executor, worker.Config{Slots: slots})
		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(done)
			_ = pool.Run(ctx)
		}()
		DeferCleanup(func() {
			cancel()
			Eventually(done).Should(BeClosed())
		})
		return pool
	}

	It("never runs more than its slot count at once", func() {
		r := newGatedRunner()
		pool := startPool(r, 2, config.AgentConfig{Binary: "agent"})

		for i := 0; i < 5; i++ {
			enqueue(newTask(fmt.Sprintf("task-%d", i)))
		}

		Eventually(r.Running).Should(Equal(2))
		Consistently(countIn(model.TaskStatusRunning), 200*time.Millisecond).Should(Equal(2))
		Expect(countIn(model.TaskStatusQueued)()).To(Equal(3))

		close(r.gate)

		Eventually(countIn(model.TaskStatusCompleted)).Should(Equal(5))
		Expect(r.Peak()).To(Equal(2))
		Expect(pool.Peak()).To(Equal(2))
		Expect(q.Acked()).To(Equal(5))
	})

	It("records outcome, output, logs and completion for a finished task", func() {
		r := newGatedRunner()
		close(r.gate)
		events, unsubscribe := hub.Subscribe("task-1")
		DeferCleanup(unsubscribe)
		startPool(r, 1, config.AgentConfig{Binary: "agent"})

		enqueue(newTask("task-1"))

		Eventually(statusOf("task-1")).Should(Equal(model.TaskStatusCompleted))
		t, _ := tasks.Get(ctx, "task-1")
		Expect(t.Result).To(Equal("done: prompt task-1"))
		Expect(t.CostUSD).To(Equal(0.01))

		var first stream.Event
		Eventually(events).Should(Receive(&first))
		Expect(first.Chunk.Content).To(Equal("working on prompt task-1"))

		Eventually(completer.Statuses).Should(Equal([]model.TaskStatus{model.TaskStatusCompleted}))
		Expect(filepath.Join(logRoot, "task-1", "04-final-result.json")).To(BeARegularFile())
		Expect(filepath.Join(logRoot, "task-1", "03-agent-output.jsonl")).To(BeARegularFile())
	})

	It("skips tasks cancelled before a slot claimed them", func() {
		r := newGatedRunner()
		close(r.gate)
		t := newTask("task-1")
		ok, err := tasks.CancelQueued(ctx, t.ID, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		startPool(r, 1, config.AgentConfig{Binary: "agent"})
		enqueue(t)

		Eventually(q.Acked).Should(Equal(1))
		Expect(r.Prompts()).To(BeEmpty())
		Expect(statusOf("task-1")()).To(Equal(model.TaskStatusCancelled))
	})

	It("cancels a running task on request", func() {
		r := newGatedRunner()
		startPool(r, 1, config.AgentConfig{Binary: "agent"})
		enqueue(newTask("task-1"))

		Eventually(r.Running).Should(Equal(1))
		Expect(registry.Cancel("task-1")).To(BeTrue())

		Eventually(statusOf("task-1")).Should(Equal(model.TaskStatusCancelled))
		Eventually(registry.Running).Should(BeZero())
	})

	It("honours a cancel that arrives just before the claim", func() {
		r := newGatedRunner()
		Expect(registry.Cancel("task-1")).To(BeFalse())

		startPool(r, 1, config.AgentConfig{Binary: "agent"})
		enqueue(newTask("task-1"))

		Eventually(statusOf("task-1")).Should(Equal(model.TaskStatusCancelled))
	})

	It("fails the task and keeps serving after a panic", func() {
		r := newGatedRunner()
		r.panicFor = "prompt task-1"
		close(r.gate)
		startPool(r, 1, config.AgentConfig{Binary: "agent"})

		enqueue(newTask("task-1"))
		enqueue(newTask("task-2"))

		Eventually(statusOf("task-1")).Should(Equal(model.TaskStatusFailed))
		Eventually(statusOf("task-2")).Should(Equal(model.TaskStatusCompleted))
		t, _ := tasks.Get(ctx, "task-1")
		Expect(*t.Error).To(ContainSubstring("worker panic"))
	})

	It("hands the agent its conversation history and records the answer", func() {
		r := newGatedRunner()
		close(r.gate)

		flowID := "flow-abc"
		first := newTaskIn("task-1", &flowID)
		_, err := tracker.Resolve(ctx, flowID, first, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(tracker.RecordResult(ctx, flowID, "conv-1", "task-1", "earlier answer")).To(Succeed())

		second := newTaskIn("task-2", &flowID)
		_, err = tracker.Resolve(ctx, flowID, second, false)
		Expect(err).NotTo(HaveOccurred())

		startPool(r, 1, config.AgentConfig{Binary: "agent"})
		enqueue(second)

		Eventually(statusOf("task-2")).Should(Equal(model.TaskStatusCompleted))
		Expect(r.Prompts()).To(ConsistOf(
			"Previous conversation:\nuser: prompt task-1\nassistant: earlier answer\n\nTask: prompt task-2",
		))

		msgs, err := convs.Messages(ctx, "conv-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(4))
		Expect(msgs[3].Role).To(Equal(model.RoleAssistant))
		Expect(msgs[3].Content).To(Equal("done: prompt task-2"))
	})

	Context("with a real agent process", func() {
		writeAgent := func(body string) string {
			dir := GinkgoT().TempDir()
			path := filepath.Join(dir, "agent.sh")
			Expect(os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)).To(Succeed())
			return path
		}

		It("runs the agent in its directory with the task id in the environment", func() {
			agentsDir := GinkgoT().TempDir()
			Expect(os.Mkdir(filepath.Join(agentsDir, "brain"), 0o755)).To(Succeed())
			bin := writeAgent(`printf '{"type":"result","result":"%s in %s","total_cost_usd":0.02}\n' "$RELAY_TASK_ID" "$(basename "$PWD")"`)

			startPool(runner.New(), 1, config.AgentConfig{Binary: bin, AgentsDir: agentsDir, TaskIDEnv: "RELAY_TASK_ID"})
			enqueue(newTask("task-1"))

			Eventually(statusOf("task-1"), 5*time.Second).Should(Equal(model.TaskStatusCompleted))
			t, _ := tasks.Get(ctx, "task-1")
			Expect(t.Result).To(Equal("task-1 in brain"))
			Expect(t.CostUSD).To(Equal(0.02))
		})

		It("resolves the agent directory from a slug of the agent name", func() {
			agentsDir := GinkgoT().TempDir()
			Expect(os.Mkdir(filepath.Join(agentsDir, "code-review"), 0o755)).To(Succeed())
			bin := writeAgent(`printf '{"type":"result","result":"%s"}\n' "$(basename "$PWD")"`)

			startPool(runner.New(), 1, config.AgentConfig{Binary: bin, AgentsDir: agentsDir})
			t := &model.Task{
				ID:            "task-1",
				Status:        model.TaskStatusQueued,
				Source:        model.TaskSourceDirect,
				InputMessage:  "review",
				AssignedAgent: "Code Review",
				Priority:      model.PriorityNormal,
				CreatedAt:     time.Now().UTC(),
			}
			Expect(tasks.Create(ctx, t)).To(Succeed())
			enqueue(t)

			Eventually(statusOf("task-1"), 5*time.Second).Should(Equal(model.TaskStatusCompleted))
			t, _ = tasks.Get(ctx, "task-1")
			Expect(t.Result).To(Equal("code-review"))
		})

		It("fails the task with the exit classification", func() {
			agentsDir := GinkgoT().TempDir()
			Expect(os.Mkdir(filepath.Join(agentsDir, "brain"), 0o755)).To(Succeed())
			bin := writeAgent(`echo "boom" >&2; exit 3`)

			startPool(runner.New(), 1, config.AgentConfig{Binary: bin, AgentsDir: agentsDir})
			enqueue(newTask("task-1"))

			Eventually(statusOf("task-1"), 5*time.Second).Should(Equal(model.TaskStatusFailed))
			t, _ := tasks.Get(ctx, "task-1")
			Expect(*t.Error).To(HavePrefix("non_zero_exit"))
			Expect(*t.Error).To(ContainSubstring("boom"))
		})

		It("fails the task when the agent cannot be started", func() {
			startPool(runner.New(), 1, config.AgentConfig{Binary: "/nonexistent/agent"})
			enqueue(newTask("task-1"))

			Eventually(statusOf("task-1"), 5*time.Second).Should(Equal(model.TaskStatusFailed))
			t, _ := tasks.Get(ctx, "task-1")
			Expect(*t.Error).To(HavePrefix("spawn_failed"))
		})
	})
})

var _ = Describe("Reclaimer", func() {
	It("asks the consumer to reclaim on every tick", func() {
		fake := &countingReclaimer{}
		r := worker.NewReclaimer(fake, worker.ReclaimerConfig{Interval: 10 * time.Millisecond, MinIdle: time.Second, BatchSize: 5})
		go r.Run(context.Background())

		Eventually(fake.Calls).Should(BeNumerically(">=", 2))
		r.Stop()
	})
})

var _ = Describe("Registry", func() {
	It("tells request cancels apart from shutdown", func() {
		registry := worker.NewRegistry()
		parent, stop := context.WithCancel(context.Background())

		ctxA, releaseA := registry.Track(parent, "task-a")
		ctxB, releaseB := registry.Track(parent, "task-b")
		DeferCleanup(releaseA)
		DeferCleanup(releaseB)

		Expect(registry.Cancel("task-a")).To(BeTrue())
		Expect(ctxA.Err()).To(MatchError(context.Canceled))
		Expect(registry.Requested("task-a")).To(BeTrue())

		stop()
		Expect(ctxB.Err()).To(MatchError(context.Canceled))
		Expect(registry.Requested("task-b")).To(BeFalse())
	})

	It("forgets tasks once released", func() {
		registry := worker.NewRegistry()
		_, release := registry.Track(context.Background(), "task-a")
		Expect(registry.Running()).To(Equal(1))
		release()
		Expect(registry.Running()).To(BeZero())
		Expect(registry.Requested("task-a")).To(BeFalse())
	})
})
