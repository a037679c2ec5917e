package worker_test

import (
	"context"
	"sync"
	"time"

	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/runner"
)

// gatedRunner blocks every run until the gate closes or its context ends.
type gatedRunner struct {
	gate chan struct{}

	mu       sync.Mutex
	running  int
	peak     int
	prompts  []string
	panicFor string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gate: make(chan struct{})}
}

func (r *gatedRunner) Run(ctx context.Context, spec runner.Spec, out chan<- runner.Chunk) (*runner.Outcome, error) {
	defer close(out)

	prompt := spec.Args[len(spec.Args)-1]
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	panicNow := r.panicFor != "" && prompt == r.panicFor
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if panicNow {
		panic("agent exploded")
	}

	out <- runner.Chunk{Timestamp: time.Now(), Stream: "stdout", Content: "working on " + prompt}

	select {
	case <-r.gate:
		return &runner.Outcome{Result: "done: " + prompt, CostUSD: 0.01}, nil
	case <-ctx.Done():
		return &runner.Outcome{}, &runner.RunError{Kind: runner.KindCancelled, Detail: "context cancelled", Err: ctx.Err()}
	}
}

func (r *gatedRunner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *gatedRunner) Peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *gatedRunner) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

type recordingCompleter struct {
	mu    sync.Mutex
	tasks []model.Task
}

func (c *recordingCompleter) Complete(_ context.Context, task *model.Task) (completion.PostResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, *task)
	return completion.PostResult{Posted: true}, nil
}

func (c *recordingCompleter) Statuses() []model.TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.TaskStatus, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = t.Status
	}
	return out
}

type countingReclaimer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingReclaimer) Reclaim(_ context.Context, _ time.Duration, _ int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0, nil
}

func (c *countingReclaimer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
