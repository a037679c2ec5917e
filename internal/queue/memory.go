package queue

import (
	"context"
	"strconv"
	"sync"

	"taskrelay.app/relay/internal/model"
)

// MemoryQueue is a process-local Producer and Consumer with one FIFO per
// priority class.
type MemoryQueue struct {
	mu      sync.Mutex
	classes map[model.Priority][]Message
	notify  chan struct{}
	seq     int
	closed  bool
	acked   map[string]bool
}

var (
	_ Producer = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		classes: make(map[model.Priority][]Message),
		notify:  make(chan struct{}),
		acked:   make(map[string]bool),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) error {
	if e.Priority == "" {
		e.Priority = model.PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrUnavailable
	}
	q.seq++
	q.classes[e.Priority] = append(q.classes[e.Priority], Message{
		ID:       strconv.Itoa(q.seq),
		Stream:   string(e.Priority),
		TaskID:   e.TaskID,
		Priority: e.Priority,
		TraceID:  e.TraceID,
		Attempt:  1,
	})
	q.wake()
	return nil
}

func (q *MemoryQueue) Next(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		for _, p := range model.Priorities {
			if pending := q.classes[p]; len(pending) > 0 {
				msg := pending[0]
				q.classes[p] = pending[1:]
				q.mu.Unlock()
				return msg, nil
			}
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, msg Message) error {
	q.mu.Lock()
	q.acked[msg.ID] = true
	q.mu.Unlock()
	return nil
}

// Release puts msg back at the head of its class.
func (q *MemoryQueue) Release(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg.Attempt++
	q.classes[msg.Priority] = append([]Message{msg}, q.classes[msg.Priority]...)
	q.wake()
	return nil
}

// Len is the number of entries not yet handed out.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, pending := range q.classes {
		n += len(pending)
	}
	return n
}

// Acked reports how many entries were acknowledged.
func (q *MemoryQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

// Close makes further Enqueue calls fail with ErrUnavailable.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// wake releases every waiting Next; callers hold q.mu.
func (q *MemoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}
