package stream

import (
	"context"
	"sync"

	"taskrelay.app/relay/internal/runner"
)

// Sink receives a task's live output. Publish must not block on slow
// observers.
type Sink interface {
	Publish(ctx context.Context, taskID string, chunk runner.Chunk)
	// End marks the stream finished with the task's terminal status.
	End(ctx context.Context, taskID string, status string)
}

// Multi fans out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Publish(ctx context.Context, taskID string, chunk runner.Chunk) {
	for _, s := range m {
		s.Publish(ctx, taskID, chunk)
	}
}

func (m multi) End(ctx context.Context, taskID string, status string) {
	for _, s := range m {
		s.End(ctx, taskID, status)
	}
}

// Event is one item delivered to a subscriber: either a chunk or, last,
// the end marker.
type Event struct {
	ID     string       `json:"id,omitempty"`
	Chunk  runner.Chunk `json:"chunk"`
	Done   bool         `json:"done,omitempty"`
	Status string       `json:"status,omitempty"`
}

// Hub is an in-process Sink with per-task subscribers. A subscriber whose
// buffer is full misses chunks rather than stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

type subscriber struct {
	ch      chan Event
	dropped int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns a channel of the task's events from now on. The channel
// is closed after the end marker or when cancel is called.
func (h *Hub) Subscribe(taskID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[*subscriber]struct{})
	}
	h.subs[taskID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[taskID]; ok {
				if _, live := set[sub]; live {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.subs, taskID)
				}
			}
		})
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(_ context.Context, taskID string, chunk runner.Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[taskID] {
		select {
		case sub.ch <- Event{Chunk: chunk}:
		default:
			sub.dropped++
		}
	}
}

func (h *Hub) End(_ context.Context, taskID string, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[taskID] {
		select {
		case sub.ch <- Event{Done: true, Status: status}:
		default:
		}
		close(sub.ch)
	}
	delete(h.subs, taskID)
}

// Subscribers reports how many observers a task currently has.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[taskID])
}
