package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/model"
)

// Consumer hands out queued task references. Next blocks until an entry is
// available or ctx is done; higher priority classes are always drained first.
type Consumer interface {
	Next(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	// Release gives up an entry without acknowledging it so it is offered
	// again later.
	Release(ctx context.Context, msg Message) error
}

type ConsumerConfig struct {
	StreamPrefix string        // Streams are <prefix>:<priority>
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Malformed entries go here; empty drops them
	Block        time.Duration // How long one blocking read waits
}

type RedisConsumer struct {
	client redis.Cmdable
	cfg    ConsumerConfig

	// lock admits one reader at a time; buffered holds entries read in a
	// multi-stream XREADGROUP that have not been handed out yet.
	lock     chan struct{}
	buffered []Message

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewRedisConsumer(ctx context.Context, client redis.Cmdable, cfg ConsumerConfig) (*RedisConsumer, error) {
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	consumer := &RedisConsumer{
		client:   client,
		cfg:      cfg,
		lock:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}

	for _, p := range model.Priorities {
		if err := consumer.ensureGroup(ctx, StreamName(cfg.StreamPrefix, p)); err != nil {
			return nil, err
		}
	}

	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context, stream string) error {
	// Start from "0" so entries added before the group existed are not lost.
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", stream, err)
	}
	return nil
}

func (c *RedisConsumer) streams() []string {
	out := make([]string, 0, len(model.Priorities))
	for _, p := range model.Priorities {
		out = append(out, StreamName(c.cfg.StreamPrefix, p))
	}
	return out
}

func (c *RedisConsumer) priorityOf(stream string) model.Priority {
	return model.Priority(strings.TrimPrefix(stream, c.cfg.StreamPrefix+":"))
}

func (c *RedisConsumer) Next(ctx context.Context) (Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "relay.queue.consumer"})

	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	defer func() { <-c.lock }()

	for {
		if msg, ok := c.popBuffered(); ok {
			return msg, nil
		}

		// A non-blocking pass per class keeps strict priority order.
		for _, p := range model.Priorities {
			if err := c.read(ctx, []string{StreamName(c.cfg.StreamPrefix, p)}, -1); err != nil {
				return Message{}, err
			}
			if msg, ok := c.popBuffered(); ok {
				return msg, nil
			}
		}

		if err := c.read(ctx, c.streams(), c.cfg.Block); err != nil {
			return Message{}, err
		}
		if err := ctx.Err(); err != nil && len(c.buffered) == 0 {
			return Message{}, err
		}
	}
}

func (c *RedisConsumer) read(ctx context.Context, streams []string, block time.Duration) error {
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = ">"
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  append(append([]string{}, streams...), ids...),
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading from streams: %w", err)
	}

	for _, stream := range res {
		for _, raw := range stream.Messages {
			c.accept(ctx, stream.Stream, raw)
		}
	}
	return nil
}

func (c *RedisConsumer) accept(ctx context.Context, stream string, raw redis.XMessage) {
	parsed, err := ParseMessage(stream, c.priorityOf(stream), raw)
	if err != nil {
		c.discard(ctx, stream, raw, err)
		return
	}
	c.buffered = append(c.buffered, parsed)
}

// popBuffered returns the highest-priority buffered entry.
func (c *RedisConsumer) popBuffered() (Message, bool) {
	if len(c.buffered) == 0 {
		return Message{}, false
	}
	best := 0
	for i, m := range c.buffered {
		if rank(m.Priority) < rank(c.buffered[best].Priority) {
			best = i
		}
	}
	msg := c.buffered[best]
	c.buffered = append(c.buffered[:best], c.buffered[best+1:]...)

	c.mu.Lock()
	c.inflight[msg.ID] = struct{}{}
	c.mu.Unlock()
	return msg, true
}

func rank(p model.Priority) int {
	for i, q := range model.Priorities {
		if q == p {
			return i
		}
	}
	return len(model.Priorities)
}

// discard drops an entry that can never be processed, copying it to the DLQ
// when one is configured.
func (c *RedisConsumer) discard(ctx context.Context, stream string, raw redis.XMessage, cause error) {
	slog.ErrorContext(ctx, "dropping malformed queue entry",
		"error", cause,
		"raw_message_id", raw.ID,
		"stream", stream)

	if c.cfg.DLQStream != "" {
		values := make(map[string]any, len(raw.Values)+2)
		for k, v := range raw.Values {
			values[k] = v
		}
		values["error"] = cause.Error()
		values["source_stream"] = stream
		if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.DLQStream, Values: values}).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to write DLQ entry", "error", err, "dlq_stream", c.cfg.DLQStream)
		}
	}

	if err := c.client.XAck(ctx, stream, c.cfg.Group, raw.ID).Err(); err != nil {
		slog.WarnContext(ctx, "failed to ack malformed entry", "error", err, "raw_message_id", raw.ID)
	}
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, msg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", msg.Stream, err)
	}
	c.mu.Lock()
	delete(c.inflight, msg.ID)
	c.mu.Unlock()

	slog.DebugContext(ctx, "message acknowledged", "stream", msg.Stream, "message_id", msg.ID)
	return nil
}

// Release leaves the entry pending; Reclaim picks it up once it has been
// idle long enough.
func (c *RedisConsumer) Release(_ context.Context, msg Message) error {
	c.mu.Lock()
	delete(c.inflight, msg.ID)
	c.mu.Unlock()
	return nil
}

// Reclaim takes over entries that were read but never acknowledged, by a
// crashed consumer or by an earlier run of this one, and queues them for
// this consumer's next reads. It returns how many were taken over.
func (c *RedisConsumer) Reclaim(ctx context.Context, minIdle time.Duration, count int64) (int, error) {
	var reclaimed []redis.XMessage
	var fromStream []string

	for _, stream := range c.streams() {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.cfg.Group,
			Idle:   minIdle,
			Start:  "-",
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("xpending %s: %w", stream, err)
		}
		if len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		c.mu.Lock()
		for _, p := range pending {
			if _, busy := c.inflight[p.ID]; busy {
				continue
			}
			ids = append(ids, p.ID)
		}
		c.mu.Unlock()
		if len(ids) == 0 {
			continue
		}

		msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("xclaim %s: %w", stream, err)
		}
		for _, m := range msgs {
			reclaimed = append(reclaimed, m)
			fromStream = append(fromStream, stream)
		}
	}

	if len(reclaimed) == 0 {
		return 0, nil
	}

	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	for i, m := range reclaimed {
		c.accept(ctx, fromStream[i], m)
	}
	<-c.lock

	return len(reclaimed), nil
}
