package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"taskrelay.app/relay/internal/runner"
)

const (
	outputStreamMaxLen = 5000
	outputStreamTTL    = 24 * time.Hour
)

// Key is the Redis stream holding a task's output.
func Key(taskID string) string {
	return "task-output:" + taskID
}

// RedisSink appends output to a capped per-task stream so that observers in
// other processes can follow along and resume from an id.
type RedisSink struct {
	client redis.Cmdable
}

func NewRedisSink(client redis.Cmdable) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Publish(ctx context.Context, taskID string, chunk runner.Chunk) {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Key(taskID),
		MaxLen: outputStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"ts":      chunk.Timestamp.UTC().Format(time.RFC3339Nano),
			"stream":  chunk.Stream,
			"content": chunk.Content,
		},
	}).Err()
	if err != nil {
		slog.WarnContext(ctx, "failed to publish output chunk", "error", err, "task_id", taskID)
	}
}

func (s *RedisSink) End(ctx context.Context, taskID string, status string) {
	key := Key(taskID)
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: outputStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
			"done":   "1",
			"status": status,
		},
	}).Err()
	if err != nil {
		slog.WarnContext(ctx, "failed to publish end marker", "error", err, "task_id", taskID)
		return
	}
	s.client.Expire(ctx, key, outputStreamTTL)
}

// RedisReader reads a task's output stream.
type RedisReader struct {
	client redis.Cmdable
}

func NewRedisReader(client redis.Cmdable) *RedisReader {
	return &RedisReader{client: client}
}

// Read returns events after lastID ("0" for the beginning), waiting up to
// block for new ones. An empty result means nothing arrived in time.
func (r *RedisReader) Read(ctx context.Context, taskID, lastID string, block time.Duration) ([]Event, error) {
	if lastID == "" {
		lastID = "0"
	}
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{Key(taskID), lastID},
		Block:   block,
		Count:   100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading output stream: %w", err)
	}

	var events []Event
	for _, s := range res {
		for _, msg := range s.Messages {
			events = append(events, decode(msg))
		}
	}
	return events, nil
}

func decode(msg redis.XMessage) Event {
	str := func(k string) string {
		if v, ok := msg.Values[k]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}
	ts, _ := time.Parse(time.RFC3339Nano, str("ts"))
	if str("done") == "1" {
		return Event{ID: msg.ID, Done: true, Status: str("status"), Chunk: runner.Chunk{Timestamp: ts}}
	}
	return Event{
		ID: msg.ID,
		Chunk: runner.Chunk{
			Timestamp: ts,
			Stream:    str("stream"),
			Content:   str("content"),
		},
	}
}
