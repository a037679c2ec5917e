package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"taskrelay.app/relay/internal/model"
)

type Producer interface {
	Enqueue(ctx context.Context, e Entry) error
}

type redisProducer struct {
	client redis.Cmdable
	prefix string
	logger *slog.Logger
}

func NewRedisProducer(client redis.Cmdable, prefix string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, e Entry) error {
	if e.Priority == "" {
		e.Priority = model.PriorityNormal
	}
	stream := StreamName(p.prefix, e.Priority)

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: entryValues(e, 1),
	}).Err(); err != nil {
		return fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, stream, err)
	}

	p.logger.InfoContext(ctx, "enqueued task", "task_id", e.TaskID, "stream", stream)
	return nil
}
