package queue

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"taskrelay.app/relay/internal/model"
)

var (
	// ErrUnavailable means the entry could not be handed to the queue backend.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrMalformed marks stream entries that cannot be turned into a Message.
	ErrMalformed = errors.New("malformed queue entry")
)

// Entry is what producers enqueue: a reference to a task already persisted
// as QUEUED.
type Entry struct {
	TaskID   string
	Priority model.Priority
	TraceID  string
}

type Message struct {
	ID       string
	Stream   string
	TaskID   string
	Priority model.Priority
	TraceID  string
	Attempt  int
	Raw      redis.XMessage
}

// StreamName is the Redis stream holding one priority class.
func StreamName(prefix string, p model.Priority) string {
	return prefix + ":" + string(p)
}

func ParseMessage(stream string, priority model.Priority, msg redis.XMessage) (Message, error) {
	taskID, err := parseString(msg.Values, "task_id")
	if err != nil {
		return Message{}, err
	}
	if taskID == "" {
		return Message{}, fmt.Errorf("%w: empty task_id", ErrMalformed)
	}
	traceID, err := parseOptionalString(msg.Values, "trace_id")
	if err != nil {
		return Message{}, err
	}
	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Message{}, err
	}
	if attempt == 0 {
		attempt = 1
	}

	return Message{
		ID:       msg.ID,
		Stream:   stream,
		TaskID:   taskID,
		Priority: priority,
		TraceID:  traceID,
		Attempt:  attempt,
		Raw:      msg,
	}, nil
}

func entryValues(e Entry, attempt int) map[string]any {
	values := map[string]any{
		"task_id":  e.TaskID,
		"priority": string(e.Priority),
		"attempt":  attempt,
	}
	if e.TraceID != "" {
		values["trace_id"] = e.TraceID
	}
	return values
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, key)
	}
	return fmt.Sprint(raw), nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parsing %s: %v", ErrMalformed, key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", nil
	}
	return fmt.Sprint(raw), nil
}
