package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"taskrelay.app/relay/core/db"
	"taskrelay.app/relay/internal/model"
)

const taskColumns = `id, status, source, provider, input_message, assigned_agent, model, priority,
	flow_id, conversation_id, session_id, reply_target, created_at, started_at, completed_at,
	cost_usd, input_tokens, output_tokens, error, result`

type taskStore struct {
	q db.Querier
}

func NewTaskStore(q db.Querier) TaskStore {
	return &taskStore{q: q}
}

func (s *taskStore) Create(ctx context.Context, task *model.Task) error {
	var replyTarget []byte
	if task.ReplyTarget != nil {
		b, err := json.Marshal(task.ReplyTarget)
		if err != nil {
			return fmt.Errorf("encoding reply target: %w", err)
		}
		replyTarget = b
	}

	_, err := s.q.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		task.ID, string(task.Status), string(task.Source), string(task.Provider), task.InputMessage,
		task.AssignedAgent, task.Model, string(task.Priority), task.FlowID, task.ConversationID,
		task.SessionID, replyTarget, task.CreatedAt, task.StartedAt, task.CompletedAt,
		task.CostUSD, task.InputTokens, task.OutputTokens, task.Error, task.Result,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (s *taskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *taskStore) List(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.FlowID != "" {
		args = append(args, filter.FlowID)
		where = append(where, fmt.Sprintf("flow_id = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (s *taskStore) ClaimQueued(ctx context.Context, id string, at time.Time) (bool, *model.Task, error) {
	row := s.q.QueryRow(ctx, `UPDATE tasks
		SET status = 'running', started_at = COALESCE(started_at, GREATEST($2, created_at))
		WHERE id = $1 AND status = 'queued'
		RETURNING `+taskColumns, id, at)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already claimed, cancelled, or unknown.
			return false, nil, nil
		}
		return false, nil, err
	}
	return true, task, nil
}

func (s *taskStore) Finish(ctx context.Context, id string, outcome model.TaskOutcome, at time.Time) (bool, error) {
	if !model.TaskStatusRunning.CanTransitionTo(outcome.Status) {
		return false, fmt.Errorf("finish: %q is not a terminal status", outcome.Status)
	}
	tag, err := s.q.Exec(ctx, `UPDATE tasks
		SET status = $2, result = $3, error = $4, cost_usd = $5, input_tokens = $6, output_tokens = $7,
			completed_at = COALESCE(completed_at, GREATEST($8, started_at))
		WHERE id = $1 AND status = 'running'`,
		id, string(outcome.Status), outcome.Result, outcome.Error, outcome.CostUSD,
		outcome.InputTokens, outcome.OutputTokens, at)
	if err != nil {
		return false, fmt.Errorf("finishing task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *taskStore) CancelQueued(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `UPDATE tasks
		SET status = 'cancelled', completed_at = COALESCE(completed_at, GREATEST($2, created_at))
		WHERE id = $1 AND status = 'queued'`, id, at)
	if err != nil {
		return false, fmt.Errorf("cancelling task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *taskStore) FailQueued(ctx context.Context, id string, errMsg string, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `UPDATE tasks
		SET status = 'failed', error = $2, completed_at = COALESCE(completed_at, GREATEST($3, created_at))
		WHERE id = $1 AND status = 'queued'`, id, errMsg, at)
	if err != nil {
		return false, fmt.Errorf("failing task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *taskStore) SetConversation(ctx context.Context, id, conversationID string) error {
	tag, err := s.q.Exec(ctx, `UPDATE tasks SET conversation_id = $2 WHERE id = $1`, id, conversationID)
	if err != nil {
		return fmt.Errorf("setting conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t                                  model.Task
		status, source, provider, priority string
		replyTarget                        []byte
	)
	err := row.Scan(
		&t.ID, &status, &source, &provider, &t.InputMessage, &t.AssignedAgent, &t.Model, &priority,
		&t.FlowID, &t.ConversationID, &t.SessionID, &replyTarget, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
		&t.CostUSD, &t.InputTokens, &t.OutputTokens, &t.Error, &t.Result,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Source = model.TaskSource(source)
	t.Provider = model.Provider(provider)
	t.Priority = model.Priority(priority)
	if len(replyTarget) > 0 {
		var rt model.ReplyTarget
		if err := json.Unmarshal(replyTarget, &rt); err != nil {
			return nil, fmt.Errorf("decoding reply target: %w", err)
		}
		t.ReplyTarget = &rt
	}
	return &t, nil
}
