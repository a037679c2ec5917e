package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"taskrelay.app/relay/core/db"
	"taskrelay.app/relay/internal/model"
)

// TxRunner is satisfied by *db.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx db.Querier) error) error
	Pool() db.Querier
}

type conversationStore struct {
	db TxRunner
}

func NewConversationStore(database TxRunner) ConversationStore {
	return &conversationStore{db: database}
}

// InFlow runs fn in a transaction holding a transaction-scoped advisory lock
// keyed on the flow id, so the server and every worker process serialize on
// the same flow.
func (s *conversationStore) InFlow(ctx context.Context, flowID string, fn func(ops FlowOps) error) error {
	return s.db.WithTx(ctx, func(tx db.Querier) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, flowID); err != nil {
			return fmt.Errorf("locking flow: %w", err)
		}
		return fn(&pgFlowOps{q: tx, flowID: flowID})
	})
}

func (s *conversationStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := getConversation(ctx, s.db.Pool(), `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *conversationStore) Messages(ctx context.Context, conversationID string) ([]model.ConversationMessage, error) {
	return queryMessages(ctx, s.db.Pool(), `SELECT seq, role, content, task_id, created_at
		FROM conversation_messages WHERE conversation_id = $1 ORDER BY seq`, conversationID)
}

type pgFlowOps struct {
	q      db.Querier
	flowID string
}

func (o *pgFlowOps) Live(ctx context.Context) (*model.Conversation, error) {
	return getConversation(ctx, o.q, `WHERE flow_id = $1 AND broken_at IS NULL`, o.flowID)
}

func (o *pgFlowOps) Create(ctx context.Context, conv *model.Conversation) error {
	_, err := o.q.Exec(ctx, `INSERT INTO conversations (id, flow_id, title, broken_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.FlowID, conv.Title, conv.BrokenAt, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (o *pgFlowOps) MarkBroken(ctx context.Context, conversationID string, at time.Time) error {
	_, err := o.q.Exec(ctx, `UPDATE conversations SET broken_at = COALESCE(broken_at, $2), updated_at = $2
		WHERE id = $1`, conversationID, at)
	if err != nil {
		return fmt.Errorf("marking conversation broken: %w", err)
	}
	return nil
}

func (o *pgFlowOps) AttachTask(ctx context.Context, conversationID, taskID string) (bool, error) {
	tag, err := o.q.Exec(ctx, `INSERT INTO conversation_tasks (conversation_id, task_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, conversationID, taskID)
	if err != nil {
		return false, fmt.Errorf("attaching task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (o *pgFlowOps) Append(ctx context.Context, conversationID string, msg model.ConversationMessage) (model.ConversationMessage, error) {
	row := o.q.QueryRow(ctx, `INSERT INTO conversation_messages (conversation_id, seq, role, content, task_id, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5 FROM conversation_messages WHERE conversation_id = $1
		RETURNING seq`,
		conversationID, string(msg.Role), msg.Content, msg.TaskID, msg.CreatedAt)
	if err := row.Scan(&msg.Seq); err != nil {
		return msg, fmt.Errorf("appending message: %w", err)
	}
	if _, err := o.q.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, conversationID, msg.CreatedAt); err != nil {
		return msg, fmt.Errorf("touching conversation: %w", err)
	}
	return msg, nil
}

func (o *pgFlowOps) Recent(ctx context.Context, conversationID string, limit, beforeSeq int) ([]model.ConversationMessage, error) {
	if beforeSeq <= 0 {
		beforeSeq = int(^uint32(0) >> 1)
	}
	if limit <= 0 {
		limit = model.MaxContextMessages
	}
	msgs, err := queryMessages(ctx, o.q, `SELECT seq, role, content, task_id, created_at FROM (
			SELECT * FROM conversation_messages
			WHERE conversation_id = $1 AND seq < $2
			ORDER BY seq DESC LIMIT $3
		) recent ORDER BY seq`, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (o *pgFlowOps) SeqOf(ctx context.Context, conversationID, taskID string) (int, error) {
	var seq int
	err := o.q.QueryRow(ctx, `SELECT seq FROM conversation_messages
		WHERE conversation_id = $1 AND task_id = $2 AND role = 'user' ORDER BY seq LIMIT 1`,
		conversationID, taskID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding task message: %w", err)
	}
	return seq, nil
}

func getConversation(ctx context.Context, q db.Querier, where string, arg any) (*model.Conversation, error) {
	var conv model.Conversation
	err := q.QueryRow(ctx, `SELECT id, flow_id, title, broken_at, created_at, updated_at
		FROM conversations `+where, arg).
		Scan(&conv.ID, &conv.FlowID, &conv.Title, &conv.BrokenAt, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT task_id FROM conversation_tasks WHERE conversation_id = $1 ORDER BY task_id`, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("loading conversation tasks: %w", err)
	}
	conv.TaskIDs = ids
	return &conv, nil
}

func queryMessages(ctx context.Context, q db.Querier, sql string, args ...any) ([]model.ConversationMessage, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.ConversationMessage
	for rows.Next() {
		var (
			m    model.ConversationMessage
			role string
		)
		if err := rows.Scan(&m.Seq, &role, &m.Content, &m.TaskID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = model.MessageRole(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
