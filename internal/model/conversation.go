package model

import "time"

// MaxContextMessages bounds how much history is handed to the agent.
const MaxContextMessages = 20

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Conversation is the durable context bound to one flow. At most one
// non-broken conversation exists per flow id.
type Conversation struct {
	ID        string     `json:"id"`
	FlowID    string     `json:"flow_id"`
	Title     string     `json:"title,omitempty"`
	BrokenAt  *time.Time `json:"broken_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	TaskIDs   []string   `json:"task_ids"`
}

func (c *Conversation) IsBroken() bool {
	return c.BrokenAt != nil
}

// HasTask reports whether taskID is already attached.
func (c *Conversation) HasTask(taskID string) bool {
	for _, id := range c.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// ConversationMessage is one entry of the append-only history.
type ConversationMessage struct {
	Seq       int         `json:"seq"` // 1, 2, 3... position in conversation
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	TaskID    *string     `json:"task_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
