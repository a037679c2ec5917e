// Package id hands out snowflake-backed identifiers. Each process must call
// Init with its own node id before generating.
package id

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	mu   sync.RWMutex
	node *snowflake.Node
)

// Init sets the node id for this process (0-1023). Node 1 is the server,
// 2 the worker and 3 the chat REPL. Calling it again replaces the node.
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

func next() snowflake.ID {
	mu.RLock()
	n := node
	mu.RUnlock()
	if n == nil {
		panic("id: Init was not called")
	}
	return n.Generate()
}

// NewTaskID returns an opaque, time-ordered task id ("task-<snowflake>").
func NewTaskID() string {
	return "task-" + strconv.FormatInt(next().Int64(), 10)
}

func NewConversationID() string {
	return "conv-" + strconv.FormatInt(next().Int64(), 10)
}
