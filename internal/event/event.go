package event

import (
	"fmt"
	"strings"

	"taskrelay.app/relay/internal/model"
)

// Event is the provider-agnostic view of one inbound webhook. It is built
// once per request and never mutated.
type Event struct {
	Type     string
	Provider model.Provider
	Fields   Value

	// ContentID identifies the comment or message the event carries; it is
	// what the loop tracker is consulted with.
	ContentID string

	// DeliveryID is the provider's per-delivery id, used for redelivery dedup.
	DeliveryID string

	// Thread is the stable identity of the external thread, empty when the
	// event is not attached to one.
	Thread ThreadKey

	Sender Sender

	// ClosesThread is set for events that end the external thread (issue
	// closed, MR merged); the flow's conversation is marked broken.
	ClosesThread bool

	// Reply is where comments and completions for this event go.
	Reply *model.ReplyTarget
}

type Sender struct {
	Login string
	IsBot bool
}

// Text resolves a dotted path in the event fields with the best-effort rule.
func (e *Event) Text(path string) string {
	return e.Fields.TextAt(path, "")
}

// ThreadKey is the external identity a flow id is derived from.
type ThreadKey string

func GitHubThread(repo string, number int64) ThreadKey {
	return ThreadKey(fmt.Sprintf("github:%s:%d", strings.ToLower(repo), number))
}

func GitLabThread(project string, iid int64, mergeRequest bool) ThreadKey {
	kind := "issue"
	if mergeRequest {
		kind = "mr"
	}
	return ThreadKey(fmt.Sprintf("gitlab:%s:%s:%d", strings.ToLower(project), kind, iid))
}

func JiraThread(issueKey string) ThreadKey {
	return ThreadKey("jira:" + strings.ToUpper(issueKey))
}

func SlackThread(channel, threadTS string) ThreadKey {
	return ThreadKey(fmt.Sprintf("slack:%s:%s", channel, threadTS))
}

func SentryThread(issueID string) ThreadKey {
	return ThreadKey("sentry:" + issueID)
}
