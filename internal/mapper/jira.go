package mapper

import (
	"context"
	"net/http"
	"strings"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
)

const jiraDeliveryHeader = "X-Atlassian-Webhook-Identifier"

type JiraNormalizer struct{}

func NewJiraNormalizer() *JiraNormalizer {
	return &JiraNormalizer{}
}

func (n *JiraNormalizer) Provider() model.Provider {
	return model.ProviderJira
}

// Normalize turns webhookEvent ("jira:issue_updated", "comment_created")
// into "issue.updated" / "comment.created".
func (n *JiraNormalizer) Normalize(ctx context.Context, headers http.Header, payload event.Value) (*event.Event, error) {
	raw := strings.TrimPrefix(payload.TextAt("webhookEvent", ""), "jira:")
	if raw == "" {
		return nil, malformed("missing webhookEvent")
	}
	resource, action, _ := strings.Cut(raw, "_")

	ev := &event.Event{
		Type:       joinType(resource, action),
		DeliveryID: headers.Get(jiraDeliveryHeader),
		ContentID:  idAt(payload, "comment.id"),
	}

	if key := payload.TextAt("issue.key", ""); key != "" {
		ev.Thread = event.JiraThread(key)
		ev.Reply = &model.ReplyTarget{Provider: model.ProviderJira, IssueKey: key}
	}

	ev.ClosesThread = ev.Type == "issue.deleted"

	ev.Sender = event.Sender{
		Login: firstText(payload, "comment.author.displayName", "user.displayName", "user.accountId"),
		IsBot: firstText(payload, "comment.author.accountType", "user.accountType") == "app",
	}

	return ev, nil
}
