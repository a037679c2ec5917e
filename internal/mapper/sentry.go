package mapper

import (
	"context"
	"net/http"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
)

const (
	sentryResourceHeader = "Sentry-Hook-Resource"
	sentryRequestHeader  = "Request-ID"
)

type SentryNormalizer struct{}

func NewSentryNormalizer() *SentryNormalizer {
	return &SentryNormalizer{}
}

func (n *SentryNormalizer) Provider() model.Provider {
	return model.ProviderSentry
}

// Normalize derives "<Sentry-Hook-Resource>.<action>", e.g. "issue.created".
func (n *SentryNormalizer) Normalize(ctx context.Context, headers http.Header, payload event.Value) (*event.Event, error) {
	resource := headers.Get(sentryResourceHeader)
	if resource == "" {
		return nil, malformed("missing %s header", sentryResourceHeader)
	}

	ev := &event.Event{
		Type:       joinType(resource, payload.TextAt("action", "")),
		DeliveryID: headers.Get(sentryRequestHeader),
	}

	if issueID := firstText(payload, "data.issue.id", "data.event.issue_id"); issueID != "" {
		ev.Thread = event.SentryThread(issueID)
	}
	ev.ClosesThread = ev.Type == "issue.resolved"
	ev.Sender = event.Sender{Login: payload.TextAt("actor.name", ""), IsBot: payload.TextAt("actor.type", "") == "application"}

	return ev, nil
}
