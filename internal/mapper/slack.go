package mapper

import (
	"context"
	"net/http"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
)

type SlackNormalizer struct{}

func NewSlackNormalizer() *SlackNormalizer {
	return &SlackNormalizer{}
}

func (n *SlackNormalizer) Provider() model.Provider {
	return model.ProviderSlack
}

// Normalize reads Events API callbacks. The type is event.type with the
// subtype appended ("message.bot_message"); envelopes without an inner event
// (url_verification) keep their outer type.
func (n *SlackNormalizer) Normalize(ctx context.Context, headers http.Header, payload event.Value) (*event.Event, error) {
	inner, ok := payload.Lookup("event")
	if !ok || inner.Kind() != event.KindMap {
		outer := payload.TextAt("type", "")
		if outer == "" {
			return nil, malformed("missing type")
		}
		return &event.Event{Type: outer}, nil
	}

	typ := inner.TextAt("type", "")
	if typ == "" {
		return nil, malformed("missing event.type")
	}

	ev := &event.Event{
		Type:       joinType(typ, inner.TextAt("subtype", "")),
		DeliveryID: payload.TextAt("event_id", ""),
		ContentID:  inner.TextAt("ts", ""),
	}

	channel := inner.TextAt("channel", "")
	threadTS := firstText(inner, "thread_ts", "ts")
	if channel != "" && threadTS != "" {
		ev.Thread = event.SlackThread(channel, threadTS)
		ev.Reply = &model.ReplyTarget{Provider: model.ProviderSlack, Channel: channel, ThreadTS: threadTS}
	}

	_, hasBotID := inner.Lookup("bot_id")
	ev.Sender = event.Sender{
		Login: inner.TextAt("user", ""),
		IsBot: hasBotID || inner.TextAt("subtype", "") == "bot_message",
	}

	return ev, nil
}
