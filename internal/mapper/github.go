package mapper

import (
	"context"
	"net/http"
	"strings"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
)

const (
	githubEventHeader    = "X-GitHub-Event"
	githubDeliveryHeader = "X-GitHub-Delivery"
)

var githubClosingTypes = map[string]bool{
	"issues.closed":       true,
	"pull_request.closed": true,
}

type GitHubNormalizer struct{}

func NewGitHubNormalizer() *GitHubNormalizer {
	return &GitHubNormalizer{}
}

func (n *GitHubNormalizer) Provider() model.Provider {
	return model.ProviderGitHub
}

// Normalize derives "<X-GitHub-Event>.<action>", e.g. "issue_comment.created".
func (n *GitHubNormalizer) Normalize(ctx context.Context, headers http.Header, payload event.Value) (*event.Event, error) {
	name := strings.TrimSpace(headers.Get(githubEventHeader))
	if name == "" {
		return nil, malformed("missing %s header", githubEventHeader)
	}

	action := payload.TextAt("action", "")
	ev := &event.Event{
		Type:       joinType(name, action),
		DeliveryID: headers.Get(githubDeliveryHeader),
	}

	if name == "issue_comment" || name == "pull_request_review_comment" || name == "commit_comment" {
		ev.ContentID = idAt(payload, "comment.id")
	}

	repo := payload.TextAt("repository.full_name", "")
	number, ok := intAt(payload, "issue.number")
	if !ok {
		number, ok = intAt(payload, "pull_request.number")
	}
	if repo != "" && ok {
		ev.Thread = event.GitHubThread(repo, number)
		ev.Reply = &model.ReplyTarget{Provider: model.ProviderGitHub, Repo: repo, Number: number}
	}

	ev.ClosesThread = githubClosingTypes[ev.Type]

	login := firstText(payload, "sender.login", "comment.user.login")
	ev.Sender = event.Sender{
		Login: login,
		IsBot: payload.TextAt("sender.type", "") == "Bot" || strings.HasSuffix(login, "[bot]"),
	}

	return ev, nil
}
