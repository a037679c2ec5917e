package mapper

import (
	"context"
	"net/http"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
)

const (
	gitlabEventHeader = "X-Gitlab-Event"
	gitlabUUIDHeader  = "X-Gitlab-Event-UUID"
)

// gitlabKinds maps hook headers to the object_kind they carry, for payloads
// that omit object_kind.
var gitlabKinds = map[gitlab.EventType]string{
	gitlab.EventTypeIssue:         "issue",
	gitlab.EventConfidentialIssue: "issue",
	gitlab.EventTypeNote:          "note",
	gitlab.EventConfidentialNote:  "note",
	gitlab.EventTypeMergeRequest:  "merge_request",
	gitlab.EventTypePipeline:      "pipeline",
	gitlab.EventTypePush:          "push",
}

var gitlabClosingTypes = map[string]bool{
	"issue.close":         true,
	"merge_request.merge": true,
	"merge_request.close": true,
}

type GitLabNormalizer struct{}

func NewGitLabNormalizer() *GitLabNormalizer {
	return &GitLabNormalizer{}
}

func (n *GitLabNormalizer) Provider() model.Provider {
	return model.ProviderGitLab
}

// Normalize derives "<object_kind>.<action>". Notes carry no action and
// become "note.created".
func (n *GitLabNormalizer) Normalize(ctx context.Context, headers http.Header, payload event.Value) (*event.Event, error) {
	kind := payload.TextAt("object_kind", "")
	if kind == "" {
		kind = gitlabKinds[gitlab.EventType(headers.Get(gitlabEventHeader))]
	}
	if kind == "" {
		return nil, malformed("cannot determine gitlab event kind (header=%q)", headers.Get(gitlabEventHeader))
	}

	action := payload.TextAt("object_attributes.action", "")
	if kind == "note" && action == "" {
		action = "created"
	}

	ev := &event.Event{
		Type:       joinType(kind, action),
		DeliveryID: headers.Get(gitlabUUIDHeader),
	}

	project := firstText(payload, "project.path_with_namespace", "project.id")

	var (
		iid    int64
		hasIID bool
		isMR   bool
	)
	switch kind {
	case "issue":
		iid, hasIID = intAt(payload, "object_attributes.iid")
	case "merge_request":
		iid, hasIID = intAt(payload, "object_attributes.iid")
		isMR = true
	case "note":
		ev.ContentID = idAt(payload, "object_attributes.id")
		if iid, hasIID = intAt(payload, "issue.iid"); !hasIID {
			iid, hasIID = intAt(payload, "merge_request.iid")
			isMR = hasIID
		}
	}
	if project != "" && hasIID {
		ev.Thread = event.GitLabThread(project, iid, isMR)
		ev.Reply = &model.ReplyTarget{Provider: model.ProviderGitLab, Repo: project, Number: iid, IsMergeRequest: isMR}
	}

	ev.ClosesThread = gitlabClosingTypes[ev.Type]

	username := firstText(payload, "user.username", "user_username")
	ev.Sender = event.Sender{
		Login: username,
		IsBot: strings.Contains(username, "_bot") || strings.HasSuffix(username, "[bot]"),
	}

	return ev, nil
}
