package completion

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"taskrelay.app/relay/internal/model"
)

// GitLabPoster creates issue and merge request notes.
type GitLabPoster struct {
	client *gitlab.Client
}

func NewGitLabPoster(baseURL, token string) (*GitLabPoster, error) {
	opts := []gitlab.ClientOptionFunc{}
	if baseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"))
	}
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &GitLabPoster{client: client}, nil
}

func (p *GitLabPoster) Post(ctx context.Context, target model.ReplyTarget, msg Message) (string, error) {
	if target.Repo == "" || target.Number <= 0 {
		return "", fmt.Errorf("%w: gitlab needs project and iid", ErrBadTarget)
	}

	var (
		note *gitlab.Note
		resp *gitlab.Response
		err  error
	)
	if target.IsMergeRequest {
		note, resp, err = p.client.Notes.CreateMergeRequestNote(
			target.Repo,
			target.Number,
			&gitlab.CreateMergeRequestNoteOptions{Body: gitlab.Ptr(msg.Body)},
			gitlab.WithContext(ctx),
		)
	} else {
		note, resp, err = p.client.Notes.CreateIssueNote(
			target.Repo,
			target.Number,
			&gitlab.CreateIssueNoteOptions{Body: gitlab.Ptr(msg.Body)},
			gitlab.WithContext(ctx),
		)
	}
	if err != nil {
		if resp != nil && resp.Response != nil {
			return "", &HTTPError{StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return "", fmt.Errorf("creating gitlab note: %w", err)
	}
	return strconv.FormatInt(note.ID, 10), nil
}
