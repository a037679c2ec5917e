package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/model"
)

// ErrPostFailed means a reply could not be delivered after every attempt.
// It never causes the task to run again.
var ErrPostFailed = errors.New("post failed")

// PostResult describes what the dispatcher did with one reply.
type PostResult struct {
	Posted    bool
	ContentID string
	Attempts  int
	// Skipped explains why nothing was posted.
	Skipped string
}

type Dispatcher struct {
	posters        map[model.Provider]Poster
	forwarder      *Forwarder
	tracker        looptrack.Tracker
	maxAttempts    int
	initialBackoff time.Duration
}

func NewDispatcher(tracker looptrack.Tracker, cfg config.CompletionConfig) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	return &Dispatcher{
		posters:        make(map[model.Provider]Poster),
		forwarder:      NewForwarder(),
		tracker:        tracker,
		maxAttempts:    maxAttempts,
		initialBackoff: initial,
	}
}

func (d *Dispatcher) Register(provider model.Provider, p Poster) *Dispatcher {
	d.posters[provider] = p
	return d
}

func (d *Dispatcher) WithForwarder(f *Forwarder) *Dispatcher {
	d.forwarder = f
	return d
}

// RegisterConfigured installs a poster for every provider with credentials.
func (d *Dispatcher) RegisterConfigured(cfg config.ProvidersConfig) error {
	if cfg.GitHubEnabled() {
		d.Register(model.ProviderGitHub, NewGitHubPoster(cfg.GitHubAPIURL, cfg.GitHubToken))
	}
	if cfg.GitLabEnabled() {
		p, err := NewGitLabPoster(cfg.GitLabBaseURL, cfg.GitLabToken)
		if err != nil {
			return err
		}
		d.Register(model.ProviderGitLab, p)
	}
	if cfg.SlackEnabled() {
		d.Register(model.ProviderSlack, NewSlackPoster(cfg.SlackAPIURL, cfg.SlackToken))
	}
	if cfg.JiraEnabled() {
		d.Register(model.ProviderJira, NewJiraPoster(cfg.JiraBaseURL, cfg.JiraEmail, cfg.JiraAPIToken))
	}
	return nil
}

// Complete posts a finished task's outcome back to where it came from.
// Cancelled tasks and tasks without a reply target post nothing.
func (d *Dispatcher) Complete(ctx context.Context, task *model.Task) (PostResult, error) {
	if task.Status == model.TaskStatusCancelled {
		return PostResult{Skipped: "cancelled"}, nil
	}
	if !task.Status.IsTerminal() {
		return PostResult{}, fmt.Errorf("task %s is %s, not finished", task.ID, task.Status)
	}
	if task.ReplyTarget == nil {
		return PostResult{Skipped: "no reply target"}, nil
	}
	return d.Post(ctx, *task.ReplyTarget, Format(task.ReplyTarget.Provider, task))
}

// Post delivers msg with bounded retries and records the created content as
// self-authored so it cannot trigger another event.
func (d *Dispatcher) Post(ctx context.Context, target model.ReplyTarget, msg Message) (PostResult, error) {
	poster, ok := d.posters[target.Provider]
	if !ok {
		slog.InfoContext(ctx, "no poster configured, reply dropped", "provider", target.Provider)
		return PostResult{Skipped: "no poster"}, nil
	}

	attempts := 0
	contentID, err := d.retry(ctx, func() (string, error) {
		attempts++
		id, err := poster.Post(ctx, target, msg)
		if err != nil && !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return id, err
	})
	if err != nil {
		slog.ErrorContext(ctx, "reply could not be posted",
			"error", err,
			"provider", target.Provider,
			"attempts", attempts)
		return PostResult{Attempts: attempts}, fmt.Errorf("%w: %w", ErrPostFailed, err)
	}

	if err := d.tracker.Mark(ctx, target.Provider, contentID); err != nil {
		slog.WarnContext(ctx, "failed to record loop marker",
			"error", err,
			"provider", target.Provider,
			"content_id", contentID)
	}

	slog.InfoContext(ctx, "reply posted",
		"provider", target.Provider,
		"content_id", contentID,
		"attempts", attempts)
	return PostResult{Posted: true, ContentID: contentID, Attempts: attempts}, nil
}

// Forward relays rule output to url, with the same retry policy as posts.
func (d *Dispatcher) Forward(ctx context.Context, url string, payload ForwardPayload) error {
	if url == "" {
		slog.InfoContext(ctx, "forward rule has no url, skipping", "event_type", payload.EventType)
		return nil
	}
	_, err := d.retry(ctx, func() (string, error) {
		err := d.forwarder.Forward(ctx, url, payload)
		if err != nil && !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	})
	if err != nil {
		return fmt.Errorf("%w: forwarding to %s: %w", ErrPostFailed, url, err)
	}
	return nil
}

func (d *Dispatcher) retry(ctx context.Context, op backoff.Operation[string]) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialBackoff
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "post attempt failed, retrying", "error", err, "retry_in", next)
		}),
	)
}

func retryable(err error) bool {
	if errors.Is(err, ErrBadTarget) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return true
}
