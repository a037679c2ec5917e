package completion

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskrelay.app/relay/internal/model"
)

var ErrBadTarget = errors.New("reply target incomplete")

// Poster delivers a message to one provider and returns the id of the
// content it created, which the loop tracker then remembers.
type Poster interface {
	Post(ctx context.Context, target model.ReplyTarget, msg Message) (string, error)
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, e.Body)
}

// Retryable is true for throttling and server-side failures.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func doJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// GitHubPoster creates issue and pull request comments.
type GitHubPoster struct {
	apiURL string
	token  string
	client *http.Client
}

func NewGitHubPoster(apiURL, token string) *GitHubPoster {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &GitHubPoster{apiURL: strings.TrimRight(apiURL, "/"), token: token, client: defaultHTTPClient()}
}

func (p *GitHubPoster) Post(ctx context.Context, target model.ReplyTarget, msg Message) (string, error) {
	if target.Repo == "" || target.Number <= 0 {
		return "", fmt.Errorf("%w: github needs repo and number", ErrBadTarget)
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", p.apiURL, target.Repo, target.Number)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.token)
	header.Set("X-GitHub-Api-Version", "2022-11-28")

	var created struct {
		ID int64 `json:"id"`
	}
	if err := doJSON(ctx, p.client, http.MethodPost, url, header, map[string]string{"body": msg.Body}, &created); err != nil {
		return "", err
	}
	return strconv.FormatInt(created.ID, 10), nil
}

// SlackPoster posts with chat.postMessage, replying in thread when the
// target carries one.
type SlackPoster struct {
	apiURL string
	token  string
	client *http.Client
}

func NewSlackPoster(apiURL, token string) *SlackPoster {
	if apiURL == "" {
		apiURL = "https://slack.com/api"
	}
	return &SlackPoster{apiURL: strings.TrimRight(apiURL, "/"), token: token, client: defaultHTTPClient()}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
}

type slackPostRequest struct {
	Channel  string       `json:"channel"`
	Text     string       `json:"text"`
	ThreadTS string       `json:"thread_ts,omitempty"`
	Blocks   []slackBlock `json:"blocks,omitempty"`
}

func (p *SlackPoster) Post(ctx context.Context, target model.ReplyTarget, msg Message) (string, error) {
	if target.Channel == "" {
		return "", fmt.Errorf("%w: slack needs a channel", ErrBadTarget)
	}

	req := slackPostRequest{Channel: target.Channel, ThreadTS: target.ThreadTS, Text: msg.Body}
	if msg.Summary != "" {
		req.Text = msg.Summary
		req.Blocks = append(req.Blocks, slackBlock{Type: "section", Text: slackText{Type: "mrkdwn", Text: Truncate(msg.Summary, SlackBlockLimit)}})
		if msg.Body != "" && msg.Body != msg.Summary {
			req.Blocks = append(req.Blocks, slackBlock{Type: "section", Text: slackText{Type: "mrkdwn", Text: Truncate(msg.Body, SlackBlockLimit)}})
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.token)

	var ack struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := doJSON(ctx, p.client, http.MethodPost, p.apiURL+"/chat.postMessage", header, req, &ack); err != nil {
		return "", err
	}
	if !ack.OK {
		// Slack reports failures in a 200 body; rate limiting is the only one worth retrying.
		status := http.StatusBadRequest
		if ack.Error == "ratelimited" {
			status = http.StatusTooManyRequests
		}
		return "", &HTTPError{StatusCode: status, Body: ack.Error}
	}
	return ack.TS, nil
}

// JiraPoster adds issue comments through the REST v2 API, whose plain-text
// body accepts wiki markup.
type JiraPoster struct {
	baseURL string
	email   string
	token   string
	client  *http.Client
}

func NewJiraPoster(baseURL, email, token string) *JiraPoster {
	return &JiraPoster{baseURL: strings.TrimRight(baseURL, "/"), email: email, token: token, client: defaultHTTPClient()}
}

func (p *JiraPoster) Post(ctx context.Context, target model.ReplyTarget, msg Message) (string, error) {
	if target.IssueKey == "" {
		return "", fmt.Errorf("%w: jira needs an issue key", ErrBadTarget)
	}
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(p.email+":"+p.token)))

	var created struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/rest/api/2/issue/%s/comment", p.baseURL, target.IssueKey)
	if err := doJSON(ctx, p.client, http.MethodPost, url, header, map[string]string{"body": msg.Body}, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// Forwarder relays rule output to an arbitrary URL as JSON.
type Forwarder struct {
	client *http.Client
}

func NewForwarder() *Forwarder {
	return &Forwarder{client: defaultHTTPClient()}
}

type ForwardPayload struct {
	Provider  model.Provider `json:"provider"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
}

func (f *Forwarder) Forward(ctx context.Context, url string, payload ForwardPayload) error {
	return doJSON(ctx, f.client, http.MethodPost, url, nil, payload, nil)
}
