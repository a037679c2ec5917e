package completion

import (
	"fmt"

	"taskrelay.app/relay/internal/model"
)

// Per-provider size limits, in characters.
const (
	GitHubSuccessLimit = 4000
	GitHubFailureLimit = 8000
	GitLabLimit        = 8000
	JiraLimit          = 32767
	SlackBlockLimit    = 3000
)

// Message is a rendered reply ready for a Poster.
type Message struct {
	Body string
	// Summary is a short lead used by providers that render cards or
	// notifications (Slack); others ignore it.
	Summary string
}

// Format renders a finished task for its provider. Success is judged by the
// task status; failed tasks report their error.
func Format(provider model.Provider, task *model.Task) Message {
	success := task.Status == model.TaskStatusCompleted
	content := task.Result
	if !success {
		content = "Task failed"
		if task.Error != nil && *task.Error != "" {
			content = *task.Error
		}
	}

	switch provider {
	case model.ProviderJira:
		return Message{Body: jiraBody(content, success, task.CostUSD), Summary: Summary(content)}
	case model.ProviderSlack:
		return slackMessage(content, success)
	case model.ProviderGitLab:
		return Message{Body: markdownBody(content, success, task.CostUSD, GitLabLimit), Summary: Summary(content)}
	default:
		limit := GitHubFailureLimit
		if success {
			limit = GitHubSuccessLimit
		}
		return Message{Body: markdownBody(content, success, task.CostUSD, limit), Summary: Summary(content)}
	}
}

// FormatPlain renders rule output posted without a task (comment, respond).
func FormatPlain(provider model.Provider, content string) Message {
	return Message{Body: Truncate(content, LimitFor(provider)), Summary: Summary(content)}
}

// LimitFor is the largest body a provider accepts.
func LimitFor(provider model.Provider) int {
	switch provider {
	case model.ProviderJira:
		return JiraLimit
	case model.ProviderSlack:
		return SlackBlockLimit
	case model.ProviderGitLab:
		return GitLabLimit
	default:
		return GitHubFailureLimit
	}
}

func statusMark(success bool) string {
	if success {
		return "✅"
	}
	return "❌"
}

func costFooter(success bool, cost float64) string {
	if !success || cost <= 0 {
		return ""
	}
	return fmt.Sprintf("\n\n💰 Cost: $%.4f", cost)
}

func markdownBody(content string, success bool, cost float64, limit int) string {
	footer := costFooter(success, cost)
	body := statusMark(success) + " " + content
	return Truncate(body, limit-len([]rune(footer))) + footer
}

func jiraBody(content string, success bool, cost float64) string {
	header := "(x) *Task Failed*"
	if success {
		header = "(/) *Task Completed*"
	}
	body := header + "\n\n" + content
	if cost > 0 {
		body += fmt.Sprintf("\n\n*Cost:* $%.4f", cost)
	}
	return Truncate(body, JiraLimit)
}

func slackMessage(content string, success bool) Message {
	summary := Summary(content)
	if summary == "" {
		summary = "Task finished"
	}
	return Message{
		Summary: statusMark(success) + " " + summary,
		Body:    Truncate(content, SlackBlockLimit),
	}
}
