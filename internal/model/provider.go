package model

// Provider identifies the external collaboration tool an event came from
// and where completions are posted back to.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
	ProviderJira   Provider = "jira"
	ProviderSlack  Provider = "slack"
	ProviderSentry Provider = "sentry"
)

var knownProviders = map[Provider]bool{
	ProviderGitHub: true,
	ProviderGitLab: true,
	ProviderJira:   true,
	ProviderSlack:  true,
	ProviderSentry: true,
}

// ParseProvider returns the provider named by s and whether it is known.
func ParseProvider(s string) (Provider, bool) {
	p := Provider(s)
	return p, knownProviders[p]
}

func (p Provider) String() string {
	return string(p)
}

// ReplyTarget addresses the external item a task's result is posted to.
// Only the fields relevant to Provider are set.
type ReplyTarget struct {
	Provider Provider `json:"provider"`

	// GitHub: "owner/name"; GitLab: project path or numeric id.
	Repo   string `json:"repo,omitempty"`
	Number int64  `json:"number,omitempty"`

	// GitLab merge requests are addressed separately from issues.
	IsMergeRequest bool `json:"is_merge_request,omitempty"`

	// Jira issue key ("PROJ-123").
	IssueKey string `json:"issue_key,omitempty"`

	// Slack channel and the thread to reply in.
	Channel  string `json:"channel,omitempty"`
	ThreadTS string `json:"thread_ts,omitempty"`
}
