package model

type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderSlack  Provider = "slack"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
)

type Priority string

const PriorityHigh Priority = "high"

// Label is a plain string type and is not checked.
type Label string

type Task struct {
	Status   TaskStatus
	Priority Priority
	Provider Provider
	Label    Label
}
