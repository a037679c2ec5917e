package service

import (
	"log/slog"

	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/rules"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/tasklog"
)

// ServiceDeps are the shared collaborators the server's services are built from.
type ServiceDeps struct {
	Tasks     store.TaskStore
	Flows     *flow.Tracker
	Producer  queue.Producer
	Canceller Canceller
	Rules     rules.Source
	Loops     looptrack.Tracker
	Replier   Replier
	Logs      *tasklog.Writer
	Agent     config.AgentConfig
	Logger    *slog.Logger
}

type Services struct {
	tasks  TaskService
	ingest WebhookIngestService
}

func NewServices(deps ServiceDeps) *Services {
	tasks := NewTaskService(
		deps.Tasks,
		deps.Flows,
		deps.Producer,
		deps.Canceller,
		deps.Logs,
		TaskDefaults{Agent: deps.Agent.DefaultAgent, Model: deps.Agent.DefaultModel},
		deps.Logger,
	)
	return &Services{
		tasks: tasks,
		ingest: NewWebhookIngestService(WebhookIngestDeps{
			Rules:   deps.Rules,
			Loops:   deps.Loops,
			Flows:   deps.Flows,
			Tasks:   tasks,
			Replier: deps.Replier,
			Logger:  deps.Logger,
		}),
	}
}

func (s *Services) Tasks() TaskService {
	return s.tasks
}

func (s *Services) WebhookIngest() WebhookIngestService {
	return s.ingest
}
