package dto

import "taskrelay.app/relay/internal/service"

type WebhookResponse struct {
	Status       string                  `json:"status"`
	EventType    string                  `json:"event_type,omitempty"`
	ActionsTaken int                     `json:"actions_taken"`
	TaskIDs      []string                `json:"task_ids"`
	Actions      []service.ActionOutcome `json:"actions,omitempty"`
	Challenge    string                  `json:"challenge,omitempty"`
}

func NewWebhookResponse(res *service.IngestResult) WebhookResponse {
	ids := res.TaskIDs
	if ids == nil {
		ids = []string{}
	}
	return WebhookResponse{
		Status:       string(res.Status),
		EventType:    res.EventType,
		ActionsTaken: res.ActionsTaken(),
		TaskIDs:      ids,
		Actions:      res.Actions,
		Challenge:    res.Challenge,
	}
}
