package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskrelay.app/relay/common/logger"
	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/mapper"
	"taskrelay.app/relay/internal/matcher"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/rules"
	"taskrelay.app/relay/internal/signature"
	"taskrelay.app/relay/internal/tasklog"
)

// interactivePrefix marks prompts created by the ask action.
const interactivePrefix = "[INTERACTIVE] "

const slackURLVerification = "url_verification"

type IngestStatus string

const (
	IngestStatusOK           IngestStatus = "ok"
	IngestStatusPartial      IngestStatus = "partial"
	IngestStatusNoMatch      IngestStatus = "no_match"
	IngestStatusLoopDetected IngestStatus = "loop_detected"
	IngestStatusIgnoredBot   IngestStatus = "ignored_bot"
	IngestStatusDuplicate    IngestStatus = "duplicate"
)

type WebhookRequest struct {
	Provider  model.Provider
	WebhookID string
	Headers   http.Header
	Body      []byte
	TraceID   string
}

// ActionOutcome records what one fired rule did.
type ActionOutcome struct {
	Rule      string       `json:"rule"`
	Action    model.Action `json:"action"`
	TaskID    string       `json:"task_id,omitempty"`
	ContentID string       `json:"content_id,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func (o ActionOutcome) Succeeded() bool { return o.Error == "" }

type IngestResult struct {
	Status    IngestStatus
	EventType string
	Actions   []ActionOutcome
	TaskIDs   []string
	// Challenge echoes Slack's url_verification handshake.
	Challenge string
}

// ActionsTaken counts the rules whose action went through.
func (r *IngestResult) ActionsTaken() int {
	n := 0
	for _, a := range r.Actions {
		if a.Succeeded() {
			n++
		}
	}
	return n
}

// Replier posts immediate replies and forwards rule output.
type Replier interface {
	Post(ctx context.Context, target model.ReplyTarget, msg completion.Message) (completion.PostResult, error)
	Forward(ctx context.Context, url string, payload completion.ForwardPayload) error
}

// WebhookIngestService runs one inbound webhook through verification,
// normalization, loop prevention, matching and action execution. Errors
// returned from Ingest wrap rules.ErrWebhookNotFound, signature.ErrInvalid or
// mapper.ErrMalformedPayload; every other outcome is reported in the result.
type WebhookIngestService interface {
	Ingest(ctx context.Context, req WebhookRequest) (*IngestResult, error)
}

type WebhookIngestDeps struct {
	Rules    rules.Source
	Verifier *signature.Verifier
	Mappers  *mapper.Registry
	Loops    looptrack.Tracker
	Flows    *flow.Tracker
	Tasks    TaskService
	Replier  Replier
	Logger   *slog.Logger
	Now      func() time.Time
}

type webhookIngestService struct {
	rules    rules.Source
	verifier *signature.Verifier
	mappers  *mapper.Registry
	loops    looptrack.Tracker
	flows    *flow.Tracker
	tasks    TaskService
	replier  Replier
	logger   *slog.Logger
	now      func() time.Time
}

func NewWebhookIngestService(deps WebhookIngestDeps) WebhookIngestService {
	s := &webhookIngestService{
		rules:    deps.Rules,
		verifier: deps.Verifier,
		mappers:  deps.Mappers,
		loops:    deps.Loops,
		flows:    deps.Flows,
		tasks:    deps.Tasks,
		replier:  deps.Replier,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.verifier == nil {
		s.verifier = signature.NewVerifier()
	}
	if s.mappers == nil {
		s.mappers = mapper.DefaultRegistry()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *webhookIngestService) Ingest(ctx context.Context, req WebhookRequest) (*IngestResult, error) {
	provider := string(req.Provider)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Provider:  &provider,
		WebhookID: &req.WebhookID,
		Component: "relay.ingest",
	})
	received := s.now().UTC()

	wh, err := s.rules.Webhook(ctx, req.Provider, req.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("looking up webhook: %w", err)
	}

	if err := s.verifier.Verify(req.Body, req.Headers, wh.Secret, signature.ConfigFor(req.Provider, wh.Signature)); err != nil {
		s.logger.WarnContext(ctx, "webhook signature rejected", "error", err)
		return nil, err
	}

	ev, err := s.mappers.Normalize(ctx, req.Provider, req.Headers, req.Body)
	if err != nil {
		if errors.Is(err, mapper.ErrUnsupportedProvider) {
			return nil, fmt.Errorf("%w: %w", mapper.ErrMalformedPayload, err)
		}
		return nil, err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{EventType: &ev.Type})
	result := &IngestResult{EventType: ev.Type}

	if req.Provider == model.ProviderSlack && ev.Type == slackURLVerification {
		result.Status = IngestStatusNoMatch
		result.Challenge = ev.Text("challenge")
		return result, nil
	}

	if seen := s.seen(ctx, ev); seen {
		s.logger.InfoContext(ctx, "event carries our own content, ignoring", "content_id", ev.ContentID)
		result.Status = IngestStatusLoopDetected
		return result, nil
	}
	if ev.Sender.IsBot {
		s.logger.InfoContext(ctx, "event sent by a bot, ignoring", "sender", ev.Sender.Login)
		result.Status = IngestStatusIgnoredBot
		return result, nil
	}
	if !s.claimDelivery(ctx, ev) {
		s.logger.InfoContext(ctx, "delivery already processed", "delivery_id", ev.DeliveryID)
		result.Status = IngestStatusDuplicate
		return result, nil
	}

	flowID := flow.IDFor(ev.Thread)
	if flowID != "" {
		ctx = logger.WithLogFields(ctx, logger.LogFields{FlowID: &flowID})
	}
	if ev.ClosesThread && flowID != "" && s.flows != nil {
		if broken, err := s.flows.Break(ctx, flowID); err != nil {
			s.logger.WarnContext(ctx, "failed to break conversation", "error", err)
		} else if broken {
			s.logger.InfoContext(ctx, "thread closed, conversation broken")
		}
	}

	ruleset, err := s.rules.LoadEnabledRules(ctx, req.Provider, req.WebhookID)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	matches := matcher.Select(ruleset, ev)
	if len(matches) == 0 {
		s.logger.DebugContext(ctx, "no rule matched")
		result.Status = IngestStatusNoMatch
		return result, nil
	}

	base := []tasklog.Stage{
		{Timestamp: received, Stage: "webhook_received", Data: map[string]any{
			"provider":    provider,
			"webhook_id":  req.WebhookID,
			"event_type":  ev.Type,
			"delivery_id": ev.DeliveryID,
			"content_id":  ev.ContentID,
		}},
	}

	for _, m := range matches {
		outcome := s.fire(ctx, req, ev, flowID, m, base)
		result.Actions = append(result.Actions, outcome)
		if outcome.TaskID != "" {
			result.TaskIDs = append(result.TaskIDs, outcome.TaskID)
		}
	}

	result.Status = IngestStatusOK
	if result.ActionsTaken() < len(result.Actions) {
		result.Status = IngestStatusPartial
	}
	s.logger.InfoContext(ctx, "webhook processed",
		"status", result.Status,
		"matched", len(matches),
		"actions_taken", result.ActionsTaken(),
		"task_ids", result.TaskIDs)
	return result, nil
}

// seen fails open: a tracker outage must not stop ingestion, and the bot
// guard still catches most self-authored events.
func (s *webhookIngestService) seen(ctx context.Context, ev *event.Event) bool {
	if s.loops == nil || ev.ContentID == "" {
		return false
	}
	seen, err := s.loops.Seen(ctx, ev.Provider, ev.ContentID)
	if err != nil {
		s.logger.WarnContext(ctx, "loop marker lookup failed", "error", err)
		return false
	}
	return seen
}

func (s *webhookIngestService) claimDelivery(ctx context.Context, ev *event.Event) bool {
	if s.loops == nil || ev.DeliveryID == "" {
		return true
	}
	first, err := s.loops.ClaimDelivery(ctx, ev.Provider, ev.DeliveryID)
	if err != nil {
		s.logger.WarnContext(ctx, "delivery dedup unavailable", "error", err)
		return true
	}
	return first
}

func (s *webhookIngestService) fire(ctx context.Context, req WebhookRequest, ev *event.Event, flowID string, m matcher.Match, base []tasklog.Stage) ActionOutcome {
	rule := m.Rule
	out := ActionOutcome{Rule: rule.Name, Action: rule.Action}
	log := s.logger.With("rule", rule.Name, "action", rule.Action)

	var err error
	switch rule.Action {
	case model.ActionCreateTask, model.ActionAsk:
		out.TaskID, err = s.createTask(ctx, req, ev, flowID, m, base)
	case model.ActionComment, model.ActionRespond:
		out.ContentID, err = s.reply(ctx, ev, rule.Action, m.Output)
	case model.ActionForward:
		err = s.replier.Forward(ctx, rule.ForwardURL, completion.ForwardPayload{
			Provider:  ev.Provider,
			EventType: ev.Type,
			Message:   m.Output,
		})
	default:
		err = fmt.Errorf("unknown action %q", rule.Action)
	}

	if err != nil {
		out.Error = err.Error()
		log.WarnContext(ctx, "rule action failed", "error", err)
		return out
	}
	log.InfoContext(ctx, "rule fired", "task_id", out.TaskID, "content_id", out.ContentID)
	return out
}

func (s *webhookIngestService) createTask(ctx context.Context, req WebhookRequest, ev *event.Event, flowID string, m matcher.Match, base []tasklog.Stage) (string, error) {
	prompt := m.Output
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("rendered prompt is empty")
	}
	if m.Rule.Action == model.ActionAsk {
		prompt = interactivePrefix + prompt
	}

	stages := append(append([]tasklog.Stage(nil), base...), tasklog.Stage{
		Timestamp: s.now().UTC(),
		Stage:     "rule_matched",
		Data: map[string]any{
			"rule":     m.Rule.Name,
			"action":   m.Rule.Action,
			"priority": m.Rule.Priority,
			"flow_id":  flowID,
		},
	})

	task, err := s.tasks.Create(ctx, CreateTaskParams{
		Source:   model.TaskSourceWebhook,
		Provider: ev.Provider,
		Message:  prompt,
		Agent:    m.Rule.TargetAgent,
		Model:    m.Rule.Model,
		Priority: m.Rule.TaskPriority,
		FlowID:   flowID,
		Reply:    ev.Reply,
		TraceID:  req.TraceID,
		Stages:   stages,
	})
	if err != nil {
		if task != nil && errors.Is(err, queue.ErrUnavailable) {
			// Persisted but finalised FAILED; still reported so callers can
			// look it up.
			return task.ID, err
		}
		return "", err
	}
	return task.ID, nil
}

func (s *webhookIngestService) reply(ctx context.Context, ev *event.Event, action model.Action, content string) (string, error) {
	if ev.Reply == nil {
		return "", errors.New("event has no reply target")
	}
	if strings.TrimSpace(content) == "" {
		return "", errors.New("rendered reply is empty")
	}
	target := *ev.Reply
	if action == model.ActionComment && target.Provider == model.ProviderSlack {
		target.ThreadTS = ""
	}
	res, err := s.replier.Post(ctx, target, completion.FormatPlain(target.Provider, content))
	if err != nil {
		return "", err
	}
	return res.ContentID, nil
}
