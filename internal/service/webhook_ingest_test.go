package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/mapper"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/rules"
	"taskrelay.app/relay/internal/service"
	"taskrelay.app/relay/internal/signature"
	"taskrelay.app/relay/internal/store"
)

const githubSecret = "s3cret"

var _ = Describe("WebhookIngestService", func() {
	var (
		ctx      context.Context
		q        *queue.MemoryQueue
		tasks    *store.MemoryTaskStore
		convs    *store.MemoryConversationStore
		loops    *looptrack.MemoryTracker
		replier  *recordingReplier
		commands []model.Rule
		producer queue.Producer
		svc      service.WebhookIngestService
		delivery int
	)

	reviewRule := model.Rule{
		Name:       "review",
		Trigger:    "issue_comment.created",
		Conditions: []model.Condition{{Field: "comment.body", Op: model.ComparatorContains, Value: "@agent"}},
		Action:     model.ActionCreateTask,
		Template:   "{{comment.body}}",
	}

	BeforeEach(func() {
		ctx = context.Background()
		q = queue.NewMemoryQueue()
		tasks = store.NewMemoryTaskStore()
		convs = store.NewMemoryConversationStore()
		loops = looptrack.NewMemoryTracker(time.Hour, time.Hour)
		replier = &recordingReplier{}
		commands = []model.Rule{reviewRule}
		producer = q
		delivery = 0
	})

	JustBeforeEach(func() {
		src, err := rules.NewStatic(
			model.WebhookConfig{
				ID:       "gh-main",
				Provider: model.ProviderGitHub,
				Enabled:  true,
				Secret:   githubSecret,
				Commands: commands,
			},
			model.WebhookConfig{
				ID:       "slack-main",
				Provider: model.ProviderSlack,
				Enabled:  true,
				Secret:   "slack-secret",
			},
		)
		Expect(err).NotTo(HaveOccurred())

		tracker := flow.NewTracker(convs, tasks)
		taskSvc := service.NewTaskService(tasks, tracker, producer, nil, nil, service.TaskDefaults{Agent: "planning"}, nil)
		svc = service.NewWebhookIngestService(service.WebhookIngestDeps{
			Rules:   src,
			Loops:   loops,
			Flows:   tracker,
			Tasks:   taskSvc,
			Replier: replier,
		})
	})

	commentPayload := func(commentID int64, body string, number int) []byte {
		raw, err := json.Marshal(map[string]any{
			"action":     "created",
			"comment":    map[string]any{"id": commentID, "body": body, "user": map[string]any{"login": "octocat"}},
			"issue":      map[string]any{"number": number},
			"repository": map[string]any{"full_name": "acme/widgets"},
			"sender":     map[string]any{"login": "octocat", "type": "User"},
		})
		Expect(err).NotTo(HaveOccurred())
		return raw
	}

	githubRequest := func(event string, body []byte, secret string) service.WebhookRequest {
		delivery++
		sig, err := signature.Sign(signature.ConfigFor(model.ProviderGitHub, model.SignatureConfig{}), secret, body, "")
		Expect(err).NotTo(HaveOccurred())
		h := http.Header{}
		h.Set("X-GitHub-Event", event)
		h.Set("X-GitHub-Delivery", fmt.Sprintf("delivery-%d", delivery))
		h.Set("X-Hub-Signature-256", sig)
		return service.WebhookRequest{Provider: model.ProviderGitHub, WebhookID: "gh-main", Headers: h, Body: body}
	}

	allTasks := func() []model.Task {
		list, err := tasks.List(ctx, store.TaskFilter{})
		Expect(err).NotTo(HaveOccurred())
		return list
	}

	It("creates exactly one task carrying the rendered comment", func() {
		res, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1001, "@agent review this", 7), githubSecret))
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Status).To(Equal(service.IngestStatusOK))
		Expect(res.ActionsTaken()).To(Equal(1))
		Expect(res.TaskIDs).To(HaveLen(1))

		list := allTasks()
		Expect(list).To(HaveLen(1))
		Expect(list[0].ID).To(Equal(res.TaskIDs[0]))
		Expect(list[0].InputMessage).To(Equal("@agent review this"))
		Expect(list[0].Status).To(Equal(model.TaskStatusQueued))
		Expect(list[0].Source).To(Equal(model.TaskSourceWebhook))
		Expect(list[0].AssignedAgent).To(Equal("planning"))
		Expect(list[0].ReplyTarget).To(Equal(&model.ReplyTarget{Provider: model.ProviderGitHub, Repo: "acme/widgets", Number: 7}))
		Expect(q.Len()).To(Equal(1))
	})

	It("takes no action for a comment the relay posted itself", func() {
		Expect(loops.Mark(ctx, model.ProviderGitHub, "1001")).To(Succeed())

		res, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1001, "@agent review this", 7), githubSecret))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(service.IngestStatusLoopDetected))
		Expect(res.ActionsTaken()).To(BeZero())
		Expect(allTasks()).To(BeEmpty())
		Expect(q.Len()).To(BeZero())
	})

	It("rejects a signature computed with the wrong secret", func() {
		_, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1001, "@agent review this", 7), "wrong"))
		Expect(err).To(MatchError(signature.ErrInvalid))
		Expect(allTasks()).To(BeEmpty())
		Expect(q.Len()).To(BeZero())
	})

	It("reports unknown webhooks as not found", func() {
		req := githubRequest("issue_comment", commentPayload(1, "@agent", 1), githubSecret)
		req.WebhookID = "nope"
		_, err := svc.Ingest(ctx, req)
		Expect(err).To(MatchError(rules.ErrWebhookNotFound))
	})

	It("rejects a body that is not a JSON object", func() {
		_, err := svc.Ingest(ctx, githubRequest("issue_comment", []byte(`["not","an","object"]`), githubSecret))
		Expect(err).To(MatchError(mapper.ErrMalformedPayload))
	})

	It("is a no-op when no rule matches", func() {
		res, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1002, "thanks!", 7), githubSecret))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(service.IngestStatusNoMatch))
		Expect(allTasks()).To(BeEmpty())
	})

	It("ignores a redelivered event", func() {
		req := githubRequest("issue_comment", commentPayload(1001, "@agent review this", 7), githubSecret)
		_, err := svc.Ingest(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		res, err := svc.Ingest(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(service.IngestStatusDuplicate))
		Expect(allTasks()).To(HaveLen(1))
	})

	It("ignores events sent by bots", func() {
		raw, err := json.Marshal(map[string]any{
			"action":     "created",
			"comment":    map[string]any{"id": 5, "body": "@agent review this"},
			"issue":      map[string]any{"number": 7},
			"repository": map[string]any{"full_name": "acme/widgets"},
			"sender":     map[string]any{"login": "relay[bot]", "type": "Bot"},
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := svc.Ingest(ctx, githubRequest("issue_comment", raw, githubSecret))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(service.IngestStatusIgnoredBot))
		Expect(allTasks()).To(BeEmpty())
	})

	It("binds events on the same issue to one conversation", func() {
		first, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1, "@agent look", 9), githubSecret))
		Expect(err).NotTo(HaveOccurred())
		second, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(2, "@agent again", 9), githubSecret))
		Expect(err).NotTo(HaveOccurred())

		a, err := tasks.Get(ctx, first.TaskIDs[0])
		Expect(err).NotTo(HaveOccurred())
		b, err := tasks.Get(ctx, second.TaskIDs[0])
		Expect(err).NotTo(HaveOccurred())

		Expect(a.FlowID).NotTo(BeNil())
		Expect(*b.FlowID).To(Equal(*a.FlowID))
		Expect(a.ConversationID).NotTo(BeNil())
		Expect(*b.ConversationID).To(Equal(*a.ConversationID))

		msgs, err := convs.Messages(ctx, *a.ConversationID)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(2))
	})

	It("starts a fresh conversation after the issue is closed", func() {
		first, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1, "@agent look", 9), githubSecret))
		Expect(err).NotTo(HaveOccurred())

		closed, err := json.Marshal(map[string]any{
			"action":     "closed",
			"issue":      map[string]any{"number": 9},
			"repository": map[string]any{"full_name": "acme/widgets"},
			"sender":     map[string]any{"login": "octocat", "type": "User"},
		})
		Expect(err).NotTo(HaveOccurred())
		res, err := svc.Ingest(ctx, githubRequest("issues", closed, githubSecret))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(service.IngestStatusNoMatch))

		second, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(2, "@agent again", 9), githubSecret))
		Expect(err).NotTo(HaveOccurred())

		a, _ := tasks.Get(ctx, first.TaskIDs[0])
		b, _ := tasks.Get(ctx, second.TaskIDs[0])
		Expect(*b.FlowID).To(Equal(*a.FlowID))
		Expect(*b.ConversationID).NotTo(Equal(*a.ConversationID))
	})

	Context("with several rules on one event", func() {
		BeforeEach(func() {
			commands = []model.Rule{
				reviewRule,
				{
					Name:     "ack",
					Trigger:  "issue_comment.created",
					Priority: 5,
					Action:   model.ActionComment,
					Template: "On it, @{{comment.user.login}}",
				},
				{
					Name:     "ask",
					Trigger:  "issue_comment.created",
					Action:   model.ActionAsk,
					Template: "clarify {{issue.number}}",
				},
				{
					Name:       "forward",
					Trigger:    "issue_comment.created",
					Action:     model.ActionForward,
					Template:   "{{comment.body}}",
					ForwardURL: "https://hooks.example.com/in",
				},
			}
		})

		It("fires every matching rule", func() {
			res, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1001, "@agent review this", 7), githubSecret))
			Expect(err).NotTo(HaveOccurred())

			Expect(res.Status).To(Equal(service.IngestStatusOK))
			Expect(res.ActionsTaken()).To(Equal(4))
			Expect(res.Actions[0].Rule).To(Equal("ack"))
			Expect(res.Actions[0].ContentID).To(Equal("reply-1"))
			Expect(res.TaskIDs).To(HaveLen(2))

			posts := replier.Posts()
			Expect(posts).To(HaveLen(1))
			Expect(posts[0].Msg.Body).To(Equal("On it, @octocat"))
			Expect(posts[0].Target.Number).To(Equal(int64(7)))

			Expect(replier.forwardTo).To(Equal([]string{"https://hooks.example.com/in"}))
			Expect(replier.forwards[0].EventType).To(Equal("issue_comment.created"))

			var prompts []string
			for _, t := range allTasks() {
				prompts = append(prompts, t.InputMessage)
			}
			Expect(prompts).To(ConsistOf("@agent review this", "[INTERACTIVE] clarify 7"))
		})
	})

	Context("when the queue is unavailable", func() {
		BeforeEach(func() {
			producer = failingProducer{}
		})

		It("fails the created task and reports a partial outcome", func() {
			res, err := svc.Ingest(ctx, githubRequest("issue_comment", commentPayload(1001, "@agent review this", 7), githubSecret))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(service.IngestStatusPartial))
			Expect(res.ActionsTaken()).To(BeZero())
			Expect(res.TaskIDs).To(HaveLen(1))

			t, err := tasks.Get(ctx, res.TaskIDs[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Status).To(Equal(model.TaskStatusFailed))
			Expect(*t.Error).To(ContainSubstring("queue unavailable"))
		})
	})

	It("echoes the Slack url verification challenge", func() {
		body := []byte(`{"type":"url_verification","challenge":"c-123","token":"x"}`)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		cfg := signature.ConfigFor(model.ProviderSlack, model.SignatureConfig{})
		sig, err := signature.Sign(cfg, "slack-secret", body, ts)
		Expect(err).NotTo(HaveOccurred())
		h := http.Header{}
		h.Set(cfg.Header, sig)
		h.Set(cfg.TimestampHeader, ts)

		res, err := svc.Ingest(ctx, service.WebhookRequest{Provider: model.ProviderSlack, WebhookID: "slack-main", Headers: h, Body: body})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Challenge).To(Equal("c-123"))
		Expect(allTasks()).To(BeEmpty())
	})
})
