package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/core/config"
	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/flow"
	"taskrelay.app/relay/internal/http/middleware"
	"taskrelay.app/relay/internal/http/router"
	"taskrelay.app/relay/internal/looptrack"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/queue"
	"taskrelay.app/relay/internal/rules"
	"taskrelay.app/relay/internal/service"
	"taskrelay.app/relay/internal/signature"
	"taskrelay.app/relay/internal/store"
	"taskrelay.app/relay/internal/worker"
)

var _ = Describe("SetupRoutes", func() {
	const secret = "hook-secret"

	var (
		engine *gin.Engine
		q      *queue.MemoryQueue
		tasks  *store.MemoryTaskStore
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		q = queue.NewMemoryQueue()
		tasks = store.NewMemoryTaskStore()
		convs := store.NewMemoryConversationStore()
		loops := looptrack.NewMemoryTracker(time.Hour, time.Hour)

		src, err := rules.NewStatic(model.WebhookConfig{
			ID:       "gh-main",
			Provider: model.ProviderGitHub,
			Enabled:  true,
			Secret:   secret,
			Commands: []model.Rule{{
				Name:       "review",
				Trigger:    "issue_comment.created",
				Conditions: []model.Condition{{Field: "comment.body", Value: "@agent"}},
				Action:     model.ActionCreateTask,
				Template:   "{{comment.body}}",
			}},
		})
		Expect(err).NotTo(HaveOccurred())

		services := service.NewServices(service.ServiceDeps{
			Tasks:     tasks,
			Flows:     flow.NewTracker(convs, tasks),
			Producer:  q,
			Canceller: worker.NewRegistry(),
			Rules:     src,
			Loops:     loops,
			Replier:   completion.NewDispatcher(loops, config.CompletionConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}),
			Agent:     config.AgentConfig{DefaultAgent: "planning"},
		})

		engine = gin.New()
		engine.Use(middleware.Recovery())
		router.SetupRoutes(engine, services, router.RouterConfig{AdminAPIKey: "k", TraceHeader: "X-Trace-Id"})
	})

	webhook := func(body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github/gh-main", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "issue_comment")
		req.Header.Set("X-GitHub-Delivery", "d-1")
		req.Header.Set("X-Hub-Signature-256", sig)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	payload := []byte(`{"action":"created","comment":{"id":77,"body":"@agent review this"},` +
		`"issue":{"number":3},"repository":{"full_name":"acme/api"},"sender":{"login":"dev","type":"User"}}`)

	sign := func(key string) string {
		sig, err := signature.Sign(signature.ConfigFor(model.ProviderGitHub, model.SignatureConfig{}), key, payload, "")
		Expect(err).NotTo(HaveOccurred())
		return sig
	}

	It("answers health checks", func() {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		Expect(w.Code).To(Equal(http.StatusOK))
	})

	It("turns a signed webhook into one queued task", func() {
		w := webhook(payload, sign(secret))

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("ok"))
		Expect(resp["task_ids"]).To(HaveLen(1))
		Expect(q.Len()).To(Equal(1))
	})

	It("answers 403 and enqueues nothing for a wrong-secret signature", func() {
		w := webhook(payload, sign("not-the-secret"))

		Expect(w.Code).To(Equal(http.StatusForbidden))
		Expect(q.Len()).To(BeZero())
		list, err := tasks.List(context.Background(), store.TaskFilter{})
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(BeEmpty())
	})

	It("guards the task API with the admin key", func() {
		body := []byte(`{"message":"hello"}`)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusUnauthorized))

		req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
		req.Header.Set(middleware.APIKeyHeader, "k")
		w = httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusCreated))
		Expect(q.Len()).To(Equal(1))
	})

	It("serves the rules schema", func() {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rules/schema", nil))
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("webhooks"))
	})
})
