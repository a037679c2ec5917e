package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/internal/http/handler/webhook"
	"taskrelay.app/relay/internal/mapper"
	"taskrelay.app/relay/internal/model"
	"taskrelay.app/relay/internal/rules"
	"taskrelay.app/relay/internal/service"
	"taskrelay.app/relay/internal/signature"
)

type mockIngestService struct {
	ingestFn func(ctx context.Context, req service.WebhookRequest) (*service.IngestResult, error)
	last     service.WebhookRequest
}

func (m *mockIngestService) Ingest(ctx context.Context, req service.WebhookRequest) (*service.IngestResult, error) {
	m.last = req
	if m.ingestFn != nil {
		return m.ingestFn(ctx, req)
	}
	return &service.IngestResult{Status: service.IngestStatusNoMatch}, nil
}

var _ = Describe("Handler", func() {
	var (
		router *gin.Engine
		svc    *mockIngestService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		svc = &mockIngestService{}
		h := webhook.NewHandler(svc, "X-Trace-Id")
		router.POST("/webhooks/:provider/:webhook_id", h.HandleEvent)
	})

	post := func(path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "issue_comment")
		req.Header.Set("X-Trace-Id", "trace-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("passes the raw request through and reports the summary", func() {
		svc.ingestFn = func(_ context.Context, _ service.WebhookRequest) (*service.IngestResult, error) {
			return &service.IngestResult{
				Status:    service.IngestStatusOK,
				EventType: "issue_comment.created",
				Actions:   []service.ActionOutcome{{Rule: "review", Action: model.ActionCreateTask, TaskID: "task-1"}},
				TaskIDs:   []string{"task-1"},
			}, nil
		}

		body := []byte(`{"action":"created"}`)
		w := post("/webhooks/github/gh-main", body)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(svc.last.Provider).To(Equal(model.ProviderGitHub))
		Expect(svc.last.WebhookID).To(Equal("gh-main"))
		Expect(svc.last.Body).To(Equal(body))
		Expect(svc.last.Headers.Get("X-GitHub-Event")).To(Equal("issue_comment"))
		Expect(svc.last.TraceID).To(Equal("trace-1"))

		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("ok"))
		Expect(resp["actions_taken"]).To(Equal(float64(1)))
		Expect(resp["task_ids"]).To(Equal([]any{"task-1"}))
	})

	It("returns an empty task id list when nothing matched", func() {
		w := post("/webhooks/github/gh-main", []byte(`{}`))

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("no_match"))
		Expect(resp["actions_taken"]).To(Equal(float64(0)))
		Expect(resp["task_ids"]).To(BeEmpty())
	})

	It("rejects unknown providers without calling the pipeline", func() {
		w := post("/webhooks/bitbucket/x", []byte(`{}`))
		Expect(w.Code).To(Equal(http.StatusNotFound))
		Expect(svc.last.WebhookID).To(BeEmpty())
	})

	DescribeTable("maps pipeline errors to status codes",
		func(err error, code int) {
			svc.ingestFn = func(context.Context, service.WebhookRequest) (*service.IngestResult, error) {
				return nil, err
			}
			w := post("/webhooks/github/gh-main", []byte(`{}`))
			Expect(w.Code).To(Equal(code))
		},
		Entry("unknown webhook", fmt.Errorf("looking up webhook: %w", rules.ErrWebhookNotFound), http.StatusNotFound),
		Entry("bad signature", fmt.Errorf("%w: mismatch", signature.ErrInvalid), http.StatusForbidden),
		Entry("malformed body", fmt.Errorf("%w: not an object", mapper.ErrMalformedPayload), http.StatusBadRequest),
		Entry("anything else", errors.New("boom"), http.StatusInternalServerError),
	)

	It("refuses oversized bodies", func() {
		w := post("/webhooks/github/gh-main", bytes.Repeat([]byte("a"), webhook.MaxBodyBytes+1))
		Expect(w.Code).To(Equal(http.StatusRequestEntityTooLarge))
	})
})
