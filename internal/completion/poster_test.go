package completion_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/model"
)

type captured struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func recordingServer(status int, response string, into *captured) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		into.method = r.Method
		into.path = r.URL.Path
		into.header = r.Header.Clone()
		into.body = map[string]any{}
		_ = json.Unmarshal(raw, &into.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
}

var _ = Describe("Posters", func() {
	var (
		ctx context.Context
		got captured
	)

	BeforeEach(func() {
		ctx = context.Background()
		got = captured{}
	})

	It("creates GitHub issue comments", func() {
		srv := recordingServer(http.StatusCreated, `{"id": 42}`, &got)
		DeferCleanup(srv.Close)

		id, err := completion.NewGitHubPoster(srv.URL, "tok").Post(ctx,
			model.ReplyTarget{Provider: model.ProviderGitHub, Repo: "acme/api", Number: 5},
			completion.Message{Body: "hello"})

		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("42"))
		Expect(got.method).To(Equal(http.MethodPost))
		Expect(got.path).To(Equal("/repos/acme/api/issues/5/comments"))
		Expect(got.header.Get("Authorization")).To(Equal("Bearer tok"))
		Expect(got.body).To(HaveKeyWithValue("body", "hello"))
	})

	It("rejects incomplete targets without calling out", func() {
		_, err := completion.NewGitHubPoster("http://127.0.0.1:1", "tok").Post(ctx,
			model.ReplyTarget{Provider: model.ProviderGitHub}, completion.Message{Body: "x"})
		Expect(err).To(MatchError(completion.ErrBadTarget))
	})

	It("surfaces HTTP failures as HTTPError", func() {
		srv := recordingServer(http.StatusBadGateway, `upstream`, &got)
		DeferCleanup(srv.Close)

		_, err := completion.NewGitHubPoster(srv.URL, "tok").Post(ctx,
			model.ReplyTarget{Provider: model.ProviderGitHub, Repo: "acme/api", Number: 5},
			completion.Message{Body: "x"})

		var httpErr *completion.HTTPError
		Expect(err).To(BeAssignableToTypeOf(httpErr))
		Expect(err.(*completion.HTTPError).Retryable()).To(BeTrue())
	})

	It("replies in Slack threads and returns the message ts", func() {
		srv := recordingServer(http.StatusOK, `{"ok": true, "ts": "1700000000.000200"}`, &got)
		DeferCleanup(srv.Close)

		id, err := completion.NewSlackPoster(srv.URL, "xoxb").Post(ctx,
			model.ReplyTarget{Provider: model.ProviderSlack, Channel: "C1", ThreadTS: "1700000000.000100"},
			completion.Message{Summary: "✅ done", Body: "all the details"})

		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("1700000000.000200"))
		Expect(got.path).To(Equal("/chat.postMessage"))
		Expect(got.body).To(HaveKeyWithValue("thread_ts", "1700000000.000100"))
		Expect(got.body).To(HaveKeyWithValue("text", "✅ done"))
		Expect(got.body["blocks"]).To(HaveLen(2))
	})

	It("maps Slack rate limiting to a retryable error", func() {
		srv := recordingServer(http.StatusOK, `{"ok": false, "error": "ratelimited"}`, &got)
		DeferCleanup(srv.Close)

		_, err := completion.NewSlackPoster(srv.URL, "xoxb").Post(ctx,
			model.ReplyTarget{Provider: model.ProviderSlack, Channel: "C1"}, completion.Message{Body: "x"})
		Expect(err).To(HaveOccurred())
		Expect(err.(*completion.HTTPError).StatusCode).To(Equal(http.StatusTooManyRequests))
	})

	It("comments on Jira issues with basic auth", func() {
		srv := recordingServer(http.StatusCreated, `{"id": "10001"}`, &got)
		DeferCleanup(srv.Close)

		id, err := completion.NewJiraPoster(srv.URL, "bot@acme.io", "secret").Post(ctx,
			model.ReplyTarget{Provider: model.ProviderJira, IssueKey: "OPS-12"},
			completion.Message{Body: "(/) *Task Completed*"})

		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("10001"))
		Expect(got.path).To(Equal("/rest/api/2/issue/OPS-12/comment"))
		Expect(got.header.Get("Authorization")).To(HavePrefix("Basic "))
	})

	It("forwards rule output as JSON", func() {
		srv := recordingServer(http.StatusAccepted, ``, &got)
		DeferCleanup(srv.Close)

		err := completion.NewForwarder().Forward(ctx, srv.URL+"/hook", completion.ForwardPayload{
			Provider:  model.ProviderSentry,
			EventType: "issue.created",
			Message:   "new error",
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(got.path).To(Equal("/hook"))
		Expect(got.body).To(HaveKeyWithValue("event_type", "issue.created"))
		Expect(got.body).To(HaveKeyWithValue("message", "new error"))
	})
})
