package mapper_test

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/mapper"
	"taskrelay.app/relay/internal/model"
)

var _ = Describe("Registry", func() {
	var (
		registry *mapper.Registry
		ctx      context.Context
	)

	BeforeEach(func() {
		registry = mapper.DefaultRegistry()
		ctx = context.Background()
	})

	headers := func(kv ...string) http.Header {
		h := http.Header{}
		for i := 0; i+1 < len(kv); i += 2 {
			h.Set(kv[i], kv[i+1])
		}
		return h
	}

	Describe("payload validation", func() {
		It("rejects invalid JSON as malformed", func() {
			_, err := registry.Normalize(ctx, model.ProviderGitHub, headers("X-GitHub-Event", "issues"), []byte(`{`))
			Expect(err).To(MatchError(mapper.ErrMalformedPayload))
		})

		It("rejects non-object payloads as malformed", func() {
			_, err := registry.Normalize(ctx, model.ProviderGitHub, headers("X-GitHub-Event", "issues"), []byte(`[1,2]`))
			Expect(err).To(MatchError(mapper.ErrMalformedPayload))
		})

		It("rejects unknown providers", func() {
			_, err := registry.Normalize(ctx, model.Provider("linear"), http.Header{}, []byte(`{}`))
			Expect(err).To(MatchError(mapper.ErrUnsupportedProvider))
		})
	})

	Describe("GitHub", func() {
		const comment = `{
			"action": "created",
			"issue": {"number": 42, "title": "Crash"},
			"comment": {"id": 9001, "body": "@agent review this", "user": {"login": "octocat"}},
			"repository": {"full_name": "Acme/Widgets"},
			"sender": {"login": "octocat", "type": "User"}
		}`

		It("normalizes an issue comment", func() {
			ev, err := registry.Normalize(ctx, model.ProviderGitHub,
				headers("X-GitHub-Event", "issue_comment", "X-GitHub-Delivery", "d-1"), []byte(comment))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("issue_comment.created"))
			Expect(ev.Provider).To(Equal(model.ProviderGitHub))
			Expect(ev.ContentID).To(Equal("9001"))
			Expect(ev.DeliveryID).To(Equal("d-1"))
			Expect(ev.Thread).To(Equal(event.ThreadKey("github:acme/widgets:42")))
			Expect(ev.Reply).To(Equal(&model.ReplyTarget{Provider: model.ProviderGitHub, Repo: "Acme/Widgets", Number: 42}))
			Expect(ev.Sender.IsBot).To(BeFalse())
			Expect(ev.Text("comment.body")).To(Equal("@agent review this"))
		})

		It("flags bot senders", func() {
			ev, err := registry.Normalize(ctx, model.ProviderGitHub, headers("X-GitHub-Event", "issue_comment"),
				[]byte(`{"action":"created","sender":{"login":"relay[bot]","type":"Bot"}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Sender.IsBot).To(BeTrue())
		})

		It("marks closed issues as thread-closing", func() {
			ev, err := registry.Normalize(ctx, model.ProviderGitHub, headers("X-GitHub-Event", "issues"),
				[]byte(`{"action":"closed","issue":{"number":1},"repository":{"full_name":"a/b"}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.ClosesThread).To(BeTrue())
		})

		It("requires the event header", func() {
			_, err := registry.Normalize(ctx, model.ProviderGitHub, http.Header{}, []byte(comment))
			Expect(err).To(MatchError(mapper.ErrMalformedPayload))
		})
	})

	Describe("GitLab", func() {
		It("normalizes a note on an issue", func() {
			body := `{"object_kind":"note","user":{"username":"dev"},"project":{"path_with_namespace":"grp/app"},
				"object_attributes":{"id":77,"note":"@agent fix"},"issue":{"iid":5}}`
			ev, err := registry.Normalize(ctx, model.ProviderGitLab, headers("X-Gitlab-Event", "Note Hook"), []byte(body))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("note.created"))
			Expect(ev.ContentID).To(Equal("77"))
			Expect(ev.Thread).To(Equal(event.GitLabThread("grp/app", 5, false)))
			Expect(ev.Reply.IsMergeRequest).To(BeFalse())
		})

		It("falls back to the hook header when object_kind is absent", func() {
			ev, err := registry.Normalize(ctx, model.ProviderGitLab, headers("X-Gitlab-Event", "Merge Request Hook"),
				[]byte(`{"object_attributes":{"iid":3,"action":"merge"},"project":{"path_with_namespace":"g/p"}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("merge_request.merge"))
			Expect(ev.ClosesThread).To(BeTrue())
			Expect(ev.Reply.IsMergeRequest).To(BeTrue())
		})
	})

	Describe("Jira", func() {
		It("splits webhookEvent into resource and action", func() {
			body := `{"webhookEvent":"comment_created","issue":{"key":"proj-7"},"comment":{"id":"10001","body":"hi","author":{"displayName":"Ann"}}}`
			ev, err := registry.Normalize(ctx, model.ProviderJira, http.Header{}, []byte(body))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("comment.created"))
			Expect(ev.ContentID).To(Equal("10001"))
			Expect(ev.Thread).To(Equal(event.ThreadKey("jira:PROJ-7")))
		})

		It("strips the jira: prefix", func() {
			ev, err := registry.Normalize(ctx, model.ProviderJira, http.Header{}, []byte(`{"webhookEvent":"jira:issue_updated","issue":{"key":"A-1"}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("issue.updated"))
		})
	})

	Describe("Slack", func() {
		It("threads replies under the parent message", func() {
			body := `{"type":"event_callback","event_id":"Ev1","event":{"type":"app_mention","channel":"C1","ts":"2.0","thread_ts":"1.0","text":"<@U1> help","user":"U2"}}`
			ev, err := registry.Normalize(ctx, model.ProviderSlack, http.Header{}, []byte(body))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("app_mention"))
			Expect(ev.ContentID).To(Equal("2.0"))
			Expect(ev.DeliveryID).To(Equal("Ev1"))
			Expect(ev.Thread).To(Equal(event.SlackThread("C1", "1.0")))
			Expect(ev.Reply.ThreadTS).To(Equal("1.0"))
		})

		It("flags bot messages", func() {
			body := `{"type":"event_callback","event":{"type":"message","subtype":"bot_message","bot_id":"B1","channel":"C1","ts":"3.0"}}`
			ev, err := registry.Normalize(ctx, model.ProviderSlack, http.Header{}, []byte(body))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("message.bot_message"))
			Expect(ev.Sender.IsBot).To(BeTrue())
		})
	})

	Describe("Sentry", func() {
		It("uses the resource header", func() {
			ev, err := registry.Normalize(ctx, model.ProviderSentry, headers("Sentry-Hook-Resource", "issue"),
				[]byte(`{"action":"created","data":{"issue":{"id":"123"}}}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal("issue.created"))
			Expect(ev.Thread).To(Equal(event.SentryThread("123")))
		})
	})
})
