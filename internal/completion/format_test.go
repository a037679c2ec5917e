package completion_test

import (
	"strings"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/internal/completion"
	"taskrelay.app/relay/internal/model"
)

func finished(status model.TaskStatus, result, errMsg string, cost float64) *model.Task {
	t := &model.Task{ID: "task-1", Status: status, Result: result, CostUSD: cost}
	if errMsg != "" {
		t.Error = &errMsg
	}
	return t
}

var _ = Describe("Format", func() {
	It("marks GitHub successes and adds the cost", func() {
		msg := completion.Format(model.ProviderGitHub, finished(model.TaskStatusCompleted, "Looks good.", "", 0.0123))
		Expect(msg.Body).To(HavePrefix("✅ Looks good."))
		Expect(msg.Body).To(HaveSuffix("💰 Cost: $0.0123"))
	})

	It("reports the error for failed tasks", func() {
		msg := completion.Format(model.ProviderGitHub, finished(model.TaskStatusFailed, "", "timeout: exceeded 1h0m0s", 1))
		Expect(msg.Body).To(Equal("❌ timeout: exceeded 1h0m0s"))
	})

	It("keeps GitHub successes within their limit including the footer", func() {
		long := strings.Repeat("word ", 2000)
		msg := completion.Format(model.ProviderGitHub, finished(model.TaskStatusCompleted, long, "", 2))
		Expect(utf8.RuneCountInString(msg.Body)).To(BeNumerically("<=", completion.GitHubSuccessLimit))
		Expect(msg.Body).To(ContainSubstring(completion.TruncationMarker))
		Expect(msg.Body).To(HaveSuffix("$2.0000"))
	})

	It("uses wiki markup for Jira", func() {
		msg := completion.Format(model.ProviderJira, finished(model.TaskStatusCompleted, "Done", "", 0.5))
		Expect(msg.Body).To(Equal("(/) *Task Completed*\n\nDone\n\n*Cost:* $0.5000"))

		failed := completion.Format(model.ProviderJira, finished(model.TaskStatusFailed, "", "boom", 0))
		Expect(failed.Body).To(HavePrefix("(x) *Task Failed*"))
	})

	It("leads Slack replies with a summary", func() {
		msg := completion.Format(model.ProviderSlack, finished(model.TaskStatusCompleted, "Fixed the bug.\n\nDetails follow.", "", 0))
		Expect(msg.Summary).To(Equal("✅ Fixed the bug."))
		Expect(msg.Body).To(ContainSubstring("Details follow."))
	})

	It("truncates plain rule output to the provider limit", func() {
		long := strings.Repeat("word ", 1000)
		msg := completion.FormatPlain(model.ProviderSlack, long)
		Expect(utf8.RuneCountInString(msg.Body)).To(BeNumerically("<=", completion.SlackBlockLimit))
	})
})
