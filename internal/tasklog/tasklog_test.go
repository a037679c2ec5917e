package tasklog_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"taskrelay.app/relay/internal/runner"
	"taskrelay.app/relay/internal/tasklog"
)

func readLines(path string) []map[string]any {
	f, err := os.Open(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		Expect(json.Unmarshal(scanner.Bytes(), &m)).To(Succeed())
		out = append(out, m)
	}
	Expect(scanner.Err()).NotTo(HaveOccurred())
	return out
}

var _ = Describe("TaskLog", func() {
	var (
		ctx  context.Context
		root string
		w    *tasklog.Writer
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		w = tasklog.New(root)
	})

	It("writes the full layout for a task", func() {
		log, err := w.Task("task-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(log.WriteMetadata(tasklog.Metadata{TaskID: "task-1", Source: "webhook", Status: "queued"})).To(Succeed())
		Expect(log.WriteInput(tasklog.Input{Message: "fix it"})).To(Succeed())
		log.AppendStage(ctx, tasklog.Stage{Stage: "received"})
		log.AppendOutput(ctx, runner.Chunk{Timestamp: time.Now(), Stream: "stdout", Content: "working"})
		Expect(log.WriteResult(tasklog.Result{Success: true, Status: "completed", Result: "done"})).To(Succeed())

		for _, name := range []string{"metadata.json", "01-input.json", "02-webhook-flow.jsonl", "03-agent-output.jsonl", "04-final-result.json"} {
			Expect(filepath.Join(root, "task-1", name)).To(BeARegularFile())
		}

		raw, err := os.ReadFile(filepath.Join(root, "task-1", "04-final-result.json"))
		Expect(err).NotTo(HaveOccurred())
		var res map[string]any
		Expect(json.Unmarshal(raw, &res)).To(Succeed())
		Expect(res).To(HaveKeyWithValue("success", true))
		Expect(res).To(HaveKey("metrics"))
	})

	It("keeps every concurrently appended line intact", func() {
		log, err := w.Task("task-1")
		Expect(err).NotTo(HaveOccurred())

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.AppendOutput(ctx, runner.Chunk{Stream: "stdout", Content: "line"})
			}()
		}
		wg.Wait()

		Expect(readLines(filepath.Join(root, "task-1", "03-agent-output.jsonl"))).To(HaveLen(50))
	})

	It("replaces static files whole and leaves no temp files", func() {
		log, err := w.Task("task-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(log.WriteMetadata(tasklog.Metadata{TaskID: "task-1", Status: "queued"})).To(Succeed())
		Expect(log.WriteMetadata(tasklog.Metadata{TaskID: "task-1", Status: "running"})).To(Succeed())

		entries, err := os.ReadDir(filepath.Join(root, "task-1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		raw, _ := os.ReadFile(filepath.Join(root, "task-1", "metadata.json"))
		Expect(string(raw)).To(ContainSubstring(`"running"`))
	})

	It("refuses ids that would escape the root", func() {
		_, err := w.Task("../etc")
		Expect(err).To(HaveOccurred())
		_, err = w.Task("")
		Expect(err).To(HaveOccurred())
	})
})
