package tasklog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskrelay.app/relay/internal/runner"
)

const (
	metadataFile = "metadata.json"
	inputFile    = "01-input.json"
	stagesFile   = "02-webhook-flow.jsonl"
	outputFile   = "03-agent-output.jsonl"
	resultFile   = "04-final-result.json"
)

type Metadata struct {
	TaskID         string    `json:"task_id"`
	Source         string    `json:"source"`
	Provider       string    `json:"provider,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status"`
	AssignedAgent  string    `json:"assigned_agent"`
	Model          string    `json:"model,omitempty"`
	FlowID         string    `json:"flow_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

type Input struct {
	Message        string         `json:"message"`
	Prompt         string         `json:"prompt,omitempty"`
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`
}

// Stage is one ingestion step recorded for a webhook-sourced task.
type Stage struct {
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Data      map[string]any `json:"data,omitempty"`
}

type Metrics struct {
	CostUSD         float64 `json:"cost_usd"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type Result struct {
	Success     bool      `json:"success"`
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Metrics     Metrics   `json:"metrics"`
	CompletedAt time.Time `json:"completed_at"`
}

// Writer lays out one directory per task under a root.
type Writer struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string) *Writer {
	return &Writer{root: root, locks: make(map[string]*sync.Mutex)}
}

// Task returns the log of one task, creating its directory.
func (w *Writer) Task(taskID string) (*TaskLog, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return nil, fmt.Errorf("invalid task id %q", taskID)
	}
	dir := filepath.Join(w.root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating task log dir: %w", err)
	}

	w.mu.Lock()
	lock, ok := w.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[taskID] = lock
	}
	w.mu.Unlock()

	return &TaskLog{dir: dir, taskID: taskID, lock: lock}, nil
}

// Forget drops bookkeeping for a finished task.
func (w *Writer) Forget(taskID string) {
	w.mu.Lock()
	delete(w.locks, taskID)
	w.mu.Unlock()
}

type TaskLog struct {
	dir    string
	taskID string
	lock   *sync.Mutex
}

func (l *TaskLog) Dir() string {
	return l.dir
}

func (l *TaskLog) WriteMetadata(m Metadata) error {
	return writeJSONAtomic(filepath.Join(l.dir, metadataFile), m)
}

func (l *TaskLog) WriteInput(in Input) error {
	return writeJSONAtomic(filepath.Join(l.dir, inputFile), in)
}

// AppendStage never fails the caller; write errors are logged.
func (l *TaskLog) AppendStage(ctx context.Context, s Stage) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if err := l.appendLine(stagesFile, s); err != nil {
		slog.WarnContext(ctx, "task log stage append failed", "error", err, "task_id", l.taskID, "stage", s.Stage)
	}
}

// AppendOutput never fails the caller; write errors are logged.
func (l *TaskLog) AppendOutput(ctx context.Context, c runner.Chunk) {
	if err := l.appendLine(outputFile, c); err != nil {
		slog.WarnContext(ctx, "task log output append failed", "error", err, "task_id", l.taskID)
	}
}

func (l *TaskLog) WriteResult(r Result) error {
	return writeJSONAtomic(filepath.Join(l.dir, resultFile), r)
}

func (l *TaskLog) appendLine(name string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s line: %w", name, err)
	}
	line = append(line, '\n')

	l.lock.Lock()
	defer l.lock.Unlock()

	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeJSONAtomic writes via a temp file and rename so readers never see a
// partial document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
