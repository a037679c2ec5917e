package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"taskrelay.app/relay/common/logger"
)

// Kind classifies why a run did not produce a usable outcome.
type Kind string

const (
	KindSpawnFailed        Kind = "spawn_failed"
	KindNonZeroExit        Kind = "non_zero_exit"
	KindTimeout            Kind = "timeout"
	KindOutputParseError   Kind = "output_parse_error"
	KindAgentReportedError Kind = "agent_error"
	KindCancelled          Kind = "cancelled"
)

type RunError struct {
	Kind     Kind
	ExitCode int
	Detail   string
	Err      error
}

func (e *RunError) Error() string {
	if e.Detail == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or "" if err is not a RunError.
func KindOf(err error) Kind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Spec describes one subprocess invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// GracePeriod between SIGTERM and SIGKILL of the process group.
	GracePeriod time.Duration
	// ExpectTrailer makes a missing structured result line an error.
	ExpectTrailer bool
}

// Chunk is one line of live output.
type Chunk struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
}

type Outcome struct {
	ExitCode     int
	Output       string
	Result       string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	HasTrailer   bool
	Duration     time.Duration
}

const (
	maxKeptOutput = 4 << 20
	stderrTail    = 4 << 10
)

// Runner owns subprocess lifecycles. The zero value is usable.
type Runner struct {
	Now func() time.Time
}

func New() *Runner {
	return &Runner{Now: time.Now}
}

// Run starts spec, forwards every output line to out as it arrives and
// returns once the process has exited and been reaped. out is closed before
// Run returns. On timeout or cancellation the process group receives SIGTERM,
// then SIGKILL after the grace period, and Run still waits for exit.
func (r *Runner) Run(ctx context.Context, spec Spec, out chan<- Chunk) (*Outcome, error) {
	if out != nil {
		defer close(out)
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "relay.runner"})

	if strings.TrimSpace(spec.Command) == "" {
		return nil, &RunError{Kind: KindSpawnFailed, Detail: "command is required"}
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc = func() {}
	if spec.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancelTimeout()

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = append(os.Environ(), spec.Env...)
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		if err := terminateGroup(cmd, spec.GracePeriod); err != nil {
			slog.ErrorContext(ctx, "failed to signal process group, killing leader",
				"error", err,
				"pid", cmd.Process.Pid)
			if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				slog.ErrorContext(ctx, "process kill failed", "error", killErr, "pid", cmd.Process.Pid)
			}
		}
		return nil
	}
	// Bounds how long Wait keeps reading pipes held open by stray children.
	cmd.WaitDelay = spec.GracePeriod + 5*time.Second

	col := &collector{now: now, out: out}
	stdout := newLineWriter(col.stdout)
	stderr := newLineWriter(col.stderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := now()
	if err := cmd.Start(); err != nil {
		return nil, &RunError{Kind: KindSpawnFailed, Detail: err.Error(), Err: err}
	}
	slog.InfoContext(ctx, "process started", "pid", cmd.Process.Pid, "command", spec.Command)

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	outcome := col.outcome()
	outcome.Duration = now().Sub(start)
	outcome.ExitCode = cmd.ProcessState.ExitCode()

	slog.InfoContext(ctx, "process exited",
		"pid", cmd.Process.Pid,
		"exit_code", outcome.ExitCode,
		"duration_ms", outcome.Duration.Milliseconds())

	switch {
	case ctx.Err() != nil:
		return outcome, &RunError{Kind: KindCancelled, ExitCode: outcome.ExitCode, Detail: "run cancelled", Err: ctx.Err()}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return outcome, &RunError{
			Kind:     KindTimeout,
			ExitCode: outcome.ExitCode,
			Detail:   fmt.Sprintf("exceeded %s", spec.Timeout),
			Err:      context.DeadlineExceeded,
		}
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			detail := fmt.Sprintf("exit status %d", outcome.ExitCode)
			if tail := col.stderrTail(); tail != "" {
				detail += ": " + tail
			}
			return outcome, &RunError{Kind: KindNonZeroExit, ExitCode: outcome.ExitCode, Detail: detail, Err: waitErr}
		}
		if errors.Is(waitErr, exec.ErrWaitDelay) && outcome.ExitCode == 0 {
			slog.WarnContext(ctx, "output pipes outlived the process", "error", waitErr)
			break
		}
		return outcome, &RunError{Kind: KindNonZeroExit, ExitCode: outcome.ExitCode, Detail: waitErr.Error(), Err: waitErr}
	}

	if col.agentError {
		return outcome, &RunError{Kind: KindAgentReportedError, Detail: firstLine(outcome.Result)}
	}
	if spec.ExpectTrailer && !outcome.HasTrailer {
		detail := "no result line in output"
		if col.badLines > 0 {
			detail = fmt.Sprintf("no result line in output, %d unparseable lines", col.badLines)
		}
		return outcome, &RunError{Kind: KindOutputParseError, Detail: detail}
	}
	return outcome, nil
}

// collector accumulates output from the stdout and stderr copy goroutines.
type collector struct {
	now func() time.Time
	out chan<- Chunk

	mu         sync.Mutex
	output     strings.Builder
	truncated  bool
	stderrBuf  string
	trailer    *trailer
	agentError bool
	badLines   int
}

func (c *collector) stdout(line string) {
	parsed := parseLine(line)

	c.mu.Lock()
	if parsed.malformed {
		c.badLines++
	}
	if parsed.trailer != nil {
		c.trailer = parsed.trailer
		c.agentError = parsed.trailer.isError
	}
	if parsed.text != "" {
		c.keep(parsed.text)
	}
	c.mu.Unlock()

	if parsed.text != "" {
		c.emit("stdout", parsed.text)
	}
}

func (c *collector) stderr(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	c.mu.Lock()
	c.stderrBuf += line + "\n"
	if len(c.stderrBuf) > stderrTail {
		c.stderrBuf = c.stderrBuf[len(c.stderrBuf)-stderrTail:]
	}
	c.mu.Unlock()
	c.emit("stderr", line)
}

func (c *collector) keep(text string) {
	if c.truncated {
		return
	}
	if c.output.Len()+len(text) > maxKeptOutput {
		c.truncated = true
		return
	}
	c.output.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		c.output.WriteByte('\n')
	}
}

func (c *collector) emit(stream, content string) {
	if c.out == nil {
		return
	}
	c.out <- Chunk{Timestamp: c.now().UTC(), Stream: stream, Content: content}
}

func (c *collector) stderrTail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.stderrBuf)
}

func (c *collector) outcome() *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := &Outcome{Output: strings.TrimRight(c.output.String(), "\n")}
	if t := c.trailer; t != nil {
		o.HasTrailer = true
		o.Result = t.result
		o.CostUSD = t.costUSD
		o.InputTokens = t.inputTokens
		o.OutputTokens = t.outputTokens
	}
	if o.Result == "" {
		o.Result = o.Output
	}
	return o
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if line == "" {
		return "agent reported an error"
	}
	return line
}
