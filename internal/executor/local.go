package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/reliability"
)

// lockedBuffer serializes access to a bytes.Buffer. After a timeout the
// abandoned command's pipe-copy goroutines may still be writing while Run
// reads the captured output, so every access goes through the mutex.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Local runs a worker as a child process, capturing stdout/stderr and parsing
// artifact declarations from the combined output.
type Local struct {
	timeout time.Duration
	logger  logger
}

// NewLocal creates a Local executor. Worker runs exceeding timeout are
// cancelled and reported as timed out.
func NewLocal(timeout time.Duration, logw LogWriter) *Local {
	return &Local{
		timeout: timeout,
		logger:  newLogger(logw.W, logw.Level),
	}
}

func (e *Local) Run(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
	start := time.Now()
	outcome := model.WorkerOutcome{WorkerID: w.ID}

	e.logger.log(LogLevelInfo, "local_start worker=%s phase=%s command=%q", w.ID, phase, w.Command[0])

	var stdout, stderr lockedBuffer
	err := reliability.WithTimeout(ctx, e.timeout, func(cctx context.Context) error {
		cmd := exec.CommandContext(cctx, w.Command[0], w.Command[1:]...)
		cmd.Dir = w.WorkDir
		cmd.Env = buildEnv(w.Env)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		return cmd.Run()
	})

	outcome.Duration = time.Since(start)
	combined := stdout.String() + stderr.String()
	outcome.Notes = truncateNotes(combined)
	outcome.Artifacts = ParseArtifacts(combined)

	if err != nil {
		var te *reliability.TimeoutError
		var ee *exec.ExitError
		switch {
		case errors.As(err, &te):
			outcome.TimedOut = true
			outcome.ExitCode = -1
			outcome.Errors = append(outcome.Errors, te.Error())
		case errors.As(err, &ee):
			outcome.ExitCode = ee.ExitCode()
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("exit code %d: %s", ee.ExitCode(), lastLine(stderr.String())))
		default:
			outcome.ExitCode = -1
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("spawn %s: %v", w.Command[0], err))
		}
		e.logger.log(LogLevelWarn, "local_failure worker=%s phase=%s exit_code=%d timed_out=%v",
			w.ID, phase, outcome.ExitCode, outcome.TimedOut)
		return outcome
	}

	outcome.Success = true
	e.logger.log(LogLevelInfo, "local_success worker=%s phase=%s duration_ms=%d artifacts=%d",
		w.ID, phase, outcome.Duration.Milliseconds(), len(outcome.Artifacts))
	return outcome
}

// buildEnv extends the process environment with worker-specific overrides.
func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil // inherit parent environment
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// lastLine returns the final non-blank line of s, for compact error text.
func lastLine(s string) string {
	lines := bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n"))
	if len(lines) == 0 {
		return ""
	}
	return string(bytes.TrimSpace(lines[len(lines)-1]))
}
