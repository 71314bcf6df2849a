package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/reliability"
)

const (
	maxResponseBytes = 4 << 20
	openFlagAppend   = os.O_APPEND | os.O_CREATE | os.O_WRONLY
)

// remoteRequest is the wire shape submitted to the worker endpoint. The
// payload arrives already rendered; the executor never interprets it.
type remoteRequest struct {
	Worker  string `json:"worker"`
	Phase   string `json:"phase"`
	Model   string `json:"model,omitempty"`
	Payload string `json:"payload"`
}

// Remote submits a rendered payload to a worker endpoint and parses artifact
// declarations from the textual response. Every exchange is persisted
// verbatim to a per-worker transcript file for audit.
type Remote struct {
	client        *http.Client
	fs            afero.Fs
	transcriptDir string
	timeout       time.Duration
	logger        logger
	now           func() time.Time
}

// NewRemote creates a Remote executor writing transcripts under
// transcriptDir/<worker>/.
func NewRemote(client *http.Client, fs afero.Fs, transcriptDir string, timeout time.Duration, logw LogWriter) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{
		client:        client,
		fs:            fs,
		transcriptDir: transcriptDir,
		timeout:       timeout,
		logger:        newLogger(logw.W, logw.Level),
		now:           time.Now,
	}
}

func (e *Remote) Run(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
	start := time.Now()
	outcome := model.WorkerOutcome{WorkerID: w.ID}

	e.logger.log(LogLevelInfo, "remote_start worker=%s phase=%s endpoint=%s", w.ID, phase, w.Endpoint)

	reqBody, err := json.Marshal(remoteRequest{
		Worker:  w.ID,
		Phase:   phase,
		Model:   w.Model,
		Payload: w.Payload,
	})
	if err != nil {
		outcome.ExitCode = -1
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("encode request: %v", err))
		outcome.Duration = time.Since(start)
		return outcome
	}

	// The timed operation may be abandoned on expiry while it is still
	// assigning these; every access goes through the mutex.
	var mu sync.Mutex
	var status int
	var respBody []byte
	err = reliability.WithTimeout(ctx, e.timeout, func(cctx context.Context) error {
		req, err := http.NewRequestWithContext(cctx, http.MethodPost, w.Endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return fmt.Errorf("call %s: %w", w.Endpoint, err)
		}
		defer resp.Body.Close()

		mu.Lock()
		status = resp.StatusCode
		mu.Unlock()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		mu.Lock()
		respBody = body
		mu.Unlock()
		return nil
	})

	outcome.Duration = time.Since(start)

	mu.Lock()
	respStatus := status
	respData := respBody
	mu.Unlock()

	// Persist the exchange regardless of outcome; a failed call is still
	// audit-relevant.
	if terr := e.writeTranscript(w.ID, phase, reqBody, respStatus, respData); terr != nil {
		e.logger.log(LogLevelWarn, "transcript_write_failed worker=%s error=%v", w.ID, terr)
	}

	if err != nil {
		var te *reliability.TimeoutError
		if errors.As(err, &te) {
			outcome.TimedOut = true
		}
		outcome.ExitCode = -1
		outcome.Errors = append(outcome.Errors, err.Error())
		e.logger.log(LogLevelWarn, "remote_failure worker=%s phase=%s timed_out=%v error=%v",
			w.ID, phase, outcome.TimedOut, err)
		return outcome
	}

	body := string(respData)
	outcome.Notes = truncateNotes(body)
	outcome.Artifacts = ParseArtifacts(body)
	outcome.ExitCode = respStatus

	if respStatus < 200 || respStatus > 299 {
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("endpoint returned status %d: %s", respStatus, truncateNotes(body)))
		e.logger.log(LogLevelWarn, "remote_failure worker=%s phase=%s status=%d", w.ID, phase, respStatus)
		return outcome
	}

	outcome.Success = true
	e.logger.log(LogLevelInfo, "remote_success worker=%s phase=%s status=%d duration_ms=%d artifacts=%d",
		w.ID, phase, respStatus, outcome.Duration.Milliseconds(), len(outcome.Artifacts))
	return outcome
}

// writeTranscript appends the verbatim request/response pair to the worker's
// transcript file.
func (e *Remote) writeTranscript(workerID, phase string, req []byte, status int, resp []byte) error {
	dir := filepath.Join(e.transcriptDir, workerID)
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}

	path := filepath.Join(dir, "transcript.log")
	f, err := e.fs.OpenFile(path, openFlagAppend, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--- %s phase=%s status=%d\n", e.now().UTC().Format(time.RFC3339), phase, status)
	buf.WriteString(">>> request\n")
	buf.Write(req)
	buf.WriteString("\n<<< response\n")
	buf.Write(resp)
	buf.WriteString("\n")

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
