package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/stagehand/internal/checkpoint"
	"github.com/msageha/stagehand/internal/consensus"
	"github.com/msageha/stagehand/internal/executor"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/reliability"
)

// Advance executes the run's current phase and applies the resulting
// transition: needs_revision on failure or validation shortfall,
// awaiting_approval for gated phases, otherwise the phase commits and the
// pointer moves on. The returned PhaseOutcome describes the attempt even when
// the run does not advance.
func (e *Engine) Advance(ctx context.Context, runID string) (*model.RunState, *model.PhaseOutcome, error) {
	var outcome *model.PhaseOutcome

	state, err := e.withRunLock(runID, "advance", func(state *model.RunState) error {
		if state.Status != model.StatusRunning {
			return &InvalidStateError{Op: "advance", RunID: runID, Status: state.Status}
		}
		phase, ok := e.cfg.PhaseByName(state.CurrentPhase)
		if !ok {
			return fmt.Errorf("run %s positioned at unknown phase %q", runID, state.CurrentPhase)
		}

		e.logger.log(executor.LogLevelInfo, "advance_start run=%s phase=%s workers=%d parallel=%t",
			runID, phase.Name, len(phase.Workers), phase.Parallel)

		tr := e.tracker(runID)
		tr.StartPhase(phase.Name)

		workerOutcomes := e.runPhase(ctx, runID, phase)

		var artifacts []string
		workersOK := true
		for _, w := range workerOutcomes {
			artifacts = append(artifacts, w.Artifacts...)
			if !w.Success {
				workersOK = false
			}
		}

		validation := checkpoint.Validate(e.fs, e.artifactRoot(runID), phase.Checkpoints)
		tr.EndPhase(phase.Name, validation.Status, len(artifacts))

		outcome = &model.PhaseOutcome{
			Phase:            phase.Name,
			Success:          workersOK && validation.Status == model.ValidationPass,
			Workers:          workerOutcomes,
			Validation:       validation,
			ApprovalRequired: phase.RequireApproval,
			CompletedAt:      time.Now().UTC().Format(time.RFC3339),
		}

		switch {
		case !outcome.Success:
			for _, w := range workerOutcomes {
				for _, msg := range w.Errors {
					state.RecordError(fmt.Sprintf("phase %s worker %s: %s", phase.Name, w.WorkerID, msg))
				}
			}
			for _, missing := range validation.Missing {
				state.RecordError(fmt.Sprintf("phase %s missing artifact %q", phase.Name, missing))
			}
			if err := e.transition(state, model.StatusNeedsRevision); err != nil {
				return err
			}
			e.logger.log(executor.LogLevelWarn, "advance_failed run=%s phase=%s validation=%s workers_ok=%t",
				runID, phase.Name, validation.Status, workersOK)

		case phase.RequireApproval:
			state.PhaseArtifacts[phase.Name] = artifacts
			state.ApprovalPending = true
			state.ApprovalPhase = phase.Name
			if err := e.transition(state, model.StatusAwaitingApproval); err != nil {
				return err
			}
			outcome.Awaiting = true
			path, err := consensus.Write(e.fs, e.RunDir(runID), runID, *outcome, tr.Snapshot())
			if err != nil {
				return fmt.Errorf("emit approval package: %w", err)
			}
			e.logger.log(executor.LogLevelInfo, "advance_gated run=%s phase=%s package=%s", runID, phase.Name, path)

		default:
			state.PhaseArtifacts[phase.Name] = artifacts
			if err := e.commitPhase(state, phase.Name); err != nil {
				return err
			}
			e.logger.log(executor.LogLevelInfo, "advance_committed run=%s phase=%s next=%s status=%s",
				runID, phase.Name, state.CurrentPhase, state.Status)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return state, outcome, nil
}

// commitPhase appends the phase to the completed list and moves the pointer.
// Committing the final phase completes the run.
func (e *Engine) commitPhase(state *model.RunState, phase string) error {
	state.CompletedPhases = append(state.CompletedPhases, phase)

	next := e.cfg.NextPhase(phase)
	if next == "" {
		state.CurrentPhase = ""
		return e.transition(state, model.StatusCompleted)
	}
	state.CurrentPhase = next
	if state.Status != model.StatusRunning {
		return e.transition(state, model.StatusRunning)
	}
	return nil
}

// runPhase executes the phase's workers. Sequential phases preserve worker
// order and honor fail_fast; parallel phases bound in-flight workers with a
// weighted semaphore and always complete the full set.
func (e *Engine) runPhase(ctx context.Context, runID string, phase model.PhaseSpec) []model.WorkerOutcome {
	outcomes := make([]model.WorkerOutcome, len(phase.Workers))

	if !phase.Parallel {
		for i, id := range phase.Workers {
			outcomes[i] = e.runWorker(ctx, runID, phase, e.cfg.Workers[id])
			if phase.FailFast && !outcomes[i].Success {
				return outcomes[:i+1]
			}
		}
		return outcomes
	}

	sem := semaphore.NewWeighted(int64(phase.MaxConcurrency))
	var wg sync.WaitGroup
	for i, id := range phase.Workers {
		wg.Add(1)
		go func(i int, w model.WorkerSpec) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = model.WorkerOutcome{WorkerID: w.ID, Errors: []string{err.Error()}}
				return
			}
			defer sem.Release(1)
			outcomes[i] = e.runWorker(ctx, runID, phase, w)
		}(i, e.cfg.Workers[id])
	}
	wg.Wait()
	return outcomes
}

// runWorker dispatches one worker under the retry policy. The outcome of the
// final attempt is returned with its consumed retry count.
func (e *Engine) runWorker(ctx context.Context, runID string, phase model.PhaseSpec, w model.WorkerSpec) model.WorkerOutcome {
	exec, err := e.factory(w, e.executorOptions(runID))
	if err != nil {
		return model.WorkerOutcome{WorkerID: w.ID, ExitCode: -1, Errors: []string{err.Error()}}
	}

	timeout := e.workerTimeout()
	var out model.WorkerOutcome
	retries, _ := e.retrier.Do(ctx, func(ctx context.Context) error {
		out = exec.Run(ctx, phase.Name, w)
		return outcomeError(timeout, out)
	})
	out.Retries = retries

	e.tracker(runID).RecordWorker(phase.Name, w.ID, out.Duration, out.ExitCode, retries)
	e.logger.log(executor.LogLevelDebug, "worker_done run=%s phase=%s worker=%s success=%t exit=%d retries=%d",
		runID, phase.Name, w.ID, out.Success, out.ExitCode, retries)
	return out
}

// outcomeError maps a failed outcome back into the reliability error types so
// the retry classifier can act on exit codes, messages, and timeouts.
func outcomeError(timeout time.Duration, out model.WorkerOutcome) error {
	if out.Success {
		return nil
	}
	if out.TimedOut {
		return &reliability.TimeoutError{Limit: timeout}
	}
	return &reliability.WorkerError{
		WorkerID: out.WorkerID,
		ExitCode: out.ExitCode,
		Message:  strings.Join(out.Errors, "; "),
	}
}

func (e *Engine) workerTimeout() time.Duration {
	return time.Duration(e.cfg.Execution.WorkerTimeoutSec) * time.Second
}

// artifactRoot is where checkpoint patterns resolve. An explicit artifact
// root is shared across runs; otherwise each run validates under its own
// directory.
func (e *Engine) artifactRoot(runID string) string {
	if e.cfg.Execution.ArtifactRoot != "" {
		return e.cfg.Execution.ArtifactRoot
	}
	return e.RunDir(runID)
}

func (e *Engine) executorOptions(runID string) executor.Options {
	return executor.Options{
		Timeout:       e.workerTimeout(),
		Fs:            e.fs,
		TranscriptDir: filepath.Join(e.RunDir(runID), "transcripts"),
		Client:        e.client,
		Log:           executor.LogWriter{W: e.logW, Level: executor.ParseLogLevel(e.cfg.Logging.Level)},
	}
}
