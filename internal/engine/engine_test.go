package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/msageha/stagehand/internal/engine"
	"github.com/msageha/stagehand/internal/executor"
	"github.com/msageha/stagehand/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// execFunc adapts a closure into an executor so tests can script worker
// behavior per invocation.
type execFunc func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome

func (f execFunc) Run(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
	return f(ctx, phase, w)
}

func scriptedFactory(fn execFunc) engine.ExecutorFactory {
	return func(w model.WorkerSpec, opts executor.Options) (executor.Executor, error) {
		return fn, nil
	}
}

// writeArtifact is the default scripted worker: it writes a non-empty file
// under the shared artifact root and declares it.
func writeArtifact(fs afero.Fs, path string) execFunc {
	return func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		if err := afero.WriteFile(fs, "artifacts/"+path, []byte("content"), 0644); err != nil {
			return model.WorkerOutcome{WorkerID: w.ID, ExitCode: -1, Errors: []string{err.Error()}}
		}
		return model.WorkerOutcome{
			WorkerID:  w.ID,
			Success:   true,
			Artifacts: []string{"artifacts/" + path},
		}
	}
}

func testConfig(t *testing.T, phases []model.PhaseSpec, workers map[string]model.WorkerSpec) *model.Config {
	t.Helper()
	cfg := &model.Config{
		Project: model.ProjectConfig{Name: "demo"},
		Phases:  phases,
		Workers: workers,
		Retry: model.RetryPolicy{
			MaxRetries:         2,
			BaseDelayMs:        1,
			BackoffMultiplier:  1.0,
			TransientExitCodes: []int{75},
		},
		Execution: model.ExecutionConfig{
			WorkerTimeoutSec: 5,
			ArtifactRoot:     "artifacts",
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func localWorker(id string) model.WorkerSpec {
	return model.WorkerSpec{ID: id, Kind: model.WorkerKindLocal, Command: []string{"true"}}
}

func newEngine(t *testing.T, cfg *model.Config, fs afero.Fs, fn execFunc) *engine.Engine {
	t.Helper()
	return engine.New(cfg, engine.Options{
		Fs:      fs,
		DataDir: "work",
		Seed:    1,
		Factory: scriptedFactory(fn),
	})
}

func TestStartWritesInitialMetrics(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{Name: "build", Workers: []string{"builder"}}},
		map[string]model.WorkerSpec{"builder": localWorker("builder")},
	)
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		return model.WorkerOutcome{WorkerID: w.ID, Success: true}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	// Both metrics files exist before the first advance.
	data, err := afero.ReadFile(fs, e.RunDir(state.RunID)+"/metrics/metrics.json")
	require.NoError(t, err)
	var m model.RunMetrics
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, state.RunID, m.RunID)
	assert.Equal(t, model.StatusRunning, m.Status)
	assert.Empty(t, m.Phases)

	exists, err := afero.Exists(fs, e.RunDir(state.RunID)+"/metrics/metrics.prom")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunCompletesThroughAllPhases(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{
			{Name: "plan", Workers: []string{"planner"}, Checkpoints: []string{"plan.md"}},
			{Name: "build", Workers: []string{"builder"}, Checkpoints: []string{"out.txt"}},
		},
		map[string]model.WorkerSpec{"planner": localWorker("planner"), "builder": localWorker("builder")},
	)
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		switch phase {
		case "plan":
			return writeArtifact(fs, "plan.md")(ctx, phase, w)
		default:
			return writeArtifact(fs, "out.txt")(ctx, phase, w)
		}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, state.Status)
	assert.Equal(t, "plan", state.CurrentPhase)

	state, outcome, err := e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, model.StatusRunning, state.Status)
	assert.Equal(t, "build", state.CurrentPhase)
	assert.Equal(t, []string{"plan"}, state.CompletedPhases)

	state, outcome, err = e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.Empty(t, state.CurrentPhase)
	assert.Equal(t, []string{"plan", "build"}, state.CompletedPhases)
	assert.Equal(t, []string{"artifacts/plan.md", "artifacts/out.txt"}, state.AllArtifacts())

	// Persisted snapshot matches the returned state.
	loaded, err := e.Status(state.RunID)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestEmptyArtifactSendsRunToNeedsRevision(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{Name: "build", Workers: []string{"builder"}, Checkpoints: []string{"out.txt"}}},
		map[string]model.WorkerSpec{"builder": localWorker("builder")},
	)

	var fixed atomic.Bool
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		content := []byte{}
		if fixed.Load() {
			content = []byte("real output")
		}
		if err := afero.WriteFile(fs, "artifacts/out.txt", content, 0644); err != nil {
			return model.WorkerOutcome{WorkerID: w.ID, Errors: []string{err.Error()}}
		}
		return model.WorkerOutcome{WorkerID: w.ID, Success: true, Artifacts: []string{"artifacts/out.txt"}}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	state, outcome, err := e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, model.ValidationFail, outcome.Validation.Status)
	assert.Equal(t, model.StatusNeedsRevision, state.Status)
	assert.Equal(t, "build", state.CurrentPhase, "phase pointer must not move on failure")
	assert.NotEmpty(t, state.Errors)

	// Operator fixes the worker, resumes, and the same phase passes.
	fixed.Store(true)
	state, err = e.Resume(state.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, state.Status)

	state, outcome, err = e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, model.StatusCompleted, state.Status)
}

func TestApprovalGate(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{
			{Name: "review", Workers: []string{"reviewer"}, Checkpoints: []string{"review.md"}, RequireApproval: true},
			{Name: "ship", Workers: []string{"shipper"}},
		},
		map[string]model.WorkerSpec{"reviewer": localWorker("reviewer"), "shipper": localWorker("shipper")},
	)
	e := newEngine(t, cfg, fs, writeArtifact(fs, "review.md"))

	state, err := e.Start(nil)
	require.NoError(t, err)
	runID := state.RunID

	state, outcome, err := e.Advance(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingApproval, state.Status)
	assert.True(t, state.ApprovalPending)
	assert.Equal(t, "review", state.ApprovalPhase)
	assert.True(t, outcome.Awaiting)

	// The approval package was emitted for the reviewer.
	pkg, err := afero.ReadFile(fs, e.RunDir(runID)+"/approval/review.md")
	require.NoError(t, err)
	assert.Contains(t, string(pkg), "# Approval Package: review")

	// A second advance while gated is refused.
	_, _, err = e.Advance(context.Background(), runID)
	var ise *engine.InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, model.StatusAwaitingApproval, ise.Status)

	state, err = e.Approve(runID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, state.Status)
	assert.False(t, state.ApprovalPending)
	assert.Equal(t, "ship", state.CurrentPhase)
	assert.Equal(t, []string{"review"}, state.CompletedPhases)
}

func TestRejectRecordsReasonAndHoldsPhase(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{Name: "review", Workers: []string{"reviewer"}, Checkpoints: []string{"review.md"}, RequireApproval: true}},
		map[string]model.WorkerSpec{"reviewer": localWorker("reviewer")},
	)
	e := newEngine(t, cfg, fs, writeArtifact(fs, "review.md"))

	state, err := e.Start(nil)
	require.NoError(t, err)
	runID := state.RunID

	_, _, err = e.Advance(context.Background(), runID)
	require.NoError(t, err)

	state, err = e.Reject(runID, "conclusions unsupported")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsRevision, state.Status)
	assert.Equal(t, "review", state.CurrentPhase)
	assert.False(t, state.ApprovalPending)
	require.NotEmpty(t, state.Errors)
	assert.Contains(t, state.Errors[len(state.Errors)-1], "conclusions unsupported")

	// Approving a rejected run is a state error, not a silent no-op.
	_, err = e.Approve(runID)
	var ise *engine.InvalidStateError
	require.True(t, errors.As(err, &ise))
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{Name: "build", Workers: []string{"builder"}, Checkpoints: []string{"out.txt"}}},
		map[string]model.WorkerSpec{"builder": localWorker("builder")},
	)

	var attempts atomic.Int32
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		if attempts.Add(1) <= 2 {
			return model.WorkerOutcome{WorkerID: w.ID, ExitCode: 75, Errors: []string{"resource temporarily unavailable"}}
		}
		return writeArtifact(fs, "out.txt")(ctx, phase, w)
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	state, outcome, err := e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, model.StatusCompleted, state.Status)
	require.Len(t, outcome.Workers, 1)
	assert.Equal(t, 2, outcome.Workers[0].Retries)
	assert.Equal(t, int32(3), attempts.Load())

	// Retries reach the persisted metrics record.
	data, err := afero.ReadFile(fs, e.RunDir(state.RunID)+"/metrics/metrics.json")
	require.NoError(t, err)
	var m model.RunMetrics
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 2, m.TotalRetries)
	assert.Equal(t, model.StatusCompleted, m.Status)
}

func TestFatalFailureDoesNotRetry(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{Name: "build", Workers: []string{"builder"}, Checkpoints: []string{"out.txt"}}},
		map[string]model.WorkerSpec{"builder": localWorker("builder")},
	)

	var attempts atomic.Int32
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		attempts.Add(1)
		return model.WorkerOutcome{WorkerID: w.ID, ExitCode: 1, Errors: []string{"assertion failed"}}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	state, outcome, err := e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, model.StatusNeedsRevision, state.Status)
	assert.Equal(t, int32(1), attempts.Load(), "exit 1 is not in the transient set")
}

func TestLaterPhaseSeesEarlierArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{
			{Name: "produce", Workers: []string{"producer"}, Checkpoints: []string{"data.csv"}},
			// The consumer phase's checkpoints reference both its own output
			// and the producer's.
			{Name: "consume", Workers: []string{"consumer"}, Checkpoints: []string{"data.csv", "summary.md"}},
		},
		map[string]model.WorkerSpec{"producer": localWorker("producer"), "consumer": localWorker("consumer")},
	)
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		if phase == "produce" {
			return writeArtifact(fs, "data.csv")(ctx, phase, w)
		}
		return writeArtifact(fs, "summary.md")(ctx, phase, w)
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	state, _, err = e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	state, outcome, err := e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)

	assert.True(t, outcome.Success, "consume phase must validate against the producer's artifact")
	assert.Equal(t, model.StatusCompleted, state.Status)
	assert.Equal(t, []string{"artifacts/data.csv", "artifacts/summary.md"}, state.AllArtifacts())
}

func TestSequentialFailFastShortCircuits(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{
			Name:        "build",
			Workers:     []string{"first", "second", "third"},
			FailFast:    true,
			Checkpoints: []string{"out.txt"},
		}},
		map[string]model.WorkerSpec{
			"first":  localWorker("first"),
			"second": localWorker("second"),
			"third":  localWorker("third"),
		},
	)

	var ran []string
	var mu sync.Mutex
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		mu.Lock()
		ran = append(ran, w.ID)
		mu.Unlock()
		if w.ID == "second" {
			return model.WorkerOutcome{WorkerID: w.ID, ExitCode: 1, Errors: []string{"boom"}}
		}
		return model.WorkerOutcome{WorkerID: w.ID, Success: true}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	state, outcome, err := e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsRevision, state.Status)
	assert.Equal(t, []string{"first", "second"}, ran, "third worker must not run after fail_fast trips")
	require.Len(t, outcome.Workers, 2)
	assert.Equal(t, "first", outcome.Workers[0].WorkerID)
	assert.Equal(t, "second", outcome.Workers[1].WorkerID)
}

func TestParallelPhaseBoundsConcurrency(t *testing.T) {
	fs := afero.NewMemMapFs()

	const workerCount = 6
	const bound = 2

	ids := make([]string, workerCount)
	workers := make(map[string]model.WorkerSpec, workerCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("w%d", i)
		workers[ids[i]] = localWorker(ids[i])
	}
	cfg := testConfig(t,
		[]model.PhaseSpec{{
			Name:           "fanout",
			Workers:        ids,
			Parallel:       true,
			MaxConcurrency: bound,
		}},
		workers,
	)

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, workerCount)
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		inFlight.Add(-1)
		return model.WorkerOutcome{WorkerID: w.ID, Success: true}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	done := make(chan struct{})
	var outcome *model.PhaseOutcome
	go func() {
		defer close(done)
		_, outcome, err = e.Advance(context.Background(), state.RunID)
	}()

	// Wait until the semaphore admits its first batch, then release everyone.
	<-started
	<-started
	close(release)
	<-done

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(bound), "more than max_concurrency workers ran at once")
	require.Len(t, outcome.Workers, workerCount)
	for i, w := range outcome.Workers {
		assert.Equal(t, ids[i], w.WorkerID, "parallel outcomes must keep worker order")
	}
}

func TestConcurrentAdvanceReportsBusy(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{Name: "build", Workers: []string{"builder"}}},
		map[string]model.WorkerSpec{"builder": localWorker("builder")},
	)

	entered := make(chan struct{})
	release := make(chan struct{})
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		close(entered)
		<-release
		return model.WorkerOutcome{WorkerID: w.ID, Success: true}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = e.Advance(context.Background(), state.RunID)
	}()

	<-entered
	_, _, err = e.Advance(context.Background(), state.RunID)
	var busy *engine.BusyError
	require.True(t, errors.As(err, &busy), "second advance must report busy, got %v", err)
	assert.Equal(t, state.RunID, busy.RunID)

	close(release)
	<-done
}

func TestAdvanceOnCompletedRunIsInvalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t,
		[]model.PhaseSpec{{Name: "build", Workers: []string{"builder"}}},
		map[string]model.WorkerSpec{"builder": localWorker("builder")},
	)
	e := newEngine(t, cfg, fs, func(ctx context.Context, phase string, w model.WorkerSpec) model.WorkerOutcome {
		return model.WorkerOutcome{WorkerID: w.ID, Success: true}
	})

	state, err := e.Start(nil)
	require.NoError(t, err)

	state, _, err = e.Advance(context.Background(), state.RunID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, state.Status)

	_, _, err = e.Advance(context.Background(), state.RunID)
	var ise *engine.InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, model.StatusCompleted, ise.Status)

	_, err = e.Resume(state.RunID)
	require.True(t, errors.As(err, &ise), "resume on completed run must be invalid")
}
