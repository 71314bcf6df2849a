// Package engine owns the run state machine. All RunState mutation flows
// through Engine methods; every transition is validated against the status
// table and persisted before the method returns.
package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/executor"
	"github.com/msageha/stagehand/internal/lock"
	"github.com/msageha/stagehand/internal/metrics"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/reliability"
	"github.com/msageha/stagehand/internal/store"
)

// ExecutorFactory resolves the dispatch strategy for a worker. Tests inject a
// fake; production uses executor.New.
type ExecutorFactory func(w model.WorkerSpec, opts executor.Options) (executor.Executor, error)

// Options configures an Engine.
type Options struct {
	// Fs is the filesystem for state, transcripts, approval packages, and
	// metrics files.
	Fs afero.Fs
	// DataDir is the root under which runs/<id>/ directories live.
	DataDir string
	// LogWriter receives engine log lines. Nil discards them.
	LogWriter io.Writer
	// Seed feeds backoff jitter. Zero means a time-based seed is fine for
	// callers; tests pass fixed values.
	Seed int64
	// Client is used by remote executors. Nil means http.DefaultClient.
	Client *http.Client
	// Factory overrides executor construction. Nil means executor.New.
	Factory ExecutorFactory
	// FileLocking enables the per-run flock. It requires a real filesystem
	// and is disabled in tests running on MemMapFs.
	FileLocking bool
}

// Engine drives runs through their phase sequence.
type Engine struct {
	cfg     *model.Config
	fs      afero.Fs
	dataDir string
	store   *store.FileStore
	retrier *reliability.Retrier
	locks   *lock.MutexMap
	factory ExecutorFactory
	client  *http.Client
	flock   bool
	logger  logger
	logW    io.Writer

	trackerMu sync.Mutex
	trackers  map[string]*metrics.Tracker
}

// New creates an Engine for the given configuration.
func New(cfg *model.Config, opts Options) *Engine {
	factory := opts.Factory
	if factory == nil {
		factory = executor.New
	}
	return &Engine{
		cfg:      cfg,
		fs:       opts.Fs,
		dataDir:  opts.DataDir,
		store:    store.NewFileStore(opts.Fs, opts.DataDir),
		retrier:  reliability.NewRetrier(cfg.Retry, opts.Seed),
		locks:    lock.NewMutexMap(),
		factory:  factory,
		client:   opts.Client,
		flock:    opts.FileLocking,
		logger:   newLogger(opts.LogWriter, executor.ParseLogLevel(cfg.Logging.Level)),
		logW:     opts.LogWriter,
		trackers: make(map[string]*metrics.Tracker),
	}
}

// Store exposes the engine's state store for read-only consumers.
func (e *Engine) Store() *store.FileStore {
	return e.store
}

// RunDir returns the directory holding a run's state and related files.
func (e *Engine) RunDir(runID string) string {
	return e.store.RunDir(runID)
}

// Start creates a fresh run positioned at the first configured phase and
// persists it in the running status.
func (e *Engine) Start(meta map[string]string) (*model.RunState, error) {
	runID, err := model.NewRunID()
	if err != nil {
		return nil, err
	}

	state := model.NewRunState(runID, meta)
	if err := e.transition(state, model.StatusRunning); err != nil {
		return nil, err
	}
	state.CurrentPhase = e.cfg.Phases[0].Name

	if err := e.persist(state); err != nil {
		return nil, err
	}
	e.writeMetrics(state)
	e.logger.log(executor.LogLevelInfo, "run_started run=%s phase=%s", runID, state.CurrentPhase)
	return state, nil
}

// Status returns the current snapshot of a run without mutating it.
func (e *Engine) Status(runID string) (*model.RunState, error) {
	return e.store.Load(runID)
}

// Approve clears a pending approval gate and commits the gated phase, exactly
// as the non-gated path would have.
func (e *Engine) Approve(runID string) (*model.RunState, error) {
	return e.withRunLock(runID, "approve", func(state *model.RunState) error {
		if state.Status != model.StatusAwaitingApproval {
			return &InvalidStateError{Op: "approve", RunID: runID, Status: state.Status}
		}

		phase := state.ApprovalPhase
		state.ApprovalPending = false
		state.ApprovalPhase = ""
		if err := e.commitPhase(state, phase); err != nil {
			return err
		}
		e.logger.log(executor.LogLevelInfo, "run_approved run=%s phase=%s status=%s", runID, phase, state.Status)
		return nil
	})
}

// Reject records the reviewer's reason and sends the run to needs_revision.
// The phase pointer does not move; a later Resume retries the same phase.
func (e *Engine) Reject(runID, reason string) (*model.RunState, error) {
	return e.withRunLock(runID, "reject", func(state *model.RunState) error {
		if state.Status != model.StatusAwaitingApproval {
			return &InvalidStateError{Op: "reject", RunID: runID, Status: state.Status}
		}

		if reason != "" {
			state.RecordError(fmt.Sprintf("phase %s rejected: %s", state.ApprovalPhase, reason))
		}
		state.ApprovalPending = false
		state.ApprovalPhase = ""
		if err := e.transition(state, model.StatusNeedsRevision); err != nil {
			return err
		}
		e.logger.log(executor.LogLevelInfo, "run_rejected run=%s phase=%s", runID, state.CurrentPhase)
		return nil
	})
}

// Resume brings a run in needs_revision back to running so the current phase
// can be attempted again.
func (e *Engine) Resume(runID string) (*model.RunState, error) {
	return e.withRunLock(runID, "resume", func(state *model.RunState) error {
		if state.Status != model.StatusNeedsRevision {
			return &InvalidStateError{Op: "resume", RunID: runID, Status: state.Status}
		}
		if err := e.transition(state, model.StatusRunning); err != nil {
			return err
		}
		e.logger.log(executor.LogLevelInfo, "run_resumed run=%s phase=%s", runID, state.CurrentPhase)
		return nil
	})
}

// withRunLock loads the run, executes fn under the per-run guard, and persists
// the mutated state. A concurrent caller gets BusyError instead of queueing.
func (e *Engine) withRunLock(runID, op string, fn func(state *model.RunState) error) (*model.RunState, error) {
	if !e.locks.TryLock(runID) {
		return nil, &BusyError{RunID: runID}
	}
	defer e.locks.Unlock(runID)

	if e.flock {
		fl := lock.NewFileLock(filepath.Join(e.RunDir(runID), "run.lock"))
		if err := fl.TryLock(); err != nil {
			return nil, &BusyError{RunID: runID}
		}
		defer fl.Unlock()
	}

	state, err := e.store.Load(runID)
	if err != nil {
		return nil, err
	}

	if err := fn(state); err != nil {
		return nil, err
	}
	if err := e.persist(state); err != nil {
		return nil, err
	}
	e.writeMetrics(state)
	return state, nil
}

// transition validates and applies a status change. The caller persists.
func (e *Engine) transition(state *model.RunState, to model.RunStatus) error {
	if err := model.ValidateRunTransition(state.Status, to); err != nil {
		return err
	}
	state.Status = to
	e.tracker(state.RunID).SetStatus(to)
	return nil
}

func (e *Engine) persist(state *model.RunState) error {
	state.Touch()
	if err := e.store.Save(state); err != nil {
		return fmt.Errorf("persist run %s: %w", state.RunID, err)
	}
	return nil
}

// tracker returns the run's metrics tracker, hydrating it from the persisted
// metrics record when this process has not seen the run before.
func (e *Engine) tracker(runID string) *metrics.Tracker {
	e.trackerMu.Lock()
	defer e.trackerMu.Unlock()

	if t, ok := e.trackers[runID]; ok {
		return t
	}
	t := metrics.NewTracker(runID)
	if data, err := afero.ReadFile(e.fs, e.metricsJSONPath(runID)); err == nil {
		var m model.RunMetrics
		if err := json.Unmarshal(data, &m); err == nil {
			t.Restore(m)
		}
	}
	e.trackers[runID] = t
	return t
}

func (e *Engine) metricsJSONPath(runID string) string {
	return filepath.Join(e.RunDir(runID), "metrics", "metrics.json")
}

func (e *Engine) metricsExpositionPath(runID string) string {
	return filepath.Join(e.RunDir(runID), "metrics", "metrics.prom")
}

// writeMetrics refreshes both metrics serializations from one snapshot.
// Metrics are advisory; failures are logged, never surfaced to the caller.
func (e *Engine) writeMetrics(state *model.RunState) {
	snap := e.tracker(state.RunID).Snapshot()

	dir := filepath.Join(e.RunDir(state.RunID), "metrics")
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		e.logger.log(executor.LogLevelWarn, "metrics_dir_failed run=%s err=%v", state.RunID, err)
		return
	}
	if err := metrics.WriteJSON(e.fs, e.metricsJSONPath(state.RunID), snap); err != nil {
		e.logger.log(executor.LogLevelWarn, "metrics_write_failed run=%s err=%v", state.RunID, err)
	}
	if err := metrics.WriteExposition(e.fs, e.metricsExpositionPath(state.RunID), snap); err != nil {
		e.logger.log(executor.LogLevelWarn, "metrics_write_failed run=%s err=%v", state.RunID, err)
	}
}
