// Package metrics accumulates per-run, per-phase, and per-worker timing and
// retry figures for the engine.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/msageha/stagehand/internal/model"
)

// Tracker accumulates metrics for one run. Snapshot may be called at any
// time and reflects only fully-completed phases and workers; in-flight work
// is never partially reported.
type Tracker struct {
	mu sync.Mutex

	runID     string
	startedAt time.Time
	endedAt   time.Time
	status    model.RunStatus

	inFlight map[string]time.Time
	phases   map[string]model.PhaseMetrics
	workers  map[string]model.WorkerMetrics

	totalRetries int
	now          func() time.Time
}

// NewTracker creates a Tracker for the given run.
func NewTracker(runID string) *Tracker {
	t := &Tracker{
		runID:    runID,
		inFlight: make(map[string]time.Time),
		phases:   make(map[string]model.PhaseMetrics),
		workers:  make(map[string]model.WorkerMetrics),
		status:   model.StatusRunning,
		now:      time.Now,
	}
	t.startedAt = t.now().UTC()
	return t
}

// StartPhase marks the beginning of a phase attempt.
func (t *Tracker) StartPhase(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[name] = t.now()
}

// EndPhase completes the bracket opened by StartPhase. A phase that was
// never started is ignored.
func (t *Tracker) EndPhase(name string, status model.ValidationStatus, artifactCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.inFlight[name]
	if !ok {
		return
	}
	delete(t.inFlight, name)

	t.phases[name] = model.PhaseMetrics{
		Duration:         t.now().Sub(start),
		ValidationStatus: status,
		ArtifactCount:    artifactCount,
	}
}

// RecordWorker accumulates figures for one completed worker invocation.
func (t *Tracker) RecordWorker(phase, worker string, duration time.Duration, exitCode, retries int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fmt.Sprintf("%s/%s", phase, worker)
	t.workers[key] = model.WorkerMetrics{
		Duration: duration,
		ExitCode: exitCode,
		Retries:  retries,
	}
	t.totalRetries += retries
}

// SetStatus records the run's overall status for the next snapshot.
func (t *Tracker) SetStatus(status model.RunStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	if status == model.StatusCompleted {
		t.endedAt = t.now().UTC()
	}
}

// Restore seeds the tracker from a previously persisted snapshot so figures
// accumulate across process restarts.
func (t *Tracker) Restore(m model.RunMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts, err := time.Parse(time.RFC3339, m.StartedAt); err == nil {
		t.startedAt = ts
	}
	for k, v := range m.Phases {
		t.phases[k] = v
	}
	for k, v := range m.Workers {
		t.workers[k] = v
	}
	t.totalRetries = m.TotalRetries
	if m.Status != "" {
		t.status = m.Status
	}
}

// Snapshot returns the current RunMetrics. Only completed phases and workers
// appear; phases still inside a Start/End bracket are omitted.
func (t *Tracker) Snapshot() model.RunMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := model.RunMetrics{
		SchemaVersion: 1,
		RunID:         t.runID,
		StartedAt:     t.startedAt.Format(time.RFC3339),
		Phases:        make(map[string]model.PhaseMetrics, len(t.phases)),
		Workers:       make(map[string]model.WorkerMetrics, len(t.workers)),
		TotalRetries:  t.totalRetries,
		Status:        t.status,
	}
	if !t.endedAt.IsZero() {
		m.EndedAt = t.endedAt.Format(time.RFC3339)
	}
	for k, v := range t.phases {
		m.Phases[k] = v
	}
	for k, v := range t.workers {
		m.Workers[k] = v
	}
	m.HygieneScore = hygieneScore(m)
	return m
}

// hygieneScore derives a 0–100 quality figure from worker success and retry
// pressure: clean exits score high, retries and failures pull it down.
func hygieneScore(m model.RunMetrics) float64 {
	if len(m.Workers) == 0 {
		return 100
	}

	succeeded := 0
	for _, w := range m.Workers {
		if w.ExitCode == 0 || (w.ExitCode >= 200 && w.ExitCode <= 299) {
			succeeded++
		}
	}

	successRate := float64(succeeded) / float64(len(m.Workers))
	retryPenalty := float64(m.TotalRetries) / float64(len(m.Workers)) * 10
	score := successRate*100 - retryPenalty
	if score < 0 {
		score = 0
	}
	return score
}
