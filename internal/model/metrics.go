package model

import "time"

// RunMetrics is the per-run metrics record produced by the tracker snapshot.
// It reflects only fully-completed phases and workers.
type RunMetrics struct {
	SchemaVersion int                       `json:"schema_version"`
	RunID         string                    `json:"run_id"`
	StartedAt     string                    `json:"started_at"`
	EndedAt       string                    `json:"ended_at,omitempty"`
	Phases        map[string]PhaseMetrics   `json:"phases"`
	Workers       map[string]WorkerMetrics  `json:"workers"`
	TotalRetries  int                       `json:"total_retries"`
	HygieneScore  float64                   `json:"hygiene_score"`
	Status        RunStatus                 `json:"status"`
}

// PhaseMetrics records timing and checkpoint figures for one completed phase.
type PhaseMetrics struct {
	Duration         time.Duration    `json:"duration_ns"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ArtifactCount    int              `json:"artifact_count"`
}

// WorkerMetrics records figures for one completed worker invocation,
// keyed by "<phase>/<worker>".
type WorkerMetrics struct {
	Duration time.Duration `json:"duration_ns"`
	ExitCode int           `json:"exit_code"`
	Retries  int           `json:"retries"`
}
