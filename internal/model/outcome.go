package model

import "time"

// WorkerOutcome is the result of one worker invocation, including retries
// consumed inside the reliability layer. Executors always return an outcome;
// failures populate Success=false and Errors instead of raising.
type WorkerOutcome struct {
	WorkerID  string        `json:"worker_id"`
	Success   bool          `json:"success"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Notes     string        `json:"notes,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Retries   int           `json:"retries"`
}

// ValidationResult is the checkpoint verdict for one phase attempt.
// Pass requires every pattern matched; Fail requires none matched.
type ValidationResult struct {
	Status   ValidationStatus `json:"status"`
	Required []string         `json:"required"`
	Matched  []string         `json:"matched,omitempty"`
	Missing  []string         `json:"missing,omitempty"`
}

// PhaseOutcome aggregates the worker outcomes and checkpoint verdict of one
// phase attempt.
type PhaseOutcome struct {
	Phase            string           `json:"phase"`
	Success          bool             `json:"success"`
	Workers          []WorkerOutcome  `json:"workers"`
	Validation       ValidationResult `json:"validation"`
	ApprovalRequired bool             `json:"approval_required"`
	Awaiting         bool             `json:"awaiting"`
	CompletedAt      string           `json:"completed_at"`
}
