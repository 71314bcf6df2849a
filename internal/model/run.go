// Package model defines the data structures for stagehand's configuration,
// run state, worker outcomes, and metrics.
package model

import "time"

// RunState is the durable representation of one workflow run. It is owned and
// mutated exclusively by the engine and persisted as a single JSON document
// after every transition.
type RunState struct {
	SchemaVersion   int                 `json:"schema_version"`
	RunID           string              `json:"run_id"`
	Status          RunStatus           `json:"status"`
	CurrentPhase    string              `json:"current_phase"`
	CompletedPhases []string            `json:"completed_phases"`
	PhaseArtifacts  map[string][]string `json:"phase_artifacts"`
	ApprovalPending bool                `json:"approval_pending"`
	ApprovalPhase   string              `json:"approval_phase,omitempty"`
	Metadata        map[string]string   `json:"metadata,omitempty"`
	Errors          []string            `json:"errors,omitempty"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
}

// NewRunState creates a fresh RunState in the idle status.
func NewRunState(runID string, meta map[string]string) *RunState {
	now := time.Now().UTC().Format(time.RFC3339)
	return &RunState{
		SchemaVersion:   1,
		RunID:           runID,
		Status:          StatusIdle,
		CompletedPhases: []string{},
		PhaseArtifacts:  map[string][]string{},
		Metadata:        meta,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Touch refreshes UpdatedAt. Called by the engine before every persist.
func (rs *RunState) Touch() {
	rs.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// RecordError appends a message to the accumulated error list.
func (rs *RunState) RecordError(msg string) {
	rs.Errors = append(rs.Errors, msg)
}

// AllArtifacts returns every artifact path recorded so far, in phase
// completion order. Later phases consult this when their checkpoints
// depend on earlier output.
func (rs *RunState) AllArtifacts() []string {
	var out []string
	for _, phase := range rs.CompletedPhases {
		out = append(out, rs.PhaseArtifacts[phase]...)
	}
	return out
}
