package model

import "fmt"

type RunStatus string

const (
	StatusIdle             RunStatus = "idle"
	StatusRunning          RunStatus = "running"
	StatusAwaitingApproval RunStatus = "awaiting_approval"
	StatusNeedsRevision    RunStatus = "needs_revision"
	StatusCompleted        RunStatus = "completed"
)

type ValidationStatus string

const (
	ValidationPass    ValidationStatus = "pass"
	ValidationPartial ValidationStatus = "partial"
	ValidationFail    ValidationStatus = "fail"
)

var terminalRunStatuses = map[RunStatus]bool{
	StatusCompleted: true,
}

// Run status transitions: idle → running ⇄ awaiting_approval,
// running → needs_revision → running, running → completed
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	StatusIdle: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusAwaitingApproval: true,
		StatusNeedsRevision:    true,
		StatusCompleted:        true,
	},
	StatusAwaitingApproval: {
		StatusRunning:       true, // approve → resume execution
		StatusNeedsRevision: true, // reject → same phase retried
		StatusCompleted:     true, // approve on the final phase
	},
	StatusNeedsRevision: {
		StatusRunning: true, // resume → retry same phase
	},
}

func IsTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}
