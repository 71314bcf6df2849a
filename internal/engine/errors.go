package engine

import (
	"fmt"

	"github.com/msageha/stagehand/internal/model"
)

// InvalidStateError reports an operation invoked while the run is in a status
// that does not permit it. It is never coerced into a state change.
type InvalidStateError struct {
	Op     string
	RunID  string
	Status model.RunStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s run %s in status %q", e.Op, e.RunID, e.Status)
}

// BusyError reports that another mutating call currently holds the run.
type BusyError struct {
	RunID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("run %s is busy: another operation is in flight", e.RunID)
}
