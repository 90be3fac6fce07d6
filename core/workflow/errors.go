package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowInvalid wraps every validation rejection.
	ErrWorkflowInvalid = errors.New("workflow invalid")
	// ErrWorkflowCancelled is returned when cooperative cancellation
	// stops a run between steps. Prior step results are retained.
	ErrWorkflowCancelled = errors.New("workflow cancelled")
)

// StepError wraps the first step failure with the failing step's id.
// No further steps run after it.
type StepError struct {
	StepID string
	Cause  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}
