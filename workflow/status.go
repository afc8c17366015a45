package workflow

// Status is the execution state of a step or workflow.
//
// Steps move PENDING -> RUNNING -> {SUCCEEDED, FAILED, SKIPPED}.
// CANCELLED is entered from PENDING only, when the owning workflow fails.
type Status string

const (
	// StatusPending means the step has not started yet.
	StatusPending Status = "PENDING"

	// StatusRunning means the step is currently executing.
	StatusRunning Status = "RUNNING"

	// StatusSucceeded means the step completed without error.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusFailed means the step's function returned an error that the
	// policy chain did not absorb.
	StatusFailed Status = "FAILED"

	// StatusCancelled means the step never ran because its workflow failed.
	StatusCancelled Status = "CANCELLED"

	// StatusSkipped means a dependency condition evaluated false; the step's
	// function was not invoked and its result is nil.
	StatusSkipped Status = "SKIPPED"
)

// Finished reports whether the status allows successors to proceed.
// SKIPPED counts as finished: a skipped step propagates along "default"
// as if it had succeeded with no returned action.
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// Terminal reports whether the status is an end state for the step.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}
