package workflow

import "errors"

// ErrStepTimeout indicates a step exceeded the deadline enforced by a
// TimeoutPolicy. Retry policies may absorb it like any other error.
var ErrStepTimeout = errors.New("step exceeded timeout")

// ErrSchemaMismatch indicates two schemas share (workflow_id, version)
// but differ structurally. Registration with a mismatched schema is a
// hard error.
var ErrSchemaMismatch = errors.New("workflow schema mismatch")

// GraphError represents a failure while constructing a workflow graph.
// Construction errors are fatal: a workflow that fails to build cannot
// be dispatched or run.
type GraphError struct {
	Message string
	Code    string
}

func (e *GraphError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
