// Package trace provides the append-only event stream emitted during
// workflow execution.
//
// Tracers enable pluggable observability backends:
//   - JSONL files for post-hoc inspection
//   - Structured log output (text or JSON)
//   - OpenTelemetry spans
//
// Implementations should be thread-safe (steps in a batch record
// concurrently) and must not panic; the stream is write-only from the
// engine's perspective.
package trace

import "time"

// Event names recorded by the engine.
const (
	EventWorkflowStarted  = "workflow_started"
	EventWorkflowFinished = "workflow_finished"
	EventStepEnqueued     = "step_enqueued"
	EventStepStarted      = "step_started"
	EventStepFinished     = "step_finished"
	EventStepFailed       = "step_failed"
	EventStepCancelled    = "step_cancelled"
	EventConditionCheck   = "condition_check"
)

// Event is one flat trace record. Every event carries the event name,
// the step label (empty for workflow-level events), the workflow and
// instance identifiers, and an ISO-8601 timestamp. step_finished
// additionally carries Result and Skipped; condition_check carries
// Dependency, Value and Passed.
type Event struct {
	Event      string `json:"event"`
	Step       string `json:"step,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	InstanceID string `json:"workflow_instance_id,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`

	Result  any    `json:"result,omitempty"`
	Skipped *bool  `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`

	Dependency string `json:"dependency,omitempty"`
	Value      any    `json:"value,omitempty"`
	Passed     *bool  `json:"passed,omitempty"`
}

// Bool returns a pointer suitable for the Skipped and Passed fields.
func Bool(v bool) *bool { return &v }

// Tracer receives trace events from workflow execution.
type Tracer interface {
	// Record persists a trace event. Implementations fill in the
	// timestamp when the event carries none.
	Record(ev Event)
}

// stamp fills the event timestamp if unset.
func stamp(ev *Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
}
