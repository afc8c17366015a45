// Package storage provides the runtime state backends for the broker.
//
// RuntimeStorage holds pure data keyed by (workflow_id, instance_id
// [, step_name]): step states and results, the per-instance ready
// queue, workflow inputs and step leases. Two backends are provided: a
// map-backed MemoryStorage for tests and single-process brokers, and a
// SQL adapter with SQLite and MySQL drivers for brokers that must
// survive restarts.
package storage

import (
	"context"
	"time"

	"github.com/fuseline/fuseline/workflow"
)

// Assignment is a step lease: which worker holds the step and when the
// lease lapses.
type Assignment struct {
	WorkerID  string
	ExpiresAt time.Time
}

// RuntimeStorage stores per-instance runtime state. Implementations
// must make each operation atomic; the broker serializes the
// multi-operation sequences built on top of them.
type RuntimeStorage interface {
	// CreateRun initializes PENDING state for every step name and
	// clears any queue or assignment residue left under the same
	// (workflowID, instanceID) key.
	CreateRun(ctx context.Context, workflowID, instanceID string, stepNames []string) error

	// Enqueue appends stepName to the instance's ready queue. A name
	// already present in the queue membership set is a no-op.
	Enqueue(ctx context.Context, workflowID, instanceID, stepName string) error

	// EnqueueFront is Enqueue at the head of the queue, used when a
	// lapsed lease returns a step for immediate re-dispatch.
	EnqueueFront(ctx context.Context, workflowID, instanceID, stepName string) error

	// FetchNext removes and returns the queue head. ok is false when
	// the queue is empty.
	FetchNext(ctx context.Context, workflowID, instanceID string) (stepName string, ok bool, err error)

	// QueueLength returns the number of queued steps for the instance.
	QueueLength(ctx context.Context, workflowID, instanceID string) (int, error)

	// AssignStep records a lease for stepName held by workerID until
	// expiresAt.
	AssignStep(ctx context.Context, workflowID, instanceID, stepName, workerID string, expiresAt time.Time) error

	// ClearAssignment drops the lease for stepName, if any.
	ClearAssignment(ctx context.Context, workflowID, instanceID, stepName string) error

	// GetAssignment returns the current lease for stepName, or nil.
	GetAssignment(ctx context.Context, workflowID, instanceID, stepName string) (*Assignment, error)

	// ExpiredAssignments returns the step names of the instance whose
	// leases lapsed before now.
	ExpiredAssignments(ctx context.Context, workflowID, instanceID string, now time.Time) ([]string, error)

	// SetState records the state of stepName.
	SetState(ctx context.Context, workflowID, instanceID, stepName string, state workflow.Status) error

	// GetState returns the recorded state of stepName. Unknown steps
	// report PENDING.
	GetState(ctx context.Context, workflowID, instanceID, stepName string) (workflow.Status, error)

	// SetResult records the result value of stepName.
	SetResult(ctx context.Context, workflowID, instanceID, stepName string, result any) error

	// GetResult returns the recorded result of stepName, nil when none.
	GetResult(ctx context.Context, workflowID, instanceID, stepName string) (any, error)

	// SetInputs records the workflow inputs for the instance.
	SetInputs(ctx context.Context, workflowID, instanceID string, inputs map[string]any) error

	// GetInputs returns the recorded workflow inputs, nil when unset.
	GetInputs(ctx context.Context, workflowID, instanceID string) (map[string]any, error)

	// FinalizeRun marks the run finished and clears its queue and all
	// outstanding leases.
	FinalizeRun(ctx context.Context, workflowID, instanceID string) error

	// Close releases backend resources.
	Close() error
}
