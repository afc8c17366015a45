// Package broker implements the Fuseline scheduling broker.
//
// The broker catalogues workflow schemas, tracks worker liveness,
// accepts dispatch requests and leases ready steps to eligible
// workers. It is the single writer over the runtime storage: workers
// only observe state through assignments and influence it through
// reports.
package broker

import (
	"context"
	"time"

	"github.com/fuseline/fuseline/workflow"
)

// Payload carries everything a worker needs to run a leased step: the
// workflow inputs and the results of the step's finished predecessors,
// keyed by step name.
type Payload struct {
	WorkflowInputs map[string]any `json:"workflow_inputs"`
	Results        map[string]any `json:"results"`
}

// StepAssignment is a leased step. The lease is exclusive until
// ExpiresAt; past it the broker may hand the step to another worker
// and discard the original holder's report.
type StepAssignment struct {
	WorkflowID string    `json:"workflow_id"`
	InstanceID string    `json:"instance_id"`
	StepName   string    `json:"step_name"`
	Payload    Payload   `json:"payload"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StepReport is a worker's outcome for a leased step. State is one of
// the six status strings; Result is nil for failed and skipped steps.
type StepReport struct {
	WorkflowID string          `json:"workflow_id"`
	InstanceID string          `json:"instance_id"`
	StepName   string          `json:"step_name"`
	State      workflow.Status `json:"state"`
	Result     any             `json:"result"`
}

// LastTask records the most recent assignment handed to a worker.
// State is RUNNING while the lease is held and the reported outcome
// once the worker reports back.
type LastTask struct {
	WorkflowID string          `json:"workflow_id"`
	InstanceID string          `json:"instance_id"`
	StepName   string          `json:"step_name"`
	AssignedAt time.Time       `json:"assigned_at"`
	State      workflow.Status `json:"state"`
}

// WorkflowRef identifies one schema version.
type WorkflowRef struct {
	WorkflowID string `json:"workflow_id"`
	Version    string `json:"version"`
}

// WorkerInfo is the metadata view of a registered worker.
type WorkerInfo struct {
	WorkerID    string        `json:"worker_id"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastSeen    time.Time     `json:"last_seen"`
	Workflows   []WorkflowRef `json:"workflows"`
	LastTask    *LastTask     `json:"last_task,omitempty"`
}

// WorkflowInfo is the metadata view of a dispatched instance.
type WorkflowInfo struct {
	WorkflowID   string    `json:"workflow_id"`
	Version      string    `json:"version"`
	InstanceID   string    `json:"instance_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// RepositoryInfo names a workflow repository: a git URL plus the
// workflow locators ("module:attribute") it provides. Workers resolve
// repository names through the broker before loading workflows.
type RepositoryInfo struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Workflows []string `json:"workflows"`
}

// Broker is the scheduling interface, callable in-process or over
// HTTP. Unknown worker ids and stale leases are silent no-ops so late
// or duplicated calls cannot corrupt instance state.
type Broker interface {
	// RegisterWorker records a worker eligible for the given schemas
	// and returns its id. A schema differing from the stored one for
	// the same (workflow_id, version) is a hard error.
	RegisterWorker(ctx context.Context, schemas []*workflow.WorkflowSchema) (string, error)

	// DispatchWorkflow creates a new instance of the schema, seeds the
	// runtime state and enqueues the root steps.
	DispatchWorkflow(ctx context.Context, schema *workflow.WorkflowSchema, inputs map[string]any) (string, error)

	// GetStep leases the next ready step the worker is eligible for,
	// or returns nil when no work is available.
	GetStep(ctx context.Context, workerID string) (*StepAssignment, error)

	// ReportStep records a step outcome and enqueues the successors
	// that became ready. Reports from a non-leaseholder are ignored.
	ReportStep(ctx context.Context, workerID string, report StepReport) error

	// KeepAlive refreshes the worker's liveness window.
	KeepAlive(ctx context.Context, workerID string) error

	ListWorkers(ctx context.Context) ([]WorkerInfo, error)
	ListWorkflows(ctx context.Context) ([]WorkflowInfo, error)

	RegisterRepository(ctx context.Context, repo RepositoryInfo) error
	GetRepository(ctx context.Context, name string) (*RepositoryInfo, error)
	ListRepositories(ctx context.Context, page, pageSize int) ([]RepositoryInfo, error)
}
