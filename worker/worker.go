// Package worker implements the Fuseline worker: a process that
// registers its locally known workflows with a broker, then polls for
// leased steps, executes them through the policy chain and reports
// outcomes.
//
// Schemas carry no code, so the worker must link the same workflow
// definitions the dispatcher used; steps are matched by the stable
// names assigned at workflow construction.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fuseline/fuseline/broker"
	"github.com/fuseline/fuseline/workflow"
)

// DefaultPollInterval is the sleep between polls when the broker has
// no work and the worker runs in blocking mode.
const DefaultPollInterval = time.Second

// Worker executes leased steps for the workflows it knows.
type Worker struct {
	client       BrokerClient
	logger       *zap.Logger
	pollInterval time.Duration

	workerID  string
	workflows map[string]*workflow.Workflow
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithPollInterval overrides the blocking-mode poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// NewWorker registers the given workflows with the broker and returns
// a worker ready to poll. Registration fails if any schema conflicts
// with the broker's stored schema for the same (workflow_id, version).
//
// The worker executes against its own Clone of each workflow, so the
// same definitions can be handed to several workers (or RunFromEnv
// with WORKER_PROCESSES > 1) without sharing mutable step state.
func NewWorker(ctx context.Context, client BrokerClient, workflows []*workflow.Workflow, opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		client:       client,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		workflows:    make(map[string]*workflow.Workflow, len(workflows)),
	}
	for _, opt := range opts {
		opt(w)
	}

	schemas := make([]*workflow.WorkflowSchema, 0, len(workflows))
	for _, wf := range workflows {
		if _, dup := w.workflows[wf.ID()]; dup {
			return nil, fmt.Errorf("duplicate workflow id %q", wf.ID())
		}
		local := wf.Clone()
		w.workflows[wf.ID()] = local
		schemas = append(schemas, local.ToSchema())
	}

	workerID, err := client.RegisterWorker(ctx, schemas)
	if err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	w.workerID = workerID
	w.logger.Info("worker registered",
		zap.String("worker_id", workerID),
		zap.Int("workflows", len(workflows)),
	)
	return w, nil
}

// ID returns the broker-assigned worker id.
func (w *Worker) ID() string { return w.workerID }

// Work polls the broker and executes leased steps.
//
// In blocking mode the loop sleeps the poll interval whenever the
// broker has no work and runs until ctx is cancelled. Non-blocking
// mode returns as soon as the broker reports no work, which drains
// whatever is currently ready.
func (w *Worker) Work(ctx context.Context, block bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.client.KeepAlive(ctx, w.workerID); err != nil {
			return fmt.Errorf("keep-alive: %w", err)
		}

		assignment, err := w.client.GetStep(ctx, w.workerID)
		if err != nil {
			return fmt.Errorf("get step: %w", err)
		}
		if assignment == nil {
			if !block {
				return nil
			}
			select {
			case <-time.After(w.pollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		report := w.executeAssignment(ctx, assignment)
		if err := w.client.ReportStep(ctx, w.workerID, report); err != nil {
			return fmt.Errorf("report step: %w", err)
		}
	}
}

// executeAssignment runs one leased step and builds its report.
// Unknown workflows or steps report FAILED so the broker can cancel
// the instance instead of waiting out the lease.
func (w *Worker) executeAssignment(ctx context.Context, a *broker.StepAssignment) broker.StepReport {
	report := broker.StepReport{
		WorkflowID: a.WorkflowID,
		InstanceID: a.InstanceID,
		StepName:   a.StepName,
	}

	wf, ok := w.workflows[a.WorkflowID]
	if !ok {
		w.logger.Error("assignment for unknown workflow", zap.String("workflow_id", a.WorkflowID))
		report.State = workflow.StatusFailed
		return report
	}
	step := wf.StepByName(a.StepName)
	if step == nil {
		w.logger.Error("assignment for unknown step",
			zap.String("workflow_id", a.WorkflowID),
			zap.String("step", a.StepName),
		)
		report.State = workflow.StatusFailed
		return report
	}

	shared := make(map[*workflow.Step]any, len(a.Payload.Results))
	for name, value := range a.Payload.Results {
		if producer := wf.StepByName(name); producer != nil {
			shared[producer] = value
		}
	}
	wf.MergeParams(a.Payload.WorkflowInputs)
	step.Reset()

	result, err := workflow.ExecuteStep(ctx, wf, step, shared)
	switch {
	case err != nil:
		w.logger.Warn("step failed",
			zap.String("step", a.StepName),
			zap.Error(err),
		)
		report.State = workflow.StatusFailed
	case step.Skipped():
		report.State = workflow.StatusSkipped
	default:
		report.State = workflow.StatusSucceeded
		report.Result = result
	}
	return report
}
