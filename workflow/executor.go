package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuseline/fuseline/workflow/trace"
)

// RunStore mirrors local run progress into a runtime storage backend.
// It is the subset of the broker's storage interface the local executor
// needs; passing one is optional and purely observational.
type RunStore interface {
	CreateRun(ctx context.Context, workflowID, instanceID string, stepNames []string) error
	SetInputs(ctx context.Context, workflowID, instanceID string, inputs map[string]any) error
	SetState(ctx context.Context, workflowID, instanceID, stepName string, state Status) error
	SetResult(ctx context.Context, workflowID, instanceID, stepName string, result any) error
	FinalizeRun(ctx context.Context, workflowID, instanceID string) error
}

// WithStore mirrors run state transitions into rs during local runs.
func WithStore(rs RunStore) Option {
	return func(w *Workflow) { w.store = rs }
}

// Run executes the workflow in-process.
//
// Steps run in ready batches ordered by execution group, dispatched
// through the configured ExecutionEngine. inputs merge into the
// workflow params consumed by plain parameters.
//
// On success Run returns the output step's result (a slice of results
// when several outputs are declared). A failed step cancels all still
// pending steps and Run returns nil with the workflow state FAILED;
// step errors are not surfaced as Run errors. The error return is
// reserved for engine-level failures such as context cancellation.
func (w *Workflow) Run(ctx context.Context, inputs map[string]any) (any, error) {
	instanceID := uuid.NewString()
	w.MergeParams(inputs)
	w.state = StatusRunning

	var tracer trace.Tracer
	if w.tracer != nil {
		tracer = trace.NewBoundTracer(w.tracer, w.id, instanceID)
	}
	for _, s := range w.order {
		s.Reset()
		s.tracer = tracer
	}

	if tracer != nil {
		tracer.Record(trace.Event{Event: trace.EventWorkflowStarted})
	}
	for _, wp := range workflowPolicies(w.policies) {
		wp.OnWorkflowStart(w)
	}

	if w.store != nil {
		names := make([]string, 0, len(w.order))
		for _, s := range w.order {
			names = append(names, w.names[s])
		}
		if err := w.store.CreateRun(ctx, w.id, instanceID, names); err != nil {
			return nil, err
		}
		if err := w.store.SetInputs(ctx, w.id, instanceID, w.params); err != nil {
			return nil, err
		}
	}

	// Indegree counts each plain predecessor once; an OR-group
	// contributes exactly one regardless of its size.
	orMembers := make(map[*Step]map[*Step]string)
	indegree := make(map[*Step]int, len(w.order))
	for _, s := range w.order {
		members := make(map[*Step]string)
		for param, group := range s.orGroups {
			indegree[s]++
			for _, m := range group {
				members[m] = param
			}
		}
		orMembers[s] = members
		for _, p := range s.predecessors {
			if _, ok := members[p]; !ok {
				indegree[s]++
			}
		}
	}

	var (
		mu      sync.Mutex
		results = make(map[*Step]any)
		failed  bool
		// done records batch completions in finish order so the first
		// OR-group member to actually complete wins the group.
		done []*Step
	)

	var ready []*Step
	enqueue := func(s *Step) {
		ready = append(ready, s)
		s.record(trace.Event{Event: trace.EventStepEnqueued})
	}
	for _, s := range w.order {
		if indegree[s] == 0 {
			enqueue(s)
		}
	}

	runStep := func(ctx context.Context, s *Step) error {
		s.state = StatusRunning
		w.mirrorState(ctx, instanceID, s, StatusRunning)
		s.record(trace.Event{Event: trace.EventStepStarted})
		for _, wp := range workflowPolicies(w.policies) {
			wp.OnStepStart(s)
		}

		mu.Lock()
		shared := make(map[*Step]any, len(results))
		for k, v := range results {
			shared[k] = v
		}
		mu.Unlock()

		result, err := ExecuteStep(ctx, w, s, shared)

		mu.Lock()
		defer mu.Unlock()
		for _, wp := range workflowPolicies(w.policies) {
			wp.OnStepEnd(s)
		}
		if err != nil {
			s.state = StatusFailed
			failed = true
			w.mirrorState(ctx, instanceID, s, StatusFailed)
			s.record(trace.Event{Event: trace.EventStepFailed, Error: err.Error()})
			return nil
		}
		if s.wasSkipped {
			s.state = StatusSkipped
		} else {
			s.state = StatusSucceeded
		}
		results[s] = result
		done = append(done, s)
		w.mirrorState(ctx, instanceID, s, s.state)
		if w.store != nil {
			_ = w.store.SetResult(ctx, w.id, instanceID, w.names[s], result)
		}
		s.record(trace.Event{
			Event:   trace.EventStepFinished,
			Result:  result,
			Skipped: trace.Bool(s.wasSkipped),
		})
		return nil
	}

	for len(ready) > 0 {
		// Lowest execution group forms the batch.
		minGroup := ready[0].executionGroup
		for _, s := range ready {
			if s.executionGroup < minGroup {
				minGroup = s.executionGroup
			}
		}
		var batch, rest []*Step
		for _, s := range ready {
			if s.executionGroup == minGroup {
				batch = append(batch, s)
			} else {
				rest = append(rest, s)
			}
		}
		ready = rest

		done = done[:0]
		if err := w.engine.Execute(ctx, batch, runStep); err != nil {
			return nil, err
		}
		if failed {
			break
		}

		for _, s := range done {
			for _, succ := range w.selectedSuccessors(s, results[s]) {
				if param, ok := orMembers[succ][s]; ok {
					if succ.orTriggered[param] != nil {
						continue
					}
					succ.orTriggered[param] = s
				}
				indegree[succ]--
				if indegree[succ] == 0 && succ.state == StatusPending {
					enqueue(succ)
				}
			}
		}
	}

	if failed {
		for _, s := range w.order {
			if s.state == StatusPending {
				s.state = StatusCancelled
				w.mirrorState(ctx, instanceID, s, StatusCancelled)
				s.record(trace.Event{Event: trace.EventStepCancelled})
			}
		}
		w.state = StatusFailed
		w.finishRun(ctx, instanceID, tracer, nil)
		return nil, nil
	}

	w.state = StatusSucceeded
	var result any
	if len(w.outputs) == 1 {
		result = results[w.outputs[0]]
	} else {
		out := make([]any, 0, len(w.outputs))
		for _, o := range w.outputs {
			out = append(out, results[o])
		}
		result = out
	}
	w.finishRun(ctx, instanceID, tracer, result)
	return result, nil
}

// selectedSuccessors resolves the branch taken by a completed step.
// A string result naming a known action selects that branch; anything
// else, including skipped steps, propagates along the default action.
func (w *Workflow) selectedSuccessors(s *Step, result any) []*Step {
	action := DefaultAction
	if s.state == StatusSucceeded {
		if label, ok := result.(string); ok {
			if _, known := s.successors[label]; known {
				action = label
			}
		}
	}
	return s.successors[action]
}

// mirrorState forwards a state transition to the optional run store.
func (w *Workflow) mirrorState(ctx context.Context, instanceID string, s *Step, state Status) {
	if w.store == nil {
		return
	}
	_ = w.store.SetState(ctx, w.id, instanceID, w.names[s], state)
}

// finishRun emits the terminal workflow event, notifies workflow
// policies and finalizes the mirrored run.
func (w *Workflow) finishRun(ctx context.Context, instanceID string, tracer trace.Tracer, result any) {
	if w.store != nil {
		_ = w.store.FinalizeRun(ctx, w.id, instanceID)
	}
	for _, wp := range workflowPolicies(w.policies) {
		wp.OnWorkflowEnd(w)
	}
	if tracer != nil {
		tracer.Record(trace.Event{Event: trace.EventWorkflowFinished, Result: result})
	}
}

// ExecuteStep resolves the step's parameters from shared producer
// results and the workflow params, evaluates dependency conditions and
// invokes the step function through its composed policy chain.
//
// Workflow-level step policies wrap step-level ones, and policies wrap
// in attachment order: with [P1, P2] the chain is P1(P2(fn)).
//
// A condition returning false marks the step skipped and returns a nil
// result without invoking the function. Failed attempts consult each
// policy's OnFailure in chain order; the first decision wins.
func ExecuteStep(ctx context.Context, w *Workflow, s *Step, shared map[*Step]any) (any, error) {
	kwargs := make(map[string]any, len(s.params))
	for _, spec := range s.params {
		switch {
		case len(spec.group) > 0:
			source := s.orTriggered[spec.name]
			if source == nil {
				for _, m := range spec.group {
					if _, ok := shared[m]; ok {
						source = m
						break
					}
				}
				if source != nil {
					s.orTriggered[spec.name] = source
				}
			}
			if source == nil {
				continue
			}
			value := shared[source]
			if !s.checkCondition(spec.name, value, source) {
				return nil, nil
			}
			kwargs[spec.name] = value
		case spec.producer != nil:
			value, ok := shared[spec.producer]
			if !ok {
				continue
			}
			if !s.checkCondition(spec.name, value, spec.producer) {
				return nil, nil
			}
			kwargs[spec.name] = value
		default:
			if value, ok := w.params[spec.name]; ok {
				kwargs[spec.name] = value
			}
		}
	}

	chain := append(stepPolicies(w.policies), stepPolicies(s.policies)...)

	call := Call(func(ctx context.Context) (any, error) {
		return s.fn(ctx, kwargs)
	})
	for i := len(chain) - 1; i >= 0; i-- {
		inner := call
		policy := chain[i]
		call = func(ctx context.Context) (any, error) {
			return policy.Execute(ctx, s, inner)
		}
	}

	for _, p := range chain {
		p.OnStart(s)
	}

	attempt := 0
	for {
		result, err := call(ctx)
		if err == nil {
			for _, p := range chain {
				p.OnSuccess(s, result)
			}
			return result, nil
		}

		var decision *FailureDecision
		for _, p := range chain {
			if decision = p.OnFailure(s, err, attempt); decision != nil {
				break
			}
		}
		if decision == nil {
			return nil, err
		}
		switch decision.Action {
		case FailureRetry:
			if decision.Delay > 0 {
				select {
				case <-time.After(decision.Delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			attempt++
		case FailureSkip:
			s.wasSkipped = true
			return nil, nil
		default:
			return nil, err
		}
	}
}

// checkCondition evaluates the condition guarding the named dependency,
// if any, recording a condition_check event. A false result marks the
// step skipped.
func (s *Step) checkCondition(param string, value any, source *Step) bool {
	cond, ok := s.conditions[param]
	if !ok {
		return true
	}
	passed := cond(value, source)
	s.record(trace.Event{
		Event:      trace.EventConditionCheck,
		Dependency: param,
		Value:      value,
		Passed:     trace.Bool(passed),
	})
	if !passed {
		s.wasSkipped = true
	}
	return passed
}
