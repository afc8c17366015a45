package workflow

import (
	"context"

	"github.com/fuseline/fuseline/workflow/trace"
)

// StepFunc is the body of a step. It receives the resolved parameter map
// (typed dependencies plus declared plain inputs) and returns the step's
// result. A string result selects the successor branch with the matching
// action label; any other result propagates along "default".
type StepFunc func(ctx context.Context, in map[string]any) (any, error)

// Condition gates a typed dependency. It is evaluated against the value
// produced by the dependency's source; for OR-groups, source is the
// triggering member. A false return skips the step (state SKIPPED, nil
// result) without invoking its function.
type Condition func(value any, source *Step) bool

// ParamSpec declares one parameter of a step's function.
//
// Three kinds exist:
//   - Plain(name): consumed from the workflow inputs map.
//   - Dep(name, producer): the value produced by a single predecessor.
//   - OrDep(name, producers...): satisfied by the first producer to finish.
type ParamSpec struct {
	name     string
	producer *Step
	group    []*Step
	cond     Condition
}

// Plain declares a parameter filled from the workflow's inputs.
func Plain(name string) ParamSpec {
	return ParamSpec{name: name}
}

// Dep declares a typed dependency on a single producer step.
func Dep(name string, producer *Step) ParamSpec {
	return ParamSpec{name: name, producer: producer}
}

// OrDep declares an OR-group dependency: any one of the producers
// satisfies the parameter. The first producer to finish triggers the
// group and supplies the value.
func OrDep(name string, producers ...*Step) ParamSpec {
	return ParamSpec{name: name, group: producers}
}

// When attaches a condition to the dependency. It has no effect on
// Plain parameters.
func (p ParamSpec) When(cond Condition) ParamSpec {
	p.cond = cond
	return p
}

// Step is the unit of work in a Workflow.
//
// Steps are constructed once per process and shared between the schema
// derivation, the local executor and the worker. Runtime state (state,
// wasSkipped, orTriggered) is reset per run by the executor.
type Step struct {
	label string
	fn    StepFunc

	// declared parameters in declaration order
	params     []ParamSpec
	plainNames []string

	// typed dependency views derived from params
	deps       map[string]*Step
	orGroups   map[string][]*Step
	conditions map[string]Condition

	successors   map[string][]*Step
	predecessors []*Step

	policies []Policy

	// executionGroup is the longest predecessor-edge path from a root,
	// assigned at workflow construction. The local executor uses it to
	// order ready batches.
	executionGroup int

	state       Status
	wasSkipped  bool
	orTriggered map[string]*Step

	tracer trace.Tracer
}

// NewStep creates a step around fn with the given parameter specs.
// Declaring Dep or OrDep specs wires the producer steps as predecessors
// of the new step on the "default" action.
func NewStep(fn StepFunc, specs ...ParamSpec) *Step {
	s := &Step{
		label:       "Step",
		fn:          fn,
		params:      specs,
		deps:        make(map[string]*Step),
		orGroups:    make(map[string][]*Step),
		conditions:  make(map[string]Condition),
		successors:  make(map[string][]*Step),
		orTriggered: make(map[string]*Step),
		state:       StatusPending,
	}
	for _, spec := range specs {
		switch {
		case len(spec.group) > 0:
			s.orGroups[spec.name] = spec.group
			for _, producer := range spec.group {
				producer.Next(s, DefaultAction)
			}
		case spec.producer != nil:
			s.deps[spec.name] = spec.producer
			spec.producer.Next(s, DefaultAction)
		default:
			s.plainNames = append(s.plainNames, spec.name)
		}
		if spec.cond != nil && (spec.producer != nil || len(spec.group) > 0) {
			s.conditions[spec.name] = spec.cond
		}
	}
	return s
}

// DefaultAction is the successor branch taken when a step's result is
// not a string matching another action label.
const DefaultAction = "default"

// Next adds succ as a successor of s under the given action label and
// records s as a predecessor of succ. It returns succ so calls chain.
func (s *Step) Next(succ *Step, action string) *Step {
	if action == "" {
		action = DefaultAction
	}
	s.successors[action] = append(s.successors[action], succ)
	for _, p := range succ.predecessors {
		if p == s {
			return succ
		}
	}
	succ.predecessors = append(succ.predecessors, s)
	return succ
}

// Then is shorthand for Next with the default action.
func (s *Step) Then(succ *Step) *Step {
	return s.Next(succ, DefaultAction)
}

// AddPolicy attaches a policy to this step. Step policies wrap the
// step's execution in attachment order.
func (s *Step) AddPolicy(p Policy) *Step {
	s.policies = append(s.policies, p)
	return s
}

// SetLabel sets the label recorded in trace events for this step.
func (s *Step) SetLabel(label string) *Step {
	s.label = label
	return s
}

// Reset clears the step's per-run state. The local executor resets
// every step before a run; workers reset a step before each leased
// execution.
func (s *Step) Reset() {
	s.state = StatusPending
	s.wasSkipped = false
	s.orTriggered = make(map[string]*Step)
}

// Label returns the step's trace label.
func (s *Step) Label() string { return s.label }

// State returns the step's runtime state for the most recent local run.
func (s *Step) State() Status { return s.state }

// Skipped reports whether the most recent execution was skipped by a
// dependency condition.
func (s *Step) Skipped() bool { return s.wasSkipped }

// ExecutionGroup returns the step's scheduling layer.
func (s *Step) ExecutionGroup() int { return s.executionGroup }

// OrTriggered returns the group member that satisfied the named
// OR-group in the most recent run, or nil.
func (s *Step) OrTriggered(param string) *Step {
	return s.orTriggered[param]
}

// stepPolicies filters the StepPolicy subset of a policy list.
func stepPolicies(policies []Policy) []StepPolicy {
	var out []StepPolicy
	for _, p := range policies {
		if sp, ok := p.(StepPolicy); ok {
			out = append(out, sp)
		}
	}
	return out
}

// workflowPolicies filters the WorkflowPolicy subset of a policy list.
func workflowPolicies(policies []Policy) []WorkflowPolicy {
	var out []WorkflowPolicy
	for _, p := range policies {
		if wp, ok := p.(WorkflowPolicy); ok {
			out = append(out, wp)
		}
	}
	return out
}

// record emits a trace event for this step if a tracer is bound.
func (s *Step) record(ev trace.Event) {
	if s.tracer == nil {
		return
	}
	ev.Step = s.label
	s.tracer.Record(ev)
}
