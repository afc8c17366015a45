// Package workflow provides the graph model and execution engine for
// Fuseline workflows.
//
// A Workflow is a directed acyclic graph of Steps connected by typed
// dependencies, OR-groups and action-labeled successor edges. Workflows
// run locally through Run, or distributed through a broker and workers
// sharing the serialized WorkflowSchema.
package workflow

import (
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/fuseline/fuseline/workflow/trace"
)

// Workflow is an executable step graph rooted at its declared outputs.
type Workflow struct {
	id      string
	version string

	outputs []*Step
	// order holds the closure in deterministic collection order; names
	// are assigned from it.
	order []*Step
	steps map[string]*Step
	names map[*Step]string
	roots []*Step

	policies []Policy
	tracer   trace.Tracer
	engine   ExecutionEngine
	store    RunStore

	// params are the workflow inputs consumed by plain parameters.
	// Dispatch inputs and worker payloads merge into this map.
	params map[string]any

	state Status
}

// Option configures a Workflow at construction.
type Option func(*Workflow)

// WithID fixes the workflow identifier instead of generating one.
func WithID(id string) Option {
	return func(w *Workflow) { w.id = id }
}

// WithVersion sets the schema version string. Default is "1".
func WithVersion(version string) Option {
	return func(w *Workflow) { w.version = version }
}

// WithTracer attaches a tracer receiving the run's event stream.
func WithTracer(t trace.Tracer) Option {
	return func(w *Workflow) { w.tracer = t }
}

// WithEngine selects the engine used to run ready batches locally.
// Default is a PoolEngine with one worker.
func WithEngine(e ExecutionEngine) Option {
	return func(w *Workflow) { w.engine = e }
}

// WithPolicy attaches a workflow-level policy. StepPolicies attached
// here wrap every step; WorkflowPolicies observe lifecycle events.
func WithPolicy(p Policy) Option {
	return func(w *Workflow) { w.policies = append(w.policies, p) }
}

// WithParams seeds the workflow inputs map.
func WithParams(params map[string]any) Option {
	return func(w *Workflow) {
		for k, v := range params {
			w.params[k] = v
		}
	}
}

// withNames fixes the step name assignment, used when rebuilding from
// a schema so names survive the round-trip.
func withNames(steps map[string]*Step) Option {
	return func(w *Workflow) {
		w.steps = make(map[string]*Step, len(steps))
		w.names = make(map[*Step]string, len(steps))
		for name, s := range steps {
			w.steps[name] = s
			w.names[s] = name
		}
	}
}

// NewWorkflow builds a workflow from its output steps. The full graph
// is collected by walking edges from the outputs; steps are assigned
// stable names and scheduling layers. A graph with a dependency cycle
// is refused.
func NewWorkflow(outputs []*Step, opts ...Option) (*Workflow, error) {
	if len(outputs) == 0 {
		return nil, &GraphError{Message: "workflow requires at least one output step", Code: "NO_OUTPUTS"}
	}

	w := &Workflow{
		outputs: outputs,
		version: "1",
		params:  make(map[string]any),
		state:   StatusPending,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.id == "" {
		w.id = uuid.NewString()
	}
	if w.engine == nil {
		w.engine = NewPoolEngine(1)
	}

	w.order = collectClosure(outputs)
	if w.steps == nil {
		w.steps = make(map[string]*Step, len(w.order))
		w.names = make(map[*Step]string, len(w.order))
		for i, s := range w.order {
			name := stepName(i)
			w.steps[name] = s
			w.names[s] = name
		}
	}

	for _, s := range w.order {
		if _, ok := w.names[s]; !ok {
			return nil, &GraphError{Message: "step reachable from outputs is missing a name", Code: "UNKNOWN_STEP"}
		}
		if len(s.predecessors) == 0 {
			w.roots = append(w.roots, s)
		}
	}

	if err := assignExecutionGroups(w.order); err != nil {
		return nil, err
	}
	return w, nil
}

// stepName formats the dense ordinal name for position i.
func stepName(i int) string {
	return "step" + strconv.Itoa(i)
}

// collectClosure walks predecessor and successor edges from the
// outputs and returns every reachable step in deterministic order.
// Successor actions are visited in sorted order so repeated builds of
// the same graph produce identical orderings.
func collectClosure(outputs []*Step) []*Step {
	seen := make(map[*Step]bool)
	var order []*Step

	var visit func(s *Step)
	visit = func(s *Step) {
		if seen[s] {
			return
		}
		seen[s] = true
		order = append(order, s)

		for _, p := range s.predecessors {
			visit(p)
		}
		actions := make([]string, 0, len(s.successors))
		for action := range s.successors {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		for _, action := range actions {
			for _, succ := range s.successors[action] {
				visit(succ)
			}
		}
	}
	for _, out := range outputs {
		visit(out)
	}
	return order
}

// assignExecutionGroups runs a Kahn-style longest-path pass over
// predecessor edges. Each step's group is the length of the longest
// predecessor chain from a root. A cycle leaves steps unprocessed and
// is reported as a construction error.
func assignExecutionGroups(order []*Step) error {
	indegree := make(map[*Step]int, len(order))
	inGraph := make(map[*Step]bool, len(order))
	for _, s := range order {
		inGraph[s] = true
	}
	for _, s := range order {
		for _, p := range s.predecessors {
			if inGraph[p] {
				indegree[s]++
			}
		}
	}

	var frontier []*Step
	for _, s := range order {
		s.executionGroup = 0
		if indegree[s] == 0 {
			frontier = append(frontier, s)
		}
	}

	processed := 0
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		processed++

		for _, succs := range s.successors {
			for _, succ := range succs {
				if !inGraph[succ] {
					continue
				}
				if g := s.executionGroup + 1; g > succ.executionGroup {
					succ.executionGroup = g
				}
				indegree[succ]--
				if indegree[succ] == 0 {
					frontier = append(frontier, succ)
				}
			}
		}
	}

	if processed != len(order) {
		return &GraphError{Message: "workflow graph contains a cycle", Code: "CYCLE"}
	}
	return nil
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string { return w.id }

// Version returns the schema version string.
func (w *Workflow) Version() string { return w.version }

// State returns the workflow state from the most recent local run.
func (w *Workflow) State() Status { return w.state }

// Steps returns the name to step mapping for the full graph.
func (w *Workflow) Steps() map[string]*Step { return w.steps }

// StepName returns the assigned name for s, or "" if s is not part of
// this workflow.
func (w *Workflow) StepName(s *Step) string { return w.names[s] }

// StepByName returns the step assigned the given name, or nil.
func (w *Workflow) StepByName(name string) *Step { return w.steps[name] }

// Outputs returns the declared output steps.
func (w *Workflow) Outputs() []*Step { return w.outputs }

// Params returns the workflow inputs map. Mutations before Run seed
// plain parameters.
func (w *Workflow) Params() map[string]any { return w.params }

// MergeParams overlays inputs onto the workflow inputs map.
func (w *Workflow) MergeParams(inputs map[string]any) {
	for k, v := range inputs {
		w.params[k] = v
	}
}

// Clone returns an independent copy of the workflow: fresh Step objects
// wired with the same functions, parameters, conditions, policies and
// edges, and a fresh params map. Step names and execution groups are
// preserved.
//
// Steps carry per-run state, so a Workflow must not be executed from
// two goroutines at once; concurrent executors each take a Clone.
func (w *Workflow) Clone() *Workflow {
	clones := make(map[*Step]*Step, len(w.order))
	for _, s := range w.order {
		clones[s] = &Step{
			label:          s.label,
			fn:             s.fn,
			plainNames:     append([]string(nil), s.plainNames...),
			deps:           make(map[string]*Step, len(s.deps)),
			orGroups:       make(map[string][]*Step, len(s.orGroups)),
			conditions:     make(map[string]Condition, len(s.conditions)),
			successors:     make(map[string][]*Step, len(s.successors)),
			orTriggered:    make(map[string]*Step),
			policies:       append([]Policy(nil), s.policies...),
			executionGroup: s.executionGroup,
			state:          StatusPending,
		}
	}
	for _, s := range w.order {
		c := clones[s]
		c.params = make([]ParamSpec, len(s.params))
		for i, spec := range s.params {
			if spec.producer != nil {
				spec.producer = clones[spec.producer]
			}
			if len(spec.group) > 0 {
				group := make([]*Step, len(spec.group))
				for j, m := range spec.group {
					group[j] = clones[m]
				}
				spec.group = group
			}
			c.params[i] = spec
		}
		for name, dep := range s.deps {
			c.deps[name] = clones[dep]
		}
		for param, group := range s.orGroups {
			cloned := make([]*Step, len(group))
			for i, m := range group {
				cloned[i] = clones[m]
			}
			c.orGroups[param] = cloned
		}
		for param, cond := range s.conditions {
			c.conditions[param] = cond
		}
		for action, succs := range s.successors {
			cloned := make([]*Step, len(succs))
			for i, succ := range succs {
				cloned[i] = clones[succ]
			}
			c.successors[action] = cloned
		}
		c.predecessors = make([]*Step, len(s.predecessors))
		for i, p := range s.predecessors {
			c.predecessors[i] = clones[p]
		}
	}

	clone := &Workflow{
		id:       w.id,
		version:  w.version,
		policies: append([]Policy(nil), w.policies...),
		tracer:   w.tracer,
		engine:   w.engine,
		store:    w.store,
		params:   make(map[string]any, len(w.params)),
		state:    StatusPending,
	}
	for k, v := range w.params {
		clone.params[k] = v
	}
	clone.order = make([]*Step, len(w.order))
	clone.steps = make(map[string]*Step, len(w.order))
	clone.names = make(map[*Step]string, len(w.order))
	for i, s := range w.order {
		c := clones[s]
		clone.order[i] = c
		clone.steps[w.names[s]] = c
		clone.names[c] = w.names[s]
	}
	clone.outputs = make([]*Step, len(w.outputs))
	for i, out := range w.outputs {
		clone.outputs[i] = clones[out]
	}
	clone.roots = make([]*Step, len(w.roots))
	for i, r := range w.roots {
		clone.roots[i] = clones[r]
	}
	return clone
}

// ToSchema derives the serializable wire form of the graph.
func (w *Workflow) ToSchema() *WorkflowSchema {
	schema := &WorkflowSchema{
		WorkflowID: w.id,
		Version:    w.version,
		Steps:      make(map[string]StepSchema, len(w.order)),
		Policies:   policyConfigs(w.policies),
	}
	for _, out := range w.outputs {
		schema.Outputs = append(schema.Outputs, w.names[out])
	}
	for _, s := range w.order {
		ss := StepSchema{
			Name:       w.names[s],
			Successors: make(map[string][]string),
			OrGroups:   make(map[string][]string),
			Policies:   policyConfigs(s.policies),
		}
		// Successor lists keep declaration order: the broker enqueues
		// fan-out successors in the order they were attached.
		for action, succs := range s.successors {
			for _, succ := range succs {
				ss.Successors[action] = append(ss.Successors[action], w.names[succ])
			}
		}
		for _, p := range s.predecessors {
			ss.Predecessors = append(ss.Predecessors, w.names[p])
		}
		sort.Strings(ss.Predecessors)
		for param, group := range s.orGroups {
			for _, member := range group {
				ss.OrGroups[param] = append(ss.OrGroups[param], w.names[member])
			}
			sort.Strings(ss.OrGroups[param])
		}
		schema.Steps[ss.Name] = ss
	}
	return schema
}

// policyConfigs serializes a policy list to its wire form.
func policyConfigs(policies []Policy) []PolicyConfig {
	if len(policies) == 0 {
		return nil
	}
	out := make([]PolicyConfig, 0, len(policies))
	for _, p := range policies {
		out = append(out, PolicyConfig{Name: p.PolicyName(), Config: p.PolicyConfig()})
	}
	return out
}
