package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PolicyConfig is the serialized form of a policy: its registered name
// plus the configuration map its factory accepts.
type PolicyConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Config map[string]any `json:"config" yaml:"config"`
}

// StepSchema is the wire form of one step: pure structure, no code.
type StepSchema struct {
	Name         string              `json:"name" yaml:"name"`
	Successors   map[string][]string `json:"successors" yaml:"successors"`
	Predecessors []string            `json:"predecessors" yaml:"predecessors"`
	OrGroups     map[string][]string `json:"or_groups" yaml:"or_groups"`
	Policies     []PolicyConfig      `json:"policies" yaml:"policies"`
}

// WorkflowSchema is the serializable description of a workflow graph.
// It carries structure and policy configuration only; workers must
// independently hold the step implementations and match them by name.
type WorkflowSchema struct {
	WorkflowID string                `json:"workflow_id" yaml:"workflow_id"`
	Version    string                `json:"version" yaml:"version"`
	Steps      map[string]StepSchema `json:"steps" yaml:"steps"`
	Outputs    []string              `json:"outputs" yaml:"outputs"`
	Policies   []PolicyConfig        `json:"policies" yaml:"policies"`
}

// Equal reports whether two schemas describe the same graph. The
// comparison runs over the canonical JSON encoding so that numeric
// config values survive a decode round-trip (JSON turns ints into
// float64) without breaking equality.
func (s *WorkflowSchema) Equal(other *WorkflowSchema) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, errA := json.Marshal(canonicalize(s))
	b, errB := json.Marshal(canonicalize(other))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// canonicalize round-trips v through JSON so both sides of a
// comparison use identical scalar types.
func canonicalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// StepNames returns the schema's step names. Order is unspecified.
func (s *WorkflowSchema) StepNames() []string {
	names := make([]string, 0, len(s.Steps))
	for name := range s.Steps {
		names = append(names, name)
	}
	return names
}

// Build reconstructs an executable Workflow from the schema and a
// registry of step functions indexed by schema name. The rebuilt graph
// has the same step set, predecessor/successor edges, OR-groups and
// policies as the original; conditions are not serialized and must be
// reattached by the caller if needed.
func (s *WorkflowSchema) Build(impls map[string]StepFunc) (*Workflow, error) {
	steps := make(map[string]*Step, len(s.Steps))
	for name := range s.Steps {
		fn, ok := impls[name]
		if !ok {
			return nil, &GraphError{
				Message: fmt.Sprintf("no implementation for step %q", name),
				Code:    "UNKNOWN_STEP",
			}
		}
		steps[name] = NewStep(fn).SetLabel(name)
	}

	for name, ss := range s.Steps {
		step := steps[name]
		for action, succNames := range ss.Successors {
			for _, succName := range succNames {
				succ, ok := steps[succName]
				if !ok {
					return nil, &GraphError{
						Message: fmt.Sprintf("step %q names unknown successor %q", name, succName),
						Code:    "UNKNOWN_STEP",
					}
				}
				step.Next(succ, action)
			}
		}
		for param, members := range ss.OrGroups {
			group := make([]*Step, 0, len(members))
			for _, memberName := range members {
				member, ok := steps[memberName]
				if !ok {
					return nil, &GraphError{
						Message: fmt.Sprintf("step %q OR-group %q names unknown step %q", name, param, memberName),
						Code:    "UNKNOWN_STEP",
					}
				}
				group = append(group, member)
			}
			step.orGroups[param] = group
			step.params = append(step.params, ParamSpec{name: param, group: group})
		}
		for _, pc := range ss.Policies {
			p, err := PolicyFromConfig(pc.Name, pc.Config)
			if err != nil {
				return nil, err
			}
			step.AddPolicy(p)
		}
	}

	outputs := make([]*Step, 0, len(s.Outputs))
	for _, name := range s.Outputs {
		out, ok := steps[name]
		if !ok {
			return nil, &GraphError{
				Message: fmt.Sprintf("unknown output step %q", name),
				Code:    "UNKNOWN_STEP",
			}
		}
		outputs = append(outputs, out)
	}

	opts := []Option{WithID(s.WorkflowID), WithVersion(s.Version), withNames(steps)}
	for _, pc := range s.Policies {
		p, err := PolicyFromConfig(pc.Name, pc.Config)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithPolicy(p))
	}
	return NewWorkflow(outputs, opts...)
}
