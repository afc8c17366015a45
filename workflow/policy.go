package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call is a step invocation being wrapped by a policy chain. The
// innermost call runs the user function; each StepPolicy may surround
// it with extra behavior (deadlines, instrumentation, caching).
type Call func(ctx context.Context) (any, error)

// FailureAction selects what the engine does after a failed attempt.
type FailureAction string

const (
	// FailureRetry re-runs the step after the decision's delay.
	FailureRetry FailureAction = "retry"
	// FailureFail propagates the error and fails the step.
	FailureFail FailureAction = "fail"
	// FailureSkip marks the step skipped; successors still run.
	FailureSkip FailureAction = "skip"
)

// FailureDecision is a policy's verdict after a failed attempt. A nil
// decision defers to the next policy in the chain; if every policy
// defers, the step fails.
type FailureDecision struct {
	Action FailureAction
	Delay  time.Duration
}

// Retry builds a decision to re-run the step after delay.
func Retry(delay time.Duration) *FailureDecision {
	return &FailureDecision{Action: FailureRetry, Delay: delay}
}

// Fail builds a decision to fail the step immediately.
func Fail() *FailureDecision {
	return &FailureDecision{Action: FailureFail}
}

// Skip builds a decision to mark the step skipped and move on.
func Skip() *FailureDecision {
	return &FailureDecision{Action: FailureSkip}
}

// Policy is a named, serializable hook bundle. Policies attach to
// individual steps or to a whole workflow, and round-trip through
// schemas as {name, config} pairs via the package registry.
type Policy interface {
	// PolicyName returns the registered name used in serialized form.
	PolicyName() string
	// PolicyConfig returns the serializable configuration map.
	PolicyConfig() map[string]any
}

// StepPolicy wraps a step invocation. Policies compose by nesting:
// with policies [P1, P2] attached, the engine runs
// P1.Execute(step, P2.Execute(step, inner)).
type StepPolicy interface {
	Policy

	// Execute runs the wrapped call, optionally surrounding it.
	Execute(ctx context.Context, step *Step, call Call) (any, error)

	// OnStart fires before the first attempt of a step.
	OnStart(step *Step)
	// OnSuccess fires after a successful attempt with its result.
	OnSuccess(step *Step, result any)
	// OnFailure is consulted after each failed attempt. attempt is
	// zero-based. Returning nil defers to the next policy.
	OnFailure(step *Step, err error, attempt int) *FailureDecision
}

// WorkflowPolicy observes workflow lifecycle events without wrapping
// step execution.
type WorkflowPolicy interface {
	Policy

	OnWorkflowStart(wf *Workflow)
	OnWorkflowEnd(wf *Workflow)
	OnStepStart(step *Step)
	OnStepEnd(step *Step)
}

// BasePolicy provides no-op hook implementations so policies override
// only what they need.
type BasePolicy struct{}

func (BasePolicy) Execute(ctx context.Context, step *Step, call Call) (any, error) {
	return call(ctx)
}
func (BasePolicy) OnStart(*Step) {}

func (BasePolicy) OnSuccess(*Step, any) {}

func (BasePolicy) OnFailure(*Step, error, int) *FailureDecision { return nil }

func (BasePolicy) OnWorkflowStart(*Workflow) {}

func (BasePolicy) OnWorkflowEnd(*Workflow) {}

func (BasePolicy) OnStepStart(*Step) {}

func (BasePolicy) OnStepEnd(*Step) {}

// PolicyFactory builds a policy from its serialized configuration.
type PolicyFactory func(config map[string]any) (Policy, error)

var (
	policyMu       sync.RWMutex
	policyRegistry = make(map[string]PolicyFactory)
)

// RegisterPolicy makes a policy constructible by name from serialized
// schemas. Built-in policies register themselves at init; custom
// policies must be registered in every process that deserializes
// schemas referencing them.
func RegisterPolicy(name string, factory PolicyFactory) {
	policyMu.Lock()
	defer policyMu.Unlock()
	policyRegistry[name] = factory
}

// PolicyFromConfig reconstructs a registered policy from its wire form.
func PolicyFromConfig(name string, config map[string]any) (Policy, error) {
	policyMu.RLock()
	factory, ok := policyRegistry[name]
	policyMu.RUnlock()
	if !ok {
		return nil, &GraphError{
			Message: fmt.Sprintf("unknown policy %q", name),
			Code:    "UNKNOWN_POLICY",
		}
	}
	return factory(config)
}

// configFloat reads a numeric config value. JSON decoding yields
// float64 for all numbers, YAML may yield int, so both are accepted.
func configFloat(config map[string]any, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func init() {
	RegisterPolicy("retry", func(config map[string]any) (Policy, error) {
		return &RetryPolicy{
			MaxRetries: int(configFloat(config, "max_retries", 1)),
			Wait:       time.Duration(configFloat(config, "wait", 0) * float64(time.Second)),
		}, nil
	})
	RegisterPolicy("timeout", func(config map[string]any) (Policy, error) {
		return &TimeoutPolicy{
			Seconds: configFloat(config, "seconds", 0),
		}, nil
	})
}

// RetryPolicy re-runs a failed step up to MaxRetries total attempts,
// waiting Wait between attempts.
type RetryPolicy struct {
	BasePolicy

	// MaxRetries is the total attempt budget, including the first
	// attempt. A value of 1 means no retries.
	MaxRetries int
	// Wait is the fixed delay between attempts.
	Wait time.Duration
}

// NewRetryPolicy creates a retry policy with maxRetries total attempts
// and wait between them.
func NewRetryPolicy(maxRetries int, wait time.Duration) *RetryPolicy {
	return &RetryPolicy{MaxRetries: maxRetries, Wait: wait}
}

func (p *RetryPolicy) PolicyName() string { return "retry" }

func (p *RetryPolicy) PolicyConfig() map[string]any {
	return map[string]any{
		"max_retries": p.MaxRetries,
		"wait":        p.Wait.Seconds(),
	}
}

// OnFailure grants a retry while attempts remain, then fails.
func (p *RetryPolicy) OnFailure(step *Step, err error, attempt int) *FailureDecision {
	if attempt < p.MaxRetries-1 {
		return Retry(p.Wait)
	}
	return Fail()
}

// TimeoutPolicy enforces a hard per-attempt deadline. On deadline the
// attempt fails with ErrStepTimeout, which an outer RetryPolicy may
// absorb.
//
// The deadline is inner-only: it bounds one attempt of the user
// function, not the surrounding retry loop or the broker lease.
type TimeoutPolicy struct {
	BasePolicy

	// Seconds is the per-attempt deadline.
	Seconds float64
}

// NewTimeoutPolicy creates a timeout policy with a deadline of seconds
// per attempt.
func NewTimeoutPolicy(seconds float64) *TimeoutPolicy {
	return &TimeoutPolicy{Seconds: seconds}
}

func (p *TimeoutPolicy) PolicyName() string { return "timeout" }

func (p *TimeoutPolicy) PolicyConfig() map[string]any {
	return map[string]any{"seconds": p.Seconds}
}

// Execute runs call under the deadline. The inner call keeps running in
// its goroutine after a timeout fires (its context is cancelled so
// well-behaved functions return promptly); its eventual result is
// discarded.
func (p *TimeoutPolicy) Execute(ctx context.Context, step *Step, call Call) (any, error) {
	if p.Seconds <= 0 {
		return call(ctx)
	}

	timeout := time.Duration(p.Seconds * float64(time.Second))
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := call(attemptCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
	}
}
