package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryPolicy_Decisions(t *testing.T) {
	p := NewRetryPolicy(3, 10*time.Millisecond)
	err := errors.New("transient")

	t.Run("retries while attempts remain", func(t *testing.T) {
		for attempt := 0; attempt < 2; attempt++ {
			d := p.OnFailure(nil, err, attempt)
			if d == nil || d.Action != FailureRetry {
				t.Fatalf("attempt %d: expected RETRY, got %+v", attempt, d)
			}
			if d.Delay != 10*time.Millisecond {
				t.Errorf("attempt %d: delay = %s, want 10ms", attempt, d.Delay)
			}
		}
	})

	t.Run("fails when budget is spent", func(t *testing.T) {
		d := p.OnFailure(nil, err, 2)
		if d == nil || d.Action != FailureFail {
			t.Errorf("expected FAIL at final attempt, got %+v", d)
		}
	})
}

func TestRetryPolicy_AbsorbsTransientFailures(t *testing.T) {
	var attempts int32
	flaky := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("flaky")
		}
		return "recovered", nil
	})
	flaky.AddPolicy(NewRetryPolicy(3, time.Millisecond))

	wf, err := NewWorkflow([]*Step{flaky})
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	result, err := wf.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "recovered" {
		t.Errorf("expected recovery after retries, got %v", result)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryPolicy_ExhaustionFailsStep(t *testing.T) {
	var attempts int32
	broken := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("permanent")
	})
	broken.AddPolicy(NewRetryPolicy(2, time.Millisecond))

	wf, err := NewWorkflow([]*Step{broken})
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	result, err := wf.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != nil {
		t.Errorf("exhausted retries should fail the run, got %v", result)
	}
	if wf.State() != StatusFailed {
		t.Errorf("workflow state = %s, want FAILED", wf.State())
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestTimeoutPolicy_Deadline(t *testing.T) {
	t.Run("fast call passes through", func(t *testing.T) {
		p := NewTimeoutPolicy(1)
		result, err := p.Execute(context.Background(), nil, func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		if err != nil || result != "ok" {
			t.Errorf("got (%v, %v), want (ok, nil)", result, err)
		}
	})

	t.Run("slow call times out", func(t *testing.T) {
		p := NewTimeoutPolicy(0.05)
		start := time.Now()
		_, err := p.Execute(context.Background(), nil, func(ctx context.Context) (any, error) {
			select {
			case <-time.After(time.Second):
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		if !errors.Is(err, ErrStepTimeout) {
			t.Fatalf("expected ErrStepTimeout, got %v", err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("timeout fired too late")
		}
	})

	t.Run("retry absorbs a timeout", func(t *testing.T) {
		var attempts int32
		slowOnce := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return "second try", nil
		})
		slowOnce.AddPolicy(NewRetryPolicy(2, 0))
		slowOnce.AddPolicy(NewTimeoutPolicy(0.05))

		wf, err := NewWorkflow([]*Step{slowOnce})
		if err != nil {
			t.Fatalf("NewWorkflow: %v", err)
		}
		result, err := wf.Run(context.Background(), nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result != "second try" {
			t.Errorf("expected retry to absorb the timeout, got %v", result)
		}
	})
}

func TestPolicyRegistry_RoundTrip(t *testing.T) {
	t.Run("retry from JSON-decoded config", func(t *testing.T) {
		// JSON decoding produces float64 for all numbers.
		p, err := PolicyFromConfig("retry", map[string]any{"max_retries": float64(4), "wait": float64(1.5)})
		if err != nil {
			t.Fatalf("PolicyFromConfig: %v", err)
		}
		rp, ok := p.(*RetryPolicy)
		if !ok {
			t.Fatalf("expected *RetryPolicy, got %T", p)
		}
		if rp.MaxRetries != 4 || rp.Wait != 1500*time.Millisecond {
			t.Errorf("got max_retries=%d wait=%s", rp.MaxRetries, rp.Wait)
		}
	})

	t.Run("timeout config round-trips", func(t *testing.T) {
		orig := NewTimeoutPolicy(2.5)
		cfg := orig.PolicyConfig()
		p, err := PolicyFromConfig(orig.PolicyName(), cfg)
		if err != nil {
			t.Fatalf("PolicyFromConfig: %v", err)
		}
		tp, ok := p.(*TimeoutPolicy)
		if !ok || tp.Seconds != 2.5 {
			t.Errorf("round-trip produced %+v", p)
		}
	})

	t.Run("unknown policy is an error", func(t *testing.T) {
		if _, err := PolicyFromConfig("nope", nil); err == nil {
			t.Error("expected error for unregistered policy")
		}
	})
}

func TestPolicyChain_Order(t *testing.T) {
	var order []string
	outer := &markerPolicy{name: "outer", order: &order}
	inner := &markerPolicy{name: "inner", order: &order}

	s := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		order = append(order, "fn")
		return nil, nil
	})
	s.AddPolicy(outer)
	s.AddPolicy(inner)

	wf, err := NewWorkflow([]*Step{s})
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	if _, err := wf.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"outer", "inner", "fn"}
	if len(order) != len(want) {
		t.Fatalf("call order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("call order = %v, want %v", order, want)
		}
	}
}

func TestPolicy_SkipDecision(t *testing.T) {
	skipper := &skipOnFailure{}
	s := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return nil, errors.New("nope")
	})
	s.AddPolicy(skipper)

	wf, err := NewWorkflow([]*Step{s})
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	if _, err := wf.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.State() != StatusSkipped {
		t.Errorf("SKIP decision should mark the step skipped, got %s", s.State())
	}
	if wf.State() != StatusSucceeded {
		t.Errorf("workflow should succeed past a skipped step, got %s", wf.State())
	}
}

// markerPolicy records when its Execute wrapper runs.
type markerPolicy struct {
	BasePolicy
	name  string
	order *[]string
}

func (m *markerPolicy) PolicyName() string { return m.name }

func (m *markerPolicy) PolicyConfig() map[string]any { return nil }
func (m *markerPolicy) Execute(ctx context.Context, step *Step, call Call) (any, error) {
	*m.order = append(*m.order, m.name)
	return call(ctx)
}

// skipOnFailure converts any failure into a skip.
type skipOnFailure struct {
	BasePolicy
}

func (skipOnFailure) PolicyName() string           { return "skip_on_failure" }
func (skipOnFailure) PolicyConfig() map[string]any { return nil }
func (skipOnFailure) OnFailure(*Step, error, int) *FailureDecision {
	return Skip()
}
