package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fuseline/fuseline/workflow/trace"
)

func TestWorkflow_OrJoinFirstCompleter(t *testing.T) {
	fast := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "fast", nil
	}).SetLabel("Fast")
	slow := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		time.Sleep(120 * time.Millisecond)
		return "slow", nil
	}).SetLabel("Slow")

	var executions int32
	var payload any
	race := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		atomic.AddInt32(&executions, 1)
		payload = in["winner"]
		return in["winner"], nil
	}, OrDep("winner", fast, slow)).SetLabel("RaceWinner")

	wf, err := NewWorkflow([]*Step{race}, WithEngine(NewPoolEngine(2)))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	result, err := wf.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Fatalf("OR-join ran %d times, want exactly once", n)
	}
	if result != "fast" || payload != "fast" {
		t.Errorf("expected payload from first completer, got result=%v payload=%v", result, payload)
	}
	if race.OrTriggered("winner") != fast {
		t.Errorf("or_triggered = %v, want the fast producer", race.OrTriggered("winner"))
	}
}

func TestWorkflow_OrGroupOfOne(t *testing.T) {
	producer := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return 42, nil
	})
	consumer := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return in["v"], nil
	}, OrDep("v", producer))

	wf, err := NewWorkflow([]*Step{consumer})
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	result, err := wf.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != 42 {
		t.Errorf("single-member OR-group should behave like a plain dependency, got %v", result)
	}
	if consumer.OrTriggered("v") != producer {
		t.Error("or_triggered not recorded for size-1 group")
	}
}

func TestWorkflow_ConditionSkip(t *testing.T) {
	source := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return 3, nil
	}).SetLabel("Source")

	var gatedRan bool
	gated := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		gatedRan = true
		return "ran", nil
	}, Dep("n", source).When(func(v any, _ *Step) bool {
		n, _ := v.(int)
		return n > 10
	})).SetLabel("Gated")

	var afterInput any
	after := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		afterInput = in["g"]
		return "after", nil
	}, Dep("g", gated)).SetLabel("After")

	tracer := &collectTracer{}
	wf, err := NewWorkflow([]*Step{after}, WithTracer(tracer))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	result, err := wf.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gatedRan {
		t.Error("gated function ran despite failing condition")
	}
	if gated.State() != StatusSkipped || !gated.Skipped() {
		t.Errorf("expected SKIPPED, got %s", gated.State())
	}
	if result != "after" {
		t.Errorf("skip should propagate along default, got %v", result)
	}
	if afterInput != nil {
		t.Errorf("skipped step's result should be nil, got %v", afterInput)
	}

	checks := tracer.byName(trace.EventConditionCheck)
	if len(checks) != 1 {
		t.Fatalf("expected 1 condition_check event, got %d", len(checks))
	}
	if checks[0].Passed == nil || *checks[0].Passed {
		t.Error("condition_check should record passed=false")
	}
	for _, ev := range tracer.byName(trace.EventStepFinished) {
		if ev.Step == "Gated" && (ev.Skipped == nil || !*ev.Skipped) {
			t.Error("step_finished for skipped step should carry skipped=true")
		}
	}
}

func TestWorkflow_ConditionPasses(t *testing.T) {
	source := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return 42, nil
	})
	gated := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return in["n"], nil
	}, Dep("n", source).When(func(v any, _ *Step) bool {
		n, _ := v.(int)
		return n > 10
	}))

	wf, err := NewWorkflow([]*Step{gated})
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	result, err := wf.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != 42 || gated.Skipped() {
		t.Errorf("passing condition should run the step, got %v skipped=%v", result, gated.Skipped())
	}
}

func TestWorkflow_RunStoreMirroring(t *testing.T) {
	rec := &recordingStore{}
	a := NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "a", nil
	})
	wf, err := NewWorkflow([]*Step{a}, WithStore(rec))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	if _, err := wf.Run(context.Background(), map[string]any{"k": "v"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !rec.created {
		t.Error("CreateRun was not mirrored")
	}
	if rec.inputs["k"] != "v" {
		t.Error("SetInputs was not mirrored")
	}
	want := []Status{StatusRunning, StatusSucceeded}
	if len(rec.states) != len(want) {
		t.Fatalf("mirrored states = %v, want %v", rec.states, want)
	}
	for i, s := range want {
		if rec.states[i] != s {
			t.Errorf("state %d = %s, want %s", i, rec.states[i], s)
		}
	}
	if !rec.finalized {
		t.Error("FinalizeRun was not mirrored")
	}
}

// recordingStore captures mirrored transitions for assertions.
type recordingStore struct {
	created   bool
	finalized bool
	inputs    map[string]any
	states    []Status
	results   []any
}

func (r *recordingStore) CreateRun(_ context.Context, _, _ string, _ []string) error {
	r.created = true
	return nil
}

func (r *recordingStore) SetInputs(_ context.Context, _, _ string, inputs map[string]any) error {
	r.inputs = inputs
	return nil
}

func (r *recordingStore) SetState(_ context.Context, _, _, _ string, state Status) error {
	r.states = append(r.states, state)
	return nil
}

func (r *recordingStore) SetResult(_ context.Context, _, _, _ string, result any) error {
	r.results = append(r.results, result)
	return nil
}

func (r *recordingStore) FinalizeRun(_ context.Context, _, _ string) error {
	r.finalized = true
	return nil
}
