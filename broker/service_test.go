package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fuseline/fuseline/broker/storage"
	"github.com/fuseline/fuseline/workflow"
)

// testClock is a settable time source.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *storage.MemoryStorage, *testClock) {
	t.Helper()
	store := storage.NewMemoryStorage()
	clock := newTestClock()
	opts = append([]ServiceOption{withClock(clock.Now)}, opts...)
	return NewService(store, opts...), store, clock
}

// chainSchema builds First -> Second and returns the schema plus the
// assigned step names.
func chainSchema(t *testing.T) (*workflow.WorkflowSchema, string, string) {
	t.Helper()
	a := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "a", nil
	}).SetLabel("First")
	b := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "b", nil
	}, workflow.Dep("a", a)).SetLabel("Second")

	wf, err := workflow.NewWorkflow([]*workflow.Step{b}, workflow.WithID("chain"))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	return wf.ToSchema(), wf.StepName(a), wf.StepName(b)
}

func TestService_LeaseLifecycle(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	schema, first, second := chainSchema(t)

	workerID, err := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if workerID != "1" {
		t.Errorf("worker id = %q, want monotonic id 1", workerID)
	}

	instanceID, err := svc.DispatchWorkflow(ctx, schema, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}

	a, err := svc.GetStep(ctx, workerID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if a == nil || a.StepName != first {
		t.Fatalf("expected lease on root step %s, got %+v", first, a)
	}
	if a.Payload.WorkflowInputs["x"] != 1 {
		t.Errorf("payload inputs = %v", a.Payload.WorkflowInputs)
	}
	if got := a.ExpiresAt.Sub(a.AssignedAt); got != DefaultLeaseTTL {
		t.Errorf("lease TTL = %s, want %s", got, DefaultLeaseTTL)
	}
	if state, _ := store.GetState(ctx, "chain", instanceID, first); state != workflow.StatusRunning {
		t.Errorf("leased step state = %s, want RUNNING", state)
	}

	// At most one concurrent assignment per step.
	if extra, _ := svc.GetStep(ctx, workerID); extra != nil {
		t.Errorf("second poll leased %+v while first lease is live", extra)
	}

	err = svc.ReportStep(ctx, workerID, StepReport{
		WorkflowID: "chain", InstanceID: instanceID, StepName: first,
		State: workflow.StatusSucceeded, Result: "a",
	})
	if err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	b, err := svc.GetStep(ctx, workerID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if b == nil || b.StepName != second {
		t.Fatalf("expected successor lease %s, got %+v", second, b)
	}
	if b.Payload.Results[first] != "a" {
		t.Errorf("successor payload missing predecessor result: %v", b.Payload.Results)
	}

	err = svc.ReportStep(ctx, workerID, StepReport{
		WorkflowID: "chain", InstanceID: instanceID, StepName: second,
		State: workflow.StatusSucceeded, Result: "b",
	})
	if err != nil {
		t.Fatalf("ReportStep: %v", err)
	}
	if !store.Finalized("chain", instanceID) {
		t.Error("run was not finalized after the last step")
	}

	// The drained instance yields no more work.
	clock.Advance(time.Second)
	if extra, _ := svc.GetStep(ctx, workerID); extra != nil {
		t.Errorf("finalized instance still leases steps: %+v", extra)
	}
}

func TestService_IdempotentReportAndEnqueue(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	schema, first, second := chainSchema(t)

	workerID, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	instanceID, _ := svc.DispatchWorkflow(ctx, schema, nil)

	a, _ := svc.GetStep(ctx, workerID)
	if a == nil {
		t.Fatal("no lease")
	}
	report := StepReport{
		WorkflowID: "chain", InstanceID: instanceID, StepName: first,
		State: workflow.StatusSucceeded, Result: "a",
	}
	if err := svc.ReportStep(ctx, workerID, report); err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	// Re-reporting after the lease cleared is a silent no-op: the
	// successor is not queued twice.
	if err := svc.ReportStep(ctx, workerID, report); err != nil {
		t.Fatalf("duplicate ReportStep: %v", err)
	}
	if n, _ := store.QueueLength(ctx, "chain", instanceID); n != 1 {
		t.Errorf("queue length = %d after duplicate report, want 1", n)
	}

	// A report from a worker that never held the lease is ignored.
	b, _ := svc.GetStep(ctx, workerID)
	if b == nil || b.StepName != second {
		t.Fatalf("expected lease on %s", second)
	}
	otherWorker, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	err := svc.ReportStep(ctx, otherWorker, StepReport{
		WorkflowID: "chain", InstanceID: instanceID, StepName: second,
		State: workflow.StatusFailed,
	})
	if err != nil {
		t.Fatalf("foreign ReportStep: %v", err)
	}
	if state, _ := store.GetState(ctx, "chain", instanceID, second); state != workflow.StatusRunning {
		t.Errorf("non-leaseholder report mutated state to %s", state)
	}
}

func TestService_LeaseExpiryReclaim(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	schema, first, _ := chainSchema(t)

	w1, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	instanceID, _ := svc.DispatchWorkflow(ctx, schema, nil)

	a1, _ := svc.GetStep(ctx, w1)
	if a1 == nil || a1.StepName != first {
		t.Fatal("no initial lease")
	}

	// Worker 1 goes silent past both its liveness TTL and the lease.
	clock.Advance(DefaultLeaseTTL + time.Second)
	w2, err := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	a2, err := svc.GetStep(ctx, w2)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if a2 == nil || a2.StepName != first {
		t.Fatalf("expired lease was not reclaimed: %+v", a2)
	}

	// The original holder's late report is discarded.
	if err := svc.ReportStep(ctx, w1, StepReport{
		WorkflowID: "chain", InstanceID: instanceID, StepName: first,
		State: workflow.StatusSucceeded, Result: "stale",
	}); err != nil {
		t.Fatalf("late ReportStep: %v", err)
	}
	if state, _ := store.GetState(ctx, "chain", instanceID, first); state != workflow.StatusRunning {
		t.Errorf("late report mutated state to %s", state)
	}
	if result, _ := store.GetResult(ctx, "chain", instanceID, first); result != nil {
		t.Errorf("late report stored result %v", result)
	}
}

func TestService_FailureCancelsRun(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	schema, first, second := chainSchema(t)

	workerID, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	instanceID, _ := svc.DispatchWorkflow(ctx, schema, nil)

	if a, _ := svc.GetStep(ctx, workerID); a == nil {
		t.Fatal("no lease")
	}
	err := svc.ReportStep(ctx, workerID, StepReport{
		WorkflowID: "chain", InstanceID: instanceID, StepName: first,
		State: workflow.StatusFailed,
	})
	if err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	if state, _ := store.GetState(ctx, "chain", instanceID, second); state != workflow.StatusCancelled {
		t.Errorf("pending step state = %s, want CANCELLED", state)
	}
	if !store.Finalized("chain", instanceID) {
		t.Error("failed run was not finalized")
	}
	if a, _ := svc.GetStep(ctx, workerID); a != nil {
		t.Errorf("cancelled instance leased %+v", a)
	}
}

func TestService_WorkerTTLPruning(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	schema, _, _ := chainSchema(t)

	workerID, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	if _, err := svc.DispatchWorkflow(ctx, schema, nil); err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}

	t.Run("keep-alive preserves the worker", func(t *testing.T) {
		clock.Advance(DefaultWorkerTTL - time.Second)
		if err := svc.KeepAlive(ctx, workerID); err != nil {
			t.Fatalf("KeepAlive: %v", err)
		}
		workers, _ := svc.ListWorkers(ctx)
		if len(workers) != 1 {
			t.Fatalf("worker pruned despite keep-alive")
		}
	})

	t.Run("silence past TTL prunes", func(t *testing.T) {
		clock.Advance(DefaultWorkerTTL + time.Second)
		workers, _ := svc.ListWorkers(ctx)
		if len(workers) != 0 {
			t.Fatalf("expected pruning, still %d workers", len(workers))
		}
		// A pruned worker polling again is unknown: silent no-op.
		if a, _ := svc.GetStep(ctx, workerID); a != nil {
			t.Errorf("pruned worker received lease %+v", a)
		}
	})
}

func TestService_SchemaMismatchRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	schema, first, _ := chainSchema(t)

	if _, err := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema}); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	// Same (workflow_id, version), different structure.
	other, _, _ := chainSchema(t)
	step := other.Steps[first]
	step.Predecessors = append(step.Predecessors, "ghost")
	other.Steps[first] = step

	if _, err := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{other}); !errors.Is(err, workflow.ErrSchemaMismatch) {
		t.Errorf("register: expected ErrSchemaMismatch, got %v", err)
	}
	if _, err := svc.DispatchWorkflow(ctx, other, nil); !errors.Is(err, workflow.ErrSchemaMismatch) {
		t.Errorf("dispatch: expected ErrSchemaMismatch, got %v", err)
	}
}

func TestService_ActionRouting(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	router := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "left", nil
	}).SetLabel("Router")
	left := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "L", nil
	}).SetLabel("Left")
	right := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "R", nil
	}).SetLabel("Right")
	router.Next(left, "left")
	router.Next(right, "right")

	wf, err := workflow.NewWorkflow([]*workflow.Step{left, right}, workflow.WithID("routed"))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	schema := wf.ToSchema()

	workerID, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	instanceID, _ := svc.DispatchWorkflow(ctx, schema, nil)

	a, _ := svc.GetStep(ctx, workerID)
	if a == nil || a.StepName != wf.StepName(router) {
		t.Fatalf("expected router lease, got %+v", a)
	}
	err = svc.ReportStep(ctx, workerID, StepReport{
		WorkflowID: "routed", InstanceID: instanceID, StepName: a.StepName,
		State: workflow.StatusSucceeded, Result: "left",
	})
	if err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	next, _ := svc.GetStep(ctx, workerID)
	if next == nil || next.StepName != wf.StepName(left) {
		t.Fatalf("expected left branch lease, got %+v", next)
	}
	if n, _ := store.QueueLength(ctx, "routed", instanceID); n != 0 {
		t.Errorf("unselected branch was queued: length %d", n)
	}
}

func TestService_OrJoinReadiness(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	p1 := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "p1", nil
	}).SetLabel("P1")
	p2 := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return "p2", nil
	}).SetLabel("P2")
	join := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return in["src"], nil
	}, workflow.OrDep("src", p1, p2)).SetLabel("Race")

	wf, err := workflow.NewWorkflow([]*workflow.Step{join}, workflow.WithID("race"))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	schema := wf.ToSchema()
	joinName := wf.StepName(join)

	workerID, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	instanceID, _ := svc.DispatchWorkflow(ctx, schema, nil)

	// Drain both producers, reporting the first completion.
	first, _ := svc.GetStep(ctx, workerID)
	second, _ := svc.GetStep(ctx, workerID)
	if first == nil || second == nil {
		t.Fatal("expected both producers leased")
	}
	if err := svc.ReportStep(ctx, workerID, StepReport{
		WorkflowID: "race", InstanceID: instanceID, StepName: first.StepName,
		State: workflow.StatusSucceeded, Result: "first",
	}); err != nil {
		t.Fatalf("ReportStep: %v", err)
	}

	// One finished OR-member makes the join ready.
	next, _ := svc.GetStep(ctx, workerID)
	if next == nil || next.StepName != joinName {
		t.Fatalf("join not leased after first OR member, got %+v", next)
	}
	if next.Payload.Results[first.StepName] != "first" {
		t.Errorf("join payload missing finished member: %v", next.Payload.Results)
	}
	if _, ok := next.Payload.Results[second.StepName]; ok {
		t.Error("join payload contains unfinished member")
	}

	// The second member finishing must not re-queue the join.
	if err := svc.ReportStep(ctx, workerID, StepReport{
		WorkflowID: "race", InstanceID: instanceID, StepName: second.StepName,
		State: workflow.StatusSucceeded, Result: "second",
	}); err != nil {
		t.Fatalf("ReportStep: %v", err)
	}
	if n, _ := store.QueueLength(ctx, "race", instanceID); n != 0 {
		t.Errorf("join re-queued after second OR member: length %d", n)
	}
}

func TestService_TimeoutPolicyDrivesLease(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	slow := workflow.NewStep(func(ctx context.Context, in map[string]any) (any, error) {
		return nil, nil
	}).SetLabel("Slow")
	slow.AddPolicy(workflow.NewTimeoutPolicy(120))

	wf, err := workflow.NewWorkflow([]*workflow.Step{slow}, workflow.WithID("timed"))
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	schema := wf.ToSchema()

	workerID, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	if _, err := svc.DispatchWorkflow(ctx, schema, nil); err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}

	a, _ := svc.GetStep(ctx, workerID)
	if a == nil {
		t.Fatal("no lease")
	}
	// 120s deadline plus the grace window.
	want := 150 * time.Second
	if got := a.ExpiresAt.Sub(a.AssignedAt); got != want {
		t.Errorf("lease TTL = %s, want %s", got, want)
	}
}

func TestService_Repositories(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		err := svc.RegisterRepository(ctx, RepositoryInfo{
			Name:      name,
			URL:       "https://git.example.com/" + name + ".git",
			Workflows: []string{name + ".flows:main"},
		})
		if err != nil {
			t.Fatalf("RegisterRepository(%s): %v", name, err)
		}
	}

	t.Run("lookup by name", func(t *testing.T) {
		repo, err := svc.GetRepository(ctx, "beta")
		if err != nil || repo == nil {
			t.Fatalf("GetRepository: %v, %v", repo, err)
		}
		if repo.URL != "https://git.example.com/beta.git" {
			t.Errorf("unexpected repo: %+v", repo)
		}
	})

	t.Run("unknown name", func(t *testing.T) {
		repo, err := svc.GetRepository(ctx, "missing")
		if err != nil || repo != nil {
			t.Errorf("expected nil for unknown repo, got %v, %v", repo, err)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		page1, _ := svc.ListRepositories(ctx, 1, 2)
		page2, _ := svc.ListRepositories(ctx, 2, 2)
		if len(page1) != 2 || len(page2) != 1 {
			t.Fatalf("page sizes = %d, %d", len(page1), len(page2))
		}
		if page1[0].Name != "alpha" || page2[0].Name != "gamma" {
			t.Errorf("pages out of registration order: %v %v", page1, page2)
		}
	})
}

func TestService_ListWorkersAndWorkflows(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	schema, first, _ := chainSchema(t)

	workerID, _ := svc.RegisterWorker(ctx, []*workflow.WorkflowSchema{schema})
	instanceID, _ := svc.DispatchWorkflow(ctx, schema, nil)
	if a, _ := svc.GetStep(ctx, workerID); a == nil {
		t.Fatal("no lease")
	}

	workers, err := svc.ListWorkers(ctx)
	if err != nil || len(workers) != 1 {
		t.Fatalf("ListWorkers: %v, %v", workers, err)
	}
	w := workers[0]
	if w.WorkerID != workerID || len(w.Workflows) != 1 || w.Workflows[0].WorkflowID != "chain" {
		t.Errorf("unexpected worker info: %+v", w)
	}
	if w.LastTask == nil || w.LastTask.StepName != first {
		t.Errorf("last task not tracked: %+v", w.LastTask)
	}
	if w.LastTask != nil && w.LastTask.State != workflow.StatusRunning {
		t.Errorf("leased task state = %s, want RUNNING", w.LastTask.State)
	}

	// The worker's report shows up as the last task's outcome.
	err = svc.ReportStep(ctx, workerID, StepReport{
		WorkflowID: "chain", InstanceID: instanceID, StepName: first,
		State: workflow.StatusSucceeded, Result: "a",
	})
	if err != nil {
		t.Fatalf("ReportStep: %v", err)
	}
	workers, err = svc.ListWorkers(ctx)
	if err != nil || len(workers) != 1 {
		t.Fatalf("ListWorkers: %v, %v", workers, err)
	}
	if lt := workers[0].LastTask; lt == nil || lt.State != workflow.StatusSucceeded {
		t.Errorf("reported task state = %+v, want SUCCEEDED", lt)
	}

	flows, err := svc.ListWorkflows(ctx)
	if err != nil || len(flows) != 1 {
		t.Fatalf("ListWorkflows: %v, %v", flows, err)
	}
	if flows[0].InstanceID != instanceID || flows[0].WorkflowID != "chain" {
		t.Errorf("unexpected workflow info: %+v", flows[0])
	}
}
