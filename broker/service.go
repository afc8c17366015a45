package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fuseline/fuseline/broker/storage"
	"github.com/fuseline/fuseline/workflow"
)

const (
	// DefaultLeaseTTL bounds a step lease when no timeout policy
	// suggests a better value.
	DefaultLeaseTTL = 60 * time.Second

	// DefaultWorkerTTL is the liveness window; workers silent for
	// longer are pruned on every broker call.
	DefaultWorkerTTL = 30 * time.Second

	// leaseGrace pads a timeout-policy-derived lease so a step that
	// times out on the worker still reports before the lease lapses.
	leaseGrace = 30 * time.Second
)

// schemaKey identifies one schema version in the catalogue.
type schemaKey struct {
	workflowID string
	version    string
}

// instanceRef is one dispatched instance, kept in dispatch order.
type instanceRef struct {
	key          schemaKey
	instanceID   string
	dispatchedAt time.Time
	finalized    bool
}

// workerState is the broker's view of one registered worker.
type workerState struct {
	eligible    map[schemaKey]bool
	connectedAt time.Time
	lastSeen    time.Time
	lastTask    *LastTask
}

// Service is the broker implementation. It holds the schema catalogue
// and worker registry in memory and delegates per-instance runtime
// state to a RuntimeStorage, so the same Service runs volatile with
// MemoryStorage or durable with the SQL adapter.
//
// All operations serialize on one mutex: the broker is the single
// logical writer over instance state.
type Service struct {
	mu sync.Mutex

	store   storage.RuntimeStorage
	logger  *zap.Logger
	metrics *Metrics
	clock   func() time.Time

	workerTTL time.Duration
	leaseTTL  time.Duration

	nextWorkerID int
	workers      map[string]*workerState
	schemas      map[schemaKey]*workflow.WorkflowSchema
	instances    []*instanceRef

	repos     map[string]RepositoryInfo
	repoOrder []string
}

var _ Broker = (*Service)(nil)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the broker logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithWorkerTTL overrides the worker liveness window.
func WithWorkerTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.workerTTL = ttl }
}

// WithLeaseTTL overrides the default lease duration.
func WithLeaseTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.leaseTTL = ttl }
}

// withClock fixes the time source, for tests.
func withClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a broker over the given runtime storage.
func NewService(store storage.RuntimeStorage, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		logger:    zap.NewNop(),
		clock:     time.Now,
		workerTTL: DefaultWorkerTTL,
		leaseTTL:  DefaultLeaseTTL,
		workers:   make(map[string]*workerState),
		schemas:   make(map[schemaKey]*workflow.WorkflowSchema),
		repos:     make(map[string]RepositoryInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics()
	}
	return s
}

func (s *Service) RegisterWorker(ctx context.Context, schemas []*workflow.WorkflowSchema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.pruneWorkers(now)

	eligible := make(map[schemaKey]bool, len(schemas))
	for _, schema := range schemas {
		key := schemaKey{schema.WorkflowID, schema.Version}
		if err := s.adoptSchema(key, schema); err != nil {
			return "", err
		}
		eligible[key] = true
	}

	s.nextWorkerID++
	workerID := strconv.Itoa(s.nextWorkerID)
	s.workers[workerID] = &workerState{
		eligible:    eligible,
		connectedAt: now,
		lastSeen:    now,
	}
	s.metrics.workersConnected.Set(float64(len(s.workers)))
	s.logger.Info("worker registered",
		zap.String("worker_id", workerID),
		zap.Int("schemas", len(schemas)),
	)
	return workerID, nil
}

func (s *Service) DispatchWorkflow(ctx context.Context, schema *workflow.WorkflowSchema, inputs map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.pruneWorkers(now)

	key := schemaKey{schema.WorkflowID, schema.Version}
	if err := s.adoptSchema(key, schema); err != nil {
		return "", err
	}
	stored := s.schemas[key]

	instanceID := uuid.NewString()
	if err := s.store.CreateRun(ctx, key.workflowID, instanceID, stored.StepNames()); err != nil {
		return "", err
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := s.store.SetInputs(ctx, key.workflowID, instanceID, inputs); err != nil {
		return "", err
	}
	for _, name := range sortedStepNames(stored) {
		if len(stored.Steps[name].Predecessors) == 0 {
			if err := s.store.Enqueue(ctx, key.workflowID, instanceID, name); err != nil {
				return "", err
			}
		}
	}

	s.instances = append(s.instances, &instanceRef{
		key:          key,
		instanceID:   instanceID,
		dispatchedAt: now,
	})
	s.metrics.workflowsDispatched.Inc()
	s.logger.Info("workflow dispatched",
		zap.String("workflow_id", key.workflowID),
		zap.String("instance_id", instanceID),
	)
	return instanceID, nil
}

func (s *Service) GetStep(ctx context.Context, workerID string) (*StepAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.pruneWorkers(now)

	w, ok := s.workers[workerID]
	if !ok {
		return nil, nil
	}
	w.lastSeen = now

	for _, inst := range s.instances {
		if inst.finalized || !w.eligible[inst.key] {
			continue
		}
		if err := s.reclaimExpired(ctx, inst, now); err != nil {
			return nil, err
		}

		stepName, found, err := s.store.FetchNext(ctx, inst.key.workflowID, inst.instanceID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		payload, err := s.buildPayload(ctx, inst, stepName)
		if err != nil {
			return nil, err
		}
		expiresAt := now.Add(s.leaseFor(inst.key, stepName))
		if err := s.store.AssignStep(ctx, inst.key.workflowID, inst.instanceID, stepName, workerID, expiresAt); err != nil {
			return nil, err
		}
		if err := s.store.SetState(ctx, inst.key.workflowID, inst.instanceID, stepName, workflow.StatusRunning); err != nil {
			return nil, err
		}

		w.lastTask = &LastTask{
			WorkflowID: inst.key.workflowID,
			InstanceID: inst.instanceID,
			StepName:   stepName,
			AssignedAt: now,
			State:      workflow.StatusRunning,
		}
		s.metrics.stepsAssigned.Inc()
		return &StepAssignment{
			WorkflowID: inst.key.workflowID,
			InstanceID: inst.instanceID,
			StepName:   stepName,
			Payload:    *payload,
			AssignedAt: now,
			ExpiresAt:  expiresAt,
		}, nil
	}
	return nil, nil
}

func (s *Service) ReportStep(ctx context.Context, workerID string, report StepReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.pruneWorkers(now)

	if w, ok := s.workers[workerID]; ok {
		w.lastSeen = now
	}

	inst := s.findInstance(report.WorkflowID, report.InstanceID)
	if inst == nil {
		return nil
	}
	a, err := s.store.GetAssignment(ctx, report.WorkflowID, report.InstanceID, report.StepName)
	if err != nil {
		return err
	}
	// Stale or foreign reports are discarded without touching state.
	if a == nil || a.WorkerID != workerID {
		s.logger.Debug("discarding stale step report",
			zap.String("worker_id", workerID),
			zap.String("step", report.StepName),
		)
		return nil
	}

	if w, ok := s.workers[workerID]; ok && w.lastTask != nil &&
		w.lastTask.InstanceID == report.InstanceID && w.lastTask.StepName == report.StepName {
		w.lastTask.State = report.State
	}

	if err := s.store.ClearAssignment(ctx, report.WorkflowID, report.InstanceID, report.StepName); err != nil {
		return err
	}
	if err := s.store.SetState(ctx, report.WorkflowID, report.InstanceID, report.StepName, report.State); err != nil {
		return err
	}
	if err := s.store.SetResult(ctx, report.WorkflowID, report.InstanceID, report.StepName, report.Result); err != nil {
		return err
	}
	s.metrics.stepsReported.WithLabelValues(string(report.State)).Inc()

	schema := s.schemas[inst.key]
	if report.State == workflow.StatusFailed {
		return s.cancelRun(ctx, inst, schema, report.StepName)
	}
	if report.State.Finished() {
		if err := s.enqueueReadySuccessors(ctx, inst, schema, report); err != nil {
			return err
		}
	}
	return s.finalizeIfDrained(ctx, inst, schema)
}

func (s *Service) KeepAlive(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.pruneWorkers(now)
	if w, ok := s.workers[workerID]; ok {
		w.lastSeen = now
	}
	return nil
}

func (s *Service) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneWorkers(s.clock())

	infos := make([]WorkerInfo, 0, len(s.workers))
	for id, w := range s.workers {
		refs := make([]WorkflowRef, 0, len(w.eligible))
		for key := range w.eligible {
			refs = append(refs, WorkflowRef{WorkflowID: key.workflowID, Version: key.version})
		}
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].WorkflowID != refs[j].WorkflowID {
				return refs[i].WorkflowID < refs[j].WorkflowID
			}
			return refs[i].Version < refs[j].Version
		})
		infos = append(infos, WorkerInfo{
			WorkerID:    id,
			ConnectedAt: w.connectedAt,
			LastSeen:    w.lastSeen,
			Workflows:   refs,
			LastTask:    w.lastTask,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].WorkerID < infos[j].WorkerID })
	return infos, nil
}

func (s *Service) ListWorkflows(ctx context.Context) ([]WorkflowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]WorkflowInfo, 0, len(s.instances))
	for _, inst := range s.instances {
		infos = append(infos, WorkflowInfo{
			WorkflowID:   inst.key.workflowID,
			Version:      inst.key.version,
			InstanceID:   inst.instanceID,
			DispatchedAt: inst.dispatchedAt,
		})
	}
	return infos, nil
}

func (s *Service) RegisterRepository(ctx context.Context, repo RepositoryInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if repo.Name == "" {
		return fmt.Errorf("repository name is required")
	}
	if _, ok := s.repos[repo.Name]; !ok {
		s.repoOrder = append(s.repoOrder, repo.Name)
	}
	s.repos[repo.Name] = repo
	return nil
}

func (s *Service) GetRepository(ctx context.Context, name string) (*RepositoryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[name]
	if !ok {
		return nil, nil
	}
	return &repo, nil
}

// ListRepositories pages through registered repositories in
// registration order. page is 1-based; pageSize values below one
// default to 50.
func (s *Service) ListRepositories(ctx context.Context, page, pageSize int) ([]RepositoryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= len(s.repoOrder) {
		return []RepositoryInfo{}, nil
	}
	end := start + pageSize
	if end > len(s.repoOrder) {
		end = len(s.repoOrder)
	}
	out := make([]RepositoryInfo, 0, end-start)
	for _, name := range s.repoOrder[start:end] {
		out = append(out, s.repos[name])
	}
	return out, nil
}

// adoptSchema stores a schema first seen, or verifies a resubmission
// matches the stored one. Callers hold s.mu.
func (s *Service) adoptSchema(key schemaKey, schema *workflow.WorkflowSchema) error {
	stored, ok := s.schemas[key]
	if !ok {
		s.schemas[key] = schema
		return nil
	}
	if !stored.Equal(schema) {
		return fmt.Errorf("workflow %s version %s: %w", key.workflowID, key.version, workflow.ErrSchemaMismatch)
	}
	return nil
}

// pruneWorkers drops workers silent beyond the TTL. Callers hold s.mu.
func (s *Service) pruneWorkers(now time.Time) {
	for id, w := range s.workers {
		if now.Sub(w.lastSeen) > s.workerTTL {
			delete(s.workers, id)
			s.logger.Info("worker pruned", zap.String("worker_id", id))
		}
	}
	s.metrics.workersConnected.Set(float64(len(s.workers)))
}

// reclaimExpired returns lapsed leases of the instance to the head of
// the queue. The timed-out holder's eventual report is then stale and
// discarded.
func (s *Service) reclaimExpired(ctx context.Context, inst *instanceRef, now time.Time) error {
	expired, err := s.store.ExpiredAssignments(ctx, inst.key.workflowID, inst.instanceID, now)
	if err != nil {
		return err
	}
	for _, stepName := range expired {
		if err := s.store.ClearAssignment(ctx, inst.key.workflowID, inst.instanceID, stepName); err != nil {
			return err
		}
		if err := s.store.SetState(ctx, inst.key.workflowID, inst.instanceID, stepName, workflow.StatusPending); err != nil {
			return err
		}
		if err := s.store.EnqueueFront(ctx, inst.key.workflowID, inst.instanceID, stepName); err != nil {
			return err
		}
		s.metrics.leasesReclaimed.Inc()
		s.logger.Warn("lease expired, step requeued",
			zap.String("instance_id", inst.instanceID),
			zap.String("step", stepName),
		)
	}
	return nil
}

// buildPayload assembles the workflow inputs and the results of the
// step's finished predecessors.
func (s *Service) buildPayload(ctx context.Context, inst *instanceRef, stepName string) (*Payload, error) {
	inputs, err := s.store.GetInputs(ctx, inst.key.workflowID, inst.instanceID)
	if err != nil {
		return nil, err
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	payload := &Payload{WorkflowInputs: inputs, Results: map[string]any{}}
	schema := s.schemas[inst.key]
	for _, pred := range schema.Steps[stepName].Predecessors {
		state, err := s.store.GetState(ctx, inst.key.workflowID, inst.instanceID, pred)
		if err != nil {
			return nil, err
		}
		if !state.Finished() {
			continue
		}
		result, err := s.store.GetResult(ctx, inst.key.workflowID, inst.instanceID, pred)
		if err != nil {
			return nil, err
		}
		payload.Results[pred] = result
	}
	return payload, nil
}

// leaseFor derives the lease duration for a step: a timeout policy's
// deadline plus grace when one is attached, the default otherwise.
func (s *Service) leaseFor(key schemaKey, stepName string) time.Duration {
	schema := s.schemas[key]
	for _, pc := range schema.Steps[stepName].Policies {
		if pc.Name != "timeout" {
			continue
		}
		if seconds, ok := toFloat(pc.Config["seconds"]); ok && seconds > 0 {
			return time.Duration(seconds*float64(time.Second)) + leaseGrace
		}
	}
	return s.leaseTTL
}

// enqueueReadySuccessors selects the successor branch of a finished
// step and enqueues each successor whose readiness predicate holds.
func (s *Service) enqueueReadySuccessors(ctx context.Context, inst *instanceRef, schema *workflow.WorkflowSchema, report StepReport) error {
	ss := schema.Steps[report.StepName]

	action := workflow.DefaultAction
	if report.State == workflow.StatusSucceeded {
		if label, ok := report.Result.(string); ok {
			if _, known := ss.Successors[label]; known {
				action = label
			}
		}
	}
	successors := ss.Successors[action]
	if len(successors) == 0 {
		if action != workflow.DefaultAction {
			s.logger.Warn("action selects no successors, branch ends",
				zap.String("step", report.StepName),
				zap.String("action", action),
			)
		}
		return nil
	}

	for _, succName := range successors {
		ready, err := s.stepReady(ctx, inst, schema, succName)
		if err != nil {
			return err
		}
		if ready {
			if err := s.store.Enqueue(ctx, inst.key.workflowID, inst.instanceID, succName); err != nil {
				return err
			}
		}
	}
	return nil
}

// stepReady evaluates the readiness predicate: every OR-group has a
// finished member, every predecessor outside the OR-groups is
// finished, and the step itself is still PENDING.
func (s *Service) stepReady(ctx context.Context, inst *instanceRef, schema *workflow.WorkflowSchema, stepName string) (bool, error) {
	ss := schema.Steps[stepName]

	own, err := s.store.GetState(ctx, inst.key.workflowID, inst.instanceID, stepName)
	if err != nil {
		return false, err
	}
	if own != workflow.StatusPending {
		return false, nil
	}

	orMembers := make(map[string]bool)
	for _, group := range ss.OrGroups {
		satisfied := false
		for _, member := range group {
			orMembers[member] = true
			state, err := s.store.GetState(ctx, inst.key.workflowID, inst.instanceID, member)
			if err != nil {
				return false, err
			}
			if state.Finished() {
				satisfied = true
			}
		}
		if !satisfied {
			return false, nil
		}
	}

	for _, pred := range ss.Predecessors {
		if orMembers[pred] {
			continue
		}
		state, err := s.store.GetState(ctx, inst.key.workflowID, inst.instanceID, pred)
		if err != nil {
			return false, err
		}
		if !state.Finished() {
			return false, nil
		}
	}
	return true, nil
}

// cancelRun marks every non-terminal step CANCELLED after a failure
// and finalizes the instance.
func (s *Service) cancelRun(ctx context.Context, inst *instanceRef, schema *workflow.WorkflowSchema, failedStep string) error {
	for name := range schema.Steps {
		if name == failedStep {
			continue
		}
		state, err := s.store.GetState(ctx, inst.key.workflowID, inst.instanceID, name)
		if err != nil {
			return err
		}
		if state == workflow.StatusPending || state == workflow.StatusRunning {
			if err := s.store.SetState(ctx, inst.key.workflowID, inst.instanceID, name, workflow.StatusCancelled); err != nil {
				return err
			}
		}
	}
	return s.finalize(ctx, inst)
}

// finalizeIfDrained finalizes the instance once the queue is empty and
// no step remains PENDING or RUNNING.
func (s *Service) finalizeIfDrained(ctx context.Context, inst *instanceRef, schema *workflow.WorkflowSchema) error {
	if inst.finalized {
		return nil
	}
	n, err := s.store.QueueLength(ctx, inst.key.workflowID, inst.instanceID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for name := range schema.Steps {
		state, err := s.store.GetState(ctx, inst.key.workflowID, inst.instanceID, name)
		if err != nil {
			return err
		}
		if state == workflow.StatusPending || state == workflow.StatusRunning {
			return nil
		}
	}
	return s.finalize(ctx, inst)
}

func (s *Service) finalize(ctx context.Context, inst *instanceRef) error {
	if inst.finalized {
		return nil
	}
	if err := s.store.FinalizeRun(ctx, inst.key.workflowID, inst.instanceID); err != nil {
		return err
	}
	inst.finalized = true
	s.metrics.runsFinalized.Inc()
	s.logger.Info("run finalized",
		zap.String("workflow_id", inst.key.workflowID),
		zap.String("instance_id", inst.instanceID),
	)
	return nil
}

// findInstance locates a dispatched instance. Callers hold s.mu.
func (s *Service) findInstance(workflowID, instanceID string) *instanceRef {
	for _, inst := range s.instances {
		if inst.key.workflowID == workflowID && inst.instanceID == instanceID {
			return inst
		}
	}
	return nil
}

// toFloat coerces JSON and YAML scalar encodings of a number.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// sortedStepNames returns the schema's step names in sorted order so
// root enqueueing is deterministic.
func sortedStepNames(schema *workflow.WorkflowSchema) []string {
	names := schema.StepNames()
	sort.Strings(names)
	return names
}
