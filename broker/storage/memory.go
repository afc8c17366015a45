package storage

import (
	"context"
	"sync"
	"time"

	"github.com/fuseline/fuseline/workflow"
)

// runKey identifies one workflow instance.
type runKey struct {
	workflowID string
	instanceID string
}

// stepKey identifies one step within an instance.
type stepKey struct {
	runKey
	stepName string
}

// instanceQueue is a FIFO with a membership set for idempotent
// enqueues.
type instanceQueue struct {
	names  []string
	member map[string]bool
}

func newInstanceQueue() *instanceQueue {
	return &instanceQueue{member: make(map[string]bool)}
}

func (q *instanceQueue) push(name string) bool {
	if q.member[name] {
		return false
	}
	q.member[name] = true
	q.names = append(q.names, name)
	return true
}

func (q *instanceQueue) pushFront(name string) bool {
	if q.member[name] {
		return false
	}
	q.member[name] = true
	q.names = append([]string{name}, q.names...)
	return true
}

func (q *instanceQueue) pop() (string, bool) {
	if len(q.names) == 0 {
		return "", false
	}
	name := q.names[0]
	q.names = q.names[1:]
	delete(q.member, name)
	return name, true
}

// MemoryStorage is a map-backed RuntimeStorage for tests and
// single-process brokers. All state is lost on process exit.
type MemoryStorage struct {
	mu          sync.Mutex
	states      map[stepKey]workflow.Status
	results     map[stepKey]any
	assignments map[stepKey]Assignment
	queues      map[runKey]*instanceQueue
	inputs      map[runKey]map[string]any
	finalized   map[runKey]bool
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		states:      make(map[stepKey]workflow.Status),
		results:     make(map[stepKey]any),
		assignments: make(map[stepKey]Assignment),
		queues:      make(map[runKey]*instanceQueue),
		inputs:      make(map[runKey]map[string]any),
		finalized:   make(map[runKey]bool),
	}
}

var _ RuntimeStorage = (*MemoryStorage)(nil)

func (m *MemoryStorage) CreateRun(_ context.Context, workflowID, instanceID string, stepNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := runKey{workflowID, instanceID}
	m.queues[rk] = newInstanceQueue()
	delete(m.finalized, rk)
	for sk := range m.assignments {
		if sk.runKey == rk {
			delete(m.assignments, sk)
		}
	}
	for _, name := range stepNames {
		sk := stepKey{rk, name}
		m.states[sk] = workflow.StatusPending
		delete(m.results, sk)
	}
	return nil
}

func (m *MemoryStorage) Enqueue(_ context.Context, workflowID, instanceID, stepName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue(runKey{workflowID, instanceID}).push(stepName)
	return nil
}

func (m *MemoryStorage) EnqueueFront(_ context.Context, workflowID, instanceID, stepName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue(runKey{workflowID, instanceID}).pushFront(stepName)
	return nil
}

func (m *MemoryStorage) FetchNext(_ context.Context, workflowID, instanceID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.queue(runKey{workflowID, instanceID}).pop()
	return name, ok, nil
}

func (m *MemoryStorage) QueueLength(_ context.Context, workflowID, instanceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(runKey{workflowID, instanceID}).names), nil
}

func (m *MemoryStorage) AssignStep(_ context.Context, workflowID, instanceID, stepName, workerID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[stepKey{runKey{workflowID, instanceID}, stepName}] = Assignment{
		WorkerID:  workerID,
		ExpiresAt: expiresAt,
	}
	return nil
}

func (m *MemoryStorage) ClearAssignment(_ context.Context, workflowID, instanceID, stepName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, stepKey{runKey{workflowID, instanceID}, stepName})
	return nil
}

func (m *MemoryStorage) GetAssignment(_ context.Context, workflowID, instanceID, stepName string) (*Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[stepKey{runKey{workflowID, instanceID}, stepName}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStorage) ExpiredAssignments(_ context.Context, workflowID, instanceID string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rk := runKey{workflowID, instanceID}
	var expired []string
	for sk, a := range m.assignments {
		if sk.runKey == rk && a.ExpiresAt.Before(now) {
			expired = append(expired, sk.stepName)
		}
	}
	return expired, nil
}

func (m *MemoryStorage) SetState(_ context.Context, workflowID, instanceID, stepName string, state workflow.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stepKey{runKey{workflowID, instanceID}, stepName}] = state
	return nil
}

func (m *MemoryStorage) GetState(_ context.Context, workflowID, instanceID, stepName string) (workflow.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[stepKey{runKey{workflowID, instanceID}, stepName}]
	if !ok {
		return workflow.StatusPending, nil
	}
	return state, nil
}

func (m *MemoryStorage) SetResult(_ context.Context, workflowID, instanceID, stepName string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[stepKey{runKey{workflowID, instanceID}, stepName}] = result
	return nil
}

func (m *MemoryStorage) GetResult(_ context.Context, workflowID, instanceID, stepName string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[stepKey{runKey{workflowID, instanceID}, stepName}], nil
}

func (m *MemoryStorage) SetInputs(_ context.Context, workflowID, instanceID string, inputs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[runKey{workflowID, instanceID}] = inputs
	return nil
}

func (m *MemoryStorage) GetInputs(_ context.Context, workflowID, instanceID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[runKey{workflowID, instanceID}], nil
}

func (m *MemoryStorage) FinalizeRun(_ context.Context, workflowID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rk := runKey{workflowID, instanceID}
	m.finalized[rk] = true
	m.queues[rk] = newInstanceQueue()
	for sk := range m.assignments {
		if sk.runKey == rk {
			delete(m.assignments, sk)
		}
	}
	return nil
}

// Finalized reports whether FinalizeRun was called for the instance.
func (m *MemoryStorage) Finalized(workflowID, instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized[runKey{workflowID, instanceID}]
}

func (m *MemoryStorage) Close() error { return nil }

// queue returns the instance queue, creating it on first use. Callers
// hold m.mu.
func (m *MemoryStorage) queue(rk runKey) *instanceQueue {
	q, ok := m.queues[rk]
	if !ok {
		q = newInstanceQueue()
		m.queues[rk] = q
	}
	return q
}
