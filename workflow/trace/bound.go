package trace

// BoundTracer injects workflow identifiers into every event before
// forwarding to the wrapped tracer. The engine binds one per run so
// steps record events without knowing which instance they belong to.
type BoundTracer struct {
	inner      Tracer
	workflowID string
	instanceID string
}

// NewBoundTracer wraps inner, stamping events with the given workflow
// and instance identifiers.
func NewBoundTracer(inner Tracer, workflowID, instanceID string) *BoundTracer {
	return &BoundTracer{inner: inner, workflowID: workflowID, instanceID: instanceID}
}

// Record forwards ev with the bound identifiers filled in.
func (t *BoundTracer) Record(ev Event) {
	if ev.WorkflowID == "" {
		ev.WorkflowID = t.workflowID
	}
	if ev.InstanceID == "" {
		ev.InstanceID = t.instanceID
	}
	t.inner.Record(ev)
}
