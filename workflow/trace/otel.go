package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelTracer bridges workflow trace events to OpenTelemetry spans.
//
// Each event becomes one span, immediately ended: events mark points in
// time, not durations. The span name is the event name and all event
// fields are attached as attributes, so backends such as Jaeger or
// Zipkin can filter on workflow, instance and step.
//
// Example:
//
//	tracer := otel.Tracer("fuseline")
//	wf, _ := workflow.NewWorkflow(outputs, workflow.WithTracer(trace.NewOTelTracer(tracer)))
type OTelTracer struct {
	tracer oteltrace.Tracer
}

// NewOTelTracer creates a tracer emitting one span per event.
//
// Parameters:
//   - tracer: OpenTelemetry tracer from otel.Tracer("service-name")
func NewOTelTracer(tracer oteltrace.Tracer) *OTelTracer {
	return &OTelTracer{tracer: tracer}
}

// Record creates and ends a span for ev. The span carries:
//   - Name: the event name (e.g. "step_finished")
//   - Attributes: workflow id, instance id, step and event payload fields
//   - Status: Error when the event carries an error message
func (o *OTelTracer) Record(ev Event) {
	stamp(&ev)

	ctx := context.Background()
	_, span := o.tracer.Start(ctx, ev.Event)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("workflow.id", ev.WorkflowID),
		attribute.String("workflow.instance_id", ev.InstanceID),
		attribute.String("workflow.timestamp", ev.Timestamp),
	}
	if ev.Step != "" {
		attrs = append(attrs, attribute.String("workflow.step", ev.Step))
	}
	if ev.Result != nil {
		attrs = append(attrs, attribute.String("workflow.result", fmt.Sprintf("%v", ev.Result)))
	}
	if ev.Skipped != nil {
		attrs = append(attrs, attribute.Bool("workflow.skipped", *ev.Skipped))
	}
	if ev.Dependency != "" {
		attrs = append(attrs, attribute.String("workflow.dependency", ev.Dependency))
		attrs = append(attrs, attribute.String("workflow.dependency_value", fmt.Sprintf("%v", ev.Value)))
		attrs = append(attrs, attribute.Bool("workflow.condition_passed", ev.Passed != nil && *ev.Passed))
	}
	span.SetAttributes(attrs...)

	if ev.Error != "" {
		span.SetStatus(codes.Error, ev.Error)
		span.RecordError(fmt.Errorf("%s", ev.Error))
	}
}
