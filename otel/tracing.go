package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	flowuni "github.com/huanidz/flowuni-sub000"
)

// TaskTracer maintains one span per outstanding task execution: the
// span opens when a run is accepted (optimistic QUEUED) and closes when
// the case reaches a terminal status.
type TaskTracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // caseID -> span
}

// NewTaskTracer creates a TaskTracer using the given tracer.
func NewTaskTracer(tracer trace.Tracer) *TaskTracer {
	return &TaskTracer{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// TaskStarted opens a span for a case's task execution. An existing
// span for the same case (a superseded run) is ended first.
func (t *TaskTracer) TaskStarted(taskID, caseID string) {
	if t == nil {
		return
	}

	_, span := t.tracer.Start(context.Background(), "task:"+taskID,
		trace.WithAttributes(
			attribute.String("flowuni.task_id", taskID),
			attribute.String("flowuni.case_id", caseID),
		),
	)

	t.mu.Lock()
	prev, hadPrev := t.spans[caseID]
	t.spans[caseID] = span
	t.mu.Unlock()

	if hadPrev {
		prev.SetStatus(codes.Error, "superseded by a newer run")
		prev.End()
	}
}

// StatusChanged records a status transition on the case's active span
// and ends the span when the status is terminal.
func (t *TaskTracer) StatusChanged(caseID string, st flowuni.CaseStatus) {
	if t == nil {
		return
	}

	t.mu.Lock()
	span, ok := t.spans[caseID]
	if ok && st.Terminal() {
		delete(t.spans, caseID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	span.AddEvent("status", trace.WithAttributes(
		attribute.String("flowuni.status", string(st)),
	))

	if !st.Terminal() {
		return
	}

	switch st {
	case flowuni.StatusPassed:
		span.SetStatus(codes.Ok, "")
	case flowuni.StatusCancelled:
		span.SetStatus(codes.Ok, "cancelled")
	default:
		span.SetStatus(codes.Error, string(st))
	}
	span.SetAttributes(attribute.String("flowuni.final_status", string(st)))
	span.End()
}
