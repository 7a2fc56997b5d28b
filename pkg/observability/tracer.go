// Package observability records the durable span tree of every run and
// optionally mirrors it to OpenTelemetry.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/otelhelper"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span kinds.
const (
	KindWorkflow = "workflow"
	KindStep     = "step"
	KindWait     = "wait"
	KindActivity = "activity"
	KindTool     = "tool"
	KindModel    = "model"
)

// Tracer writes spans through a TraceStore. Tracing never fails a run: store
// errors are logged and swallowed. A nil *Tracer records nothing.
type Tracer struct {
	store  persistence.TraceStore
	otel   trace.Tracer
	logger *slog.Logger

	mu        sync.Mutex
	otelSpans map[string]trace.Span
	roots     map[string]string
}

type Option func(*Tracer)

// WithOpenTelemetry mirrors every durable span to tracer.
func WithOpenTelemetry(tracer trace.Tracer) Option {
	return func(t *Tracer) { t.otel = tracer }
}

func NewTracer(store persistence.TraceStore, logger *slog.Logger, opts ...Option) *Tracer {
	t := &Tracer{
		store:     store,
		logger:    logger.With("module", "tracer"),
		otelSpans: map[string]trace.Span{},
		roots:     map[string]string{},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// StartTrace creates the trace envelope of runID, merging into an existing one.
func (t *Tracer) StartTrace(ctx context.Context, runID string) {
	if t == nil {
		return
	}

	err := t.store.InitTrace(ctx, runID, models.Trace{
		TraceID:   runID,
		Status:    models.TraceStatusRunning,
		StartTime: time.Now().UTC(),
	})
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to start trace", "run_id", runID, "error", err)
	}
}

// CompleteTrace closes the envelope with the given trace status.
func (t *Tracer) CompleteTrace(ctx context.Context, runID, status string) {
	if t == nil {
		return
	}

	now := time.Now().UTC()

	err := t.store.UpdateTrace(ctx, runID, models.TraceUpdate{Status: &status, EndTime: &now})
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to complete trace", "run_id", runID, "error", err)
	}

	t.mu.Lock()
	rootID := t.roots[runID]
	delete(t.roots, runID)
	t.mu.Unlock()

	if rootID != "" {
		spanStatus := models.SpanStatusOK
		if status == models.TraceStatusFailed {
			spanStatus = models.SpanStatusError
		}

		t.EndSpan(ctx, runID, rootID, spanStatus, nil, nil)
	}
}

func (t *Tracer) SetRootSpan(ctx context.Context, runID, spanID string) {
	if t == nil {
		return
	}

	t.mu.Lock()
	t.roots[runID] = spanID
	t.mu.Unlock()

	if err := t.store.UpdateTrace(ctx, runID, models.TraceUpdate{RootSpanID: &spanID}); err != nil {
		t.logger.WarnContext(ctx, "Failed to set root span", "run_id", runID, "span_id", spanID, "error", err)
	}
}

// RootSpan returns the root span id remembered for runID, if any.
func (t *Tracer) RootSpan(runID string) string {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.roots[runID]
}

// StartSpan appends a running span and returns its id.
func (t *Tracer) StartSpan(ctx context.Context, runID, name, kind, parentSpanID string, attrs map[string]any) string {
	if t == nil {
		return ""
	}

	spanID := uuid.NewString()

	span := models.Span{
		SpanID:       spanID,
		TraceID:      runID,
		ParentSpanID: parentSpanID,
		Name:         name,
		Kind:         kind,
		StartTime:    time.Now().UTC(),
		Status:       models.SpanStatusRunning,
		Attributes:   attrs,
	}

	if err := t.store.AppendSpan(ctx, runID, span); err != nil {
		t.logger.WarnContext(ctx, "Failed to append span", "run_id", runID, "span", name, "error", err)
	}

	if t.otel != nil {
		t.startOtelSpan(ctx, runID, span)
	}

	return spanID
}

// EndSpan closes a span with status, an optional error payload and extra attributes.
func (t *Tracer) EndSpan(ctx context.Context, runID, spanID, status string, errInfo map[string]any, attrs map[string]any) {
	if t == nil || spanID == "" {
		return
	}

	now := time.Now().UTC()

	err := t.store.UpdateSpan(ctx, runID, spanID, models.SpanUpdate{
		EndTime:    &now,
		Status:     &status,
		Attributes: attrs,
		Error:      errInfo,
	})
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to end span", "run_id", runID, "span_id", spanID, "error", err)
	}

	t.mu.Lock()
	otelSpan, ok := t.otelSpans[spanID]
	delete(t.otelSpans, spanID)
	t.mu.Unlock()

	if ok {
		otelSpan.SetAttributes(otelhelper.Attributes(attrs)...)

		if status == models.SpanStatusError {
			otelSpan.SetStatus(codes.Error, describe(errInfo))
		} else {
			otelSpan.SetAttributes(attribute.String("runflow.span.status", status))
		}

		otelSpan.End()
	}
}

func (t *Tracer) AddSpanAttribute(ctx context.Context, runID, spanID, key string, value any) {
	if t == nil || spanID == "" {
		return
	}

	err := t.store.UpdateSpan(ctx, runID, spanID, models.SpanUpdate{Attributes: map[string]any{key: value}})
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to add span attribute", "run_id", runID, "span_id", spanID, "error", err)
	}

	t.mu.Lock()
	otelSpan, ok := t.otelSpans[spanID]
	t.mu.Unlock()

	if ok {
		otelSpan.SetAttributes(otelhelper.Attributes(map[string]any{key: value})...)
	}
}

// RecordUsage adds model usage to the trace totals.
func (t *Tracer) RecordUsage(ctx context.Context, runID string, delta models.TraceTotals) {
	if t == nil {
		return
	}

	if err := t.store.IncrementTotals(ctx, runID, delta); err != nil {
		t.logger.WarnContext(ctx, "Failed to increment trace totals", "run_id", runID, "error", err)
	}
}

func (t *Tracer) startOtelSpan(ctx context.Context, runID string, span models.Span) {
	t.mu.Lock()
	parent, hasParent := t.otelSpans[span.ParentSpanID]
	t.mu.Unlock()

	if hasParent {
		ctx = trace.ContextWithSpan(ctx, parent)
	}

	attrs := append(otelhelper.Attributes(span.Attributes),
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.SpanIDKey, span.SpanID),
		attribute.String(otelhelper.SpanKindKey, span.Kind),
	)

	_, otelSpan := otelhelper.StartSpan(ctx, t.otel, span.Name, attrs...)

	t.mu.Lock()
	t.otelSpans[span.SpanID] = otelSpan
	t.mu.Unlock()
}

func describe(errInfo map[string]any) string {
	if errInfo == nil {
		return ""
	}

	if message, ok := errInfo["message"].(string); ok {
		return message
	}

	if kind, ok := errInfo["error"].(string); ok {
		return kind
	}

	return "error"
}
