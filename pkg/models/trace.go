package models

import "time"

// Trace statuses.
const (
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusFailed    = "failed"
)

// Span statuses.
const (
	SpanStatusRunning   = "running"
	SpanStatusOK        = "ok"
	SpanStatusError     = "error"
	SpanStatusWaiting   = "waiting"
	SpanStatusCancelled = "cancelled"
)

type TraceTotals struct {
	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalModelCalls   int64   `json:"total_model_calls"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
}

// Add accumulates delta into the totals.
func (t *TraceTotals) Add(delta TraceTotals) {
	t.TotalCostUSD += delta.TotalCostUSD
	t.TotalModelCalls += delta.TotalModelCalls
	t.TotalInputTokens += delta.TotalInputTokens
	t.TotalOutputTokens += delta.TotalOutputTokens
}

// Trace is the run level envelope of the span tree.
type Trace struct {
	TraceID    string      `json:"trace_id"`
	Status     string      `json:"status"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	RootSpanID string      `json:"root_span_id,omitempty"`
	Totals     TraceTotals `json:"totals"`
}

// TraceUpdate carries the optional envelope fields a caller wants to change.
type TraceUpdate struct {
	Status     *string
	EndTime    *time.Time
	RootSpanID *string
}

// Apply copies the set fields of u onto trace.
func (u TraceUpdate) Apply(trace *Trace) {
	if u.Status != nil {
		trace.Status = *u.Status
	}

	if u.EndTime != nil {
		end := *u.EndTime
		trace.EndTime = &end
	}

	if u.RootSpanID != nil {
		trace.RootSpanID = *u.RootSpanID
	}
}

type Span struct {
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Status       string         `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Error        map[string]any `json:"error,omitempty"`
}

// TraceRecord is the persisted document holding a trace and its spans.
type TraceRecord struct {
	Trace Trace  `json:"trace"`
	Spans []Span `json:"spans"`
}

// FindSpan returns the index of the span with the given id or -1.
func (r *TraceRecord) FindSpan(spanID string) int {
	for i := range r.Spans {
		if r.Spans[i].SpanID == spanID {
			return i
		}
	}

	return -1
}

// SpanUpdate carries the optional span fields a caller wants to change.
type SpanUpdate struct {
	EndTime    *time.Time
	Status     *string
	Attributes map[string]any
	Error      map[string]any
}

// Apply merges u into span and recomputes its duration when it ends.
func (u SpanUpdate) Apply(span *Span) {
	if u.EndTime != nil {
		end := *u.EndTime
		span.EndTime = &end
		span.DurationMs = end.Sub(span.StartTime).Milliseconds()
	}

	if u.Status != nil {
		span.Status = *u.Status
	}

	if len(u.Attributes) > 0 {
		if span.Attributes == nil {
			span.Attributes = map[string]any{}
		}

		for k, v := range u.Attributes {
			span.Attributes[k] = v
		}
	}

	if u.Error != nil {
		span.Error = u.Error
	}
}
