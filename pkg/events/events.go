// Package events defines the run event log entry and the typed payloads carried on the wire.
package events

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type EventType string

// Topic is the transport topic carrying every run event.
const Topic = "runflow.events"

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
	RunIDMetadataKey     = "run_id"
)

const (
	// Run lifecycle.
	RunStarted   EventType = "run.started"
	RunCompleted EventType = "run.completed"
	RunFailed    EventType = "run.failed"

	// Activity scopes.
	NodeStarted   EventType = "node.started"
	NodeCompleted EventType = "node.completed"

	// Workflow engine.
	WorkflowStarted            EventType = "workflow.started"
	WorkflowStepStarted        EventType = "workflow.step.started"
	WorkflowStepCompleted      EventType = "workflow.step.completed"
	WorkflowRetrying           EventType = "workflow.retrying"
	WorkflowWaitingForApproval EventType = "workflow.waiting_for_approval"
	WorkflowWaitingForEvent    EventType = "workflow.waiting_for_event"
	WorkflowApprovalRecorded   EventType = "workflow.approval.recorded"
	WorkflowCompleted          EventType = "workflow.completed"
	WorkflowFailed             EventType = "workflow.failed"

	// Tools.
	ToolRequested  EventType = "tool.requested"
	ToolCompleted  EventType = "tool.completed"
	ToolFailed     EventType = "tool.failed"
	ToolDenied     EventType = "tool.denied"
	ToolDiscovered EventType = "tool.discovered"

	// Run progress.
	StatusChanged       EventType = "status.changed"
	DecisionMade        EventType = "decision.made"
	OutputChunk         EventType = "output.chunk"
	ErrorRaised         EventType = "error.raised"
	RetrievalStarted    EventType = "retrieval.started"
	RetrievalCompleted  EventType = "retrieval.completed"
	GuardrailTriggered  EventType = "guardrail.triggered"
	RateLimitExceeded   EventType = "rate_limit.exceeded"
	DegradedModeEntered EventType = "degraded_mode.entered"
)

// ToolResultTypes are the events that resolve a pending tool request.
var ToolResultTypes = []EventType{ToolCompleted, ToolFailed, ToolDenied}

// IsToolResult reports whether t resolves a tool request.
func IsToolResult(t EventType) bool {
	return t == ToolCompleted || t == ToolFailed || t == ToolDenied
}

// IsRunTerminal reports whether t closes a run.
func IsRunTerminal(t EventType) bool {
	return t == RunCompleted || t == RunFailed
}

// Event is an immutable entry of a run's event log. Seq is assigned by the
// event store on append.
type Event struct {
	ID        string         `json:"id"     validate:"required"`
	RunID     string         `json:"run_id" validate:"required"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"   validate:"required,max=128"`
	Data      map[string]any `json:"data"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the envelope fields every stored event must carry.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	return nil
}

// New builds an unsequenced event. Identity keys are merged into data without
// overwriting keys the caller already set.
func New(eventType EventType, runID string, data map[string]any, identity map[string]string) Event {
	merged := make(map[string]any, len(data)+len(identity))
	for k, v := range data {
		merged[k] = v
	}

	for k, v := range identity {
		if v == "" {
			continue
		}

		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}

	return Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Data:      merged,
	}
}

// DataString returns the value stored under key when it is a string.
func (e Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}

	value, _ := e.Data[key].(string)

	return value
}
