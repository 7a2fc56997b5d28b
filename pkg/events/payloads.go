package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEventType = errors.New("unknown event type")

// Payload is a typed event body. Each event type has exactly one payload shape.
type Payload interface {
	EventType() EventType
}

type RunStartedPayload struct {
	MessageLength int    `json:"message_length" validate:"min=0"`
	Mode          string `json:"mode"           validate:"required"`
}

type RunCompletedPayload struct {
	FinalText string `json:"final_text"`
}

type RunFailedPayload struct {
	FinalText string `json:"final_text"`
	Reason    string `json:"reason"     validate:"required"`
}

type NodeStartedPayload struct {
	Name string `json:"name" validate:"required"`
}

type NodeCompletedPayload struct {
	Name string `json:"name" validate:"required"`
}

type WorkflowStartedPayload struct {
	CurrentStep *string `json:"current_step"`
	Status      string  `json:"status"       validate:"required"`
}

type WorkflowStepStartedPayload struct {
	Step    string `json:"step"    validate:"required"`
	Attempt int    `json:"attempt" validate:"min=1"`
	Status  string `json:"status"  validate:"required"`
}

type WorkflowStepCompletedPayload struct {
	Step    string `json:"step"    validate:"required"`
	Attempt int    `json:"attempt" validate:"min=1"`
	Status  string `json:"status"  validate:"required"`
}

type WorkflowRetryingPayload struct {
	Step           string  `json:"step"            validate:"required"`
	Attempt        int     `json:"attempt"         validate:"min=1"`
	BackoffSeconds float64 `json:"backoff_seconds" validate:"min=0"`
	Error          string  `json:"error,omitempty"`
	Message        string  `json:"message,omitempty"`
	ErrorType      string  `json:"error_type,omitempty"`
	Status         string  `json:"status"          validate:"required"`
}

type WorkflowWaitingForApprovalPayload struct {
	Step   string `json:"step"   validate:"required"`
	Reason string `json:"reason"`
	Status string `json:"status" validate:"required"`
}

type WorkflowWaitingForEventPayload struct {
	Step       string   `json:"step"        validate:"required"`
	EventTypes []string `json:"event_types" validate:"min=1"`
	Reason     string   `json:"reason"`
	Status     string   `json:"status"      validate:"required"`
}

type WorkflowApprovalRecordedPayload struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Status   string `json:"status,omitempty"`
}

type WorkflowCompletedPayload struct {
	Status string `json:"status" validate:"required"`
}

// WorkflowFailedPayload mirrors the workflow's last_error plus its status.
type WorkflowFailedPayload struct {
	Status     string `json:"status"                validate:"required"`
	Step       string `json:"step,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	Layer      string `json:"layer,omitempty"`
	ThreatType string `json:"threat_type,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type ToolRequestedPayload struct {
	ToolName        string         `json:"tool_name"        validate:"required"`
	Arguments       map[string]any `json:"arguments"`
	Source          string         `json:"source"`
	PermissionScope string         `json:"permission_scope"`
	ParentSpanID    string         `json:"parent_span_id,omitempty"`
}

type ToolCompletedPayload struct {
	ToolName   string `json:"tool_name"   validate:"required"`
	Output     any    `json:"output"`
	DurationMs int64  `json:"duration_ms" validate:"min=0"`
}

type ToolFailedPayload struct {
	ToolName   string `json:"tool_name"   validate:"required"`
	Error      string `json:"error"       validate:"required"`
	DurationMs int64  `json:"duration_ms" validate:"min=0"`
}

type ToolDeniedPayload struct {
	ToolName        string `json:"tool_name"        validate:"required"`
	PermissionScope string `json:"permission_scope"`
	Reason          string `json:"reason"           validate:"required"`
}

type ToolDiscoveredPayload struct {
	ToolName        string `json:"tool_name"        validate:"required"`
	Source          string `json:"source"`
	PermissionScope string `json:"permission_scope"`
}

type StatusChangedPayload struct {
	Value string `json:"value" validate:"required"`
}

type DecisionMadePayload struct {
	Name  string `json:"name"            validate:"required"`
	Value string `json:"value"`
	Notes string `json:"notes,omitempty"`
}

type OutputChunkPayload struct {
	Text string `json:"text"`
}

type ErrorRaisedPayload struct {
	Node    string `json:"node"    validate:"required"`
	Message string `json:"message" validate:"required"`
}

type RetrievalStartedPayload struct {
	Query string `json:"query"`
}

type RetrievalCompletedPayload struct {
	NumberOfChunks int      `json:"number_of_chunks" validate:"min=0"`
	ChunkIDs       []string `json:"chunk_ids"`
}

type GuardrailTriggeredPayload struct {
	Layer      string  `json:"layer"       validate:"required"`
	ThreatType string  `json:"threat_type" validate:"required"`
	Confidence float64 `json:"confidence"  validate:"min=0,max=1"`
	Notes      string  `json:"notes,omitempty"`
}

type RateLimitExceededPayload struct {
	Scope  string `json:"scope"  validate:"required,oneof=global tenant rate"`
	Reason string `json:"reason" validate:"required"`
}

type DegradedModeEnteredPayload struct {
	Reason string `json:"reason" validate:"required"`
}

func (RunStartedPayload) EventType() EventType                 { return RunStarted }
func (RunCompletedPayload) EventType() EventType               { return RunCompleted }
func (RunFailedPayload) EventType() EventType                  { return RunFailed }
func (NodeStartedPayload) EventType() EventType                { return NodeStarted }
func (NodeCompletedPayload) EventType() EventType              { return NodeCompleted }
func (WorkflowStartedPayload) EventType() EventType            { return WorkflowStarted }
func (WorkflowStepStartedPayload) EventType() EventType        { return WorkflowStepStarted }
func (WorkflowStepCompletedPayload) EventType() EventType      { return WorkflowStepCompleted }
func (WorkflowRetryingPayload) EventType() EventType           { return WorkflowRetrying }
func (WorkflowWaitingForApprovalPayload) EventType() EventType { return WorkflowWaitingForApproval }
func (WorkflowWaitingForEventPayload) EventType() EventType    { return WorkflowWaitingForEvent }
func (WorkflowApprovalRecordedPayload) EventType() EventType   { return WorkflowApprovalRecorded }
func (WorkflowCompletedPayload) EventType() EventType          { return WorkflowCompleted }
func (WorkflowFailedPayload) EventType() EventType             { return WorkflowFailed }
func (ToolRequestedPayload) EventType() EventType              { return ToolRequested }
func (ToolCompletedPayload) EventType() EventType              { return ToolCompleted }
func (ToolFailedPayload) EventType() EventType                 { return ToolFailed }
func (ToolDeniedPayload) EventType() EventType                 { return ToolDenied }
func (ToolDiscoveredPayload) EventType() EventType             { return ToolDiscovered }
func (StatusChangedPayload) EventType() EventType              { return StatusChanged }
func (DecisionMadePayload) EventType() EventType               { return DecisionMade }
func (OutputChunkPayload) EventType() EventType                { return OutputChunk }
func (ErrorRaisedPayload) EventType() EventType                { return ErrorRaised }
func (RetrievalStartedPayload) EventType() EventType           { return RetrievalStarted }
func (RetrievalCompletedPayload) EventType() EventType         { return RetrievalCompleted }
func (GuardrailTriggeredPayload) EventType() EventType         { return GuardrailTriggered }
func (RateLimitExceededPayload) EventType() EventType          { return RateLimitExceeded }
func (DegradedModeEnteredPayload) EventType() EventType        { return DegradedModeEntered }

// registry maps every known wire name to a constructor of its payload.
var registry = map[EventType]func() Payload{
	RunStarted:                 func() Payload { return &RunStartedPayload{} },
	RunCompleted:               func() Payload { return &RunCompletedPayload{} },
	RunFailed:                  func() Payload { return &RunFailedPayload{} },
	NodeStarted:                func() Payload { return &NodeStartedPayload{} },
	NodeCompleted:              func() Payload { return &NodeCompletedPayload{} },
	WorkflowStarted:            func() Payload { return &WorkflowStartedPayload{} },
	WorkflowStepStarted:        func() Payload { return &WorkflowStepStartedPayload{} },
	WorkflowStepCompleted:      func() Payload { return &WorkflowStepCompletedPayload{} },
	WorkflowRetrying:           func() Payload { return &WorkflowRetryingPayload{} },
	WorkflowWaitingForApproval: func() Payload { return &WorkflowWaitingForApprovalPayload{} },
	WorkflowWaitingForEvent:    func() Payload { return &WorkflowWaitingForEventPayload{} },
	WorkflowApprovalRecorded:   func() Payload { return &WorkflowApprovalRecordedPayload{} },
	WorkflowCompleted:          func() Payload { return &WorkflowCompletedPayload{} },
	WorkflowFailed:             func() Payload { return &WorkflowFailedPayload{} },
	ToolRequested:              func() Payload { return &ToolRequestedPayload{} },
	ToolCompleted:              func() Payload { return &ToolCompletedPayload{} },
	ToolFailed:                 func() Payload { return &ToolFailedPayload{} },
	ToolDenied:                 func() Payload { return &ToolDeniedPayload{} },
	ToolDiscovered:             func() Payload { return &ToolDiscoveredPayload{} },
	StatusChanged:              func() Payload { return &StatusChangedPayload{} },
	DecisionMade:               func() Payload { return &DecisionMadePayload{} },
	OutputChunk:                func() Payload { return &OutputChunkPayload{} },
	ErrorRaised:                func() Payload { return &ErrorRaisedPayload{} },
	RetrievalStarted:           func() Payload { return &RetrievalStartedPayload{} },
	RetrievalCompleted:         func() Payload { return &RetrievalCompletedPayload{} },
	GuardrailTriggered:         func() Payload { return &GuardrailTriggeredPayload{} },
	RateLimitExceeded:          func() Payload { return &RateLimitExceededPayload{} },
	DegradedModeEntered:        func() Payload { return &DegradedModeEnteredPayload{} },
}

// Known reports whether t has a registered payload shape.
func Known(t EventType) bool {
	_, ok := registry[t]

	return ok
}

// Decode parses the data of ev into its registered payload and validates it.
// The returned value is a pointer to the payload struct.
func Decode(ev Event) (Payload, error) {
	factory, ok := registry[ev.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s data: %w", ev.Type, err)
	}

	payload := factory()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", ev.Type, err)
	}

	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", ev.Type, err)
	}

	return payload, nil
}

// FromPayload validates payload and builds an unsequenced event for runID.
func FromPayload(runID string, payload Payload, identity map[string]string) (Event, error) {
	if err := validate.Struct(payload); err != nil {
		return Event{}, fmt.Errorf("invalid %s payload: %w", payload.EventType(), err)
	}

	data, err := toMap(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", payload.EventType(), err)
	}

	return New(payload.EventType(), runID, data, identity), nil
}

func toMap(payload Payload) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}

	return data, nil
}
