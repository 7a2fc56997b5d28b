// Package models defines the durable records of an agent run: the run snapshot,
// the workflow snapshot and the trace.
package models

import (
	"time"
)

// Mode selects how strictly a run is verified.
type Mode string

const (
	ModeChat     Mode = "chat"
	ModeResearch Mode = "research"
)

// PlanType is the high level answer strategy chosen by the plan step.
type PlanType string

const (
	PlanDirectAnswer       PlanType = "direct_answer"
	PlanNeedsClarification PlanType = "needs_clarification"
	PlanCannotAnswer       PlanType = "cannot_answer"
)

// Outcome is the final verdict of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Tool result statuses as recorded on the run snapshot.
const (
	ToolStatusRequested = "requested"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
	ToolStatusDenied    = "denied"
)

// Guardrail statuses.
const (
	GuardrailTriggered       = "guardrail_triggered"
	GuardrailBudgetExhausted = "budget_exhausted"
)

type DecisionRecord struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Notes     string    `json:"notes,omitempty"`
	Timestamp time.Time `json:"ts"`
}

type ToolRequest struct {
	ToolName        string         `json:"tool_name"`
	Arguments       map[string]any `json:"arguments"`
	Source          string         `json:"source"`
	PermissionScope string         `json:"permission_scope"`
	Status          string         `json:"status"`
	RequestedAt     time.Time      `json:"requested_at"`
}

type ToolResult struct {
	EventID    string    `json:"event_id"`
	ToolName   string    `json:"tool_name"`
	Status     string    `json:"status"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"ts"`
}

// RetrievedChunk is one piece of evidence returned by a retriever.
type RetrievedChunk struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// RunState is the mutable snapshot of an agent run. Activities mutate it and
// the engine persists it after every step.
type RunState struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	Message string `json:"message"`
	Context string `json:"context,omitempty"`
	Mode    Mode   `json:"mode"`

	Phase              string           `json:"phase"`
	PlanType           PlanType         `json:"plan_type,omitempty"`
	VerificationPassed *bool            `json:"verification_passed,omitempty"`
	VerificationReason string           `json:"verification_reason,omitempty"`
	OutputText         string           `json:"output_text"`
	Decisions          []DecisionRecord `json:"decisions"`

	AvailableTools []string     `json:"available_tools,omitempty"`
	RequestedTool  string       `json:"requested_tool,omitempty"`
	ToolRequest    *ToolRequest `json:"tool_request,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	LastToolStatus string       `json:"last_tool_status,omitempty"`

	RetrievedChunks []RetrievedChunk `json:"retrieved_chunks,omitempty"`
	DegradedReasons []string         `json:"degraded_reasons,omitempty"`

	CostUSD         float64 `json:"cost_usd"`
	GuardrailStatus string  `json:"guardrail_status,omitempty"`
	GuardrailReason string  `json:"guardrail_reason,omitempty"`
	GuardrailLayer  string  `json:"guardrail_layer,omitempty"`
	ThreatType      string  `json:"threat_type,omitempty"`

	Outcome       Outcome `json:"outcome,omitempty"`
	OutcomeReason string  `json:"outcome_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState returns a run snapshot in the "created" phase.
func NewRunState(runID, message string, mode Mode) *RunState {
	now := time.Now().UTC()
	if mode == "" {
		mode = ModeChat
	}

	return &RunState{
		RunID:     runID,
		Message:   message,
		Mode:      mode,
		Phase:     "created",
		Decisions: []DecisionRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Identity returns the tenant and user keys attached to every event of the run.
func (s *RunState) Identity() map[string]string {
	identity := map[string]string{}
	if s.TenantID != "" {
		identity["tenant_id"] = s.TenantID
	}

	if s.UserID != "" {
		identity["user_id"] = s.UserID
	}

	return identity
}

func (s *RunState) touch() {
	s.UpdatedAt = time.Now().UTC()
}

func (s *RunState) TransitionPhase(phase string) {
	s.Phase = phase
	s.touch()
}

func (s *RunState) AppendOutput(text string) {
	s.OutputText += text
	s.touch()
}

func (s *RunState) RecordDecision(name, value, notes string) DecisionRecord {
	record := DecisionRecord{Name: name, Value: value, Notes: notes, Timestamp: time.Now().UTC()}
	s.Decisions = append(s.Decisions, record)
	s.touch()

	return record
}

// LastDecision returns the most recent decision with the given name.
func (s *RunState) LastDecision(name string) (DecisionRecord, bool) {
	for i := len(s.Decisions) - 1; i >= 0; i-- {
		if s.Decisions[i].Name == name {
			return s.Decisions[i], true
		}
	}

	return DecisionRecord{}, false
}

func (s *RunState) SetPlanType(planType PlanType) {
	s.PlanType = planType
	s.touch()
}

func (s *RunState) SetVerification(passed bool, reason string) {
	s.VerificationPassed = &passed
	s.VerificationReason = reason
	s.touch()
}

// Verified reports whether verification ran and passed.
func (s *RunState) Verified() bool {
	return s.VerificationPassed != nil && *s.VerificationPassed
}

func (s *RunState) SetAvailableTools(names []string) {
	s.AvailableTools = names
	s.touch()
}

func (s *RunState) RecordToolRequest(request ToolRequest) {
	request.Status = ToolStatusRequested
	if request.RequestedAt.IsZero() {
		request.RequestedAt = time.Now().UTC()
	}

	s.ToolRequest = &request
	s.RequestedTool = request.ToolName
	s.LastToolStatus = ToolStatusRequested
	s.touch()
}

// HasPendingToolRequest reports whether the given tool was already requested
// and no result has arrived yet.
func (s *RunState) HasPendingToolRequest(toolName string) bool {
	return s.ToolRequest != nil &&
		s.ToolRequest.ToolName == toolName &&
		s.ToolRequest.Status == ToolStatusRequested
}

// ApplyToolResult records a tool outcome. Results are keyed by event id, a
// second delivery of the same event returns false and changes nothing.
func (s *RunState) ApplyToolResult(result ToolResult) bool {
	if result.EventID != "" {
		for _, existing := range s.ToolResults {
			if existing.EventID == result.EventID {
				return false
			}
		}
	}

	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	s.ToolResults = append(s.ToolResults, result)
	s.LastToolStatus = result.Status

	if s.ToolRequest != nil && (s.ToolRequest.ToolName == result.ToolName || result.ToolName == "") {
		s.ToolRequest.Status = result.Status
	}

	s.touch()

	return true
}

// LastToolResult returns the most recently applied tool result.
func (s *RunState) LastToolResult() (ToolResult, bool) {
	if len(s.ToolResults) == 0 {
		return ToolResult{}, false
	}

	return s.ToolResults[len(s.ToolResults)-1], true
}

func (s *RunState) SetRetrievedChunks(chunks []RetrievedChunk) {
	s.RetrievedChunks = chunks
	s.touch()
}

// ChunkIDs returns the ids of the retrieved chunks in retrieval order.
func (s *RunState) ChunkIDs() []string {
	ids := make([]string, 0, len(s.RetrievedChunks))
	for _, chunk := range s.RetrievedChunks {
		ids = append(ids, chunk.ID)
	}

	return ids
}

func (s *RunState) EnterDegradedMode(reason string) {
	s.DegradedReasons = append(s.DegradedReasons, reason)
	s.touch()
}

func (s *RunState) AddCost(amount float64) {
	s.CostUSD += amount
	s.touch()
}

func (s *RunState) SetGuardrailStatus(status, reason, layer, threatType string) {
	s.GuardrailStatus = status
	s.GuardrailReason = reason
	s.GuardrailLayer = layer
	s.ThreatType = threatType
	s.touch()
}

func (s *RunState) SetOutcome(outcome Outcome, reason string) {
	s.Outcome = outcome
	s.OutcomeReason = reason
	s.touch()
}
