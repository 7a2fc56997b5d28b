package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Step names, in execution order.
const (
	StepReceive      = "receive"
	StepPlan         = "plan"
	StepRetrieve     = "retrieve"
	StepRespond      = "respond"
	StepVerify       = "verify"
	StepMaybeApprove = "maybe_approve"
	StepFinalize     = "finalize"
)

// Steps is the fixed ordered step table.
var Steps = []string{
	StepReceive,
	StepPlan,
	StepRetrieve,
	StepRespond,
	StepVerify,
	StepMaybeApprove,
	StepFinalize,
}

// IsStep reports whether name is part of the step table.
func IsStep(name string) bool {
	return slices.Contains(Steps, name)
}

// NextStep returns the step following step, or false when step is the last one
// or unknown.
func NextStep(step string) (string, bool) {
	idx := slices.Index(Steps, step)
	if idx < 0 || idx+1 >= len(Steps) {
		return "", false
	}

	return Steps[idx+1], true
}

// WorkflowStatus represents the lifecycle state of a run's workflow.
type WorkflowStatus string

const (
	WorkflowStatusRunning            WorkflowStatus = "running"
	WorkflowStatusWaitingForApproval WorkflowStatus = "waiting_for_approval"
	WorkflowStatusRetrying           WorkflowStatus = "retrying"
	WorkflowStatusCompleted          WorkflowStatus = "completed"
	WorkflowStatusFailed             WorkflowStatus = "failed"
)

// Human approval decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Wait kinds recorded while a workflow is parked.
const (
	WaitKindHumanApproval = "human_approval"
	WaitKindExternalEvent = "external_event"
)

var ErrInvalidWorkflowState = errors.New("invalid workflow state")

// WorkflowState is the engine's durable control record for one run.
type WorkflowState struct {
	RunID           string         `json:"run_id"`
	CurrentStep     *string        `json:"current_step"`
	Status          WorkflowStatus `json:"status"`
	Attempts        map[string]int `json:"attempts"`
	WaitingForHuman bool           `json:"waiting_for_human"`
	HumanDecision   *string        `json:"human_decision,omitempty"`
	LastError       map[string]any `json:"last_error,omitempty"`
	PendingEvents   []string       `json:"pending_events"`
	RootSpanID      string         `json:"root_span_id,omitempty"`
	WaitSpanID      string         `json:"wait_span_id,omitempty"`
	WaitKind        string         `json:"wait_kind,omitempty"`
	WaitReason      string         `json:"wait_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewWorkflowState returns a fresh workflow snapshot positioned on the first step.
func NewWorkflowState(runID string) *WorkflowState {
	now := time.Now().UTC()
	step := StepReceive

	return &WorkflowState{
		RunID:         runID,
		CurrentStep:   &step,
		Status:        WorkflowStatusRunning,
		Attempts:      map[string]int{},
		PendingEvents: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns the current step name, or "" once the workflow has no step left.
func (w *WorkflowState) Step() string {
	if w.CurrentStep == nil {
		return ""
	}

	return *w.CurrentStep
}

func (w *WorkflowState) Touch() {
	w.UpdatedAt = time.Now().UTC()
}

// RecordAttempt increments and returns the attempt count of the current step.
func (w *WorkflowState) RecordAttempt() int {
	if w.Attempts == nil {
		w.Attempts = map[string]int{}
	}

	step := w.Step()
	w.Attempts[step]++
	w.Touch()

	return w.Attempts[step]
}

func (w *WorkflowState) AdvanceTo(step string) {
	w.CurrentStep = &step
	w.Status = WorkflowStatusRunning
	w.WaitingForHuman = false
	w.LastError = nil
	w.PendingEvents = []string{}
	w.Touch()
}

func (w *WorkflowState) MarkRetrying(lastError map[string]any) {
	w.Status = WorkflowStatusRetrying
	w.LastError = lastError
	w.PendingEvents = []string{}
	w.Touch()
}

func (w *WorkflowState) MarkWaitingForHuman() {
	w.WaitingForHuman = true
	w.Status = WorkflowStatusWaitingForApproval
	w.PendingEvents = []string{}
	w.Touch()
}

func (w *WorkflowState) SetHumanDecision(decision string) {
	w.HumanDecision = &decision
	w.WaitingForHuman = false
	w.PendingEvents = []string{}
	w.Touch()
}

// MarkCompleted finishes the workflow. The current step is cleared so a
// completed workflow never points at a step.
func (w *WorkflowState) MarkCompleted() {
	w.Status = WorkflowStatusCompleted
	w.CurrentStep = nil
	w.WaitingForHuman = false
	w.PendingEvents = []string{}
	w.Touch()
}

func (w *WorkflowState) MarkFailed(lastError map[string]any) {
	w.Status = WorkflowStatusFailed
	w.LastError = lastError
	w.WaitingForHuman = false
	w.PendingEvents = []string{}
	w.Touch()
}

// WaitForEvents parks the workflow until one of the given event types arrives.
func (w *WorkflowState) WaitForEvents(types []string) {
	w.PendingEvents = slices.Clone(types)
	w.WaitingForHuman = false
	w.Touch()
}

func (w *WorkflowState) ClearPendingEvents() {
	w.PendingEvents = []string{}
	w.Touch()
}

// IsWaitingFor reports whether the workflow accepts an event of the given type
// as its resume signal.
func (w *WorkflowState) IsWaitingFor(eventType string) bool {
	return slices.Contains(w.PendingEvents, eventType)
}

func (w *WorkflowState) IsTerminal() bool {
	return w.Status == WorkflowStatusCompleted || w.Status == WorkflowStatusFailed
}

// Validate checks the structural invariants every persisted snapshot holds.
func (w *WorkflowState) Validate() error {
	if w.CurrentStep != nil && !IsStep(*w.CurrentStep) {
		return fmt.Errorf("%w: unknown step %q", ErrInvalidWorkflowState, *w.CurrentStep)
	}

	if w.Status == WorkflowStatusWaitingForApproval && (!w.WaitingForHuman || len(w.PendingEvents) > 0) {
		return fmt.Errorf("%w: waiting_for_approval requires a human wait and no pending events", ErrInvalidWorkflowState)
	}

	if len(w.PendingEvents) > 0 && w.WaitingForHuman {
		return fmt.Errorf("%w: pending events and human wait are exclusive", ErrInvalidWorkflowState)
	}

	if (w.CurrentStep == nil) != (w.Status == WorkflowStatusCompleted) {
		return fmt.Errorf("%w: current_step must be empty exactly when completed", ErrInvalidWorkflowState)
	}

	return nil
}
