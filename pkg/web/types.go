// Package web provides HTTP request and response types for the run API.
package web

import (
	"github.com/dukex/runflow/pkg/coordinator"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
)

// StartRunRequest represents the request body for starting a run.
type StartRunRequest struct {
	RunID    string `json:"run_id,omitempty"    validate:"omitempty,max=128"`
	Message  string `json:"message"             validate:"required"`
	Context  string `json:"context,omitempty"`
	Mode     string `json:"mode,omitempty"      validate:"omitempty,oneof=chat research"`
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

func (r StartRunRequest) toCoordinator() coordinator.StartRequest {
	return coordinator.StartRequest{
		RunID:    r.RunID,
		Message:  r.Message,
		Context:  r.Context,
		Mode:     r.Mode,
		TenantID: r.TenantID,
		UserID:   r.UserID,
	}
}

// ApprovalRequest represents the request body for recording a human decision.
type ApprovalRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
}

// RunResponse summarises a run right after it was admitted or refused.
type RunResponse struct {
	RunID         string         `json:"run_id"`
	Status        string         `json:"status"`
	Mode          models.Mode    `json:"mode"`
	Outcome       models.Outcome `json:"outcome,omitempty"`
	OutcomeReason string         `json:"outcome_reason,omitempty"`
	OutputText    string         `json:"output_text,omitempty"`
}

// Run admission statuses reported by POST /runs.
const (
	RunStatusAccepted = "accepted"
	RunStatusRefused  = "refused"
)

// NewRunResponse reports a refused run when it already carries a failed
// outcome.
func NewRunResponse(run *models.RunState) RunResponse {
	response := RunResponse{
		RunID:  run.RunID,
		Status: RunStatusAccepted,
		Mode:   run.Mode,
	}

	if run.Outcome == models.OutcomeFailed {
		response.Status = RunStatusRefused
		response.Outcome = run.Outcome
		response.OutcomeReason = run.OutcomeReason
		response.OutputText = run.OutputText
	}

	return response
}

// EventsResponse lists the stored events of a run.
type EventsResponse struct {
	RunID  string         `json:"run_id"`
	Events []events.Event `json:"events"`
}

// TraceResponse is a trace with its spans.
type TraceResponse struct {
	Trace *models.Trace `json:"trace"`
	Spans []models.Span `json:"spans"`
}

// ApprovalResponse acknowledges a recorded decision.
type ApprovalResponse struct {
	RunID    string `json:"run_id"`
	Decision string `json:"decision"`
}
