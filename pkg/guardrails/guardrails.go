// Package guardrails holds the pass/fail safety checks run on user input and
// generated output.
package guardrails

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/runflow/pkg/models"
)

// Layers a violation can be raised from.
const (
	LayerInput   = "input"
	LayerContext = "context"
	LayerOutput  = "output"
	LayerTool    = "tool"
	LayerSystem  = "system"
)

// Threat types.
const (
	ThreatPromptInjection       = "prompt_injection"
	ThreatPolicyViolation       = "policy_violation"
	ThreatUnexpectedOutputShape = "unexpected_output_shape"
	ThreatToolAbuse             = "tool_abuse"
	ThreatResourceLimit         = "resource_limit"
)

// Confidence levels attached to a violation.
const (
	ConfidenceLow    = 0.3
	ConfidenceMedium = 0.6
	ConfidenceHigh   = 0.9
)

// RefusalText is the canonical user visible refusal.
const RefusalText = "This request cannot be completed as stated."

// Violation stops a run. It is never retried.
type Violation struct {
	Layer      string
	ThreatType string
	Confidence float64
	Notes      string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation (%s/%s): %s", v.Layer, v.ThreatType, v.Notes)
}

// AsViolation unwraps err into a *Violation when it carries one.
func AsViolation(err error) (*Violation, bool) {
	var violation *Violation
	if errors.As(err, &violation) {
		return violation, true
	}

	return nil, false
}

type InputGate interface {
	Enforce(ctx context.Context, state *models.RunState) error
}

type OutputValidator interface {
	Validate(ctx context.Context, state *models.RunState, enforceCitations bool) error
}

// Refusal returns the canonical refusal, optionally followed by extra context.
func Refusal(additional string) string {
	if additional == "" {
		return RefusalText
	}

	return RefusalText + " " + additional
}

// ApplyRefusal replaces the run output with the refusal and records why.
func ApplyRefusal(state *models.RunState, reason string) string {
	if reason == "" {
		reason = "guardrail_refused"
	}

	message := Refusal("")
	state.OutputText = message
	state.RecordDecision("guardrail_refusal", "triggered", reason)

	return message
}

// Record copies a violation onto the run snapshot.
func Record(state *models.RunState, violation *Violation) {
	reason := violation.Notes
	if reason == "" {
		reason = violation.ThreatType
	}

	state.SetGuardrailStatus(models.GuardrailTriggered, reason, violation.Layer, violation.ThreatType)
}
