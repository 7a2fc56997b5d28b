package activities

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/guardrails"
	"github.com/dukex/runflow/pkg/limits"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/observability"
	"github.com/dukex/runflow/pkg/workflow"
)

const budgetRefusal = "Run halted: model budget exhausted."

var citationPattern = regexp.MustCompile(`\[([\w\-\.:]+)\]`)

func (a *Activities) Receive(ctx context.Context, run *models.RunState, _ *models.WorkflowState) (workflow.Outcome, error) {
	return a.scope(ctx, run, models.StepReceive, PhaseReceive, func(ctx context.Context) (workflow.Outcome, error) {
		a.logger.InfoContext(ctx, "Run received", "run_id", run.RunID, "message_length", len(run.Message), "context_length", len(run.Context), "mode", run.Mode)
		a.status(ctx, run, "received")

		return workflow.Continue{}, nil
	})
}

// Plan chooses the answer strategy, advertises the allowed tools and requests
// a tool when the message asks for one.
func (a *Activities) Plan(ctx context.Context, run *models.RunState, _ *models.WorkflowState) (workflow.Outcome, error) {
	return a.scope(ctx, run, models.StepPlan, PhasePlan, func(ctx context.Context) (workflow.Outcome, error) {
		a.status(ctx, run, "thinking")

		planType, reason := choosePlan(run)
		run.SetPlanType(planType)
		a.decide(ctx, run, "plan_type", string(planType), reason)

		allowed := a.deps.Permissions.Filter(a.deps.Tools.Descriptors())

		names := make([]string, 0, len(allowed))
		for _, descriptor := range allowed {
			names = append(names, descriptor.Name)
		}

		run.SetAvailableTools(names)

		available := "none"
		if len(names) > 0 {
			available = strings.Join(names, ", ")
		}

		a.decide(ctx, run, "available_tools", available, fmt.Sprintf("%d tool(s) available", len(names)))

		for _, descriptor := range allowed {
			a.notify(ctx, run, &events.ToolDiscoveredPayload{
				ToolName:        descriptor.Name,
				Source:          descriptor.Source,
				PermissionScope: descriptor.PermissionScope,
			})
		}

		if planType != models.PlanDirectAnswer {
			a.decide(ctx, run, "tool_selected", "none", "no matching tool")

			return workflow.Continue{}, nil
		}

		descriptor, arguments, ok := MatchToolIntent(run.Message, allowed)
		if !ok {
			a.decide(ctx, run, "tool_selected", "none", "no matching tool")

			return workflow.Continue{}, nil
		}

		a.decide(ctx, run, "tool_selected", descriptor.Name, descriptor.Name+" selected")

		if run.ToolRequest != nil && run.ToolRequest.ToolName == descriptor.Name {
			a.logger.InfoContext(ctx, "Tool already requested, not requesting again", "run_id", run.RunID, "tool", descriptor.Name)

			return workflow.Continue{}, nil
		}

		run.RecordToolRequest(models.ToolRequest{
			ToolName:        descriptor.Name,
			Arguments:       arguments,
			Source:          descriptor.Source,
			PermissionScope: descriptor.PermissionScope,
		})

		err := a.publish(ctx, run, &events.ToolRequestedPayload{
			ToolName:        descriptor.Name,
			Arguments:       arguments,
			Source:          descriptor.Source,
			PermissionScope: descriptor.PermissionScope,
			ParentSpanID:    activitySpan(ctx),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to request tool %s: %w", descriptor.Name, err)
		}

		a.logger.InfoContext(ctx, "Tool requested", "run_id", run.RunID, "tool", descriptor.Name, "arguments", arguments)
		a.status(ctx, run, "waiting_for_tool")

		return workflow.Continue{}, nil
	})
}

func choosePlan(run *models.RunState) (models.PlanType, string) {
	message := strings.TrimSpace(run.Message)

	switch {
	case message == "":
		return models.PlanCannotAnswer, "empty message"
	case len([]rune(message)) < 6:
		return models.PlanNeedsClarification, "very short message"
	case run.Mode == models.ModeResearch && strings.TrimSpace(run.Context) == "":
		return models.PlanNeedsClarification, "research mode without context"
	}

	lowered := strings.ToLower(message)
	for _, keyword := range []string{"illegal", "forbidden", "unsafe"} {
		if strings.Contains(lowered, keyword) {
			return models.PlanCannotAnswer, "potentially unsafe request"
		}
	}

	if strings.HasSuffix(message, "?") {
		return models.PlanDirectAnswer, "question detected"
	}

	return models.PlanDirectAnswer, "default direct answer path"
}

// Retrieve gathers evidence once any requested tool has answered. A retriever
// failure degrades the run instead of failing the step.
func (a *Activities) Retrieve(ctx context.Context, run *models.RunState, _ *models.WorkflowState) (workflow.Outcome, error) {
	return a.scope(ctx, run, models.StepRetrieve, PhaseRetrieve, func(ctx context.Context) (workflow.Outcome, error) {
		if run.LastToolStatus == models.ToolStatusRequested {
			return workflow.AwaitEvents{Types: toolResultTypes, Reason: "waiting_for_tool"}, nil
		}

		query := strings.TrimSpace(run.Message)
		if extra := strings.TrimSpace(run.Context); extra != "" {
			query += "\n\nContext:\n" + extra
		}

		a.notify(ctx, run, &events.RetrievalStartedPayload{Query: query})

		chunks := []models.RetrievedChunk{}

		if a.deps.Retriever != nil {
			found, err := a.deps.Retriever.Query(ctx, query, a.deps.TopK)
			if err != nil {
				a.logger.WarnContext(ctx, "Retrieval degraded", "run_id", run.RunID, "error", err)
				run.EnterDegradedMode("retrieval_unavailable")
				a.notify(ctx, run, &events.DegradedModeEnteredPayload{Reason: "retrieval_unavailable"})
				a.notify(ctx, run, &events.ErrorRaisedPayload{Node: models.StepRetrieve, Message: "retrieval_failed: " + err.Error()})
			} else {
				chunks = found
			}
		}

		run.SetRetrievedChunks(chunks)

		ids := run.ChunkIDs()
		a.notify(ctx, run, &events.RetrievalCompletedPayload{NumberOfChunks: len(ids), ChunkIDs: ids})

		count := strconv.Itoa(len(ids))
		a.decide(ctx, run, "retrieval_chunks", count, count+" chunk(s) retrieved")

		return workflow.Continue{}, nil
	})
}

// Respond produces the answer text according to the plan.
func (a *Activities) Respond(ctx context.Context, run *models.RunState, _ *models.WorkflowState) (workflow.Outcome, error) {
	return a.scope(ctx, run, models.StepRespond, PhaseRespond, func(ctx context.Context) (workflow.Outcome, error) {
		if run.LastToolStatus == models.ToolStatusRequested {
			return workflow.AwaitEvents{Types: toolResultTypes, Reason: "waiting_for_tool"}, nil
		}

		if run.GuardrailStatus == models.GuardrailBudgetExhausted {
			return nil, a.budgetExceeded(run)
		}

		plan := run.PlanType
		if plan == "" {
			plan = models.PlanDirectAnswer
		}

		strategy := "model_stream"
		notes := ""

		switch {
		case run.LastToolStatus == models.ToolStatusCompleted && strings.TrimSpace(run.OutputText) == "":
			strategy = "tool_summary"
			notes = run.RequestedTool

			if summary := toolSummaryText(run); summary != "" {
				if err := a.stream(ctx, run, summary, ""); err != nil {
					return nil, err
				}
			}
		case plan == models.PlanDirectAnswer:
			text, err := a.generate(ctx, run)
			if err != nil {
				var exceeded *limits.BudgetExceeded
				if errors.As(err, &exceeded) {
					return nil, a.haltOnBudget(ctx, run, exceeded)
				}

				return nil, fmt.Errorf("generation failed: %w", err)
			}

			if err := a.stream(ctx, run, text, "responding"); err != nil {
				return nil, err
			}
		case plan == models.PlanNeedsClarification:
			strategy = "clarify_static"
			notes = "requesting additional details"
			text := fmt.Sprintf("Mode %s: I need more details about \"%s\" to continue. Please clarify so run %s can proceed.",
				run.Mode, snippetOf(run.Message, 80), run.RunID)

			if err := a.stream(ctx, run, text, "responding"); err != nil {
				return nil, err
			}
		default:
			strategy = "refuse_static"
			notes = "insufficient or unsafe request"
			text := fmt.Sprintf("Mode %s: I cannot produce a reliable response for \"%s\". Run %s must stop here.",
				run.Mode, snippetOf(run.Message, 80), run.RunID)

			if err := a.stream(ctx, run, text, "responding"); err != nil {
				return nil, err
			}
		}

		a.logger.InfoContext(ctx, "Response produced", "run_id", run.RunID, "strategy", strategy)
		a.decide(ctx, run, "response_strategy", strategy, notes)

		return workflow.Continue{}, nil
	})
}

// stream appends text to the output, validates it and emits it in chunks.
func (a *Activities) stream(ctx context.Context, run *models.RunState, text, status string) error {
	if text == "" {
		return nil
	}

	run.AppendOutput(text)

	if err := a.ensureOutputSafe(ctx, run, false); err != nil {
		return err
	}

	if status != "" {
		a.status(ctx, run, status)
	}

	a.output(ctx, run, text)

	return nil
}

// generate runs the generator under a model span and charges its cost to the
// run budget.
func (a *Activities) generate(ctx context.Context, run *models.RunState) (string, error) {
	spanID := a.deps.Tracer.StartSpan(ctx, run.RunID, "model.generate", observability.KindModel, activitySpan(ctx),
		map[string]any{"mode": string(run.Mode)})

	text, err := collect(ctx, a.deps.Generator, GenerateRequest{
		RunID:    run.RunID,
		Message:  run.Message,
		Context:  run.Context,
		Mode:     run.Mode,
		Evidence: run.RetrievedChunks,
	})

	inputTokens := countTokens(run.Message, run.Context)
	for _, chunk := range run.RetrievedChunks {
		inputTokens += countTokens(chunk.Text)
	}

	outputTokens := countTokens(text)
	cost := float64(inputTokens+outputTokens) * a.deps.CostPerTokenUSD

	a.deps.Tracer.AddSpanAttribute(ctx, run.RunID, spanID, "input_token_count", inputTokens)
	a.deps.Tracer.AddSpanAttribute(ctx, run.RunID, spanID, "output_token_count", outputTokens)
	a.deps.Tracer.AddSpanAttribute(ctx, run.RunID, spanID, "estimated_cost_usd", cost)

	if err != nil {
		a.deps.Tracer.EndSpan(ctx, run.RunID, spanID, models.SpanStatusError,
			map[string]any{"error_type": "network_failure", "message": err.Error()}, nil)
	} else {
		a.deps.Tracer.EndSpan(ctx, run.RunID, spanID, models.SpanStatusOK, nil, nil)
	}

	a.deps.Tracer.RecordUsage(ctx, run.RunID, models.TraceTotals{
		TotalCostUSD:      cost,
		TotalModelCalls:   1,
		TotalInputTokens:  inputTokens,
		TotalOutputTokens: outputTokens,
	})

	run.AddCost(cost)

	if a.deps.Budget != nil {
		if _, budgetErr := a.deps.Budget.Record(run.RunID, cost); budgetErr != nil {
			return "", budgetErr
		}
	}

	return text, err
}

// budgetExceeded rebuilds the error of a run whose budget ran out on an
// earlier attempt.
func (a *Activities) budgetExceeded(run *models.RunState) *limits.BudgetExceeded {
	if a.deps.Budget == nil {
		return &limits.BudgetExceeded{SpentUSD: run.CostUSD}
	}

	return &limits.BudgetExceeded{SpentUSD: a.deps.Budget.Spent(run.RunID), LimitUSD: a.deps.Budget.Limit()}
}

// haltOnBudget records the budget refusal on the run and returns exceeded so
// the engine sees the attempt fail.
func (a *Activities) haltOnBudget(ctx context.Context, run *models.RunState, exceeded *limits.BudgetExceeded) error {
	a.logger.WarnContext(ctx, "Model budget exhausted", "run_id", run.RunID, "spent_usd", exceeded.SpentUSD, "limit_usd", exceeded.LimitUSD)

	if err := a.stream(ctx, run, budgetRefusal, "failed"); err != nil {
		return err
	}

	a.decide(ctx, run, "budget_status", "exhausted", "model_budget_exceeded")
	run.SetGuardrailStatus(models.GuardrailBudgetExhausted, exceeded.Reason(), guardrails.LayerSystem, guardrails.ThreatResourceLimit)
	run.SetVerification(false, exceeded.Reason())
	run.SetOutcome(models.OutcomeFailed, exceeded.Reason())

	return exceeded
}

// Verify checks grounding against the retrieved chunks and then the general
// answer quality.
func (a *Activities) Verify(ctx context.Context, run *models.RunState, _ *models.WorkflowState) (workflow.Outcome, error) {
	return a.scope(ctx, run, models.StepVerify, PhaseVerify, func(ctx context.Context) (workflow.Outcome, error) {
		if run.LastToolStatus == models.ToolStatusCompleted && strings.TrimSpace(run.OutputText) == "" {
			if summary := toolSummaryText(run); summary != "" {
				run.AppendOutput(summary)

				if err := a.ensureOutputSafe(ctx, run, false); err != nil {
					return nil, err
				}

				a.output(ctx, run, summary)
			}
		}

		grounded, reason := evaluateGrounding(run)
		a.decide(ctx, run, "grounding", passFail(grounded), reason)

		passed := grounded
		if grounded {
			passed, reason = evaluateAnswer(run)
		}

		run.SetVerification(passed, reason)
		a.decide(ctx, run, "verification", passFail(passed), reason)
		a.logger.InfoContext(ctx, "Verification finished", "run_id", run.RunID, "passed", passed, "reason", reason)

		return workflow.Continue{}, nil
	})
}

// evaluateGrounding requires every citation to name a retrieved chunk, and at
// least one citation when chunks were retrieved.
func evaluateGrounding(run *models.RunState) (bool, string) {
	if strings.TrimSpace(run.OutputText) == "" || len(run.RetrievedChunks) == 0 {
		return true, ""
	}

	citations := citationPattern.FindAllStringSubmatch(run.OutputText, -1)
	if len(citations) == 0 {
		return false, "missing_citations"
	}

	known := map[string]struct{}{}
	for _, id := range run.ChunkIDs() {
		known[id] = struct{}{}
	}

	for _, citation := range citations {
		if _, ok := known[citation[1]]; !ok {
			return false, "invalid_citation"
		}
	}

	return true, ""
}

func evaluateAnswer(run *models.RunState) (bool, string) {
	switch run.LastToolStatus {
	case models.ToolStatusCompleted:
		return true, ""
	case models.ToolStatusFailed:
		return false, "tool_failed"
	}

	text := strings.TrimSpace(run.OutputText)
	if text == "" {
		return false, "empty_output"
	}

	if run.PlanType == models.PlanDirectAnswer {
		lowered := strings.ToLower(text)
		for _, prefix := range []string{"i don't know", "cannot", "can't"} {
			if strings.HasPrefix(lowered, prefix) {
				return false, "low_confidence_or_refusal"
			}
		}
	}

	return true, ""
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}

	return "fail"
}

// MaybeApprove pauses unverified answers for a human decision when the mode or
// plan calls for it. An approval overrides the failed verification.
func (a *Activities) MaybeApprove(ctx context.Context, run *models.RunState, wf *models.WorkflowState) (workflow.Outcome, error) {
	return a.scope(ctx, run, models.StepMaybeApprove, PhaseApproval, func(ctx context.Context) (workflow.Outcome, error) {
		if !approvalRequired(run) {
			a.decide(ctx, run, "human_approval", "skipped", "not_required")

			return workflow.Continue{}, nil
		}

		if wf.HumanDecision == nil {
			a.status(ctx, run, "waiting_for_approval")

			return workflow.AwaitApproval{Reason: "verification_failed"}, nil
		}

		decision := *wf.HumanDecision
		if decision == models.DecisionApproved {
			run.SetVerification(true, "human_override")
		}

		a.decide(ctx, run, "human_approval", decision, "approval_recorded")

		return workflow.Continue{}, nil
	})
}

func approvalRequired(run *models.RunState) bool {
	if run.Verified() {
		return false
	}

	return run.Mode == models.ModeResearch || run.PlanType == models.PlanDirectAnswer
}

// Finalize settles the outcome and emits the terminal run event. An unverified
// run also fails the workflow.
func (a *Activities) Finalize(ctx context.Context, run *models.RunState, wf *models.WorkflowState) (workflow.Outcome, error) {
	return a.scope(ctx, run, models.StepFinalize, PhaseFinalize, func(ctx context.Context) (workflow.Outcome, error) {
		passed := run.Verified()

		reason := ""
		if !passed {
			reason = run.VerificationReason
			if reason == "" {
				reason = "verification_failed"
			}

			if failure := toolFailureText(run); failure != "" && strings.TrimSpace(run.OutputText) == "" {
				run.AppendOutput(failure)
				a.output(ctx, run, failure)
			}
		}

		if passed || strings.TrimSpace(run.OutputText) != "" {
			if err := a.ensureOutputSafe(ctx, run, true); err != nil {
				return nil, err
			}
		}

		outcome := models.OutcomeSuccess
		if !passed {
			outcome = models.OutcomeFailed
		}

		run.SetOutcome(outcome, reason)
		a.decide(ctx, run, "outcome", string(outcome), reason)

		var payload events.Payload = &events.RunCompletedPayload{FinalText: run.OutputText}
		if !passed {
			payload = &events.RunFailedPayload{FinalText: run.OutputText, Reason: reason}
		}

		if err := a.publish(ctx, run, payload); err != nil {
			return nil, fmt.Errorf("failed to publish run outcome: %w", err)
		}

		a.status(ctx, run, "complete")
		a.logger.InfoContext(ctx, "Run finalized", "run_id", run.RunID, "outcome", outcome, "reason", reason)

		if !passed {
			wf.MarkFailed(map[string]any{
				"error":   "verification_failed",
				"message": reason,
				"step":    models.StepFinalize,
			})
		}

		return workflow.Continue{}, nil
	})
}
