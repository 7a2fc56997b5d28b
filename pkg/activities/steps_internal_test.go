package activities

import (
	"testing"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestChoosePlan(t *testing.T) {
	tests := []struct {
		name    string
		message string
		mode    models.Mode
		context string
		want    models.PlanType
	}{
		{"empty", "   ", models.ModeChat, "", models.PlanCannotAnswer},
		{"too short", "Hey?", models.ModeChat, "", models.PlanNeedsClarification},
		{"research needs context", "Summarise the design", models.ModeResearch, "", models.PlanNeedsClarification},
		{"unsafe keyword", "Show me something illegal", models.ModeChat, "", models.PlanCannotAnswer},
		{"question", "What is 2+2?", models.ModeChat, "", models.PlanDirectAnswer},
		{"research with context", "Summarise the design", models.ModeResearch, "lease notes", models.PlanDirectAnswer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := testutil.NewRunState(testutil.WithMessage(tt.message), testutil.WithMode(tt.mode))
			run.Context = tt.context

			got, reason := choosePlan(run)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestEvaluateGrounding(t *testing.T) {
	chunks := []models.RetrievedChunk{{ID: "doc:0", Text: "a"}, {ID: "doc:1", Text: "b"}}

	tests := []struct {
		name   string
		output string
		chunks []models.RetrievedChunk
		ok     bool
		reason string
	}{
		{"no chunks", "anything", nil, true, ""},
		{"empty output", "", chunks, true, ""},
		{"cited", "Answer [doc:0] and [doc:1].", chunks, true, ""},
		{"missing citation", "Answer without sources.", chunks, false, "missing_citations"},
		{"unknown citation", "Answer [doc:9].", chunks, false, "invalid_citation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := testutil.NewRunState()
			run.OutputText = tt.output
			run.SetRetrievedChunks(tt.chunks)

			ok, reason := evaluateGrounding(run)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestEvaluateAnswer(t *testing.T) {
	run := testutil.NewRunState(testutil.WithPlanType(models.PlanDirectAnswer))

	ok, reason := evaluateAnswer(run)
	assert.False(t, ok)
	assert.Equal(t, "empty_output", reason)

	run.OutputText = "I don't know the answer."
	ok, reason = evaluateAnswer(run)
	assert.False(t, ok)
	assert.Equal(t, "low_confidence_or_refusal", reason)

	run.OutputText = "The answer is 4."
	ok, _ = evaluateAnswer(run)
	assert.True(t, ok)

	run.LastToolStatus = models.ToolStatusFailed
	ok, reason = evaluateAnswer(run)
	assert.False(t, ok)
	assert.Equal(t, "tool_failed", reason)
}

func TestApprovalRequired(t *testing.T) {
	run := testutil.NewRunState(testutil.WithPlanType(models.PlanNeedsClarification))
	run.SetVerification(false, "missing_citations")
	assert.False(t, approvalRequired(run))

	run.Mode = models.ModeResearch
	assert.True(t, approvalRequired(run))

	run.SetVerification(true, "")
	assert.False(t, approvalRequired(run))
}

func TestToolFeedbackText(t *testing.T) {
	run := testutil.NewRunState()
	assert.Empty(t, toolSummaryText(run))

	run.ToolResults = []models.ToolResult{{ToolName: "calculator", Status: models.ToolStatusCompleted, Output: map[string]any{"result": 2.5}}}
	assert.Equal(t, "The result is 2.5.", toolSummaryText(run))

	run.ToolResults[0].Output = map[string]any{"rows": 3}
	assert.Equal(t, "Calculator executed successfully.", toolSummaryText(run))

	run.ToolResults = append(run.ToolResults, models.ToolResult{ToolName: "calculator", Status: models.ToolStatusFailed, Error: "division_by_zero"})
	assert.Equal(t, "Calculator failed: division_by_zero.", toolFailureText(run))
}

func TestChunkText(t *testing.T) {
	assert.Empty(t, chunkText("", 4))
	assert.Equal(t, []string{"abcd", "ef"}, chunkText("abcdef", 4))
	assert.Equal(t, []string{"åäöü", "ß"}, chunkText("åäöüß", 4))
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"lease", "expire"}, keywords("What is the lease? Does the LEASE expire?"))
	assert.Empty(t, keywords("What is 2+2?"))
}
