package activities

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dukex/runflow/pkg/models"
)

func lastCompletedTool(run *models.RunState) (models.ToolResult, bool) {
	for i := len(run.ToolResults) - 1; i >= 0; i-- {
		if run.ToolResults[i].Status == models.ToolStatusCompleted {
			return run.ToolResults[i], true
		}
	}

	return models.ToolResult{}, false
}

// toolSummaryText phrases the latest completed tool result for the user.
func toolSummaryText(run *models.RunState) string {
	result, ok := lastCompletedTool(run)
	if !ok || result.Output == nil {
		return ""
	}

	if output, ok := result.Output.(map[string]any); ok {
		if value, ok := numeric(output["result"]); ok {
			return fmt.Sprintf("The result is %s.", formatNumber(value))
		}
	}

	return fmt.Sprintf("%s executed successfully.", capitalize(result.ToolName))
}

// toolFailureText phrases the latest tool failure, if the last result is one.
func toolFailureText(run *models.RunState) string {
	result, ok := run.LastToolResult()
	if !ok || result.Status != models.ToolStatusFailed || result.Error == "" {
		return ""
	}

	return fmt.Sprintf("%s failed: %s.", capitalize(result.ToolName), result.Error)
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func formatNumber(value float64) string {
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		return strconv.FormatInt(int64(value), 10)
	}

	return strconv.FormatFloat(value, 'f', -1, 64)
}

func capitalize(name string) string {
	if name == "" {
		return "Tool"
	}

	return strings.ToUpper(name[:1]) + name[1:]
}
