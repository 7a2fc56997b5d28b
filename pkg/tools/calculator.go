package tools

import (
	"context"
	"fmt"
)

const CalculatorName = "calculator"

// Calculator performs the four basic arithmetic operations.
type Calculator struct{}

func (Calculator) Descriptor() Descriptor {
	return Descriptor{
		Name:            CalculatorName,
		Description:     "Performs simple arithmetic operations safely.",
		Source:          "builtin",
		PermissionScope: "calculator.execute",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{
					"type": "string",
					"enum": []any{"add", "subtract", "multiply", "divide"},
				},
				"a": map[string]any{"type": "number", "description": "First operand"},
				"b": map[string]any{"type": "number", "description": "Second operand"},
			},
			"required":             []any{"operation", "a", "b"},
			"additionalProperties": false,
		},
	}
}

func (Calculator) Execute(_ context.Context, arguments map[string]any) (map[string]any, error) {
	a, okA := toFloat(arguments["a"])
	b, okB := toFloat(arguments["b"])

	if !okA || !okB {
		return nil, &ExecutionError{Code: "invalid_operands"}
	}

	var result float64

	switch operation := arguments["operation"]; operation {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return nil, &ExecutionError{Code: "division_by_zero"}
		}

		result = a / b
	default:
		return nil, &ExecutionError{Code: fmt.Sprintf("unsupported operation %v", operation)}
	}

	return map[string]any{"result": result}, nil
}

func toFloat(value any) (float64, bool) {
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
