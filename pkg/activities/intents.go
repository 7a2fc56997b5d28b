package activities

import (
	"regexp"
	"strconv"

	"github.com/dukex/runflow/pkg/tools"
)

const number = `(-?\d+(?:\.\d+)?)`

var (
	symbolExpression = regexp.MustCompile(number + `\s*([+\-*/])\s*` + number)

	symbolOperations = map[string]string{
		"+": "add",
		"-": "subtract",
		"*": "multiply",
		"/": "divide",
	}

	keywordExpressions = []struct {
		pattern   *regexp.Regexp
		operation string
		reversed  bool
	}{
		{regexp.MustCompile(`(?i)\badd\s+` + number + `\s+(?:and|to)\s+` + number), "add", false},
		{regexp.MustCompile(`(?i)\bsubtract\s+` + number + `\s+from\s+` + number), "subtract", true},
		{regexp.MustCompile(`(?i)\b(?:multiply|times)\s+` + number + `\s+(?:and|by)\s+` + number), "multiply", false},
		{regexp.MustCompile(`(?i)\bdivide\s+` + number + `\s+by\s+` + number), "divide", false},
	}
)

// MatchToolIntent picks the first allowed tool the message asks for and the
// arguments to call it with.
func MatchToolIntent(message string, allowed []tools.Descriptor) (tools.Descriptor, map[string]any, bool) {
	for _, descriptor := range allowed {
		var arguments map[string]any

		switch descriptor.Name {
		case tools.CalculatorName:
			arguments = calculatorIntent(message)
		}

		if arguments != nil {
			return descriptor, arguments, true
		}
	}

	return tools.Descriptor{}, nil, false
}

func calculatorIntent(message string) map[string]any {
	if match := symbolExpression.FindStringSubmatch(message); match != nil {
		a, errA := strconv.ParseFloat(match[1], 64)
		b, errB := strconv.ParseFloat(match[3], 64)

		if errA == nil && errB == nil {
			return map[string]any{"operation": symbolOperations[match[2]], "a": a, "b": b}
		}
	}

	for _, expression := range keywordExpressions {
		match := expression.pattern.FindStringSubmatch(message)
		if match == nil {
			continue
		}

		a, errA := strconv.ParseFloat(match[1], 64)
		b, errB := strconv.ParseFloat(match[2], 64)

		if errA != nil || errB != nil {
			continue
		}

		if expression.reversed {
			a, b = b, a
		}

		return map[string]any{"operation": expression.operation, "a": a, "b": b}
	}

	return nil
}
