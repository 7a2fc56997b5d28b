package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dukex/runflow/pkg/models"
)

type rule struct {
	name       string
	threatType string
	confidence float64
	match      func(text string) string
}

var (
	overridePatterns = compileAll(
		`ignore\s+previous\s+instructions`,
		`disregard\s+all\s+prior\s+messages`,
		`you\s+are\s+now\s+in\s+developer\s+mode`,
		`system\s+prompt\s*[:=]`,
		`forget\s+the\s+rules`,
		`override\s+the\s+safety\s+constraints`,
	)
	probePatterns = compileAll(
		`what\s+is\s+your\s+system\s+prompt`,
		`show\s+internal\s+instructions`,
		`reveal\s+hidden\s+polic(?:y|ies)`,
		`tell\s+me\s+the\s+exact\s+rules`,
	)
	disallowedActions = []string{
		"build a bomb",
		"make a bomb",
		"manufacture explosives",
		"hack into",
		"launch a ddos",
		"write malware",
		"ransomware",
	}
	bannedOutputTerms = []string{
		"explosive recipe",
		"weapon design",
		"zero-day exploit",
		"manufacture drugs",
		"credit card dump",
	}
	suspiciousPayloadKeys = []string{"role", "instructions", "system_prompt", "policies"}

	citationPattern      = regexp.MustCompile(`\[([^\]]+)\]`)
	toolReferencePattern = regexp.MustCompile(`\{\{tool:([a-zA-Z0-9_\-]+)\}\}`)
	structuredPrefix     = regexp.MustCompile(`\A\s*[{<\[]`)
	promptTagPattern     = regexp.MustCompile(`(?i)<\s*(prompt|instructions)\b`)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, regexp.MustCompile(`(?i)`+pattern))
	}

	return compiled
}

// PatternGuard is a deny-list guard implementing both InputGate and
// OutputValidator.
type PatternGuard struct {
	rules []rule
}

func NewPatternGuard() *PatternGuard {
	return &PatternGuard{
		rules: []rule{
			{"system_instruction_override", ThreatPromptInjection, ConfidenceHigh, matchAny(overridePatterns)},
			{"disallowed_action_request", ThreatPolicyViolation, ConfidenceMedium, matchPhrase(disallowedActions, "disallowed request")},
			{"internal_policy_probe", ThreatPromptInjection, ConfidenceMedium, matchAny(probePatterns)},
			{"unexpected_structured_payload", ThreatUnexpectedOutputShape, ConfidenceMedium, matchStructuredPayload},
		},
	}
}

func (g *PatternGuard) Enforce(_ context.Context, state *models.RunState) error {
	text := strings.TrimSpace(state.Message)
	if text == "" {
		return nil
	}

	lowered := strings.ToLower(text)
	for _, r := range g.rules {
		if notes := r.match(lowered); notes != "" {
			return &Violation{
				Layer:      LayerInput,
				ThreatType: r.threatType,
				Confidence: r.confidence,
				Notes:      r.name + ": " + notes,
			}
		}
	}

	if state.Mode == models.ModeResearch && containsPromptPayload(text) {
		return &Violation{
			Layer:      LayerInput,
			ThreatType: ThreatPromptInjection,
			Confidence: ConfidenceMedium,
			Notes:      "structured payload embedded in research request",
		}
	}

	return nil
}

func (g *PatternGuard) Validate(_ context.Context, state *models.RunState, enforceCitations bool) error {
	text := strings.TrimSpace(state.OutputText)
	if text == "" {
		return outputViolation(ThreatUnexpectedOutputShape, ConfidenceMedium, "output text is empty")
	}

	requireCitations := len(state.RetrievedChunks) > 0 &&
		(state.PlanType == models.PlanDirectAnswer || state.Mode == models.ModeResearch)
	if enforceCitations && requireCitations && !hasKnownCitation(text, state.ChunkIDs()) {
		return outputViolation(ThreatUnexpectedOutputShape, ConfidenceHigh, "missing citations despite retrieval")
	}

	if missing := unavailableTools(text, state.AvailableTools); len(missing) > 0 {
		return outputViolation(ThreatToolAbuse, ConfidenceMedium, "referenced unavailable tools: "+strings.Join(missing, ", "))
	}

	lowered := strings.ToLower(text)
	for _, term := range bannedOutputTerms {
		if strings.Contains(lowered, term) {
			return outputViolation(ThreatPolicyViolation, ConfidenceMedium, fmt.Sprintf("detected banned content '%s'", term))
		}
	}

	if structuredPrefix.MatchString(text) || strings.Count(text, "{") >= 8 || strings.Count(text, "[") >= 8 {
		return outputViolation(ThreatUnexpectedOutputShape, ConfidenceMedium, "output looks like structured payload")
	}

	return nil
}

func outputViolation(threatType string, confidence float64, notes string) *Violation {
	return &Violation{Layer: LayerOutput, ThreatType: threatType, Confidence: confidence, Notes: notes}
}

func matchAny(patterns []*regexp.Regexp) func(string) string {
	return func(text string) string {
		for _, pattern := range patterns {
			if pattern.MatchString(text) {
				return fmt.Sprintf("matched pattern '%s'", strings.TrimPrefix(pattern.String(), "(?i)"))
			}
		}

		return ""
	}
}

func matchPhrase(phrases []string, label string) func(string) string {
	return func(text string) string {
		for _, phrase := range phrases {
			if strings.Contains(text, phrase) {
				return fmt.Sprintf("%s '%s'", label, phrase)
			}
		}

		return ""
	}
}

func matchStructuredPayload(text string) string {
	if strings.Contains(text, "role::system") || looksLikeJSONPayload(text) {
		return "structured payload detected"
	}

	return ""
}

func looksLikeJSONPayload(text string) bool {
	snippet := strings.TrimSpace(text)
	if !strings.HasPrefix(snippet, "{") || !strings.HasSuffix(snippet, "}") {
		return false
	}

	payload := map[string]any{}
	if err := json.Unmarshal([]byte(snippet), &payload); err != nil {
		return false
	}

	for _, key := range suspiciousPayloadKeys {
		if _, ok := payload[key]; ok {
			return true
		}
	}

	return false
}

func containsPromptPayload(text string) bool {
	return strings.Contains(strings.ToUpper(text), "BEGIN PROMPT") || promptTagPattern.MatchString(text)
}

func hasKnownCitation(text string, chunkIDs []string) bool {
	known := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		known[id] = struct{}{}
	}

	for _, match := range citationPattern.FindAllStringSubmatch(text, -1) {
		if _, ok := known[match[1]]; ok {
			return true
		}
	}

	return false
}

func unavailableTools(text string, available []string) []string {
	allowed := make(map[string]struct{}, len(available))
	for _, name := range available {
		allowed[name] = struct{}{}
	}

	seen := map[string]struct{}{}
	missing := []string{}

	for _, match := range toolReferencePattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if _, ok := allowed[name]; ok {
			continue
		}

		if _, dup := seen[name]; dup {
			continue
		}

		seen[name] = struct{}{}
		missing = append(missing, name)
	}

	sort.Strings(missing)

	return missing
}
