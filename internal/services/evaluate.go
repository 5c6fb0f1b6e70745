package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/penguinhealth/chartflow/internal/models"
)

const verdictInstruction = `Respond with a single JSON object of the form {"status": "pass" | "fail" | "skip", "reasoning": "<one short explanation>"}. Use "skip" only when the chart does not contain enough information to decide.`

// verdict is the JSON shape the model is instructed to return.
type verdict struct {
	Status    string `json:"status"`
	Reasoning string `json:"reasoning"`
}

// evaluate produces exactly one outcome for a (rule, unit) pair. It
// never returns an error; anything that prevents a verdict becomes a
// skip outcome carrying the reason.
func (f *EngineFunction) evaluate(ctx context.Context, orgID string, rule models.Rule, unit *models.EncounterUnit, fields map[string]string) models.RuleOutcome {
	// The caller shares one mappings-derived field map across all rules
	// of a unit; rule-specific extraction must not leak between workers.
	fields = copyFields(fields)

	outcome := models.RuleOutcome{
		OrganizationID: orgID,
		RuleID:         rule.RuleID,
		RuleName:       rule.Name,
		EncounterID:    unit.EncounterID,
		Timestamp:      time.Now().UTC(),
	}

	if err := rule.Validate(); err != nil {
		outcome.Status = models.StatusSkip
		outcome.Reasoning = fmt.Sprintf("rule configuration invalid: %v", err)
		outcome.Message = renderMessage(rule, outcome.Status, outcome.Reasoning, fields)
		return outcome
	}

	var status models.Status
	var reasoning string
	switch rule.Type {
	case models.RuleTypeLLM:
		status, reasoning = f.evaluateLLM(ctx, orgID, rule, unit, fields)
	default:
		status = models.StatusSkip
		reasoning = fmt.Sprintf("unsupported rule type %q", rule.Type)
	}

	outcome.Status = status
	outcome.Reasoning = reasoning
	outcome.Message = renderMessage(rule, status, reasoning, fields)
	return outcome
}

// evaluateLLM asks the model for a verdict on one encounter. Exhausted
// retries and unparseable output both degrade to skip so one flaky call
// never sinks the run.
func (f *EngineFunction) evaluateLLM(ctx context.Context, orgID string, rule models.Rule, unit *models.EncounterUnit, fields map[string]string) (models.Status, string) {
	logCtx := slog.With("organizationId", orgID, "ruleId", rule.RuleID, "encounterId", unit.EncounterID)

	var sb strings.Builder
	sb.WriteString(rule.LLM.Question)

	if len(rule.LLM.Extract) > 0 {
		extracted, err := f.extractRuleFields(ctx, rule, unit)
		if err != nil {
			// A verdict built on a prompt missing the fields the rule
			// demanded would be unfounded; the pair is skipped instead.
			logCtx.Error("Field extraction failed; skipping.", "error", err)
			return models.StatusSkip, fmt.Sprintf("evaluation error: %v", err)
		}
		for name, value := range extracted {
			if _, exists := fields[name]; !exists {
				fields[name] = value
			}
		}
	}
	if len(fields) > 0 {
		sb.WriteString("\n\nKnown Fields:\n")
		writeFields(&sb, fields)
	}

	if rule.LLM.UseRAG {
		passages, err := f.retrievePassages(ctx, orgID, rule.LLM.KnowledgeBase, rule.LLM.Question)
		if err != nil {
			logCtx.Warn("Passage retrieval failed; evaluating without references.", "error", err)
		}
		if len(passages) > 0 {
			sb.WriteString("\n\nReference Material:\n")
			for _, p := range passages {
				sb.WriteString(p.Text)
				sb.WriteString("\n---\n")
			}
		}
	}

	sb.WriteString("\n\nChart Data:\n")
	sb.WriteString(unit.Text)

	system := strings.TrimSpace(rule.LLM.SystemPrompt + "\n\n" + verdictInstruction)
	raw, err := f.generateWithRetry(ctx, rule.LLM.Model, system, sb.String())
	if err != nil {
		logCtx.Error("Model invocation failed after retries; skipping.", "error", err)
		return models.StatusSkip, fmt.Sprintf("evaluation error: %v", err)
	}
	return ParseVerdict(raw)
}

// extractRuleFields runs the rule's field extraction prompt and decodes
// the model's JSON answer into name/value pairs.
func (f *EngineFunction) extractRuleFields(ctx context.Context, rule models.Rule, unit *models.EncounterUnit) (map[string]string, error) {
	var sb strings.Builder
	sb.WriteString("Extract the following fields from the chart. Respond with a single JSON object mapping each field name to its value as a string, or \"\" when absent.\n\nFields:\n")
	for _, spec := range rule.LLM.Extract {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", spec.Name, spec.Type, spec.Description)
	}
	sb.WriteString("\nChart Data:\n")
	sb.WriteString(unit.Text)

	raw, err := f.generateWithRetry(ctx, rule.LLM.Model, "You extract structured data from clinical charts.", sb.String())
	if err != nil {
		return nil, err
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		candidate := extractCompleteJSON(raw)
		if candidate == "" || json.Unmarshal([]byte(candidate), &values) != nil {
			return nil, fmt.Errorf("extraction output is not a JSON object: %w", err)
		}
	}
	return values, nil
}

// generateWithRetry invokes the model with bounded retries and
// exponential backoff. Context cancellation stops the retry loop.
func (f *EngineFunction) generateWithRetry(ctx context.Context, model, system, prompt string) (string, error) {
	backoff := f.config.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		out, err := f.model.Generate(ctx, model, system, prompt, true)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("model call failed after %d attempts: %w", f.config.MaxRetries+1, lastErr)
}

// ParseVerdict interprets raw model output as a verdict. It tries the
// whole payload as JSON, then the first balanced JSON object embedded in
// surrounding prose, then a bare pass/fail/skip prefix. Output that
// matches none of these yields a skip.
func ParseVerdict(raw string) (models.Status, string) {
	trimmed := strings.TrimSpace(raw)

	var v verdict
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		if candidate := extractCompleteJSON(trimmed); candidate != "" {
			_ = json.Unmarshal([]byte(candidate), &v)
		}
	}
	if status, ok := normalizeStatus(v.Status); ok {
		return status, v.Reasoning
	}

	if status, ok := normalizeStatus(firstWord(trimmed)); ok {
		reasoning := strings.TrimSpace(strings.TrimLeft(trimmed[len(firstWord(trimmed)):], ":.,- "))
		return status, reasoning
	}
	return models.StatusSkip, "model response format unclear"
}

// extractCompleteJSON returns the first balanced {...} object in s,
// respecting string literals and escapes, or "" when none is closed.
func extractCompleteJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

func normalizeStatus(s string) (models.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(models.StatusPass):
		return models.StatusPass, true
	case string(models.StatusFail):
		return models.StatusFail, true
	case string(models.StatusSkip):
		return models.StatusSkip, true
	}
	return "", false
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == ':' || r == '.' || r == ',' {
			return s[:i]
		}
	}
	return s
}

// renderMessage fills the rule's message template for the verdict.
// Placeholders are {reasoning} plus any extracted field name; unknown
// values render as N/A. A missing skip template falls back to the raw
// reasoning so skips are never silent.
func renderMessage(rule models.Rule, status models.Status, reasoning string, fields map[string]string) string {
	var template string
	switch status {
	case models.StatusPass:
		template = rule.Messages.Pass
	case models.StatusFail:
		template = rule.Messages.Fail
	default:
		template = rule.Messages.Skip
		if template == "" {
			return reasoning
		}
	}
	if template == "" {
		return reasoning
	}

	pairs := []string{"{reasoning}", orNA(reasoning)}
	for name, value := range fields {
		pairs = append(pairs, "{"+name+"}", orNA(value))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func writeFields(sb *strings.Builder, fields map[string]string) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(sb, "- %s: %s\n", name, orNA(fields[name]))
	}
}

// ExtractFieldsFromText resolves field mappings against raw chart text.
// Each mapping value is a label token; the field's value is the trimmed
// remainder of the first line containing the token. Unmatched fields
// map to "".
func ExtractFieldsFromText(text string, mappings map[string]string) map[string]string {
	if len(mappings) == 0 {
		return map[string]string{}
	}

	lines := strings.Split(text, "\n")
	fields := make(map[string]string, len(mappings))
	for name, token := range mappings {
		fields[name] = ""
		if token == "" {
			continue
		}
		for _, line := range lines {
			if idx := strings.Index(line, token); idx >= 0 {
				if v := strings.TrimSpace(strings.TrimLeft(line[idx+len(token):], ": ")); v != "" {
					fields[name] = v
					break
				}
			}
		}
	}
	return fields
}
