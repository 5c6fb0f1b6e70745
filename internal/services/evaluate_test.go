package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguinhealth/chartflow/internal/models"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		status    models.Status
		reasoning string
	}{
		{
			name:      "clean json",
			raw:       `{"status": "pass", "reasoning": "signature present"}`,
			status:    models.StatusPass,
			reasoning: "signature present",
		},
		{
			name:      "uppercase status",
			raw:       `{"status": "FAIL", "reasoning": "missing signature"}`,
			status:    models.StatusFail,
			reasoning: "missing signature",
		},
		{
			name:      "json wrapped in prose",
			raw:       "Here is my assessment:\n{\"status\": \"fail\", \"reasoning\": \"no consent form\"}\nLet me know if you need more.",
			status:    models.StatusFail,
			reasoning: "no consent form",
		},
		{
			name:      "nested braces inside reasoning",
			raw:       `{"status": "pass", "reasoning": "the note {quoted} a form"}`,
			status:    models.StatusPass,
			reasoning: "the note {quoted} a form",
		},
		{
			name:      "bare status prefix",
			raw:       "pass: all required fields documented",
			status:    models.StatusPass,
			reasoning: "all required fields documented",
		},
		{
			name:      "unparseable output",
			raw:       "I cannot determine this from the provided text.",
			status:    models.StatusSkip,
			reasoning: "model response format unclear",
		},
		{
			name:      "truncated json",
			raw:       `{"status": "pass", "reasoning": "cut off mid`,
			status:    models.StatusSkip,
			reasoning: "model response format unclear",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reasoning := ParseVerdict(tt.raw)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.reasoning, reasoning)
		})
	}
}

func TestExtractCompleteJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, extractCompleteJSON(`prefix {"a": 1} suffix`))
	assert.Equal(t, `{"a": {"b": 2}}`, extractCompleteJSON(`{"a": {"b": 2}}`))
	assert.Equal(t, `{"s": "br{ace}"}`, extractCompleteJSON(`{"s": "br{ace}"}`))
	assert.Empty(t, extractCompleteJSON(`{"never": "closed"`))
	assert.Empty(t, extractCompleteJSON("no json at all"))
}

func TestRenderMessage(t *testing.T) {
	rule := models.Rule{
		RuleID: "r1",
		Messages: models.Messages{
			Pass: "OK: {reasoning}",
			Fail: "Problem with {member_name}: {reasoning}",
		},
	}

	msg := renderMessage(rule, models.StatusPass, "signed and dated", nil)
	assert.Equal(t, "OK: signed and dated", msg)

	fields := map[string]string{"member_name": "J. Doe"}
	msg = renderMessage(rule, models.StatusFail, "missing signature", fields)
	assert.Equal(t, "Problem with J. Doe: missing signature", msg)

	// Empty field values render as N/A.
	msg = renderMessage(rule, models.StatusFail, "missing signature", map[string]string{"member_name": ""})
	assert.Equal(t, "Problem with N/A: missing signature", msg)

	// A missing skip template falls back to the raw reasoning.
	msg = renderMessage(rule, models.StatusSkip, "not enough information", nil)
	assert.Equal(t, "not enough information", msg)
}

func TestExtractFieldsFromText(t *testing.T) {
	text := "Member Name: J. Doe\nDOB: 1990-01-01\nProvider J. Smith MD"
	mappings := map[string]string{
		"member_name": "Member Name",
		"dob":         "DOB",
		"diagnosis":   "Diagnosis",
	}

	fields := ExtractFieldsFromText(text, mappings)
	assert.Equal(t, "J. Doe", fields["member_name"])
	assert.Equal(t, "1990-01-01", fields["dob"])
	assert.Equal(t, "", fields["diagnosis"])
}

func TestEvaluateInvalidRuleSkips(t *testing.T) {
	f := &EngineFunction{config: EngineConfig{MaxRetries: 0, RetryBackoff: time.Millisecond}}

	rule := models.Rule{RuleID: "r1", Type: models.RuleTypeLLM} // no messages, no llm_config
	unit := &models.EncounterUnit{EncounterID: "E-1"}

	outcome := f.evaluate(context.Background(), "acme", rule, unit, nil)
	assert.Equal(t, models.StatusSkip, outcome.Status)
	assert.Contains(t, outcome.Reasoning, "rule configuration invalid")
}

func TestEvaluateUnsupportedRuleTypeSkips(t *testing.T) {
	f := &EngineFunction{config: EngineConfig{}}

	rule := models.Rule{
		RuleID:   "r1",
		Type:     "regex",
		Messages: models.Messages{Pass: "p", Fail: "f"},
	}
	outcome := f.evaluate(context.Background(), "acme", rule, &models.EncounterUnit{EncounterID: "E-1"}, nil)
	assert.Equal(t, models.StatusSkip, outcome.Status)
	assert.Contains(t, outcome.Reasoning, "unsupported rule type")
}

func TestGenerateWithRetryRecoversFromTransientFailure(t *testing.T) {
	attempts := 0
	model := &fakeModel{fn: func(_, _, _ string) (string, error) {
		attempts++
		if attempts < 3 {
			return "", fmt.Errorf("transient")
		}
		return "ok", nil
	}}
	f := &EngineFunction{
		model:  model,
		config: EngineConfig{MaxRetries: 2, RetryBackoff: time.Millisecond},
	}

	out, err := f.generateWithRetry(context.Background(), "m", "s", "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
}

func TestGenerateWithRetryExhaustsAndReportsLastError(t *testing.T) {
	model := &fakeModel{fn: func(_, _, _ string) (string, error) {
		return "", fmt.Errorf("quota exceeded")
	}}
	f := &EngineFunction{
		model:  model,
		config: EngineConfig{MaxRetries: 2, RetryBackoff: time.Millisecond},
	}

	_, err := f.generateWithRetry(context.Background(), "m", "s", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, 3, model.calls)
}

func TestEvaluateLLMModelFailureBecomesSkipOutcome(t *testing.T) {
	f := &EngineFunction{
		model:   &fakeModel{fn: func(_, _, _ string) (string, error) { return "", fmt.Errorf("unavailable") }},
		configs: &fakeConfigStore{},
		config:  EngineConfig{MaxRetries: 1, RetryBackoff: time.Millisecond},
	}
	rule := models.Rule{
		RuleID:   "r1",
		Type:     models.RuleTypeLLM,
		Messages: models.Messages{Pass: "p", Fail: "f"},
		LLM:      &models.LLMConfig{Question: "Is it signed?"},
	}

	outcome := f.evaluate(context.Background(), "acme", rule, &models.EncounterUnit{EncounterID: "E-1", Text: "note"}, nil)
	assert.Equal(t, models.StatusSkip, outcome.Status)
	assert.Contains(t, outcome.Reasoning, "evaluation error")
}

func TestEvaluateLLMExtractedFieldsReachVerdictPromptAndMessage(t *testing.T) {
	var verdictPrompt string
	f := &EngineFunction{
		model: &fakeModel{fn: func(_, _, prompt string) (string, error) {
			if strings.Contains(prompt, "Extract the following fields") {
				return `{"member_name": "J. Doe", "dob": ""}`, nil
			}
			verdictPrompt = prompt
			return `{"status": "fail", "reasoning": "signature line is blank"}`, nil
		}},
		configs: &fakeConfigStore{},
		config:  EngineConfig{RetryBackoff: time.Millisecond},
	}
	rule := models.Rule{
		RuleID:   "r1",
		Type:     models.RuleTypeLLM,
		Messages: models.Messages{Pass: "p", Fail: "Chart for {member_name} (DOB {dob}): {reasoning}"},
		LLM: &models.LLMConfig{
			Question: "Is it signed?",
			Extract: []models.FieldSpec{
				{Name: "member_name", Type: "string", Description: "member's full name"},
				{Name: "dob", Type: "date", Description: "date of birth"},
			},
		},
	}

	outcome := f.evaluate(context.Background(), "acme", rule, &models.EncounterUnit{EncounterID: "E-1", Text: "note"}, nil)
	assert.Equal(t, models.StatusFail, outcome.Status)
	assert.Contains(t, verdictPrompt, "member_name: J. Doe")
	assert.Equal(t, "Chart for J. Doe (DOB N/A): signature line is blank", outcome.Message)
}

func TestEvaluateLLMExtractionFailureSkipsInsteadOfVerdict(t *testing.T) {
	f := &EngineFunction{
		model: &fakeModel{fn: func(_, _, prompt string) (string, error) {
			if strings.Contains(prompt, "Extract the following fields") {
				return "", fmt.Errorf("model unavailable")
			}
			return `{"status": "pass", "reasoning": "looks fine"}`, nil
		}},
		configs: &fakeConfigStore{},
		config:  EngineConfig{MaxRetries: 1, RetryBackoff: time.Millisecond},
	}
	rule := models.Rule{
		RuleID:   "r1",
		Type:     models.RuleTypeLLM,
		Messages: models.Messages{Pass: "p", Fail: "f"},
		LLM: &models.LLMConfig{
			Question: "Is it signed?",
			Extract:  []models.FieldSpec{{Name: "member_name", Type: "string", Description: "name"}},
		},
	}

	// The rule demanded extracted fields; without them no verdict is
	// founded, even though the verdict model itself would answer.
	outcome := f.evaluate(context.Background(), "acme", rule, &models.EncounterUnit{EncounterID: "E-1", Text: "note"}, nil)
	assert.Equal(t, models.StatusSkip, outcome.Status)
	assert.Contains(t, outcome.Reasoning, "evaluation error")
	assert.Contains(t, outcome.Reasoning, "model unavailable")
}

func TestEvaluateLLMUnparseableExtractionOutputSkips(t *testing.T) {
	f := &EngineFunction{
		model: &fakeModel{fn: func(_, _, prompt string) (string, error) {
			if strings.Contains(prompt, "Extract the following fields") {
				return "not a json object", nil
			}
			return `{"status": "pass", "reasoning": "looks fine"}`, nil
		}},
		configs: &fakeConfigStore{},
		config:  EngineConfig{RetryBackoff: time.Millisecond},
	}
	rule := models.Rule{
		RuleID:   "r1",
		Type:     models.RuleTypeLLM,
		Messages: models.Messages{Pass: "p", Fail: "f"},
		LLM: &models.LLMConfig{
			Question: "Is it signed?",
			Extract:  []models.FieldSpec{{Name: "member_name", Type: "string", Description: "name"}},
		},
	}

	outcome := f.evaluate(context.Background(), "acme", rule, &models.EncounterUnit{EncounterID: "E-1", Text: "note"}, nil)
	assert.Equal(t, models.StatusSkip, outcome.Status)
	assert.Contains(t, outcome.Reasoning, "not a JSON object")
}

func TestEvaluateLLMPromptCarriesChartAndFields(t *testing.T) {
	var gotSystem, gotPrompt string
	f := &EngineFunction{
		model: &fakeModel{fn: func(_, system, prompt string) (string, error) {
			gotSystem, gotPrompt = system, prompt
			return `{"status": "pass", "reasoning": "ok"}`, nil
		}},
		configs: &fakeConfigStore{},
		config:  EngineConfig{RetryBackoff: time.Millisecond},
	}
	rule := models.Rule{
		RuleID:   "r1",
		Type:     models.RuleTypeLLM,
		Messages: models.Messages{Pass: "p", Fail: "f"},
		LLM:      &models.LLMConfig{SystemPrompt: "You are an auditor.", Question: "Is it signed?"},
	}
	fields := map[string]string{"member_name": "J. Doe"}

	outcome := f.evaluate(context.Background(), "acme", rule, &models.EncounterUnit{EncounterID: "E-1", Text: "the chart body"}, fields)
	assert.Equal(t, models.StatusPass, outcome.Status)

	assert.Contains(t, gotSystem, "You are an auditor.")
	assert.Contains(t, gotSystem, `"status"`)
	assert.Contains(t, gotPrompt, "Is it signed?")
	assert.Contains(t, gotPrompt, "Chart Data:\nthe chart body")
	assert.Contains(t, gotPrompt, "member_name: J. Doe")
}
