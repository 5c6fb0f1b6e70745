package models

import "fmt"

// Rule types. The type tag is a closed set with room for future
// variants (e.g. regex or structural rules).
const (
	RuleTypeLLM = "llm"
)

// Outcome statuses for a (rule, encounter) evaluation.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Rule is one RULE#<id> record for a tenant. Only enabled rules are
// evaluated at run time.
type Rule struct {
	RuleID   string     `firestore:"rule_id" json:"rule_id"`
	Name     string     `firestore:"name" json:"name"`
	Category string     `firestore:"category" json:"category"`
	Enabled  bool       `firestore:"enabled" json:"enabled"`
	Type     string     `firestore:"type" json:"type"`
	LLM      *LLMConfig `firestore:"llm_config" json:"llm_config,omitempty"`
	Messages Messages   `firestore:"messages" json:"messages"`
	Version  string     `firestore:"version" json:"version"`
}

// LLMConfig is the type-specific configuration for "llm" rules.
type LLMConfig struct {
	Model         string      `firestore:"model" json:"model"`
	SystemPrompt  string      `firestore:"system_prompt" json:"system_prompt"`
	Question      string      `firestore:"question" json:"question"`
	UseRAG        bool        `firestore:"use_rag" json:"use_rag"`
	KnowledgeBase string      `firestore:"knowledge_base" json:"knowledge_base,omitempty"`
	Extract       []FieldSpec `firestore:"extract" json:"extract,omitempty"`
}

// FieldSpec names one field the model should extract from the encounter
// text before the rule question is asked.
type FieldSpec struct {
	Name        string `firestore:"name" json:"name"`
	Type        string `firestore:"type" json:"type"`
	Description string `firestore:"description" json:"description"`
}

// Messages holds the outcome message templates. Pass and Fail are
// required; Skip falls back to the model's raw reasoning when unset.
// Templates may reference {reasoning} and any extracted field by name.
type Messages struct {
	Pass string `firestore:"pass" json:"pass"`
	Fail string `firestore:"fail" json:"fail"`
	Skip string `firestore:"skip" json:"skip,omitempty"`
}

// Validate reports whether the rule is well-formed enough to evaluate.
func (r *Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("rule has no rule_id")
	}
	if r.Messages.Pass == "" || r.Messages.Fail == "" {
		return fmt.Errorf("rule %s: messages must define at least pass and fail", r.RuleID)
	}
	if r.Type == RuleTypeLLM && r.LLM == nil {
		return fmt.Errorf("rule %s: llm rule has no llm_config", r.RuleID)
	}
	return nil
}
