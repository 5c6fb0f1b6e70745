package models

import "time"

// RuleOutcome is the result of evaluating one rule against one
// encounter. Exactly one outcome is produced per (rule, encounter) pair
// per run; evaluation errors become skip outcomes carrying the error
// text as reasoning.
type RuleOutcome struct {
	OrganizationID string    `firestore:"organization_id" json:"organization_id"`
	RuleID         string    `firestore:"rule_id" json:"rule_id"`
	RuleName       string    `firestore:"rule_name" json:"rule_name"`
	EncounterID    string    `firestore:"encounter_id" json:"encounter_id"`
	Status         Status    `firestore:"status" json:"status"`
	Message        string    `firestore:"message" json:"message"`
	Reasoning      string    `firestore:"reasoning" json:"reasoning,omitempty"`
	Timestamp      time.Time `firestore:"timestamp" json:"timestamp"`
}

// ValidationRun summarizes one complete evaluation of a tenant's
// processed encounters. Runs are immutable: re-running produces a new
// run id and never mutates a prior run.
type ValidationRun struct {
	RunID          string    `firestore:"run_id" json:"run_id"`
	OrganizationID string    `firestore:"organization_id" json:"organization_id"`
	UnitCount      int       `firestore:"unit_count" json:"unit_count"`
	RuleCount      int       `firestore:"rule_count" json:"rule_count"`
	Passed         int       `firestore:"passed" json:"passed"`
	Failed         int       `firestore:"failed" json:"failed"`
	Skipped        int       `firestore:"skipped" json:"skipped"`
	ReportPath     string    `firestore:"report_path" json:"report_path"`
	ConfigVersion  string    `firestore:"config_version" json:"config_version"`
	CompletedAt    time.Time `firestore:"completed_at" json:"completed_at"`
}

// Passage is one knowledge-base entry used to ground rule prompts when
// retrieval is enabled.
type Passage struct {
	PassageID string `firestore:"passage_id" json:"passage_id"`
	Text      string `firestore:"text" json:"text"`
	Source    string `firestore:"source" json:"source,omitempty"`
}
