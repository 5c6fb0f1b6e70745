package models

// These structs define the JSON payloads crossing the function
// boundaries: stage invocation requests/responses and the asynchronous
// signals that trigger the event-driven stages.

// InvocationRequest is the common shape of every stage's HTTP payload.
// Config keys, when present, shadow the stored chart configuration for
// this invocation only.
type InvocationRequest struct {
	OrganizationID string            `json:"organization_id"`
	Config         map[string]string `json:"config,omitempty"`
}

// JobRef identifies one started OCR job.
type JobRef struct {
	JobID     string `json:"job_id"`
	SourceRef string `json:"source_ref"`
}

// DocumentFailure records a per-document failure that did not abort the
// surrounding batch.
type DocumentFailure struct {
	SourceRef string `json:"source_ref"`
	Error     string `json:"error"`
}

// SubmitResponse is the result of one submission batch.
type SubmitResponse struct {
	OrganizationID string            `json:"organization_id"`
	Started        int               `json:"started"`
	Jobs           []JobRef          `json:"jobs,omitempty"`
	Failures       []DocumentFailure `json:"failures,omitempty"`
}

// ValidateResponse is the result of one validation run. RunID and
// ReportPath are populated even when some outcomes are skips.
type ValidateResponse struct {
	OrganizationID string `json:"organization_id"`
	RunID          string `json:"run_id"`
	ReportPath     string `json:"report_path"`
	UnitCount      int    `json:"unit_count"`
	RuleCount      int    `json:"rule_count"`
	Passed         int    `json:"passed"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
}

// OCRCompletionEvent is the out-of-band completion signal from the OCR
// service. It carries only the opaque job id, terminal status, and a
// reference to the raw output; configuration must be recovered from the
// job ticket.
type OCRCompletionEvent struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	ResultRef string `json:"result_ref,omitempty"`
}

// StorageEvent is the payload of an object-finalized event on a tenant
// bucket, used to submit a single uploaded document.
type StorageEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// SplitResponse summarizes one processed OCR result.
type SplitResponse struct {
	OrganizationID string `json:"organization_id"`
	JobID          string `json:"job_id"`
	SourceRef      string `json:"source_ref"`
	Encounters     int    `json:"encounters"`
	Unidentified   int    `json:"unidentified"`
}
