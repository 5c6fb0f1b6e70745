package models

import "time"

// JobTicket links an asynchronous OCR job id back to its source document
// and the chart configuration in effect when the job was started. The
// completion signal carries no custom payload, so the ticket is the only
// way the result handler can recover this context.
//
// A ticket is written at submission, read once when the job completes,
// and deleted after the result has been processed. It must survive until
// the completion signal arrives; a missing ticket is a hard failure.
type JobTicket struct {
	JobID          string      `firestore:"job_id" json:"job_id"`
	OrganizationID string      `firestore:"organization_id" json:"organization_id"`
	Bucket         string      `firestore:"bucket" json:"bucket"`
	SourceRef      string      `firestore:"source_ref" json:"source_ref"`
	PageCount      int         `firestore:"page_count" json:"page_count"`
	Snapshot       ChartConfig `firestore:"snapshot" json:"snapshot"`
	CreatedAt      time.Time   `firestore:"created_at" json:"created_at"`
}
