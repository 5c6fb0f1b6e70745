package models

import "time"

// Line is one line of OCR-extracted text in reading order.
type Line struct {
	Text string  `json:"text"`
	Page int     `json:"page"`
	Y    float64 `json:"y_position"`
}

// EncounterUnit is one logical clinical record extracted by splitting a
// multi-encounter OCR result. Units are immutable once written.
//
// Unidentified marks units whose id could not be derived from the
// configured id field (the id is then synthetic). NeedsReview marks
// units whose derived id duplicated an earlier unit in the same result
// and received an ordinal suffix.
type EncounterUnit struct {
	EncounterID    string    `json:"encounter_id"`
	OrganizationID string    `json:"organization_id"`
	SourceRef      string    `json:"source_ref"`
	Ordinal        int       `json:"ordinal"`
	Unidentified   bool      `json:"unidentified,omitempty"`
	NeedsReview    bool      `json:"needs_review,omitempty"`
	Text           string    `json:"text"`
	Lines          []Line    `json:"lines,omitempty"`
	StartLine      int       `json:"start_line"`
	EndLine        int       `json:"end_line"`
	PageCount      int       `json:"page_count,omitempty"`
	ExtractedAt    time.Time `json:"extracted_at"`
}
