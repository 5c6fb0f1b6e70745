package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/ocr"
)

// SplitEncounters partitions OCR output lines into encounter units.
//
// Each occurrence of the delimiter starts a new encounter; with k
// occurrences the result has exactly k units. Text before the first
// delimiter is document-level preamble and is discarded. A document
// with no delimiter at all becomes one unit with a synthetic id,
// flagged unidentified.
//
// Within each unit's span the id field's value (the text following the
// id-field token on its line) becomes the encounter id; when absent the
// unit gets a synthetic id and the unidentified flag instead of being
// dropped. A derived id that repeats within one document gets an
// ordinal suffix and the needs-review flag; later occurrences never
// overwrite earlier ones.
func SplitEncounters(lines []models.Line, delimiter, idField, orgID, sourceRef string) []models.EncounterUnit {
	now := time.Now().UTC()

	var boundaries []int
	for i, line := range lines {
		if strings.Contains(line.Text, delimiter) {
			boundaries = append(boundaries, i)
		}
	}

	if len(boundaries) == 0 {
		unit := newUnit(lines, 0, len(lines), orgID, sourceRef, 0, now)
		unit.EncounterID = syntheticID(orgID, sourceRef, 1)
		unit.Unidentified = true
		return []models.EncounterUnit{unit}
	}

	seen := make(map[string]int)
	units := make([]models.EncounterUnit, 0, len(boundaries))
	for i, start := range boundaries {
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}

		unit := newUnit(lines, start, end, orgID, sourceRef, i, now)
		id := fieldValue(lines[start:end], idField)
		if id == "" {
			unit.EncounterID = syntheticID(orgID, sourceRef, i+1)
			unit.Unidentified = true
		} else {
			unit.EncounterID = id
		}

		seen[unit.EncounterID]++
		if n := seen[unit.EncounterID]; n > 1 {
			unit.EncounterID = fmt.Sprintf("%s-%d", unit.EncounterID, n)
			unit.NeedsReview = true
		}
		units = append(units, unit)
	}
	return units
}

func newUnit(lines []models.Line, start, end int, orgID, sourceRef string, ordinal int, now time.Time) models.EncounterUnit {
	span := lines[start:end]
	return models.EncounterUnit{
		OrganizationID: orgID,
		SourceRef:      sourceRef,
		Ordinal:        ordinal,
		Text:           ocr.Text(span),
		Lines:          span,
		StartLine:      start,
		EndLine:        end,
		ExtractedAt:    now,
	}
}

// fieldValue returns the trimmed text following the first occurrence of
// the field token within the span, or "" when the token never appears
// or carries no value.
func fieldValue(lines []models.Line, field string) string {
	for _, line := range lines {
		if idx := strings.Index(line.Text, field); idx >= 0 {
			if v := strings.TrimSpace(line.Text[idx+len(field):]); v != "" {
				return v
			}
		}
	}
	return ""
}

func syntheticID(orgID, sourceRef string, ordinal int) string {
	return fmt.Sprintf("%s-%s-%d", orgID, docBase(sourceRef), ordinal)
}

// docBase strips the folder path and extension from a source reference.
func docBase(sourceRef string) string {
	base := sourceRef
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base
}

// safeID sanitizes an encounter id for use in an object name.
func safeID(id string) string {
	return strings.NewReplacer("/", "-", " ", "-").Replace(id)
}
