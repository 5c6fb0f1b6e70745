package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"time"

	"github.com/penguinhealth/chartflow/internal/models"
)

var reportHeader = []string{"encounter_id", "rule_id", "rule_name", "status", "message", "timestamp"}

// BuildReport renders outcomes as a CSV, one row per (encounter, rule)
// pair, ordered by encounter id then rule id. Ordering is part of the
// report contract so identical inputs always yield identical bytes
// apart from timestamps.
func BuildReport(outcomes []models.RuleOutcome) ([]byte, error) {
	sorted := make([]models.RuleOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EncounterID != sorted[j].EncounterID {
			return sorted[i].EncounterID < sorted[j].EncounterID
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(reportHeader); err != nil {
		return nil, err
	}
	for _, o := range sorted {
		row := []string{
			o.EncounterID,
			o.RuleID,
			o.RuleName,
			string(o.Status),
			o.Message,
			o.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
