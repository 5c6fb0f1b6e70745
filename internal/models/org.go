package models

import "time"

// Organization is the METADATA record for one tenant. Tenants are never
// hard-deleted by the pipeline; disabling a tenant stops all processing.
type Organization struct {
	OrganizationID   string    `firestore:"organization_id" json:"organization_id"`
	OrganizationName string    `firestore:"organization_name" json:"organization_name"`
	Enabled          bool      `firestore:"enabled" json:"enabled"`
	Bucket           string    `firestore:"bucket" json:"bucket"`
	CreatedAt        time.Time `firestore:"created_at" json:"created_at"`
	UpdatedAt        time.Time `firestore:"updated_at" json:"updated_at"`
}

// Folder keys used by ChartConfig.Folders. Primary keys have a
// "_secondary" counterpart for documents matching the secondary pattern.
const (
	FolderInput     = "input"
	FolderRaw       = "raw"
	FolderProcessed = "processed"
	FolderArchive   = "archive"
	FolderFailed    = "failed"
	FolderOrphans   = "orphans"
	FolderReports   = "reports"
)

// ChartConfig is the CHART_CONFIG record for one tenant. It controls how
// OCR results are partitioned into encounters and where each pipeline
// stage reads and writes.
//
// EncounterDelimiter and EncounterIDField are required; the config store
// rejects records that leave them empty. Version is a semantic version
// the administrative tooling must keep non-decreasing across updates.
type ChartConfig struct {
	OrganizationID     string            `firestore:"organization_id" json:"organization_id"`
	EncounterDelimiter string            `firestore:"encounter_delimiter" json:"encounter_delimiter"`
	EncounterIDField   string            `firestore:"encounter_id_field" json:"encounter_id_field"`
	SecondaryPattern   string            `firestore:"secondary_pattern" json:"secondary_pattern"`
	Folders            map[string]string `firestore:"folders" json:"folders"`
	Version            string            `firestore:"version" json:"version"`
}

// DefaultFolders returns the documented default blob-store layout.
func DefaultFolders() map[string]string {
	return map[string]string{
		"input":               "input/",
		"input_secondary":     "input/irp/",
		"raw":                 "input-processing/",
		"raw_secondary":       "input-processing/irp/",
		"processed":           "processed/",
		"processed_secondary": "processed/irp/",
		"archive":             "archive/",
		"archive_secondary":   "archive/irp/",
		"failed":              "archive/failed/",
		"orphans":             "input-processing/orphans/",
		"reports":             "reports/",
	}
}

// Folder resolves a folder prefix, falling back to the documented default
// when the tenant's config leaves the key unset. The secondary flag
// selects the "_secondary" counterpart of the key.
func (c *ChartConfig) Folder(key string, secondary bool) string {
	if secondary {
		key += "_secondary"
	}
	if c.Folders != nil {
		if v, ok := c.Folders[key]; ok && v != "" {
			return v
		}
	}
	return DefaultFolders()[key]
}
