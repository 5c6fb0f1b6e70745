package config

import (
	"github.com/Masterminds/semver/v3"

	"github.com/penguinhealth/chartflow/internal/models"
)

// MergeChartConfig overlays the tenant's current chart config onto a
// ticket-time snapshot. Every key the current record defines wins over
// the stale snapshot; keys the current record leaves unset keep their
// snapshot value, so a mid-flight config change only fails to apply to
// keys introduced after the job started. An empty current config
// reproduces the snapshot unchanged.
func MergeChartConfig(snapshot, current models.ChartConfig) models.ChartConfig {
	merged := snapshot
	merged.Folders = copyFolders(snapshot.Folders)

	if current.OrganizationID != "" {
		merged.OrganizationID = current.OrganizationID
	}
	if current.EncounterDelimiter != "" {
		merged.EncounterDelimiter = current.EncounterDelimiter
	}
	if current.EncounterIDField != "" {
		merged.EncounterIDField = current.EncounterIDField
	}
	if current.SecondaryPattern != "" {
		merged.SecondaryPattern = current.SecondaryPattern
	}
	for key, value := range current.Folders {
		if value == "" {
			continue
		}
		if merged.Folders == nil {
			merged.Folders = map[string]string{}
		}
		merged.Folders[key] = value
	}
	merged.Version = newerVersion(snapshot.Version, current.Version)

	return merged
}

// Override keys accepted on invocation payloads. Any other key is
// treated as a folder name (input, processed, reports, ...).
const (
	OverrideDelimiter        = "encounter_delimiter"
	OverrideIDField          = "encounter_id_field"
	OverrideSecondaryPattern = "secondary_pattern"
)

// ApplyOverrides shadows stored configuration with invocation-level
// override keys. Overrides never persist; they affect one invocation
// only.
func ApplyOverrides(cfg models.ChartConfig, overrides map[string]string) models.ChartConfig {
	if len(overrides) == 0 {
		return cfg
	}

	out := cfg
	out.Folders = copyFolders(cfg.Folders)
	for key, value := range overrides {
		if value == "" {
			continue
		}
		switch key {
		case OverrideDelimiter:
			out.EncounterDelimiter = value
		case OverrideIDField:
			out.EncounterIDField = value
		case OverrideSecondaryPattern:
			out.SecondaryPattern = value
		default:
			if out.Folders == nil {
				out.Folders = map[string]string{}
			}
			out.Folders[key] = value
		}
	}
	return out
}

// newerVersion picks the semantically greater of two versions. The
// administrative tooling keeps versions non-decreasing, so under normal
// operation this is the current one; unparsable versions fall back to
// preferring a non-empty current value.
func newerVersion(snapshot, current string) string {
	if current == "" {
		return snapshot
	}
	if snapshot == "" {
		return current
	}
	sv, errS := semver.NewVersion(snapshot)
	cv, errC := semver.NewVersion(current)
	if errS != nil || errC != nil {
		return current
	}
	if sv.GreaterThan(cv) {
		return snapshot
	}
	return current
}

func copyFolders(folders map[string]string) map[string]string {
	if folders == nil {
		return nil
	}
	out := make(map[string]string, len(folders))
	for k, v := range folders {
		out[k] = v
	}
	return out
}
