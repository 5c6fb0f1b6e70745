// Package config is the read-side client of the tenant configuration
// store. Every record for one tenant lives under a single Firestore
// document tree (organizations/<org_id> plus its records subcollection),
// so one subcollection read returns all configuration kinds for a tenant
// in one request. Writes are the administrative console's responsibility.
package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/penguinhealth/chartflow/internal/models"
)

// Record kinds stored in a tenant's records subcollection. Rules are
// stored one record per rule under RULE#<rule_id>.
const (
	orgCollection     = "organizations"
	recordsCollection = "records"
	kbCollection      = "kb"
	recordChartConfig = "CHART_CONFIG"
	recordIRPConfig   = "IRP_CONFIG"
	ruleRecordPrefix  = "RULE#"
)

var (
	// ErrNotFound is returned when a tenant or a required record does
	// not exist.
	ErrNotFound = errors.New("config: not found")
	// ErrOrgDisabled is returned for tenants whose enabled flag is off.
	ErrOrgDisabled = errors.New("config: organization is disabled")
)

// irpRecord is the stored shape of the IRP_CONFIG record.
type irpRecord struct {
	FieldMappings map[string]string `firestore:"field_mappings"`
}

// Store reads tenant configuration from Firestore. All reads are
// strongly consistent with respect to the most recent administrative
// write; no caching layer is used.
type Store struct {
	client *firestore.Client
}

// NewStore wraps an existing Firestore client.
func NewStore(client *firestore.Client) *Store {
	return &Store{client: client}
}

// GetOrganization returns the tenant's METADATA record. Disabled
// tenants are rejected with ErrOrgDisabled.
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	snap, err := s.client.Collection(orgCollection).Doc(orgID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("organization %q: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organization %q: %w", orgID, err)
	}

	var org models.Organization
	if err := snap.DataTo(&org); err != nil {
		return nil, fmt.Errorf("failed to decode organization %q: %w", orgID, err)
	}
	if org.OrganizationID == "" {
		org.OrganizationID = orgID
	}
	if !org.Enabled {
		return nil, fmt.Errorf("organization %q: %w", orgID, ErrOrgDisabled)
	}
	return &org, nil
}

// GetChartConfig returns the tenant's CHART_CONFIG record. A missing
// record, delimiter, or id field is a configuration error for the
// tenant; required fields are never defaulted.
func (s *Store) GetChartConfig(ctx context.Context, orgID string) (*models.ChartConfig, error) {
	snap, err := s.records(orgID).Doc(recordChartConfig).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("chart config for %q: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chart config for %q: %w", orgID, err)
	}

	var cfg models.ChartConfig
	if err := snap.DataTo(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode chart config for %q: %w", orgID, err)
	}
	if cfg.OrganizationID == "" {
		cfg.OrganizationID = orgID
	}
	if err := ValidateChartConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateChartConfig enforces the required-field invariant.
func ValidateChartConfig(cfg *models.ChartConfig) error {
	if cfg.EncounterDelimiter == "" {
		return fmt.Errorf("chart config for %q: encounter_delimiter must not be empty", cfg.OrganizationID)
	}
	if cfg.EncounterIDField == "" {
		return fmt.Errorf("chart config for %q: encounter_id_field must not be empty", cfg.OrganizationID)
	}
	return nil
}

// ListEnabledRules returns the tenant's enabled rules sorted by rule id.
// One read of the records subcollection covers every rule record.
func (s *Store) ListEnabledRules(ctx context.Context, orgID string) ([]models.Rule, error) {
	snaps, err := s.records(orgID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %q: %w", orgID, err)
	}

	var rules []models.Rule
	for _, snap := range snaps {
		if !strings.HasPrefix(snap.Ref.ID, ruleRecordPrefix) {
			continue
		}
		var rule models.Rule
		if err := snap.DataTo(&rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule %s for %q: %w", snap.Ref.ID, orgID, err)
		}
		if rule.RuleID == "" {
			rule.RuleID = strings.TrimPrefix(snap.Ref.ID, ruleRecordPrefix)
		}
		if rule.Enabled {
			rules = append(rules, rule)
		}
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })
	return rules, nil
}

// GetFieldMappings returns the tenant's IRP field mappings, or an empty
// map when the record does not exist. A missing IRP_CONFIG is not an
// error: field extraction is optional.
func (s *Store) GetFieldMappings(ctx context.Context, orgID string) (map[string]string, error) {
	snap, err := s.records(orgID).Doc(recordIRPConfig).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load IRP config for %q: %w", orgID, err)
	}

	var rec irpRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode IRP config for %q: %w", orgID, err)
	}
	if rec.FieldMappings == nil {
		rec.FieldMappings = map[string]string{}
	}
	return rec.FieldMappings, nil
}

// ListOrganizations returns all tenants in the registry, enabled or not.
func (s *Store) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	snaps, err := s.client.Collection(orgCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	orgs := make([]models.Organization, 0, len(snaps))
	for _, snap := range snaps {
		var org models.Organization
		if err := snap.DataTo(&org); err != nil {
			return nil, fmt.Errorf("failed to decode organization %s: %w", snap.Ref.ID, err)
		}
		if org.OrganizationID == "" {
			org.OrganizationID = snap.Ref.ID
		}
		orgs = append(orgs, org)
	}
	return orgs, nil
}

// ListPassages returns the passages of one tenant knowledge base. The
// base name selects a subcollection under the tenant root; an empty name
// selects the default base.
func (s *Store) ListPassages(ctx context.Context, orgID, base string) ([]models.Passage, error) {
	if base == "" {
		base = kbCollection
	}
	snaps, err := s.client.Collection(orgCollection).Doc(orgID).Collection(base).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge base %q for %q: %w", base, orgID, err)
	}

	passages := make([]models.Passage, 0, len(snaps))
	for _, snap := range snaps {
		var p models.Passage
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode passage %s for %q: %w", snap.Ref.ID, orgID, err)
		}
		if p.PassageID == "" {
			p.PassageID = snap.Ref.ID
		}
		passages = append(passages, p)
	}
	return passages, nil
}

func (s *Store) records(orgID string) *firestore.CollectionRef {
	return s.client.Collection(orgCollection).Doc(orgID).Collection(recordsCollection)
}
