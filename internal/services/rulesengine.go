package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/penguinhealth/chartflow/internal/config"
	"github.com/penguinhealth/chartflow/internal/gcp"
	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/state"
)

// EngineConfig holds configuration for the rule evaluation engine.
// Retry and concurrency knobs are configuration with documented
// defaults, not constants.
type EngineConfig struct {
	ProjectID      string
	VertexAIRegion string
	Workers        int           // default 8
	MaxRetries     int           // default 2 retries after the first attempt
	RetryBackoff   time.Duration // default 500ms, doubling per attempt
	RAGPassages    int           // default 3 passages per retrieval
}

// EngineFunction evaluates every enabled rule against every processed
// encounter of one tenant and consolidates the outcomes into a single
// run report.
type EngineFunction struct {
	configs ConfigStore
	runs    RunStore
	blobs   BlobStore
	model   Model
	config  EngineConfig
}

// NewEngine creates an EngineFunction wired to Firestore, GCS and
// Vertex AI.
func NewEngine(ctx context.Context) (*EngineFunction, error) {
	cfg := EngineConfig{
		ProjectID:      gcp.GetEnv("GCP_PROJECT", ""),
		VertexAIRegion: gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		Workers:        envInt("EVAL_WORKERS", 8),
		MaxRetries:     envInt("LLM_MAX_RETRIES", 2),
		RetryBackoff:   envDuration("LLM_RETRY_BACKOFF", 500*time.Millisecond),
		RAGPassages:    envInt("RAG_PASSAGES", 3),
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	blobs, err := gcp.NewBlobs(ctx)
	if err != nil {
		return nil, err
	}
	vertex, err := gcp.NewVertex(ctx, cfg.ProjectID, cfg.VertexAIRegion)
	if err != nil {
		return nil, err
	}

	return &EngineFunction{
		configs: config.NewStore(firestoreClient),
		runs:    state.NewRuns(firestoreClient),
		blobs:   blobs,
		model:   vertex,
		config:  cfg,
	}, nil
}

// NewRunID returns a sortable run identifier. The timestamp keeps runs
// ordered; the random suffix keeps back-to-back runs distinct.
func NewRunID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// Process runs one complete validation for a tenant. Every (rule, unit)
// pair yields exactly one outcome; evaluation errors downgrade to skip
// outcomes so partial results always produce a report.
func (f *EngineFunction) Process(ctx context.Context, req *models.InvocationRequest) (*models.ValidateResponse, error) {
	if req.OrganizationID == "" {
		return nil, ErrMissingOrganization
	}

	runID := NewRunID()
	logCtx := slog.With("organizationId", req.OrganizationID, "runId", runID)
	logCtx.Info("Starting validation run.")

	org, err := f.configs.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	chartCfg, err := f.configs.GetChartConfig(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	cfg := config.ApplyOverrides(*chartCfg, req.Config)

	units, err := f.loadUnits(ctx, org.Bucket, &cfg, logCtx)
	if err != nil {
		return nil, err
	}
	rules, err := f.configs.ListEnabledRules(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	mappings, err := f.configs.GetFieldMappings(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	logCtx.Info("Loaded evaluation inputs.", "units", len(units), "rules", len(rules))

	outcomes := f.evaluateAll(ctx, req.OrganizationID, rules, units, mappings)

	reportPath := fmt.Sprintf("%s%s.csv", cfg.Folder(models.FolderReports, false), runID)
	report, err := BuildReport(outcomes)
	if err != nil {
		return nil, err
	}
	if err := f.blobs.Create(ctx, org.Bucket, reportPath, report, "text/csv"); err != nil {
		return nil, err
	}

	run := &models.ValidationRun{
		RunID:          runID,
		OrganizationID: req.OrganizationID,
		UnitCount:      len(units),
		RuleCount:      len(rules),
		ReportPath:     reportPath,
		ConfigVersion:  cfg.Version,
		CompletedAt:    time.Now().UTC(),
	}
	for _, o := range outcomes {
		switch o.Status {
		case models.StatusPass:
			run.Passed++
		case models.StatusFail:
			run.Failed++
		default:
			run.Skipped++
		}
	}
	if err := f.runs.SaveRun(ctx, run); err != nil {
		// The report artifact is the deliverable; a summary write
		// failure must not fail the run.
		logCtx.Error("Failed to store run summary.", "error", err)
	}

	logCtx.Info("Validation run complete.",
		"reportPath", reportPath, "passed", run.Passed, "failed", run.Failed, "skipped", run.Skipped)
	return &models.ValidateResponse{
		OrganizationID: req.OrganizationID,
		RunID:          runID,
		ReportPath:     reportPath,
		UnitCount:      len(units),
		RuleCount:      len(rules),
		Passed:         run.Passed,
		Failed:         run.Failed,
		Skipped:        run.Skipped,
	}, nil
}

// evaluateAll fans (rule, unit) pairs across a bounded worker pool.
// Outcomes are accumulated unordered and keyed by (rule, encounter), so
// completion order never affects the report.
func (f *EngineFunction) evaluateAll(ctx context.Context, orgID string, rules []models.Rule, units []models.EncounterUnit, mappings map[string]string) []models.RuleOutcome {
	var mu sync.Mutex
	outcomes := make([]models.RuleOutcome, 0, len(rules)*len(units))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.workers())
	for ui := range units {
		unit := &units[ui]
		fields := ExtractFieldsFromText(unit.Text, mappings)
		for _, rule := range rules {
			eg.Go(func() error {
				outcome := f.evaluate(gctx, orgID, rule, unit, fields)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
				return nil
			})
		}
	}
	// Workers never return errors; failures are skip outcomes.
	_ = eg.Wait()
	return outcomes
}

// loadUnits reads every encounter unit under the tenant's processed
// folders. A unit that cannot be decoded is logged and skipped.
func (f *EngineFunction) loadUnits(ctx context.Context, bucket string, cfg *models.ChartConfig, logCtx *slog.Logger) ([]models.EncounterUnit, error) {
	prefixes := []string{
		cfg.Folder(models.FolderProcessed, false),
		cfg.Folder(models.FolderProcessed, true),
	}

	seen := make(map[string]bool)
	var units []models.EncounterUnit
	for _, prefix := range prefixes {
		objects, err := f.blobs.List(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
		for _, object := range objects {
			if seen[object] || !strings.HasSuffix(object, ".json") {
				continue
			}
			seen[object] = true

			data, err := f.blobs.Read(ctx, bucket, object)
			if err != nil {
				return nil, err
			}
			var unit models.EncounterUnit
			if err := json.Unmarshal(data, &unit); err != nil {
				logCtx.Error("Skipping undecodable encounter unit.", "object", object, "error", err)
				continue
			}
			units = append(units, unit)
		}
	}
	return units, nil
}

func (f *EngineFunction) workers() int {
	if f.config.Workers > 0 {
		return f.config.Workers
	}
	return 8
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := gcp.GetEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
