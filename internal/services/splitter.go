package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/penguinhealth/chartflow/internal/config"
	"github.com/penguinhealth/chartflow/internal/gcp"
	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/ocr"
	"github.com/penguinhealth/chartflow/internal/state"
)

// ErrOrphanTicket marks a completion signal whose job id has no
// persisted ticket. The raw output is preserved for manual remediation
// and the invocation fails; it must never be silently dropped.
var ErrOrphanTicket = errors.New("services: completion signal has no matching job ticket")

// SplitterConfig holds configuration for the splitter service.
type SplitterConfig struct {
	ProjectID        string
	OCRBaseURL       string
	OCRToken         string
	OrphanBucket     string
	WorkflowID       string
	WorkflowLocation string
}

// SplitterFunction handles OCR completion signals: it recovers the
// tenant context from the job ticket, merges ticket-time and current
// chart configuration, partitions the result into encounter units, and
// archives the source document.
type SplitterFunction struct {
	configs  ConfigStore
	tickets  TicketStore
	blobs    BlobStore
	fetcher  OCRFetcher
	workflow WorkflowTrigger
	config   SplitterConfig
}

// NewSplitter creates a SplitterFunction wired to Firestore, GCS and
// the OCR engine. When WORKFLOW_ID is set, each processed result also
// triggers the named downstream workflow.
func NewSplitter(ctx context.Context) (*SplitterFunction, error) {
	cfg := SplitterConfig{
		ProjectID:        gcp.GetEnv("GCP_PROJECT", ""),
		OCRBaseURL:       gcp.GetEnv("OCR_API_URL", ""),
		OCRToken:         gcp.GetEnv("OCR_API_TOKEN", ""),
		OrphanBucket:     gcp.GetEnv("ORPHAN_BUCKET", ""),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}
	if cfg.OCRBaseURL == "" {
		return nil, fmt.Errorf("OCR_API_URL environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	blobs, err := gcp.NewBlobs(ctx)
	if err != nil {
		return nil, err
	}

	f := &SplitterFunction{
		configs: config.NewStore(firestoreClient),
		tickets: state.NewTickets(firestoreClient),
		blobs:   blobs,
		fetcher: ocr.NewClient(cfg.OCRBaseURL, cfg.OCRToken),
		config:  cfg,
	}
	if cfg.WorkflowID != "" {
		trigger, err := gcp.NewWorkflowTrigger(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)
		if err != nil {
			return nil, err
		}
		f.workflow = trigger
	}
	return f, nil
}

// Process handles one OCR completion signal.
func (f *SplitterFunction) Process(ctx context.Context, event models.OCRCompletionEvent) (*models.SplitResponse, error) {
	if event.JobID == "" {
		return nil, fmt.Errorf("completion signal has no job_id")
	}
	logCtx := slog.With("jobId", event.JobID, "status", event.Status)
	logCtx.Info("Received OCR completion signal.")

	ticket, err := f.tickets.Get(ctx, event.JobID)
	if errors.Is(err, state.ErrTicketNotFound) {
		f.preserveOrphan(ctx, event, logCtx)
		return nil, fmt.Errorf("job %s: %w", event.JobID, ErrOrphanTicket)
	}
	if err != nil {
		return nil, err
	}
	logCtx = logCtx.With("organizationId", ticket.OrganizationID, "sourceRef", ticket.SourceRef)

	cfg, err := f.effectiveConfig(ctx, ticket, logCtx)
	if err != nil {
		return nil, err
	}
	isSecondary := cfg.SecondaryPattern != "" && strings.Contains(ticket.SourceRef, cfg.SecondaryPattern)

	if event.Status == ocr.StatusFailed {
		return f.handleFailedJob(ctx, ticket, cfg, logCtx)
	}

	result, err := f.fetcher.FetchResult(ctx, event.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result for job %s: %w", event.JobID, err)
	}
	if result.JobStatus != ocr.StatusSucceeded {
		logCtx.Warn("Fetched result is not in a succeeded state.", "jobStatus", result.JobStatus)
		return f.handleFailedJob(ctx, ticket, cfg, logCtx)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	base := docBase(ticket.SourceRef)

	// Preserve the raw output before splitting so a bad heuristic can
	// always be re-run against the original.
	rawObject := fmt.Sprintf("%s%s-%s.json", cfg.Folder(models.FolderRaw, isSecondary), base, timestamp)
	rawContent, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw result: %w", err)
	}
	if err := f.blobs.Write(ctx, ticket.Bucket, rawObject, rawContent, "application/json"); err != nil {
		return nil, err
	}

	lines := ocr.ExtractLines(result)
	units := SplitEncounters(lines, cfg.EncounterDelimiter, cfg.EncounterIDField, ticket.OrganizationID, ticket.SourceRef)

	resp := &models.SplitResponse{
		OrganizationID: ticket.OrganizationID,
		JobID:          event.JobID,
		SourceRef:      ticket.SourceRef,
		Encounters:     len(units),
	}
	processedPrefix := cfg.Folder(models.FolderProcessed, isSecondary)
	for _, unit := range units {
		if unit.Unidentified {
			resp.Unidentified++
		}
		content, err := json.MarshalIndent(unit, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal encounter %s: %w", unit.EncounterID, err)
		}
		object := fmt.Sprintf("%s%s-%s-%s.json", processedPrefix, base, safeID(unit.EncounterID), timestamp)
		if err := f.blobs.Create(ctx, ticket.Bucket, object, content, "application/json"); err != nil {
			return nil, err
		}
	}
	logCtx.Info("Split OCR result into encounters.", "encounters", len(units), "unidentified", resp.Unidentified)

	archiveObject := fmt.Sprintf("%s%s-%s.pdf", cfg.Folder(models.FolderArchive, isSecondary), base, timestamp)
	if err := f.blobs.Archive(ctx, ticket.Bucket, ticket.SourceRef, archiveObject); err != nil {
		return nil, err
	}
	if err := f.tickets.Delete(ctx, event.JobID); err != nil {
		return nil, err
	}

	if f.workflow != nil {
		payload := map[string]any{
			"organization_id": ticket.OrganizationID,
			"job_id":          event.JobID,
			"encounters":      len(units),
		}
		if err := f.workflow.Trigger(ctx, payload); err != nil {
			// The split itself succeeded; the hand-off is best effort.
			logCtx.Error("Failed to trigger downstream workflow.", "error", err)
		}
	}
	return resp, nil
}

// effectiveConfig merges the ticket-time snapshot with the tenant's
// current chart config; current values win for every key they define.
// The completion signal cannot carry config, so this recovery is what
// keeps a mid-flight config change from being lost.
func (f *SplitterFunction) effectiveConfig(ctx context.Context, ticket *models.JobTicket, logCtx *slog.Logger) (*models.ChartConfig, error) {
	merged := ticket.Snapshot
	current, err := f.configs.GetChartConfig(ctx, ticket.OrganizationID)
	if err != nil {
		// The snapshot keeps the pipeline moving when the current
		// record is unreadable; required fields are still validated.
		logCtx.Warn("Could not re-read current chart config; using ticket snapshot.", "error", err)
	} else {
		merged = config.MergeChartConfig(ticket.Snapshot, *current)
	}
	if merged.OrganizationID == "" {
		merged.OrganizationID = ticket.OrganizationID
	}
	if err := config.ValidateChartConfig(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// handleFailedJob archives the source of a failed OCR job so the input
// folder never wedges, and consumes the ticket. The document's failure
// is isolated; the invocation itself succeeds.
func (f *SplitterFunction) handleFailedJob(ctx context.Context, ticket *models.JobTicket, cfg *models.ChartConfig, logCtx *slog.Logger) (*models.SplitResponse, error) {
	logCtx.Error("OCR job failed; archiving source for remediation.")

	timestamp := time.Now().UTC().Format("20060102-150405")
	failedObject := fmt.Sprintf("%s%s-%s.pdf", cfg.Folder(models.FolderFailed, false), docBase(ticket.SourceRef), timestamp)
	if err := f.blobs.Archive(ctx, ticket.Bucket, ticket.SourceRef, failedObject); err != nil {
		return nil, err
	}
	if err := f.tickets.Delete(ctx, ticket.JobID); err != nil {
		return nil, err
	}
	return &models.SplitResponse{
		OrganizationID: ticket.OrganizationID,
		JobID:          ticket.JobID,
		SourceRef:      ticket.SourceRef,
	}, nil
}

// preserveOrphan saves the raw output of an unmatched job where an
// operator can find it. Without a ticket the tenant bucket is unknown,
// so the output lands in the operations bucket when one is configured.
// When even the result fetch fails, the completion signal itself is
// preserved instead: its result_ref still locates the output at the
// OCR engine.
func (f *SplitterFunction) preserveOrphan(ctx context.Context, event models.OCRCompletionEvent, logCtx *slog.Logger) {
	if f.config.OrphanBucket == "" {
		logCtx.Error("No orphan bucket configured; raw output only retrievable from the OCR engine.",
			"resultRef", event.ResultRef)
		return
	}

	var payload any = event
	result, err := f.fetcher.FetchResult(ctx, event.JobID)
	if err != nil {
		logCtx.Error("Failed to fetch orphaned result; preserving the signal instead.", "error", err)
	} else {
		payload = result
	}
	content, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		logCtx.Error("Failed to marshal orphaned result.", "error", err)
		return
	}
	object := fmt.Sprintf("%s%s.json", models.DefaultFolders()[models.FolderOrphans], event.JobID)
	if err := f.blobs.Write(ctx, f.config.OrphanBucket, object, content, "application/json"); err != nil {
		logCtx.Error("Failed to preserve orphaned result.", "error", err)
		return
	}
	logCtx.Info("Preserved orphaned OCR output.", "bucket", f.config.OrphanBucket, "object", object)
}
