package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/penguinhealth/chartflow/internal/config"
	"github.com/penguinhealth/chartflow/internal/gcp"
	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/ocr"
	"github.com/penguinhealth/chartflow/internal/state"
)

// SubmitterConfig holds configuration for the submitter service.
type SubmitterConfig struct {
	ProjectID    string
	OCRBaseURL   string
	OCRToken     string
	BucketPrefix string
	Workers      int
}

// SubmitterFunction starts one OCR job per unprocessed source document
// and persists a job ticket per started job so the result splitter can
// recover the tenant's configuration when the job completes.
type SubmitterFunction struct {
	configs ConfigStore
	tickets TicketStore
	blobs   BlobStore
	starter OCRStarter
	config  SubmitterConfig

	// countPages defaults to pdfcpu-backed validation.
	countPages func(data []byte) (int, error)
}

// NewSubmitter creates a SubmitterFunction wired to Firestore, GCS and
// the OCR engine.
func NewSubmitter(ctx context.Context) (*SubmitterFunction, error) {
	cfg := SubmitterConfig{
		ProjectID:    gcp.GetEnv("GCP_PROJECT", ""),
		OCRBaseURL:   gcp.GetEnv("OCR_API_URL", ""),
		OCRToken:     gcp.GetEnv("OCR_API_TOKEN", ""),
		BucketPrefix: gcp.GetEnv("TENANT_BUCKET_PREFIX", "penguin-health-"),
		Workers:      envInt("SUBMIT_WORKERS", 8),
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

	return &SubmitterFunction{
		configs:    config.NewStore(firestoreClient),
		tickets:    state.NewTickets(firestoreClient),
		blobs:      blobs,
		starter:    ocr.NewClient(cfg.OCRBaseURL, cfg.OCRToken),
		config:     cfg,
		countPages: validatePDF,
	}, nil
}

// Process submits every un-ticketed PDF under the tenant's input
// folders. A single document's failure is recorded and skipped; it
// never aborts the batch.
func (f *SubmitterFunction) Process(ctx context.Context, req *models.InvocationRequest) (*models.SubmitResponse, error) {
	if req.OrganizationID == "" {
		return nil, ErrMissingOrganization
	}
	logCtx := slog.With("organizationId", req.OrganizationID)

	org, err := f.configs.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	chartCfg, err := f.configs.GetChartConfig(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	cfg := config.ApplyOverrides(*chartCfg, req.Config)

	ticketed, err := f.tickets.SourceRefs(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	candidates, err := f.listCandidates(ctx, org.Bucket, &cfg, ticketed)
	if err != nil {
		return nil, err
	}
	logCtx.Info("Listed submission candidates.", "count", len(candidates))

	resp := &models.SubmitResponse{OrganizationID: req.OrganizationID}
	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(f.workers())

	for _, object := range candidates {
		eg.Go(func() error {
			job, err := f.submitOne(gctx, org, &cfg, object)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logCtx.Error("Failed to submit document.", "object", object, "error", err)
				resp.Failures = append(resp.Failures, models.DocumentFailure{
					SourceRef: object,
					Error:     err.Error(),
				})
				return nil
			}
			resp.Jobs = append(resp.Jobs, *job)
			resp.Started++
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	logCtx.Info("Submission batch complete.", "started", resp.Started, "failures", len(resp.Failures))
	return resp, nil
}

// ProcessUpload submits a single just-uploaded object. Non-PDF objects
// and objects outside the input folders are ignored.
func (f *SubmitterFunction) ProcessUpload(ctx context.Context, e models.StorageEvent) error {
	logCtx := slog.With("bucket", e.Bucket, "object", e.Name)

	if !isPDF(e.Name) {
		logCtx.Info("Skipping non-PDF object.")
		return nil
	}
	orgID, err := orgIDFromBucket(e.Bucket, f.config.BucketPrefix)
	if err != nil {
		return err
	}

	org, err := f.configs.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	chartCfg, err := f.configs.GetChartConfig(ctx, orgID)
	if err != nil {
		return err
	}
	if !underInputFolder(e.Name, chartCfg) {
		logCtx.Info("Skipping object outside input folders.")
		return nil
	}

	ticketed, err := f.tickets.SourceRefs(ctx, orgID)
	if err != nil {
		return err
	}
	if ticketed[e.Name] {
		logCtx.Info("Skipping already-ticketed object.")
		return nil
	}

	job, err := f.submitOne(ctx, org, chartCfg, e.Name)
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", e.Name, err)
	}
	logCtx.Info("Started OCR job for uploaded document.", "jobId", job.JobID, "organizationId", orgID)
	return nil
}

// submitOne validates one source PDF, starts its OCR job, and writes
// the job ticket embedding the effective chart config snapshot.
func (f *SubmitterFunction) submitOne(ctx context.Context, org *models.Organization, cfg *models.ChartConfig, object string) (*models.JobRef, error) {
	data, err := f.blobs.Read(ctx, org.Bucket, object)
	if err != nil {
		return nil, err
	}
	countPages := f.countPages
	if countPages == nil {
		countPages = validatePDF
	}
	pageCount, err := countPages(data)
	if err != nil {
		return nil, fmt.Errorf("failed to validate PDF: %w", err)
	}

	jobID, err := f.starter.StartAnalysis(ctx, org.Bucket, object)
	if err != nil {
		return nil, fmt.Errorf("failed to start OCR analysis: %w", err)
	}

	ticket := &models.JobTicket{
		JobID:          jobID,
		OrganizationID: org.OrganizationID,
		Bucket:         org.Bucket,
		SourceRef:      object,
		PageCount:      pageCount,
		Snapshot:       *cfg,
		CreatedAt:      time.Now().UTC(),
	}
	if err := f.tickets.Put(ctx, ticket); err != nil {
		// The job is already running; without a ticket its result will
		// be orphaned, so surface this as the document's failure.
		return nil, fmt.Errorf("OCR job %s started but ticket write failed: %w", jobID, err)
	}
	return &models.JobRef{JobID: jobID, SourceRef: object}, nil
}

func (f *SubmitterFunction) listCandidates(ctx context.Context, bucket string, cfg *models.ChartConfig, ticketed map[string]bool) ([]string, error) {
	prefixes := []string{cfg.Folder(models.FolderInput, false), cfg.Folder(models.FolderInput, true)}

	seen := make(map[string]bool)
	var candidates []string
	for _, prefix := range prefixes {
		objects, err := f.blobs.List(ctx, bucket, prefix)
		if err != nil {
			return nil, err
		}
		for _, object := range objects {
			if seen[object] || ticketed[object] || !isPDF(object) {
				continue
			}
			seen[object] = true
			candidates = append(candidates, object)
		}
	}
	return candidates, nil
}

func (f *SubmitterFunction) workers() int {
	if f.config.Workers > 0 {
		return f.config.Workers
	}
	return 8
}

// validatePDF checks that the content is a readable PDF and returns its
// page count.
func validatePDF(data []byte) (int, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}

func isPDF(object string) bool {
	return strings.HasSuffix(strings.ToLower(object), ".pdf")
}

func underInputFolder(object string, cfg *models.ChartConfig) bool {
	return strings.HasPrefix(object, cfg.Folder(models.FolderInput, false)) ||
		strings.HasPrefix(object, cfg.Folder(models.FolderInput, true))
}

// orgIDFromBucket derives the tenant id from a bucket following the
// <prefix><org-id> naming convention.
func orgIDFromBucket(bucket, prefix string) (string, error) {
	if !strings.HasPrefix(bucket, prefix) || bucket == prefix {
		return "", fmt.Errorf("bucket %q does not match expected pattern %s{org-id}", bucket, prefix)
	}
	return strings.TrimPrefix(bucket, prefix), nil
}

func envInt(key string, fallback int) int {
	if v := gcp.GetEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
