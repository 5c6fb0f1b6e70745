package services

import (
	"context"
	"errors"

	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/ocr"
)

// ErrMissingOrganization is returned when an invocation payload omits
// the required organization_id.
var ErrMissingOrganization = errors.New("services: missing required parameter organization_id")

// The pipeline stages consume their collaborators through these narrow
// interfaces. Production wiring uses the Firestore, GCS, Vertex AI and
// OCR clients; tests substitute in-memory fakes.

// ConfigStore reads tenant configuration.
type ConfigStore interface {
	GetOrganization(ctx context.Context, orgID string) (*models.Organization, error)
	GetChartConfig(ctx context.Context, orgID string) (*models.ChartConfig, error)
	ListEnabledRules(ctx context.Context, orgID string) ([]models.Rule, error)
	GetFieldMappings(ctx context.Context, orgID string) (map[string]string, error)
	ListPassages(ctx context.Context, orgID, base string) ([]models.Passage, error)
}

// TicketStore persists job tickets across the OCR service boundary.
type TicketStore interface {
	Put(ctx context.Context, ticket *models.JobTicket) error
	Get(ctx context.Context, jobID string) (*models.JobTicket, error)
	Delete(ctx context.Context, jobID string) error
	SourceRefs(ctx context.Context, orgID string) (map[string]bool, error)
}

// RunStore persists immutable validation-run summaries.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.ValidationRun) error
}

// BlobStore is the prefix-listable object store holding source
// documents, encounter units, archives and reports.
type BlobStore interface {
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Read(ctx context.Context, bucket, object string) ([]byte, error)
	Write(ctx context.Context, bucket, object string, content []byte, contentType string) error
	Create(ctx context.Context, bucket, object string, content []byte, contentType string) error
	Archive(ctx context.Context, bucket, src, dst string) error
}

// OCRStarter starts asynchronous analysis jobs.
type OCRStarter interface {
	StartAnalysis(ctx context.Context, bucket, object string) (string, error)
}

// OCRFetcher retrieves completed job results.
type OCRFetcher interface {
	FetchResult(ctx context.Context, jobID string) (*ocr.Result, error)
}

// Model invokes a generative model once and returns its text output.
type Model interface {
	Generate(ctx context.Context, model, system, prompt string, jsonOutput bool) (string, error)
}

// WorkflowTrigger hands off to a downstream orchestration workflow.
type WorkflowTrigger interface {
	Trigger(ctx context.Context, argument map[string]any) error
}
