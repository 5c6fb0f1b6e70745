// Package state persists the pipeline's cross-invocation records: job
// tickets awaiting their OCR completion signal and the immutable
// summaries of completed validation runs. All stages are stateless
// between invocations; everything they share lives here or in the blob
// store.
package state

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/penguinhealth/chartflow/internal/models"
)

const (
	ticketCollection = "tickets"
	runCollection    = "runs"
)

// ErrTicketNotFound is returned when a completion signal references a
// job id with no persisted ticket. The caller must treat this as fatal
// and surface the orphaned output for manual remediation.
var ErrTicketNotFound = errors.New("state: job ticket not found")

// Tickets stores job tickets keyed by the OCR service's opaque job id.
type Tickets struct {
	client *firestore.Client
}

// NewTickets wraps an existing Firestore client.
func NewTickets(client *firestore.Client) *Tickets {
	return &Tickets{client: client}
}

// Put persists a ticket. Job ids are unique per OCR call, so concurrent
// submissions never collide.
func (t *Tickets) Put(ctx context.Context, ticket *models.JobTicket) error {
	if ticket.JobID == "" {
		return fmt.Errorf("ticket has no job_id")
	}
	if _, err := t.client.Collection(ticketCollection).Doc(ticket.JobID).Set(ctx, ticket); err != nil {
		return fmt.Errorf("failed to store ticket for job %s: %w", ticket.JobID, err)
	}
	return nil
}

// Get loads the ticket for one job id.
func (t *Tickets) Get(ctx context.Context, jobID string) (*models.JobTicket, error) {
	snap, err := t.client.Collection(ticketCollection).Doc(jobID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrTicketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket for job %s: %w", jobID, err)
	}

	var ticket models.JobTicket
	if err := snap.DataTo(&ticket); err != nil {
		return nil, fmt.Errorf("failed to decode ticket for job %s: %w", jobID, err)
	}
	return &ticket, nil
}

// Delete removes a ticket after its result has been processed.
func (t *Tickets) Delete(ctx context.Context, jobID string) error {
	if _, err := t.client.Collection(ticketCollection).Doc(jobID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete ticket for job %s: %w", jobID, err)
	}
	return nil
}

// SourceRefs returns the set of source documents with an in-flight
// ticket for one tenant. The submitter uses it to reject re-submission
// of already-ticketed objects.
func (t *Tickets) SourceRefs(ctx context.Context, orgID string) (map[string]bool, error) {
	snaps, err := t.client.Collection(ticketCollection).
		Where("organization_id", "==", orgID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets for %q: %w", orgID, err)
	}

	refs := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		var ticket models.JobTicket
		if err := snap.DataTo(&ticket); err != nil {
			return nil, fmt.Errorf("failed to decode ticket %s: %w", snap.Ref.ID, err)
		}
		refs[ticket.SourceRef] = true
	}
	return refs, nil
}

// Runs stores immutable validation-run summaries.
type Runs struct {
	client *firestore.Client
}

// NewRuns wraps an existing Firestore client.
func NewRuns(client *firestore.Client) *Runs {
	return &Runs{client: client}
}

// SaveRun persists one run summary. Create semantics keep prior runs
// immutable: a run id is written at most once.
func (r *Runs) SaveRun(ctx context.Context, run *models.ValidationRun) error {
	docID := fmt.Sprintf("%s#%s", run.OrganizationID, run.RunID)
	if _, err := r.client.Collection(runCollection).Doc(docID).Create(ctx, run); err != nil {
		return fmt.Errorf("failed to store validation run %s: %w", run.RunID, err)
	}
	return nil
}
