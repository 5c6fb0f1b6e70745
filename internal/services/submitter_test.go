package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguinhealth/chartflow/internal/models"
)

func newTestSubmitter(blobs *fakeBlobStore, tickets *fakeTicketStore, starter *fakeStarter) *SubmitterFunction {
	return &SubmitterFunction{
		configs: &fakeConfigStore{
			orgs: map[string]*models.Organization{
				"acme": {OrganizationID: "acme", Enabled: true, Bucket: "penguin-health-acme"},
			},
			configs: map[string]*models.ChartConfig{
				"acme": {
					OrganizationID:     "acme",
					EncounterDelimiter: "=== ENCOUNTER ===",
					EncounterIDField:   "ID:",
					SecondaryPattern:   "irp",
					Version:            "1.0.0",
				},
			},
		},
		tickets: tickets,
		blobs:   blobs,
		starter: starter,
		config:  SubmitterConfig{BucketPrefix: "penguin-health-", Workers: 2},
		countPages: func(data []byte) (int, error) {
			if string(data) == "bad" {
				return 0, fmt.Errorf("pdf is corrupt")
			}
			return 1, nil
		},
	}
}

func TestSubmitterStartsOneJobPerUnticketedPDF(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put("penguin-health-acme", "input/a.pdf", []byte("pdf"))
	blobs.put("penguin-health-acme", "input/b.pdf", []byte("pdf"))
	blobs.put("penguin-health-acme", "input/irp/c.pdf", []byte("pdf"))
	blobs.put("penguin-health-acme", "input/notes.txt", []byte("not a pdf"))

	tickets := newFakeTicketStore()
	f := newTestSubmitter(blobs, tickets, &fakeStarter{})

	resp, err := f.Process(context.Background(), &models.InvocationRequest{OrganizationID: "acme"})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.Started)
	assert.Empty(t, resp.Failures)
	assert.Len(t, tickets.tickets, 3)
	for _, ticket := range tickets.tickets {
		assert.Equal(t, "acme", ticket.OrganizationID)
		assert.Equal(t, "penguin-health-acme", ticket.Bucket)
		assert.Equal(t, "=== ENCOUNTER ===", ticket.Snapshot.EncounterDelimiter)
		assert.Equal(t, 1, ticket.PageCount)
		assert.WithinDuration(t, time.Now().UTC(), ticket.CreatedAt, time.Minute)
	}
}

func TestSubmitterDocumentFailureDoesNotAbortBatch(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put("penguin-health-acme", "input/broken.pdf", []byte("bad"))
	blobs.put("penguin-health-acme", "input/fine.pdf", []byte("pdf"))

	tickets := newFakeTicketStore()
	f := newTestSubmitter(blobs, tickets, &fakeStarter{})

	resp, err := f.Process(context.Background(), &models.InvocationRequest{OrganizationID: "acme"})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Started)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "input/broken.pdf", resp.Failures[0].SourceRef)
	assert.Contains(t, resp.Failures[0].Error, "corrupt")
	assert.Len(t, tickets.tickets, 1)
}

func TestSubmitterSkipsAlreadyTicketedDocuments(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put("penguin-health-acme", "input/a.pdf", []byte("pdf"))
	blobs.put("penguin-health-acme", "input/b.pdf", []byte("pdf"))

	tickets := newFakeTicketStore()
	require.NoError(t, tickets.Put(context.Background(), &models.JobTicket{
		JobID:          "job-existing",
		OrganizationID: "acme",
		SourceRef:      "input/a.pdf",
	}))

	f := newTestSubmitter(blobs, tickets, &fakeStarter{})
	resp, err := f.Process(context.Background(), &models.InvocationRequest{OrganizationID: "acme"})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Started)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "input/b.pdf", resp.Jobs[0].SourceRef)
}

func TestSubmitterInvocationOverridesShadowStoredConfig(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put("penguin-health-acme", "staging/a.pdf", []byte("pdf"))

	tickets := newFakeTicketStore()
	f := newTestSubmitter(blobs, tickets, &fakeStarter{})

	resp, err := f.Process(context.Background(), &models.InvocationRequest{
		OrganizationID: "acme",
		Config:         map[string]string{"input": "staging/", "encounter_delimiter": "--- VISIT ---"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Started)
	require.Len(t, tickets.tickets, 1)
	for _, ticket := range tickets.tickets {
		assert.Equal(t, "staging/a.pdf", ticket.SourceRef)
		assert.Equal(t, "--- VISIT ---", ticket.Snapshot.EncounterDelimiter)
	}
}

func TestSubmitterTicketWriteFailureSurfacesAsDocumentFailure(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put("penguin-health-acme", "input/a.pdf", []byte("pdf"))

	tickets := newFakeTicketStore()
	tickets.putErr = fmt.Errorf("firestore unavailable")

	f := newTestSubmitter(blobs, tickets, &fakeStarter{})
	resp, err := f.Process(context.Background(), &models.InvocationRequest{OrganizationID: "acme"})
	require.NoError(t, err)

	assert.Zero(t, resp.Started)
	require.Len(t, resp.Failures, 1)
	assert.Contains(t, resp.Failures[0].Error, "ticket write failed")
}

func TestProcessUploadSubmitsSinglePDF(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put("penguin-health-acme", "input/new.pdf", []byte("pdf"))

	tickets := newFakeTicketStore()
	f := newTestSubmitter(blobs, tickets, &fakeStarter{})

	err := f.ProcessUpload(context.Background(), models.StorageEvent{
		Bucket: "penguin-health-acme",
		Name:   "input/new.pdf",
	})
	require.NoError(t, err)
	assert.Len(t, tickets.tickets, 1)
}

func TestProcessUploadIgnoresIrrelevantObjects(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.put("penguin-health-acme", "input/readme.txt", []byte("text"))
	blobs.put("penguin-health-acme", "reports/old.pdf", []byte("pdf"))

	tickets := newFakeTicketStore()
	f := newTestSubmitter(blobs, tickets, &fakeStarter{})

	require.NoError(t, f.ProcessUpload(context.Background(), models.StorageEvent{
		Bucket: "penguin-health-acme", Name: "input/readme.txt",
	}))
	require.NoError(t, f.ProcessUpload(context.Background(), models.StorageEvent{
		Bucket: "penguin-health-acme", Name: "reports/old.pdf",
	}))
	assert.Empty(t, tickets.tickets)
}

func TestOrgIDFromBucket(t *testing.T) {
	orgID, err := orgIDFromBucket("penguin-health-acme", "penguin-health-")
	require.NoError(t, err)
	assert.Equal(t, "acme", orgID)

	_, err = orgIDFromBucket("unrelated-bucket", "penguin-health-")
	assert.Error(t, err)

	_, err = orgIDFromBucket("penguin-health-", "penguin-health-")
	assert.Error(t, err)
}
