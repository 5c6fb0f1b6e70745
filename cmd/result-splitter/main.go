package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/services"
)

var (
	splitterInstance *services.SplitterFunction
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "HandleOCRResult" is the entry point name configured in GCP.
	functions.CloudEvent("HandleOCRResult", handleOCRResult)
}

// main is required by the Go Functions Framework.
func main() {}

// handleOCRResult is the Cloud Function entry point for OCR job
// completion signals.
func handleOCRResult(ctx context.Context, e cloudevents.Event) error {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		splitterInstance, initErr = services.NewSplitter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var event models.OCRCompletionEvent
	if err := json.Unmarshal(e.Data(), &event); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	res, err := splitterInstance.Process(ctx, event)
	if err != nil {
		// The error is already logged with context within the Process
		// method. Returning it marks the invocation as failed so the
		// event is redelivered.
		return err
	}

	slog.Info(
		"Completion signal handled",
		"jobId", res.JobID,
		"organizationId", res.OrganizationID,
		"encounters", res.Encounters,
		"unidentified", res.Unidentified,
	)
	return nil
}
