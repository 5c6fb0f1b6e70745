package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/penguinhealth/chartflow/internal/config"
	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/services"
)

var (
	submitterInstance *services.SubmitterFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "SubmitCharts" handles on-demand batch submission over HTTP;
	// "SubmitUploadedChart" handles storage finalize events. Both entry
	// point names are configured in GCP.
	functions.HTTP("SubmitCharts", submitCharts)
	functions.CloudEvent("SubmitUploadedChart", submitUploadedChart)
}

// main is required by the Go Functions Framework.
func main() {}

// submitCharts is the HTTP handler for batch chart submission.
func submitCharts(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		submitterInstance, initErr = services.NewSubmitter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Submitter initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	requestID := uuid.NewString()
	logCtx := slog.With("requestId", requestID)

	var req models.InvocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logCtx.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.OrganizationID == "" {
		http.Error(w, "Bad Request: organization_id is required", http.StatusBadRequest)
		return
	}

	res, err := submitterInstance.Process(r.Context(), &req)
	if err != nil {
		writeError(w, logCtx, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		logCtx.Error(
			"Failed to write response",
			"error", err,
			"organizationId", req.OrganizationID,
		)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

// submitUploadedChart is the Cloud Function entry point for storage
// finalize events on tenant buckets.
func submitUploadedChart(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		submitterInstance, initErr = services.NewSubmitter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var event models.StorageEvent
	if err := json.Unmarshal(e.Data(), &event); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return submitterInstance.ProcessUpload(ctx, event)
}

// writeError maps store-level failures to meaningful HTTP statuses.
func writeError(w http.ResponseWriter, logCtx *slog.Logger, err error) {
	switch {
	case errors.Is(err, config.ErrNotFound):
		http.Error(w, "Not Found: unknown organization", http.StatusNotFound)
	case errors.Is(err, config.ErrOrgDisabled):
		http.Error(w, "Forbidden: organization is disabled", http.StatusForbidden)
	default:
		logCtx.Error("Processing failed", "error", err)
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
	}
}
