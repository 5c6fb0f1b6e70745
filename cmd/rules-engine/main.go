package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/google/uuid"

	"github.com/penguinhealth/chartflow/internal/config"
	"github.com/penguinhealth/chartflow/internal/models"
	"github.com/penguinhealth/chartflow/internal/services"
)

var (
	engineInstance *services.EngineFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "RunValidation" is the entry point name configured in GCP.
	functions.HTTP("RunValidation", runValidation)
}

// main is required by the Go Functions Framework.
func main() {}

// runValidation is the HTTP handler for the rule evaluation engine.
func runValidation(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		engineInstance, initErr = services.NewEngine(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Engine initialization failed", "error", initErr)
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

	res, err := engineInstance.Process(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, config.ErrNotFound):
			http.Error(w, "Not Found: unknown organization", http.StatusNotFound)
		case errors.Is(err, config.ErrOrgDisabled):
			http.Error(w, "Forbidden: organization is disabled", http.StatusForbidden)
		default:
			logCtx.Error("Processing failed", "error", err, "organizationId", req.OrganizationID)
			http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		logCtx.Error(
			"Failed to write response",
			"error", err,
			"organizationId", req.OrganizationID,
			"runId", res.RunID,
		)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
