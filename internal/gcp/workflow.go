package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowTrigger starts executions of a named Cloud Workflow. The
// result splitter uses it to hand off to a downstream validation
// workflow when one is configured.
type WorkflowTrigger struct {
	client     *executions.Client
	projectID  string
	location   string
	workflowID string
}

// NewWorkflowTrigger creates a trigger for one workflow.
func NewWorkflowTrigger(ctx context.Context, projectID, location, workflowID string) (*WorkflowTrigger, error) {
	if projectID == "" || workflowID == "" {
		return nil, fmt.Errorf("NewWorkflowTrigger: projectID and workflowID cannot be empty")
	}

	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowTrigger{
		client:     client,
		projectID:  projectID,
		location:   location,
		workflowID: workflowID,
	}, nil
}

// Trigger starts one execution with the given JSON argument.
func (t *WorkflowTrigger) Trigger(ctx context.Context, argument map[string]any) error {
	payload, err := json.Marshal(argument)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}

	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", t.projectID, t.location, t.workflowID),
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}
	if _, err := t.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}
