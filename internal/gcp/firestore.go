package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
)

// NewFirestoreClient creates the Firestore client shared by the tenant
// configuration, job ticket and validation run stores. The FIRESTORE_DATABASE
// environment variable selects a named database; unset, the project's
// default database is used.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("NewFirestoreClient: projectID cannot be empty")
	}

	databaseID := GetEnv("FIRESTORE_DATABASE", firestore.DefaultDatabaseID)
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client for database %q: %w", databaseID, err)
	}
	return client, nil
}
