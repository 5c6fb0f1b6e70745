package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Blobs wraps a storage client with the prefix-listable read/write/
// archive operations the pipeline stages need. All methods address
// objects by (bucket, name) because each tenant owns its own bucket.
type Blobs struct {
	client *storage.Client
}

// NewBlobs creates a Blobs store backed by a new GCS client.
func NewBlobs(ctx context.Context) (*Blobs, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Blobs{client: client}, nil
}

// List returns the names of all objects under prefix, sorted.
func (b *Blobs) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := b.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		// Skip the folder placeholder itself.
		if attrs.Name == prefix || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the full content of one object.
func (b *Blobs) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	r, err := b.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	return data, nil
}

// Write stores content at the given object name, overwriting any
// existing object.
func (b *Blobs) Write(ctx context.Context, bucket, object string, content []byte, contentType string) error {
	w := b.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

// Create writes content only if the object does not already exist. An
// existing object is not a failure in an idempotent workflow; Create
// returns nil and leaves it untouched.
func (b *Blobs) Create(ctx context.Context, bucket, object string, content []byte, contentType string) error {
	w := b.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to write gs://%s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

// Archive copies src to dst within the bucket and deletes src.
func (b *Blobs) Archive(ctx context.Context, bucket, src, dst string) error {
	bkt := b.client.Bucket(bucket)
	if _, err := bkt.Object(dst).CopierFrom(bkt.Object(src)).Run(ctx); err != nil {
		return fmt.Errorf("failed to copy gs://%s/%s to %s: %w", bucket, src, dst, err)
	}
	if err := bkt.Object(src).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete gs://%s/%s after archiving: %w", bucket, src, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
