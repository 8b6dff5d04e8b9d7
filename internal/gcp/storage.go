package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// NewStorageClient creates the Cloud Storage client used for dead-letter
// persistence.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return client, nil
}

// BlobInfo describes one stored blob and its mutable metadata.
type BlobInfo struct {
	Name string
	// Revision is the metadata generation the metadata was read at;
	// conditional metadata updates are keyed on it.
	Revision int64
	Metadata map[string]string
}

// ErrBlobRevisionMismatch is returned when a conditional metadata update
// loses a race against a concurrent writer.
var ErrBlobRevisionMismatch = errors.New("blob metadata revision mismatch")

// BlobContainer wraps one bucket with the blob operations the dead-letter
// path needs.
type BlobContainer struct {
	client *storage.Client
	bucket string
}

// NewBlobContainer binds a bucket on an existing client.
func NewBlobContainer(client *storage.Client, bucket string) *BlobContainer {
	return &BlobContainer{client: client, bucket: bucket}
}

// Bucket returns the bucket name.
func (b *BlobContainer) Bucket() string { return b.bucket }

// Upload writes a blob with the given metadata, overwriting any existing
// object under the same name.
func (b *BlobContainer) Upload(ctx context.Context, name string, body []byte, metadata map[string]string) error {
	writer := b.client.Bucket(b.bucket).Object(name).NewWriter(ctx)
	writer.Metadata = metadata
	if _, err := io.Copy(writer, bytes.NewReader(body)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write blob %q: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize blob %q: %w", name, err)
	}
	return nil
}

// List returns every blob under the given prefix together with its metadata.
func (b *BlobContainer) List(ctx context.Context, prefix string) ([]BlobInfo, error) {
	var blobs []BlobInfo
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs under %q: %w", prefix, err)
		}
		blobs = append(blobs, BlobInfo{
			Name:     attrs.Name,
			Revision: attrs.Metageneration,
			Metadata: attrs.Metadata,
		})
	}
	return blobs, nil
}

// Download reads a blob body.
func (b *BlobContainer) Download(ctx context.Context, name string) ([]byte, error) {
	reader, err := b.client.Bucket(b.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %q: %w", name, err)
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %q: %w", name, err)
	}
	return body, nil
}

// UpdateMetadata replaces a blob's metadata, conditional on the metadata
// revision being unchanged since it was read. A lost race returns
// ErrBlobRevisionMismatch.
func (b *BlobContainer) UpdateMetadata(ctx context.Context, name string, revision int64, metadata map[string]string) error {
	obj := b.client.Bucket(b.bucket).Object(name).If(storage.Conditions{MetagenerationMatch: revision})
	update := storage.ObjectAttrsToUpdate{Metadata: metadata}
	if _, err := obj.Update(ctx, update); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			return fmt.Errorf("blob %q: %w", name, ErrBlobRevisionMismatch)
		}
		return fmt.Errorf("failed to update metadata on blob %q: %w", name, err)
	}
	return nil
}
