package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

const deadLetterBlobPrefix = "FailedImportDocs"

// BlobStore is the blob-side contract the dead-letter path needs.
type BlobStore interface {
	Upload(ctx context.Context, name string, body []byte, metadata map[string]string) error
	List(ctx context.Context, prefix string) ([]gcp.BlobInfo, error)
	Download(ctx context.Context, name string) ([]byte, error)
	UpdateMetadata(ctx context.Context, name string, revision int64, metadata map[string]string) error
}

// DeadLetterSink persists the failed subset of a batch to durable blob
// storage under a per-job namespace, and gives the retrier read and
// metadata-update access to the stored records.
type DeadLetterSink struct {
	log   *slog.Logger
	blobs BlobStore
	// namespace is the per-job blob prefix, content-addressed by the job's
	// processor name.
	namespace string
}

// NewDeadLetterSink binds a sink to a job's namespace.
func NewDeadLetterSink(log *slog.Logger, blobs BlobStore, namespace string) *DeadLetterSink {
	return &DeadLetterSink{log: log, blobs: blobs, namespace: namespace}
}

// PersistFailures writes one immutable dead-letter record for the batch's
// failures. Documents whose identity cannot be serialized are logged and
// left out of the record, keeping its identifier count consistent with its
// failure count.
func (s *DeadLetterSink) PersistFailures(ctx context.Context, result *models.BatchResult) error {
	record := &models.DeadLetterRecord{}
	for i, doc := range result.FailedDocs {
		identifier, err := doc.Identifier()
		if err != nil {
			s.log.Error("dropping failed document from dead-letter record: identity not serializable",
				"documentId", doc.ID(), "error", err)
			continue
		}
		record.Identifiers = append(record.Identifiers, identifier)
		record.FailureCauses = append(record.FailureCauses, result.FailureReasons[i])
	}
	record.FailureCount = len(record.Identifiers)
	if record.FailureCount == 0 {
		return nil
	}

	body, err := record.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter record: %w", err)
	}
	name := s.namespace + "/" + deadLetterBlobPrefix + uuid.NewString() + ".csv"
	if err := s.blobs.Upload(ctx, name, body, record.RetryMetadata()); err != nil {
		return fmt.Errorf("failed to persist dead-letter record %q: %w", name, err)
	}
	s.log.Warn("dead-lettered failed documents", "blob", name, "failureCount", record.FailureCount)
	return nil
}

// ListPending returns the job's dead-letter blobs that are not yet marked
// fully retried.
func (s *DeadLetterSink) ListPending(ctx context.Context) ([]gcp.BlobInfo, error) {
	blobs, err := s.blobs.List(ctx, s.namespace+"/")
	if err != nil {
		return nil, err
	}
	pending := blobs[:0]
	for _, blob := range blobs {
		if blob.Metadata[models.MetaFullyRetried] == "1" {
			continue
		}
		pending = append(pending, blob)
	}
	return pending, nil
}

// Load downloads and decodes one dead-letter record, attaching the retry
// progress read from the blob's metadata.
func (s *DeadLetterSink) Load(ctx context.Context, blob gcp.BlobInfo) (*models.DeadLetterRecord, error) {
	body, err := s.blobs.Download(ctx, blob.Name)
	if err != nil {
		return nil, err
	}
	record, err := models.DecodeDeadLetterRecord(body)
	if err != nil {
		return nil, fmt.Errorf("blob %q: %w", blob.Name, err)
	}
	record.ParseRetryMetadata(blob.Metadata)
	return record, nil
}

// UpdateRetryProgress writes the cumulative successful-retry count and, when
// the count covers every failed document, the fully-retried flag. The update
// is conditional on the blob's metadata revision being unchanged.
func (s *DeadLetterSink) UpdateRetryProgress(ctx context.Context, blob gcp.BlobInfo, successfulRetries int, fullyRetried bool) error {
	metadata := map[string]string{
		models.MetaSuccessfulRetryCount: strconv.Itoa(successfulRetries),
	}
	if fullyRetried {
		metadata[models.MetaFullyRetried] = "1"
	}
	return s.blobs.UpdateMetadata(ctx, blob.Name, blob.Revision, metadata)
}
