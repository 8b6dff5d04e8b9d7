package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// DefaultMaxConcurrentRetries caps simultaneous job retry passes so the
// retry path cannot overwhelm the source and destination stores.
const DefaultMaxConcurrentRetries = 5

// SourceReader re-reads the current state of a source document.
type SourceReader interface {
	ReadItem(ctx context.Context, id, partitionKey string) (*models.DocumentRecord, error)
}

// DeadLetterStore is the read/update side of a job's dead-letter namespace.
type DeadLetterStore interface {
	ListPending(ctx context.Context) ([]gcp.BlobInfo, error)
	Load(ctx context.Context, blob gcp.BlobInfo) (*models.DeadLetterRecord, error)
	UpdateRetryProgress(ctx context.Context, blob gcp.BlobInfo, successfulRetries int, fullyRetried bool) error
}

// Replayer is the pipeline entry point that re-applies pre-fetched source
// documents.
type Replayer interface {
	Replay(ctx context.Context, docs []*models.DocumentRecord) (*models.BatchResult, error)
}

// RetryTarget bundles one job's stores and replay entry point for a pass.
type RetryTarget struct {
	JobID       string
	Source      SourceReader
	DeadLetters DeadLetterStore
	Replay      Replayer
}

// PoisonMessageRetrier periodically replays dead-lettered documents against
// the still-live source. Documents that have since been deleted or changed
// are counted as resolved without a write; the rest go back through the
// pipeline's replay entry point.
type PoisonMessageRetrier struct {
	log *slog.Logger
	sem *semaphore.Weighted
}

// NewPoisonMessageRetrier builds a retrier with the given concurrency cap;
// zero or negative means DefaultMaxConcurrentRetries.
func NewPoisonMessageRetrier(log *slog.Logger, maxConcurrent int64) *PoisonMessageRetrier {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRetries
	}
	return &PoisonMessageRetrier{
		log: log,
		sem: semaphore.NewWeighted(maxConcurrent),
	}
}

// RunPass retries every target's pending dead-letter records. A failure in
// one job's namespace is logged and never blocks the other jobs. RunPass
// returns only after every spawned job has settled, even when the context
// is cancelled partway through the pass.
func (r *PoisonMessageRetrier) RunPass(ctx context.Context, targets []RetryTarget) {
	var wg sync.WaitGroup
	for _, target := range targets {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			if err := r.retryJob(ctx, target); err != nil {
				r.log.Error("retry pass failed for job", "job", target.JobID, "error", err)
			}
		}()
	}
	wg.Wait()
}

func (r *PoisonMessageRetrier) retryJob(ctx context.Context, target RetryTarget) error {
	blobs, err := target.DeadLetters.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dead-letter records: %w", err)
	}
	for _, blob := range blobs {
		if err := r.retryBlob(ctx, target, blob); err != nil {
			return fmt.Errorf("blob %q: %w", blob.Name, err)
		}
	}
	return nil
}

func (r *PoisonMessageRetrier) retryBlob(ctx context.Context, target RetryTarget, blob gcp.BlobInfo) error {
	record, err := target.DeadLetters.Load(ctx, blob)
	if err != nil {
		return err
	}
	if record.FullyRetried {
		return nil
	}

	failedDocCount := len(record.Identifiers)
	if record.SuccessfulRetryCount >= failedDocCount {
		// Earlier passes already covered every document; only the terminal
		// flag is missing.
		return r.writeProgress(ctx, target, blob, record.SuccessfulRetryCount, true)
	}

	resolved := 0
	var toReplay []*models.DocumentRecord
	for _, identifier := range record.Identifiers {
		doc, err := target.Source.ReadItem(ctx, identifier.ID, identifier.PartitionKey)
		switch {
		case gcp.IsNotFound(err):
			// Deleted at the source; nothing left to migrate.
			resolved++
		case err != nil:
			return fmt.Errorf("failed to re-read source document %q: %w", identifier.ID, err)
		case doc.Etag() != identifier.Etag:
			// A newer change-feed event carries (or will carry) the current
			// state; replaying the stale revision would be wrong.
			resolved++
		default:
			toReplay = append(toReplay, doc)
		}
	}

	successfulRetries := resolved
	if len(toReplay) > 0 {
		result, err := target.Replay.Replay(ctx, toReplay)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		successfulRetries += len(toReplay) - result.FailureCount()
	}
	if successfulRetries == 0 {
		return nil
	}

	newCount := record.SuccessfulRetryCount + successfulRetries
	if newCount > failedDocCount {
		newCount = failedDocCount
	}
	return r.writeProgress(ctx, target, blob, newCount, newCount >= failedDocCount)
}

func (r *PoisonMessageRetrier) writeProgress(ctx context.Context, target RetryTarget, blob gcp.BlobInfo, count int, fullyRetried bool) error {
	err := target.DeadLetters.UpdateRetryProgress(ctx, blob, count, fullyRetried)
	if errors.Is(err, gcp.ErrBlobRevisionMismatch) {
		// Lost a race against a concurrent pass; the next scheduled pass
		// picks up the delta.
		r.log.Info("dead-letter metadata changed concurrently; deferring",
			"job", target.JobID, "blob", blob.Name)
		return nil
	}
	return err
}
