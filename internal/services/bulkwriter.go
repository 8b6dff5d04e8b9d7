package services

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// WriteFunc performs one document write and reports its consumed write cost.
type WriteFunc func(ctx context.Context) (float64, error)

type writeOperation struct {
	doc     *models.DocumentRecord
	execute WriteFunc
}

type writeOutcome struct {
	cost float64
	err  error
}

// BulkWriteCoordinator executes a batch of independent write operations
// concurrently and aggregates every operation's outcome into one BatchResult.
// It holds no state across batches; construct one per delivered batch.
type BulkWriteCoordinator struct {
	ops               []writeOperation
	conflictIsSuccess bool
	started           time.Time
}

// NewBulkWriteCoordinator sizes a coordinator for an expected batch size.
// When onlyInsertMissing is set, a conflict on insert means the destination
// already has the document and counts as success.
func NewBulkWriteCoordinator(capacity int, onlyInsertMissing bool) *BulkWriteCoordinator {
	return &BulkWriteCoordinator{
		ops:               make([]writeOperation, 0, capacity),
		conflictIsSuccess: onlyInsertMissing,
		started:           time.Now(),
	}
}

// Add queues one write for the document.
func (b *BulkWriteCoordinator) Add(doc *models.DocumentRecord, execute WriteFunc) {
	b.ops = append(b.ops, writeOperation{doc: doc, execute: execute})
}

// Execute fires all queued writes concurrently, waits for every one to
// settle, and returns the aggregate. It never short-circuits: each
// operation's outcome is observed exactly once.
func (b *BulkWriteCoordinator) Execute(ctx context.Context) *models.BatchResult {
	outcomes := make([]writeOutcome, len(b.ops))

	eg, gctx := errgroup.WithContext(ctx)
	for i, op := range b.ops {
		eg.Go(func() error {
			cost, err := op.execute(gctx)
			outcomes[i] = writeOutcome{cost: cost, err: err}
			return nil // failures are data, not group errors
		})
	}
	_ = eg.Wait()

	result := &models.BatchResult{TimeTaken: time.Since(b.started)}
	for i, outcome := range outcomes {
		result.CostUnits += outcome.cost
		if outcome.err == nil || (b.conflictIsSuccess && gcp.IsAlreadyExists(outcome.err)) {
			result.Successes++
			continue
		}
		result.FailedDocs = append(result.FailedDocs, b.ops[i].doc)
		result.FailureReasons = append(result.FailureReasons, outcome.err.Error())
		result.Failures = append(result.Failures, models.FailedWrite{Doc: b.ops[i].doc, Cause: outcome.err})
	}
	return result
}
