package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/documentmigrationflow/internal/changefeed"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// PipelineState tracks a pipeline through its lifecycle.
type PipelineState int32

const (
	StateCreated PipelineState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s PipelineState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ItemWriter is the destination-side write contract.
type ItemWriter interface {
	CreateItem(ctx context.Context, doc *models.DocumentRecord) (float64, error)
	UpsertItem(ctx context.Context, doc *models.DocumentRecord) (float64, error)
}

// DestinationStore is a destination container that can be provisioned
// idempotently before the feed starts.
type DestinationStore interface {
	ItemWriter
	Ensure(ctx context.Context) error
}

// Provisioner is any store that must exist before the feed starts.
type Provisioner interface {
	Ensure(ctx context.Context) error
}

// FeedSubscription is the running change-feed consumer owned by a pipeline.
type FeedSubscription interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// FeedFactory builds the job's feed subscription around the pipeline's batch
// handler and a computed start position.
type FeedFactory func(handler changefeed.Handler, startContinuation float64) (FeedSubscription, error)

// FailureSink persists a batch's failed subset.
type FailureSink interface {
	PersistFailures(ctx context.Context, result *models.BatchResult) error
}

// ChangeFeedPipeline owns one lease-coordinated change-feed subscription for
// a migration job. Each delivered batch is filtered, partition-key mapped,
// bulk-written to the destination, and its failures dead-lettered. The
// destination handle is fixed at construction and never reassigned.
type ChangeFeedPipeline struct {
	log         *slog.Logger
	cfg         *models.MigrationJobConfig
	destination DestinationStore
	leaseStore  Provisioner
	feedFactory FeedFactory
	deadLetters FailureSink // nil disables dead-lettering
	metrics     MetricsSink

	state atomic.Int32
	feed  FeedSubscription
}

// NewChangeFeedPipeline wires a pipeline from already-resolved store handles.
func NewChangeFeedPipeline(
	log *slog.Logger,
	cfg *models.MigrationJobConfig,
	destination DestinationStore,
	leaseStore Provisioner,
	feedFactory FeedFactory,
	deadLetters FailureSink,
	metrics MetricsSink,
) (*ChangeFeedPipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deadLetters == nil {
		log.Warn("dead-lettering disabled for migration; partial batch failures will only be logged",
			"job", cfg.ID)
	}
	p := &ChangeFeedPipeline{
		log:         log.With("job", cfg.ID, "processor", cfg.ProcessorName()),
		cfg:         cfg,
		destination: destination,
		leaseStore:  leaseStore,
		feedFactory: feedFactory,
		deadLetters: deadLetters,
		metrics:     metrics,
	}
	p.state.Store(int32(StateCreated))
	return p, nil
}

// State reports the pipeline's lifecycle state.
func (p *ChangeFeedPipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Start provisions the lease and destination stores, computes the feed start
// position, and opens the subscription. A Stopped pipeline may be started
// again with a fresh lease scope.
func (p *ChangeFeedPipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) &&
		!p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("pipeline for job %s cannot start from state %s", p.cfg.ID, p.State())
	}

	p.log.Info("provisioning lease store", "collection", p.cfg.LeaseCollection)
	if err := p.leaseStore.Ensure(ctx); err != nil {
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to provision lease store: %w", err)
	}
	p.log.Info("provisioning destination store", "destination", p.cfg.DestinationIdentifier())
	if err := p.destination.Ensure(ctx); err != nil {
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to provision destination store: %w", err)
	}

	feed, err := p.feedFactory(p.handleBatch, p.startContinuation())
	if err != nil {
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to build feed subscription: %w", err)
	}
	if err := feed.Start(ctx); err != nil {
		p.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start feed subscription: %w", err)
	}
	p.feed = feed
	p.state.Store(int32(StateRunning))
	p.log.Info("pipeline running")
	return nil
}

// Stop halts the subscription, letting in-flight batches settle before
// returning.
func (p *ChangeFeedPipeline) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return fmt.Errorf("pipeline for job %s cannot stop from state %s", p.cfg.ID, p.State())
	}
	err := p.feed.Stop(ctx)
	p.feed = nil
	p.state.Store(int32(StateStopped))
	if err != nil {
		return fmt.Errorf("failed to stop feed subscription: %w", err)
	}
	p.log.Info("pipeline stopped")
	return nil
}

// startContinuation computes the feed start position: the beginning, or "now
// minus N hours" when a data-age cutoff is configured. A durable lease
// checkpoint, when present, takes precedence inside the feed itself.
func (p *ChangeFeedPipeline) startContinuation() float64 {
	if p.cfg.DataAgeInHours > 0 {
		cutoff := time.Now().Add(-time.Duration(p.cfg.DataAgeInHours * float64(time.Hour)))
		return float64(cutoff.Unix())
	}
	return 0
}

// handleBatch is the feed delivery callback. Partial per-document failures
// are data in the BatchResult; any other error is logged and re-thrown so
// the feed withholds its checkpoint and redelivers.
func (p *ChangeFeedPipeline) handleBatch(ctx context.Context, docs []*models.DocumentRecord) error {
	if p.cfg.SourcePartitionKeyValueFilter != "" {
		docs = p.filterByPartitionValue(docs)
	}
	if len(docs) == 0 {
		return nil
	}
	result, err := p.process(ctx, docs)
	if err != nil {
		p.log.Error("batch processing failed", "error", err)
		return err
	}
	p.metrics.RecordBatch(p.cfg.ID, result.Successes, result.CostUnits, result.FailureCount())
	return nil
}

// Replay runs the mapping and bulk-write steps over pre-fetched source
// documents on behalf of the poison-message retrier. The partition filter is
// skipped: replay targets are already known-relevant.
func (p *ChangeFeedPipeline) Replay(ctx context.Context, docs []*models.DocumentRecord) (*models.BatchResult, error) {
	if len(docs) == 0 {
		return &models.BatchResult{}, nil
	}
	return p.process(ctx, docs)
}

func (p *ChangeFeedPipeline) process(ctx context.Context, docs []*models.DocumentRecord) (*models.BatchResult, error) {
	mapKeys := p.cfg.SourcePartitionKeys != "" && p.cfg.TargetPartitionKey != ""

	bulk := NewBulkWriteCoordinator(len(docs), p.cfg.OnlyInsertMissingItems)
	var mappingFailures []models.FailedWrite
	for _, doc := range docs {
		if mapKeys {
			if err := MapPartitionKey(doc, p.cfg.Keys, p.cfg.TargetPartitionKey); err != nil {
				mappingFailures = append(mappingFailures, models.FailedWrite{Doc: doc, Cause: err})
				continue
			}
		}
		bulk.Add(doc, p.writeFor(doc))
	}

	result := bulk.Execute(ctx)
	for _, failure := range mappingFailures {
		result.FailedDocs = append(result.FailedDocs, failure.Doc)
		result.FailureReasons = append(result.FailureReasons, failure.Cause.Error())
		result.Failures = append(result.Failures, failure)
	}

	if result.FailureCount() > 0 && p.deadLetters != nil {
		if err := p.deadLetters.PersistFailures(ctx, result); err != nil {
			// Re-thrown: the feed must not checkpoint past failures that
			// were never durably recorded.
			return nil, fmt.Errorf("failed to persist dead-letter record: %w", err)
		}
	}
	return result, nil
}

func (p *ChangeFeedPipeline) writeFor(doc *models.DocumentRecord) WriteFunc {
	if p.cfg.OnlyInsertMissingItems {
		return func(ctx context.Context) (float64, error) {
			return p.destination.CreateItem(ctx, doc)
		}
	}
	return func(ctx context.Context) (float64, error) {
		return p.destination.UpsertItem(ctx, doc)
	}
}

// filterByPartitionValue drops documents whose source partition attribute
// does not case-insensitively equal the configured filter value.
func (p *ChangeFeedPipeline) filterByPartitionValue(docs []*models.DocumentRecord) []*models.DocumentRecord {
	kept := docs[:0]
	for _, doc := range docs {
		value := doc.SourcePartitionKey()
		if value == "" && len(p.cfg.Keys.Attributes) > 0 {
			if v, err := doc.GetField(p.cfg.Keys.Attributes[0]); err == nil {
				value = v
			}
		}
		if strings.EqualFold(value, p.cfg.SourcePartitionKeyValueFilter) {
			kept = append(kept, doc)
		}
	}
	return kept
}
