// Package changefeed delivers ordered batches of changed source documents to
// a handler, coordinated through a lease record so that at most one worker
// instance consumes a given processor's feed at a time.
//
// The feed is a polling subscription over a monotonic change-timestamp field
// maintained by the source's writers. Within one delivered poll window,
// documents are grouped by their source partition key value and the groups
// are handled concurrently; documents of the same partition are always
// delivered in timestamp order, and the continuation is committed only after
// every group's handler has returned.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// Handler is invoked once per delivered batch. Returning an error leaves the
// continuation untouched, so the batch is redelivered on the next poll.
type Handler func(ctx context.Context, docs []*models.DocumentRecord) error

// Options tune one feed subscription.
type Options struct {
	// ProcessorName identifies the subscription in the lease collection.
	ProcessorName string
	// InstanceName distinguishes this worker from peers competing for the
	// lease. Defaults to a random identifier.
	InstanceName string
	// MaxBatchSize is the largest poll window delivered at once.
	MaxBatchSize int
	// PollInterval is the delay between polls when caught up.
	PollInterval time.Duration
	// LeaseDuration is how long ownership survives without renewal.
	LeaseDuration time.Duration
	// ChangeTimestampField is the monotonic change-ordering field on source
	// documents.
	ChangeTimestampField string
	// PartitionKeyField is the source partition key attribute; documents
	// sharing a value are delivered strictly in order.
	PartitionKeyField string
	// StartContinuation is the change timestamp to begin from when no durable
	// checkpoint exists yet.
	StartContinuation float64
}

func (o *Options) withDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 1000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.ChangeTimestampField == "" {
		o.ChangeTimestampField = "_ts"
	}
}

// Subscription is one running feed consumer.
type Subscription struct {
	log              *slog.Logger
	source           *firestore.Client
	sourceCollection string
	keeper           *leaseKeeper
	handler          Handler
	opts             Options

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscription wires a subscription; Start begins delivery.
func NewSubscription(
	log *slog.Logger,
	source *firestore.Client,
	sourceCollection string,
	leases *firestore.Client,
	leaseCollection string,
	handler Handler,
	opts Options,
) (*Subscription, error) {
	if opts.ProcessorName == "" {
		return nil, fmt.Errorf("a processor name is required for lease coordination")
	}
	if opts.InstanceName == "" {
		return nil, fmt.Errorf("an instance name is required for lease coordination")
	}
	if handler == nil {
		return nil, fmt.Errorf("a batch handler is required")
	}
	opts.withDefaults()
	return &Subscription{
		log:              log.With("processor", opts.ProcessorName, "instance", opts.InstanceName),
		source:           source,
		sourceCollection: sourceCollection,
		keeper: &leaseKeeper{
			client:     leases,
			collection: leaseCollection,
			processor:  opts.ProcessorName,
			instance:   opts.InstanceName,
			duration:   opts.LeaseDuration,
		},
		handler: handler,
		opts:    opts,
	}, nil
}

// Start launches the consume loop in the background.
func (s *Subscription) Start(ctx context.Context) error {
	if s.done != nil {
		return fmt.Errorf("subscription %q already started", s.opts.ProcessorName)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	s.log.Info("change feed subscription started")
	return nil
}

// Stop halts polling, allows the in-flight batch to settle, and releases the
// lease. New batches are not accepted once Stop is called.
func (s *Subscription) Stop(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for subscription %q to drain: %w", s.opts.ProcessorName, ctx.Err())
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.keeper.release(releaseCtx); err != nil {
		s.log.Warn("failed to release feed lease; it will expire on its own", "error", err)
	}
	s.log.Info("change feed subscription stopped")
	return nil
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	start := position{Ts: s.opts.StartContinuation}
	held := false
	continuation := start
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !held {
			var err error
			held, continuation, err = s.keeper.acquire(ctx, start)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("lease acquisition failed", "error", err)
			}
		}

		if held {
			var err error
			held, err = s.keeper.renew(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("lease renewal failed", "error", err)
				held = false
			}
		}

		if held {
			next, err := s.pollOnce(ctx, continuation)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				s.log.Error("batch delivery failed; batch will be redelivered", "error", err)
			case continuation.before(next):
				if err := s.keeper.checkpoint(ctx, next); err != nil {
					s.log.Warn("checkpoint failed; releasing feed ownership", "error", err)
					held = false
				} else {
					continuation = next
				}
				// More changes may be pending; poll again without delay.
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce reads the next window of changes after the continuation, delivers
// it, and returns the new continuation. A zero-progress poll returns the
// input continuation.
//
// The window is ordered by (change timestamp, document id) and resumed with
// a cursor over the same pair. A full window that ends inside one timestamp
// therefore picks up the remaining documents of that timestamp on the next
// poll instead of checkpointing past them.
func (s *Subscription) pollOnce(ctx context.Context, continuation position) (position, error) {
	query := s.source.Collection(s.sourceCollection).
		OrderBy(s.opts.ChangeTimestampField, firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(s.opts.MaxBatchSize)
	if continuation.DocID != "" {
		query = query.Where(s.opts.ChangeTimestampField, ">=", continuation.Ts).
			StartAfter(continuation.Ts, continuation.DocID)
	} else {
		query = query.Where(s.opts.ChangeTimestampField, ">", continuation.Ts)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []*models.DocumentRecord
	next := continuation
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return continuation, fmt.Errorf("failed to poll change feed: %w", err)
		}
		ts, ok := changeTimestamp(snap.Data(), s.opts.ChangeTimestampField)
		if !ok {
			continue
		}
		rec, err := models.NewDocumentRecordFromMap(snap.Data())
		if err != nil {
			return continuation, fmt.Errorf("failed to decode changed document %q: %w", snap.Ref.ID, err)
		}
		pkValue := ""
		if field := s.opts.PartitionKeyField; field != "" {
			if v, verr := rec.ResolveField(field); verr == nil {
				pkValue = v
			}
		}
		rec.SetIdentity(snap.Ref.ID, pkValue, gcp.EtagFromUpdateTime(snap.UpdateTime))
		docs = append(docs, rec)
		if candidate := (position{Ts: ts, DocID: snap.Ref.ID}); next.before(candidate) {
			next = candidate
		}
	}
	if len(docs) == 0 {
		return continuation, nil
	}

	if err := s.dispatch(ctx, docs); err != nil {
		return continuation, err
	}
	return next, nil
}

// dispatch groups the window by partition key value and hands each group to
// the handler concurrently. Order within a group follows the poll order, so
// per-partition delivery stays strictly ordered.
func (s *Subscription) dispatch(ctx context.Context, docs []*models.DocumentRecord) error {
	groups := make(map[string][]*models.DocumentRecord)
	for _, doc := range docs {
		key := doc.SourcePartitionKey()
		groups[key] = append(groups[key], doc)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	eg, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		batch := groups[key]
		eg.Go(func() error {
			if err := s.handler(gctx, batch); err != nil {
				return fmt.Errorf("handler failed for partition %q: %w", batch[0].SourcePartitionKey(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// changeTimestamp extracts the ordering field, tolerating the numeric and
// time encodings Firestore may hand back.
func changeTimestamp(data map[string]any, field string) (float64, bool) {
	switch v := data[field].(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case time.Time:
		return float64(v.UnixNano()) / float64(time.Second), true
	default:
		return 0, false
	}
}
