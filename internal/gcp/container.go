package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firestorepb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// Container wraps one Firestore collection with the document operations the
// migration pipeline needs. The partition key is a named document field;
// reads attach it, together with the snapshot update time, as the record's
// identity.
type Container struct {
	client  *firestore.Client
	name    string
	pkField string
}

// NewContainer binds a collection on an existing client. pkField may be
// empty when the container's documents carry no partition key of interest
// (e.g. the lease collection).
func NewContainer(client *firestore.Client, name, pkField string) *Container {
	return &Container{client: client, name: name, pkField: pkField}
}

// Name returns the collection name.
func (c *Container) Name() string { return c.name }

// Ensure verifies the collection is reachable. Firestore collections are
// created implicitly on first write, so creation "if not exists" reduces to
// a connectivity check.
func (c *Container) Ensure(ctx context.Context) error {
	iter := c.client.Collection(c.name).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("collection %q is not reachable: %w", c.name, err)
	}
	return nil
}

// ReadItem reads a document by id and partition key value. A document that
// exists under a different partition key value is reported as not found.
func (c *Container) ReadItem(ctx context.Context, id, partitionKey string) (*models.DocumentRecord, error) {
	snap, err := c.client.Collection(c.name).Doc(id).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %q from %q: %w", id, c.name, err)
	}
	rec, err := models.NewDocumentRecordFromMap(snap.Data())
	if err != nil {
		return nil, err
	}
	pkValue := ""
	if c.pkField != "" {
		if v, verr := rec.ResolveField(c.pkField); verr == nil {
			pkValue = v
		}
	}
	if partitionKey != "" && pkValue != partitionKey {
		return nil, fmt.Errorf("document %q partition key mismatch: %w",
			id, status.Error(codes.NotFound, "document not found under requested partition key"))
	}
	rec.SetIdentity(snap.Ref.ID, pkValue, EtagFromUpdateTime(snap.UpdateTime))
	return rec, nil
}

// CreateItem inserts a document, failing with an AlreadyExists status when a
// document with the same id is present. Returns the consumed write cost.
func (c *Container) CreateItem(ctx context.Context, doc *models.DocumentRecord) (float64, error) {
	id := doc.ID()
	if id == "" {
		return 0, fmt.Errorf("document has no id to insert under")
	}
	if _, err := c.client.Collection(c.name).Doc(id).Create(ctx, doc.Fields()); err != nil {
		return writeCost(doc), fmt.Errorf("failed to insert document %q into %q: %w", id, c.name, err)
	}
	return writeCost(doc), nil
}

// UpsertItem writes a document unconditionally.
func (c *Container) UpsertItem(ctx context.Context, doc *models.DocumentRecord) (float64, error) {
	id := doc.ID()
	if id == "" {
		return 0, fmt.Errorf("document has no id to upsert under")
	}
	if _, err := c.client.Collection(c.name).Doc(id).Set(ctx, doc.Fields()); err != nil {
		return writeCost(doc), fmt.Errorf("failed to upsert document %q into %q: %w", id, c.name, err)
	}
	return writeCost(doc), nil
}

// Count returns the number of documents in the collection via a server-side
// aggregation.
func (c *Container) Count(ctx context.Context) (int64, error) {
	return c.runCount(ctx, c.client.Collection(c.name).Query)
}

// CountWhere returns the number of documents whose field equals value.
func (c *Container) CountWhere(ctx context.Context, field, value string) (int64, error) {
	return c.runCount(ctx, c.client.Collection(c.name).Where(field, "==", value))
}

func (c *Container) runCount(ctx context.Context, q firestore.Query) (int64, error) {
	result, err := q.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("count query on %q failed: %w", c.name, err)
	}
	value, ok := result["count"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("count query on %q returned no count", c.name)
	}
	return value.GetIntegerValue(), nil
}

// writeCost approximates the consumed capacity of one document write in
// 1KiB-rounded units, the store's write pricing granularity.
func writeCost(doc *models.DocumentRecord) float64 {
	b, err := doc.Bytes()
	if err != nil {
		return 1
	}
	units := (len(b) + 1023) / 1024
	if units < 1 {
		units = 1
	}
	return float64(units)
}
