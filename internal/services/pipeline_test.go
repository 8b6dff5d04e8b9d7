package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentmigrationflow/internal/changefeed"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDestination records writes and fails the ids listed in failing. Writes
// arrive concurrently from the bulk coordinator.
type fakeDestination struct {
	mu      sync.Mutex
	ensured bool
	written []string
	failing map[string]error
}

func (f *fakeDestination) Ensure(ctx context.Context) error {
	f.ensured = true
	return nil
}

func (f *fakeDestination) write(doc *models.DocumentRecord) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[doc.ID()]; ok {
		return 0, err
	}
	f.written = append(f.written, doc.ID())
	return 1, nil
}

func (f *fakeDestination) CreateItem(ctx context.Context, doc *models.DocumentRecord) (float64, error) {
	return f.write(doc)
}

func (f *fakeDestination) UpsertItem(ctx context.Context, doc *models.DocumentRecord) (float64, error) {
	return f.write(doc)
}

type fakeProvisioner struct{ ensured bool }

func (f *fakeProvisioner) Ensure(ctx context.Context) error {
	f.ensured = true
	return nil
}

type fakeFeed struct {
	started bool
	stopped bool
}

func (f *fakeFeed) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeFeed) Stop(ctx context.Context) error  { f.stopped = true; return nil }

type fakeFailureSink struct {
	persisted []*models.BatchResult
	err       error
}

func (f *fakeFailureSink) PersistFailures(ctx context.Context, result *models.BatchResult) error {
	if f.err != nil {
		return f.err
	}
	f.persisted = append(f.persisted, result)
	return nil
}

type nopMetrics struct{}

func (nopMetrics) RecordBatch(job string, successes int, costUnits float64, failures int) {}

func pipelineConfig() *models.MigrationJobConfig {
	cfg := &models.MigrationJobConfig{
		ID:                  "job-1",
		SourceProjectID:     "proj-a",
		SourceCollection:    "orders",
		DestProjectID:       "proj-b",
		DestCollection:      "orders-v2",
		LeaseCollection:     "leases",
		SourcePartitionKeys: "country,city",
		TargetPartitionKey:  "partitionKey",
	}
	cfg.Normalize()
	return cfg
}

type pipelineHarness struct {
	pipeline    *ChangeFeedPipeline
	destination *fakeDestination
	leases      *fakeProvisioner
	feed        *fakeFeed
	sink        *fakeFailureSink
	handler     changefeed.Handler
	start       float64
}

func newPipelineHarness(t *testing.T, cfg *models.MigrationJobConfig) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		destination: &fakeDestination{failing: map[string]error{}},
		leases:      &fakeProvisioner{},
		feed:        &fakeFeed{},
		sink:        &fakeFailureSink{},
	}
	factory := func(handler changefeed.Handler, startContinuation float64) (FeedSubscription, error) {
		h.handler = handler
		h.start = startContinuation
		return h.feed, nil
	}
	p, err := NewChangeFeedPipeline(testLogger(), cfg, h.destination, h.leases, factory, h.sink, nopMetrics{})
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func feedDoc(t *testing.T, id, raw string) *models.DocumentRecord {
	t.Helper()
	doc := newDoc(t, raw)
	country, err := doc.GetField("country")
	require.NoError(t, err)
	doc.SetIdentity(id, country, "etag-"+id)
	return doc
}

func TestPipelineLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, pipelineConfig())

	assert.Equal(t, StateCreated, h.pipeline.State())
	require.NoError(t, h.pipeline.Start(ctx))
	assert.Equal(t, StateRunning, h.pipeline.State())
	assert.True(t, h.leases.ensured)
	assert.True(t, h.destination.ensured)
	assert.True(t, h.feed.started)

	// Double start is rejected while running.
	assert.Error(t, h.pipeline.Start(ctx))

	require.NoError(t, h.pipeline.Stop(ctx))
	assert.Equal(t, StateStopped, h.pipeline.State())
	assert.True(t, h.feed.stopped)
	assert.Error(t, h.pipeline.Stop(ctx))

	// A stopped pipeline may start again.
	require.NoError(t, h.pipeline.Start(ctx))
	assert.Equal(t, StateRunning, h.pipeline.State())
}

func TestPipelineStartContinuationFromDataAge(t *testing.T) {
	cfg := pipelineConfig()
	cfg.DataAgeInHours = 1
	h := newPipelineHarness(t, cfg)
	require.NoError(t, h.pipeline.Start(context.Background()))
	assert.Greater(t, h.start, 0.0)

	h2 := newPipelineHarness(t, pipelineConfig())
	require.NoError(t, h2.pipeline.Start(context.Background()))
	assert.Equal(t, 0.0, h2.start)
}

func TestPipelineBatchMapsAndWrites(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, pipelineConfig())
	require.NoError(t, h.pipeline.Start(ctx))

	docs := []*models.DocumentRecord{
		feedDoc(t, "d1", `{"country": "US", "city": "NYC"}`),
		feedDoc(t, "d2", `{"country": "CA", "city": "TOR"}`),
	}
	require.NoError(t, h.handler(ctx, docs))
	assert.ElementsMatch(t, []string{"d1", "d2"}, h.destination.written)

	v, err := docs[0].GetField("partitionKey")
	require.NoError(t, err)
	assert.Equal(t, "US-NYC", v)
	assert.Empty(t, h.sink.persisted)
}

func TestPipelinePartitionValueFilter(t *testing.T) {
	ctx := context.Background()
	cfg := pipelineConfig()
	cfg.SourcePartitionKeys = "country"
	cfg.TargetPartitionKey = "partitionKey"
	cfg.SourcePartitionKeyValueFilter = "us"
	cfg.Normalize()
	h := newPipelineHarness(t, cfg)
	require.NoError(t, h.pipeline.Start(ctx))

	docs := []*models.DocumentRecord{
		feedDoc(t, "d1", `{"country": "US"}`),
		feedDoc(t, "d2", `{"country": "CA"}`),
		feedDoc(t, "d3", `{"country": "US"}`),
	}
	require.NoError(t, h.handler(ctx, docs))
	// Case-insensitive match keeps only the US documents.
	assert.ElementsMatch(t, []string{"d1", "d3"}, h.destination.written)
}

func TestPipelineDeadLettersMixedBatch(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, pipelineConfig())
	h.destination.failing["d2"] = status.Error(codes.DeadlineExceeded, "deadline exceeded")
	require.NoError(t, h.pipeline.Start(ctx))

	docs := []*models.DocumentRecord{
		feedDoc(t, "d1", `{"country": "US", "city": "NYC"}`),
		feedDoc(t, "d2", `{"country": "US", "city": "LA"}`),
	}
	// Partial failure is data: the handler succeeds so the feed checkpoints.
	require.NoError(t, h.handler(ctx, docs))

	assert.Equal(t, []string{"d1"}, h.destination.written)
	require.Len(t, h.sink.persisted, 1)
	result := h.sink.persisted[0]
	assert.Equal(t, 1, result.FailureCount())
	assert.Equal(t, "d2", result.FailedDocs[0].ID())
}

func TestPipelineFoldsMappingFailuresIntoResult(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, pipelineConfig())
	require.NoError(t, h.pipeline.Start(ctx))

	docs := []*models.DocumentRecord{
		feedDoc(t, "d1", `{"country": "US", "city": "NYC"}`),
		feedDoc(t, "d2", `{"country": "US"}`), // city missing, mapping fails
	}
	require.NoError(t, h.handler(ctx, docs))

	assert.Equal(t, []string{"d1"}, h.destination.written)
	require.Len(t, h.sink.persisted, 1)
	result := h.sink.persisted[0]
	require.Equal(t, 1, result.FailureCount())
	assert.Equal(t, "d2", result.FailedDocs[0].ID())
	assert.ErrorIs(t, result.Failures[0].Cause, models.ErrAttributeNotFound)
}

func TestPipelineWithholdsCheckpointWhenDeadLetteringFails(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, pipelineConfig())
	h.destination.failing["d1"] = status.Error(codes.Internal, "boom")
	h.sink.err = fmt.Errorf("bucket unavailable")
	require.NoError(t, h.pipeline.Start(ctx))

	docs := []*models.DocumentRecord{feedDoc(t, "d1", `{"country": "US", "city": "NYC"}`)}
	err := h.handler(ctx, docs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead-letter")
}

func TestPipelineInsertOnlyUsesCreate(t *testing.T) {
	ctx := context.Background()
	cfg := pipelineConfig()
	cfg.OnlyInsertMissingItems = true
	h := newPipelineHarness(t, cfg)
	h.destination.failing["d1"] = status.Error(codes.AlreadyExists, "document exists")
	require.NoError(t, h.pipeline.Start(ctx))

	docs := []*models.DocumentRecord{
		feedDoc(t, "d1", `{"country": "US", "city": "NYC"}`),
		feedDoc(t, "d2", `{"country": "US", "city": "LA"}`),
	}
	// The conflict on d1 counts as success; nothing is dead-lettered.
	require.NoError(t, h.handler(ctx, docs))
	assert.Equal(t, []string{"d2"}, h.destination.written)
	assert.Empty(t, h.sink.persisted)
}

func TestPipelineReplaySkipsPartitionFilter(t *testing.T) {
	ctx := context.Background()
	cfg := pipelineConfig()
	cfg.SourcePartitionKeys = "country"
	cfg.SourcePartitionKeyValueFilter = "US"
	cfg.Normalize()
	h := newPipelineHarness(t, cfg)
	require.NoError(t, h.pipeline.Start(ctx))

	result, err := h.pipeline.Replay(ctx, []*models.DocumentRecord{
		feedDoc(t, "d1", `{"country": "CA"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successes)
	assert.Equal(t, []string{"d1"}, h.destination.written)
}

func TestNewChangeFeedPipelineRejectsInvalidConfig(t *testing.T) {
	cfg := pipelineConfig()
	cfg.LeaseCollection = ""
	_, err := NewChangeFeedPipeline(testLogger(), cfg, &fakeDestination{}, &fakeProvisioner{},
		func(changefeed.Handler, float64) (FeedSubscription, error) { return &fakeFeed{}, nil },
		nil, nopMetrics{})
	assert.Error(t, err)
}
