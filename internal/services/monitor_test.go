package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// fakeConfigStore keeps one config per id and can inject update conflicts.
type fakeConfigStore struct {
	configs       map[string]*models.MigrationJobConfig
	conflictsLeft int
	updates       int
}

func (f *fakeConfigStore) ListActive(ctx context.Context) ([]*models.MigrationJobConfig, error) {
	var out []*models.MigrationJobConfig
	for _, cfg := range f.configs {
		if !cfg.Completed {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeConfigStore) Get(ctx context.Context, id string) (*models.MigrationJobConfig, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return nil, fmt.Errorf("migration config %q not found", id)
	}
	copied := *cfg
	copied.Normalize()
	return &copied, nil
}

func (f *fakeConfigStore) UpdateStatistics(ctx context.Context, cfg *models.MigrationJobConfig) error {
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return ErrConfigConflict
	}
	copied := *cfg
	f.configs[cfg.ID] = &copied
	f.updates++
	return nil
}

type fakeCounter struct {
	total    int64
	filtered int64
}

func (f *fakeCounter) Count(ctx context.Context) (int64, error) { return f.total, nil }

func (f *fakeCounter) CountWhere(ctx context.Context, field, value string) (int64, error) {
	return f.filtered, nil
}

func monitorConfig(id string) *models.MigrationJobConfig {
	cfg := &models.MigrationJobConfig{
		ID:               id,
		SourceProjectID:  "proj-a",
		SourceCollection: "orders",
		DestProjectID:    "proj-b",
		DestCollection:   "orders-v2",
		LeaseCollection:  "leases",
		StartTimeEpochMs: time.Now().Add(-time.Hour).UnixMilli(),
	}
	cfg.Normalize()
	return cfg
}

func counters(source, destination DocumentCounter) CounterFactory {
	return func(ctx context.Context, cfg *models.MigrationJobConfig) (DocumentCounter, DocumentCounter, error) {
		return source, destination, nil
	}
}

func TestApplyStatistics(t *testing.T) {
	m := NewProgressMonitor(testLogger(), nil, nil, nil)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("mid-migration", func(t *testing.T) {
		cfg := monitorConfig("job-1")
		cfg.StartTimeEpochMs = start.UnixMilli()
		cfg.MigratedDocumentCount = 50
		cfg.LastMigrationActivityRecordedEpochMs = start.Add(60 * time.Second).UnixMilli()

		now := start.Add(100 * time.Second)
		m.applyStatistics(cfg, 100, 80, now)

		assert.Equal(t, 80.0, cfg.PercentageCompleted)
		assert.Equal(t, int64(100), cfg.SourceCountSnapshot)
		assert.Equal(t, int64(80), cfg.DestinationCountSnapshot)
		assert.Equal(t, int64(80), cfg.MigratedDocumentCount)
		// 30 new documents over the 40s since the last recorded activity.
		assert.InDelta(t, 0.75, cfg.CurrentRate, 1e-9)
		// 80 documents over the 60s of recorded activity.
		assert.InDelta(t, 80.0/60.0, cfg.AvgRate, 1e-9)
		assert.InDelta(t, 15000, cfg.ExpectedDurationLeftMs, 1)
		assert.Equal(t, now.UnixMilli(), cfg.StatisticsLastUpdatedEpochMs)
		assert.Equal(t, now.UnixMilli(), cfg.LastMigrationActivityRecordedEpochMs)
	})

	t.Run("no progress keeps last activity", func(t *testing.T) {
		cfg := monitorConfig("job-1")
		cfg.StartTimeEpochMs = start.UnixMilli()
		cfg.MigratedDocumentCount = 80
		lastActivity := start.Add(60 * time.Second).UnixMilli()
		cfg.LastMigrationActivityRecordedEpochMs = lastActivity

		m.applyStatistics(cfg, 100, 80, start.Add(200*time.Second))

		assert.Equal(t, 0.0, cfg.CurrentRate)
		assert.Equal(t, lastActivity, cfg.LastMigrationActivityRecordedEpochMs)
	})

	t.Run("empty source reads as complete", func(t *testing.T) {
		cfg := monitorConfig("job-1")
		m.applyStatistics(cfg, 0, 0, start)
		assert.Equal(t, 100.0, cfg.PercentageCompleted)
	})

	t.Run("no recorded activity falls back to the eta ceiling", func(t *testing.T) {
		cfg := monitorConfig("job-1")
		cfg.StartTimeEpochMs = start.UnixMilli()
		m.applyStatistics(cfg, 100, 0, start)
		assert.Equal(t, int64(etaFallbackMs), cfg.ExpectedDurationLeftMs)
	})
}

func TestRunOnceUpdatesStatistics(t *testing.T) {
	store := &fakeConfigStore{configs: map[string]*models.MigrationJobConfig{
		"job-1": monitorConfig("job-1"),
	}}
	m := NewProgressMonitor(testLogger(), store, counters(&fakeCounter{total: 100}, &fakeCounter{total: 40}), nil)

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, 1, store.updates)
	assert.Equal(t, 40.0, store.configs["job-1"].PercentageCompleted)
	assert.Equal(t, int64(100), store.configs["job-1"].SourceCountSnapshot)
}

func TestRunOnceRetriesOnConflict(t *testing.T) {
	store := &fakeConfigStore{
		configs:       map[string]*models.MigrationJobConfig{"job-1": monitorConfig("job-1")},
		conflictsLeft: 2,
	}
	m := NewProgressMonitor(testLogger(), store, counters(&fakeCounter{total: 10}, &fakeCounter{total: 10}), nil)

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, 1, store.updates)
}

func TestCompletionHookFiresOnce(t *testing.T) {
	store := &fakeConfigStore{configs: map[string]*models.MigrationJobConfig{
		"job-1": monitorConfig("job-1"),
	}}
	fired := 0
	hook := func(ctx context.Context, cfg *models.MigrationJobConfig) error {
		fired++
		return nil
	}
	m := NewProgressMonitor(testLogger(), store, counters(&fakeCounter{total: 100}, &fakeCounter{total: 100}), hook)

	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, 1, fired)

	// The migration was already at 100 percent; the hook must not re-fire.
	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, 1, fired)
}

func TestSourceCountHonorsPartitionFilter(t *testing.T) {
	counter := &fakeCounter{total: 100, filtered: 25}
	m := NewProgressMonitor(testLogger(), nil, nil, nil)

	cfg := monitorConfig("job-1")
	n, err := m.sourceCount(context.Background(), counter, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	cfg.SourcePartitionKeys = "country"
	cfg.SourcePartitionKeyValueFilter = "US"
	cfg.Normalize()
	n, err = m.sourceCount(context.Background(), counter, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
}
