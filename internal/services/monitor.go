package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// etaFallbackMs caps the reported ETA when no throughput has been observed
// yet.
const etaFallbackMs = int64(100 * 24 * time.Hour / time.Millisecond)

// DocumentCounter counts documents in one container, optionally filtered on
// a field value.
type DocumentCounter interface {
	Count(ctx context.Context) (int64, error)
	CountWhere(ctx context.Context, field, value string) (int64, error)
}

// CounterFactory resolves the source and destination counters for a job.
type CounterFactory func(ctx context.Context, cfg *models.MigrationJobConfig) (source, destination DocumentCounter, err error)

// ConfigStore is the read/update surface the monitor needs on job configs.
type ConfigStore interface {
	ListActive(ctx context.Context) ([]*models.MigrationJobConfig, error)
	Get(ctx context.Context, id string) (*models.MigrationJobConfig, error)
	UpdateStatistics(ctx context.Context, cfg *models.MigrationJobConfig) error
}

// CompletionHook fires once when a migration first reaches 100 percent.
type CompletionHook func(ctx context.Context, cfg *models.MigrationJobConfig) error

// ProgressMonitor estimates throughput and ETA for every active migration
// and writes the statistics back to the job config under optimistic
// concurrency.
type ProgressMonitor struct {
	log            *slog.Logger
	configs        ConfigStore
	counters       CounterFactory
	completionHook CompletionHook // optional
	maxConcurrent  int
}

// NewProgressMonitor wires a monitor; hook may be nil.
func NewProgressMonitor(log *slog.Logger, configs ConfigStore, counters CounterFactory, hook CompletionHook) *ProgressMonitor {
	return &ProgressMonitor{
		log:            log,
		configs:        configs,
		counters:       counters,
		completionHook: hook,
		maxConcurrent:  DefaultMaxConcurrentRetries,
	}
}

// RunOnce refreshes statistics for every active migration. Per-job failures
// are logged and do not block other jobs.
func (m *ProgressMonitor) RunOnce(ctx context.Context) error {
	configs, err := m.configs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active migrations: %w", err)
	}
	if len(configs) == 0 {
		m.log.Info("no migration to monitor")
		return nil
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(m.maxConcurrent)
	for _, cfg := range configs {
		eg.Go(func() error {
			if err := m.trackJob(gctx, cfg); err != nil {
				m.log.Error("failed to track migration progress", "job", cfg.ID, "error", err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// trackJob runs the read-modify-write loop for one job until the statistics
// land without a concurrency conflict.
func (m *ProgressMonitor) trackJob(ctx context.Context, cfg *models.MigrationJobConfig) error {
	source, destination, err := m.counters(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to resolve containers: %w", err)
	}

	for {
		snapshot, err := m.configs.Get(ctx, cfg.ID)
		if err != nil {
			return err
		}

		sourceCount, err := m.sourceCount(ctx, source, snapshot)
		if err != nil {
			return fmt.Errorf("failed to count source documents: %w", err)
		}
		destinationCount, err := m.destinationCount(ctx, destination, snapshot)
		if err != nil {
			return fmt.Errorf("failed to count destination documents: %w", err)
		}

		wasComplete := snapshot.PercentageCompleted >= 100
		m.applyStatistics(snapshot, sourceCount, destinationCount, time.Now())

		err = m.configs.UpdateStatistics(ctx, snapshot)
		if errors.Is(err, ErrConfigConflict) {
			m.log.Info("statistics update conflict, retrying", "job", cfg.ID)
			continue
		}
		if err != nil {
			return err
		}

		m.log.Info("migration statistics updated",
			"job", cfg.ID,
			"sourceCount", sourceCount,
			"destinationCount", destinationCount,
			"percentage", snapshot.PercentageCompleted,
			"currentRate", snapshot.CurrentRate,
			"avgRate", snapshot.AvgRate,
			"etaMs", snapshot.ExpectedDurationLeftMs)

		if !wasComplete && snapshot.PercentageCompleted >= 100 && m.completionHook != nil {
			if err := m.completionHook(ctx, snapshot); err != nil {
				m.log.Error("completion hook failed", "job", cfg.ID, "error", err)
			}
		}
		return nil
	}
}

// applyStatistics folds fresh counts into the config's statistics block.
func (m *ProgressMonitor) applyStatistics(cfg *models.MigrationJobConfig, sourceCount, destinationCount int64, now time.Time) {
	percentage := 100.0
	if sourceCount > 0 {
		percentage = float64(destinationCount) * 100.0 / float64(sourceCount)
	}
	insertedCount := destinationCount - cfg.MigratedDocumentCount

	lastActivity := cfg.LastMigrationActivityRecordedEpochMs
	if cfg.StartTimeEpochMs > lastActivity {
		lastActivity = cfg.StartTimeEpochMs
	}
	nowEpochMs := now.UnixMilli()

	currentRate := 0.0
	if nowEpochMs != lastActivity {
		currentRate = float64(insertedCount) * 1000.0 / float64(nowEpochMs-lastActivity)
	}

	avgRate := 0.0
	if totalSeconds := (lastActivity - cfg.StartTimeEpochMs) / 1000; totalSeconds > 0 {
		avgRate = float64(destinationCount) / float64(totalSeconds)
	}

	etaMs := etaFallbackMs
	if avgRate > 0 {
		etaMs = int64(float64(sourceCount-destinationCount) * 1000 / avgRate)
	}

	cfg.ExpectedDurationLeftMs = etaMs
	cfg.AvgRate = avgRate
	cfg.CurrentRate = currentRate
	cfg.SourceCountSnapshot = sourceCount
	cfg.DestinationCountSnapshot = destinationCount
	cfg.PercentageCompleted = percentage
	cfg.StatisticsLastUpdatedEpochMs = nowEpochMs
	cfg.MigratedDocumentCount = destinationCount
	if insertedCount > 0 {
		cfg.LastMigrationActivityRecordedEpochMs = nowEpochMs
	}
}

// sourceCount honors the source-partition filter when one is configured.
func (m *ProgressMonitor) sourceCount(ctx context.Context, counter DocumentCounter, cfg *models.MigrationJobConfig) (int64, error) {
	if cfg.SourcePartitionKeyValueFilter == "" || len(cfg.Keys.Attributes) == 0 {
		return counter.Count(ctx)
	}
	return counter.CountWhere(ctx, cfg.Keys.Attributes[0], cfg.SourcePartitionKeyValueFilter)
}

// destinationCount mirrors the filter on the destination. Migrated documents
// keep their source attributes (mapping only adds the target key), so the
// same source attribute filter applies.
func (m *ProgressMonitor) destinationCount(ctx context.Context, counter DocumentCounter, cfg *models.MigrationJobConfig) (int64, error) {
	return m.sourceCount(ctx, counter, cfg)
}
