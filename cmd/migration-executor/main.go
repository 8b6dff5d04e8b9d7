package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Lllllllleong/documentmigrationflow/internal/changefeed"
	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
	"github.com/Lllllllleong/documentmigrationflow/internal/services"
)

// executorConfig is the executor's own environment, separate from the
// per-job configs it discovers in the job collection.
type executorConfig struct {
	JobProjectID  string
	JobDatabaseID string
	JobCollection string

	PollInterval  time.Duration
	RetrySchedule string
	MaxRetries    int64

	FeedMaxBatch         int
	FeedPollInterval     time.Duration
	LeaseDuration        time.Duration
	ChangeTimestampField string
}

func loadExecutorConfig() executorConfig {
	return executorConfig{
		JobProjectID:         gcp.GetEnv("JOB_PROJECT_ID", os.Getenv("GCP_PROJECT")),
		JobDatabaseID:        gcp.GetEnv("JOB_DATABASE_ID", ""),
		JobCollection:        gcp.GetEnv("JOB_COLLECTION", "migrationstatus"),
		PollInterval:         durationEnv("SUPERVISOR_POLL_INTERVAL", 5*time.Second),
		RetrySchedule:        gcp.GetEnv("RETRY_SCHEDULE", "@every 5m"),
		MaxRetries:           int64Env("MAX_CONCURRENT_RETRIES", services.DefaultMaxConcurrentRetries),
		FeedMaxBatch:         int(int64Env("FEED_MAX_BATCH", 1000)),
		FeedPollInterval:     durationEnv("FEED_POLL_INTERVAL", 5*time.Second),
		LeaseDuration:        durationEnv("LEASE_DURATION", 30*time.Second),
		ChangeTimestampField: gcp.GetEnv("CHANGE_TIMESTAMP_FIELD", "_ts"),
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	cfg := loadExecutorConfig()
	if cfg.JobProjectID == "" {
		logger.Error("JOB_PROJECT_ID (or GCP_PROJECT) must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobClient, err := gcp.NewFirestoreClient(ctx, cfg.JobProjectID, cfg.JobDatabaseID)
	if err != nil {
		logger.Error("failed to create job store client", "error", err)
		os.Exit(1)
	}
	defer jobClient.Close()

	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		logger.Error("failed to create storage client", "error", err)
		os.Exit(1)
	}
	defer storageClient.Close()

	jobs := services.NewJobStore(jobClient, cfg.JobCollection)
	if err := jobs.Ensure(ctx); err != nil {
		logger.Error("job config collection unavailable", "error", err)
		os.Exit(1)
	}

	wiring := &jobWiring{logger: logger, cfg: cfg, storage: storageClient}
	retrier := services.NewPoisonMessageRetrier(logger, cfg.MaxRetries)
	supervisor := services.NewJobSupervisor(
		logger, jobs, wiring.build, retrier, cfg.PollInterval, cfg.RetrySchedule)

	logger.Info("migration executor starting",
		"jobCollection", cfg.JobCollection,
		"retrySchedule", cfg.RetrySchedule)
	if err := supervisor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervisor exited", "error", err)
		os.Exit(1)
	}
	logger.Info("migration executor stopped")
}

// jobWiring builds the store clients and pipeline for one migration job.
type jobWiring struct {
	logger  *slog.Logger
	cfg     executorConfig
	storage *storage.Client
}

func (w *jobWiring) build(ctx context.Context, job *models.MigrationJobConfig) (*services.ManagedJob, error) {
	sourceClient, err := gcp.NewFirestoreClient(ctx, job.SourceProjectID, job.SourceDatabaseID)
	if err != nil {
		return nil, err
	}
	destClient, err := gcp.NewFirestoreClient(ctx, job.DestProjectID, job.DestDatabaseID)
	if err != nil {
		sourceClient.Close()
		return nil, err
	}

	leaseProject := job.LeaseProjectID
	if leaseProject == "" {
		leaseProject = job.SourceProjectID
	}
	leaseClient, err := gcp.NewFirestoreClient(ctx, leaseProject, job.LeaseDatabaseID)
	if err != nil {
		sourceClient.Close()
		destClient.Close()
		return nil, err
	}

	pkField := ""
	if len(job.Keys.Attributes) > 0 {
		pkField = job.Keys.Attributes[0]
	}

	source := gcp.NewContainer(sourceClient, job.SourceCollection, pkField)
	destination := gcp.NewContainer(destClient, job.DestCollection, job.TargetPartitionKey)
	leaseStore := gcp.NewContainer(leaseClient, job.LeaseCollection, "")

	var failureSink services.FailureSink
	var deadLetters services.DeadLetterStore
	if job.DeadLetterBucket != "" {
		sink := services.NewDeadLetterSink(
			w.logger,
			gcp.NewBlobContainer(w.storage, job.DeadLetterBucket),
			job.ProcessorName())
		failureSink = sink
		deadLetters = sink
	}

	feedFactory := func(handler changefeed.Handler, startContinuation float64) (services.FeedSubscription, error) {
		return changefeed.NewSubscription(
			w.logger,
			sourceClient, job.SourceCollection,
			leaseClient, job.LeaseCollection,
			handler,
			changefeed.Options{
				ProcessorName:        job.ProcessorName(),
				InstanceName:         uuid.NewString(),
				MaxBatchSize:         w.cfg.FeedMaxBatch,
				PollInterval:         w.cfg.FeedPollInterval,
				LeaseDuration:        w.cfg.LeaseDuration,
				ChangeTimestampField: w.cfg.ChangeTimestampField,
				PartitionKeyField:    pkField,
				StartContinuation:    startContinuation,
			})
	}

	pipeline, err := services.NewChangeFeedPipeline(
		w.logger, job, destination, leaseStore, feedFactory, failureSink,
		services.NewLogMetricsSink(w.logger))
	if err != nil {
		sourceClient.Close()
		destClient.Close()
		leaseClient.Close()
		return nil, err
	}

	return &services.ManagedJob{
		Config:      job,
		Pipeline:    pipeline,
		Source:      source,
		DeadLetters: deadLetters,
		Close: func() {
			sourceClient.Close()
			destClient.Close()
			leaseClient.Close()
		},
	}, nil
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return fallback
}

func int64Env(key string, fallback int64) int64 {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
