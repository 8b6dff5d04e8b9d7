package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"

	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
	"github.com/Lllllllleong/documentmigrationflow/internal/services"
)

type monitorConfig struct {
	JobProjectID  string
	JobDatabaseID string
	JobCollection string
	Interval      time.Duration

	WorkflowID       string
	WorkflowLocation string
}

func loadMonitorConfig() monitorConfig {
	interval := 10 * time.Second
	if raw := os.Getenv("MONITOR_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			interval = d
		}
	}
	return monitorConfig{
		JobProjectID:     gcp.GetEnv("JOB_PROJECT_ID", os.Getenv("GCP_PROJECT")),
		JobDatabaseID:    gcp.GetEnv("JOB_DATABASE_ID", ""),
		JobCollection:    gcp.GetEnv("JOB_COLLECTION", "migrationstatus"),
		Interval:         interval,
		WorkflowID:       gcp.GetEnv("COMPLETION_WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	cfg := loadMonitorConfig()
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

	jobs := services.NewJobStore(jobClient, cfg.JobCollection)
	if err := jobs.Ensure(ctx); err != nil {
		logger.Error("job config collection unavailable", "error", err)
		os.Exit(1)
	}

	cache := &clientCache{clients: make(map[string]*firestore.Client)}
	defer cache.closeAll()

	hook := completionHook(ctx, logger, cfg)
	monitor := services.NewProgressMonitor(logger, jobs, cache.countersFor, hook)

	logger.Info("migration monitor starting",
		"jobCollection", cfg.JobCollection,
		"interval", cfg.Interval.String())
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if err := monitor.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("failed to retrieve migration statistics, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("migration monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// completionHook triggers the configured workflow when a migration first
// reaches 100 percent. Returns nil when no workflow is configured.
func completionHook(ctx context.Context, logger *slog.Logger, cfg monitorConfig) services.CompletionHook {
	if cfg.WorkflowID == "" {
		return nil
	}
	client, err := gcp.NewExecutionsClient(ctx)
	if err != nil {
		logger.Warn("workflow trigger unavailable; completion hand-off disabled", "error", err)
		return nil
	}
	return func(ctx context.Context, job *models.MigrationJobConfig) error {
		logger.Info("migration complete, triggering workflow",
			"job", job.ID, "workflow", cfg.WorkflowID)
		return gcp.TriggerWorkflow(ctx, client, cfg.JobProjectID, cfg.WorkflowLocation, cfg.WorkflowID, map[string]any{
			"migrationId": job.ID,
			"source":      job.SourceIdentifier(),
			"destination": job.DestinationIdentifier(),
		})
	}
}

// clientCache shares one Firestore client per project/database pair across
// monitored jobs.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]*firestore.Client
}

func (c *clientCache) get(ctx context.Context, projectID, databaseID string) (*firestore.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := projectID + "/" + databaseID
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := gcp.NewFirestoreClient(ctx, projectID, databaseID)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

func (c *clientCache) countersFor(ctx context.Context, job *models.MigrationJobConfig) (services.DocumentCounter, services.DocumentCounter, error) {
	sourceClient, err := c.get(ctx, job.SourceProjectID, job.SourceDatabaseID)
	if err != nil {
		return nil, nil, err
	}
	destClient, err := c.get(ctx, job.DestProjectID, job.DestDatabaseID)
	if err != nil {
		return nil, nil, err
	}
	source := gcp.NewContainer(sourceClient, job.SourceCollection, "")
	destination := gcp.NewContainer(destClient, job.DestCollection, "")
	return source, destination, nil
}

func (c *clientCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Close()
	}
}
