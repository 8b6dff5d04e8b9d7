package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// ManagedJob is one running migration: its config, pipeline, and the stores
// the retrier needs to replay its dead letters.
type ManagedJob struct {
	Config      *models.MigrationJobConfig
	Pipeline    *ChangeFeedPipeline
	Source      SourceReader
	DeadLetters DeadLetterStore // nil when dead-lettering is disabled
	// Close releases the job's store connections after the pipeline stopped.
	Close func()
}

// JobFactory builds the stores and pipeline for one validated config.
type JobFactory func(ctx context.Context, cfg *models.MigrationJobConfig) (*ManagedJob, error)

// JobSource lists the migration configs that should currently be running.
type JobSource interface {
	ListActive(ctx context.Context) ([]*models.MigrationJobConfig, error)
}

// JobSupervisor polls the job-config store and keeps one pipeline running
// per active migration, starting new jobs and stopping deleted or completed
// ones. It also drives the poison-message retrier on a cron schedule.
type JobSupervisor struct {
	log          *slog.Logger
	jobs         JobSource
	factory      JobFactory
	retrier      *PoisonMessageRetrier
	pollInterval time.Duration
	retrySpec    string
	stopTimeout  time.Duration

	mu      sync.Mutex
	running map[string]*ManagedJob
}

// NewJobSupervisor wires a supervisor. retrySpec is a cron expression for
// the retry pass, e.g. "@every 5m".
func NewJobSupervisor(
	log *slog.Logger,
	jobs JobSource,
	factory JobFactory,
	retrier *PoisonMessageRetrier,
	pollInterval time.Duration,
	retrySpec string,
) *JobSupervisor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &JobSupervisor{
		log:          log,
		jobs:         jobs,
		factory:      factory,
		retrier:      retrier,
		pollInterval: pollInterval,
		retrySpec:    retrySpec,
		stopTimeout:  time.Minute,
		running:      make(map[string]*ManagedJob),
	}
}

// Run blocks until ctx is cancelled, reconciling running pipelines against
// the active configs on every tick. On exit, every pipeline is stopped and
// allowed to drain.
func (s *JobSupervisor) Run(ctx context.Context) error {
	schedule := cron.New()
	if s.retrier != nil && s.retrySpec != "" {
		if _, err := schedule.AddFunc(s.retrySpec, func() { s.runRetryPass(ctx) }); err != nil {
			return fmt.Errorf("invalid retry schedule %q: %w", s.retrySpec, err)
		}
		schedule.Start()
		defer schedule.Stop()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if err := s.reconcile(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("failed to reconcile migrations; retrying on next tick", "error", err)
		}
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reconcile diffs the running pipelines against the active configs. The
// store and pipeline operations run outside the lock; reconcile is only
// called from the Run loop, so the lock protects nothing but the map.
func (s *JobSupervisor) reconcile(ctx context.Context) error {
	configs, err := s.jobs.ListActive(ctx)
	if err != nil {
		return err
	}

	active := make(map[string]*models.MigrationJobConfig, len(configs))
	for _, cfg := range configs {
		active[cfg.ID] = cfg
	}

	s.mu.Lock()
	stale := make(map[string]*ManagedJob)
	for id, job := range s.running {
		if _, ok := active[id]; ok {
			continue
		}
		stale[id] = job
		delete(s.running, id)
	}
	var missing []*models.MigrationJobConfig
	for id, cfg := range active {
		if _, ok := s.running[id]; !ok {
			missing = append(missing, cfg)
		}
	}
	s.mu.Unlock()

	for id, job := range stale {
		s.log.Info("migration deleted or completed, closing pipeline", "job", id)
		s.stopJob(id, job)
	}

	for _, cfg := range missing {
		if err := cfg.Validate(); err != nil {
			s.log.Error("skipping invalid migration config", "job", cfg.ID, "error", err)
			continue
		}
		job, err := s.factory(ctx, cfg)
		if err != nil {
			s.log.Error("failed to build pipeline for migration", "job", cfg.ID, "error", err)
			continue
		}
		if err := job.Pipeline.Start(ctx); err != nil {
			s.log.Error("failed to start pipeline for migration", "job", cfg.ID, "error", err)
			continue
		}
		s.log.Info("started pipeline for migration",
			"job", cfg.ID,
			"source", cfg.SourceIdentifier(),
			"destination", cfg.DestinationIdentifier())
		s.mu.Lock()
		s.running[cfg.ID] = job
		s.mu.Unlock()
	}
	return nil
}

func (s *JobSupervisor) stopJob(id string, job *ManagedJob) {
	stopCtx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	if err := job.Pipeline.Stop(stopCtx); err != nil {
		s.log.Error("failed to stop pipeline cleanly", "job", id, "error", err)
	}
	if job.Close != nil {
		job.Close()
	}
}

func (s *JobSupervisor) stopAll() {
	s.mu.Lock()
	jobs := s.running
	s.running = make(map[string]*ManagedJob)
	s.mu.Unlock()
	for id, job := range jobs {
		s.stopJob(id, job)
	}
}

// runRetryPass snapshots the running jobs that have dead-letter storage and
// hands them to the retrier.
func (s *JobSupervisor) runRetryPass(ctx context.Context) {
	s.mu.Lock()
	targets := make([]RetryTarget, 0, len(s.running))
	for id, job := range s.running {
		if job.DeadLetters == nil {
			continue
		}
		targets = append(targets, RetryTarget{
			JobID:       id,
			Source:      job.Source,
			DeadLetters: job.DeadLetters,
			Replay:      job.Pipeline,
		})
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	s.log.Info("starting poison message retry pass", "jobs", len(targets))
	s.retrier.RunPass(ctx, targets)
	s.log.Info("poison message retry pass finished", "jobs", len(targets))
}
