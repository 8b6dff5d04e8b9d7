package services

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/documentmigrationflow/internal/gcp"
	"github.com/Lllllllleong/documentmigrationflow/internal/models"
)

// ErrConfigConflict signals a lost optimistic-concurrency race on a job
// config update; callers re-read and retry.
var ErrConfigConflict = errors.New("migration config was modified concurrently")

// JobStore is the migration job-config collection.
type JobStore struct {
	client     *firestore.Client
	collection string
}

// NewJobStore binds the config collection on an existing client.
func NewJobStore(client *firestore.Client, collection string) *JobStore {
	return &JobStore{client: client, collection: collection}
}

// Ensure verifies the config collection is reachable.
func (s *JobStore) Ensure(ctx context.Context) error {
	iter := s.client.Collection(s.collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("job config collection %q is not reachable: %w", s.collection, err)
	}
	return nil
}

// ListActive returns every migration config not yet marked completed.
func (s *JobStore) ListActive(ctx context.Context) ([]*models.MigrationJobConfig, error) {
	var configs []*models.MigrationJobConfig
	iter := s.client.Collection(s.collection).Where("completed", "==", false).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list active migrations: %w", err)
		}
		cfg, err := configFromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Get reads one migration config by id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.MigrationJobConfig, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration config %q: %w", id, err)
	}
	return configFromSnapshot(snap)
}

// UpdateStatistics replaces the config document, guarded on the concurrency
// token it was read with. A concurrent modification returns
// ErrConfigConflict.
func (s *JobStore) UpdateStatistics(ctx context.Context, cfg *models.MigrationJobConfig) error {
	expected, err := gcp.ParseEtag(cfg.Etag)
	if err != nil {
		return err
	}
	ref := s.client.Collection(s.collection).Doc(cfg.ID)
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if !snap.UpdateTime.Equal(expected) {
			return ErrConfigConflict
		}
		return tx.Set(ref, cfg)
	})
	if err != nil {
		if errors.Is(err, ErrConfigConflict) {
			return ErrConfigConflict
		}
		return fmt.Errorf("failed to update migration config %q: %w", cfg.ID, err)
	}
	return nil
}

func configFromSnapshot(snap *firestore.DocumentSnapshot) (*models.MigrationJobConfig, error) {
	cfg := &models.MigrationJobConfig{}
	if err := snap.DataTo(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode migration config %q: %w", snap.Ref.ID, err)
	}
	if cfg.ID == "" {
		cfg.ID = snap.Ref.ID
	}
	cfg.Etag = gcp.EtagFromUpdateTime(snap.UpdateTime)
	cfg.Normalize()
	return cfg, nil
}
