package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient creates and returns a new Firestore client for the given
// project and database. It centralizes client creation for all services; the
// same account can host source, destination, lease and job-config stores.
func NewFirestoreClient(ctx context.Context, projectID, databaseID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	var client *firestore.Client
	var err error
	if databaseID == "" || databaseID == firestore.DefaultDatabaseID {
		client, err = firestore.NewClient(ctx, projectID)
	} else {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// EtagFromUpdateTime renders a document snapshot's update time as the textual
// concurrency token used everywhere in this system.
func EtagFromUpdateTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseEtag is the inverse of EtagFromUpdateTime.
func ParseEtag(etag string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, etag)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse etag %q: %w", etag, err)
	}
	return t, nil
}

// IsNotFound reports whether err is the store's missing-document error.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsAlreadyExists reports whether err is the store's conflict error for
// create-if-absent writes.
func IsAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}

// IsPreconditionFailed reports whether err is an optimistic-concurrency
// rejection.
func IsPreconditionFailed(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
