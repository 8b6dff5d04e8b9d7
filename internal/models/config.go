package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySpec is the parsed form of a job's source partition key specification.
// Classification happens once when the configuration is loaded; the hot path
// never re-inspects the raw string.
type KeySpec struct {
	Raw        string
	Attributes []string
	Synthetic  bool
	Nested     bool
}

// ParseKeySpec splits a comma-separated attribute list and records whether
// the spec is synthetic (multiple attributes) and whether any attribute is a
// nested "/" path.
func ParseKeySpec(raw string) KeySpec {
	spec := KeySpec{
		Raw:       raw,
		Synthetic: strings.Contains(raw, ","),
		Nested:    strings.Contains(raw, "/"),
	}
	if strings.TrimSpace(raw) == "" {
		return spec
	}
	for _, part := range strings.Split(raw, ",") {
		spec.Attributes = append(spec.Attributes, strings.TrimSpace(part))
	}
	return spec
}

// MigrationJobConfig is one migration job's full description, stored in the
// job-config collection. The pipeline's statistics writer and the retrier's
// metadata writer mutate the statistics block under optimistic concurrency;
// an operator marks the job completed.
type MigrationJobConfig struct {
	ID string `firestore:"id"`

	SourceProjectID  string `firestore:"sourceProjectId"`
	SourceDatabaseID string `firestore:"sourceDatabaseId"`
	SourceCollection string `firestore:"sourceCollection"`

	DestProjectID  string `firestore:"destProjectId"`
	DestDatabaseID string `firestore:"destDatabaseId"`
	DestCollection string `firestore:"destCollection"`

	LeaseProjectID  string `firestore:"leaseProjectId"`
	LeaseDatabaseID string `firestore:"leaseDatabaseId"`
	LeaseCollection string `firestore:"leaseCollection"`

	DeadLetterBucket string `firestore:"deadLetterBucket,omitempty"`

	SourcePartitionKeys           string  `firestore:"sourcePartitionKeys,omitempty"`
	TargetPartitionKey            string  `firestore:"targetPartitionKey,omitempty"`
	SourcePartitionKeyValueFilter string  `firestore:"sourcePartitionKeyValueFilter,omitempty"`
	DataAgeInHours                float64 `firestore:"dataAgeInHours,omitempty"`
	OnlyInsertMissingItems        bool    `firestore:"onlyInsertMissingItems"`

	Completed        bool  `firestore:"completed"`
	StartTimeEpochMs int64 `firestore:"startTime"`

	MigratedDocumentCount                int64   `firestore:"statisticsCount"`
	ExpectedDurationLeftMs               int64   `firestore:"statisticsExpectedDurationLeft"`
	AvgRate                              float64 `firestore:"statisticsAvgRate"`
	CurrentRate                          float64 `firestore:"statisticsCurrentRate"`
	SourceCountSnapshot                  int64   `firestore:"statisticsSourceCount"`
	DestinationCountSnapshot             int64   `firestore:"statisticsDestinationCount"`
	PercentageCompleted                  float64 `firestore:"statisticsPercentageCompleted"`
	StatisticsLastUpdatedEpochMs         int64   `firestore:"statisticsLastUpdated"`
	LastMigrationActivityRecordedEpochMs int64   `firestore:"statisticsLastMigrationActivityRecorded"`

	// Etag is the update-time concurrency token of the revision this config
	// was read from. Populated by the job store on read, never persisted.
	Etag string `firestore:"-"`

	// Keys is the parsed source key spec, populated once on load.
	Keys KeySpec `firestore:"-"`
}

// Normalize computes the derived fields after a load from the store.
func (c *MigrationJobConfig) Normalize() {
	c.Keys = ParseKeySpec(c.SourcePartitionKeys)
}

// Validate rejects configs that cannot drive a pipeline.
func (c *MigrationJobConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fmt.Errorf("migration config is missing an id")
	case c.SourceProjectID == "" || c.SourceCollection == "":
		return fmt.Errorf("migration config %s is missing source coordinates", c.ID)
	case c.DestProjectID == "" || c.DestCollection == "":
		return fmt.Errorf("migration config %s is missing destination coordinates", c.ID)
	case c.LeaseCollection == "":
		return fmt.Errorf("migration config %s is missing a lease collection", c.ID)
	case (c.SourcePartitionKeys == "") != (c.TargetPartitionKey == ""):
		return fmt.Errorf("migration config %s must set sourcePartitionKeys and targetPartitionKey together", c.ID)
	}
	return nil
}

// SourceIdentifier names the monitored container.
func (c *MigrationJobConfig) SourceIdentifier() string {
	return c.SourceProjectID + "/" + c.SourceDatabaseID + "/" + c.SourceCollection
}

// DestinationIdentifier names the sink container.
func (c *MigrationJobConfig) DestinationIdentifier() string {
	return c.DestProjectID + "/" + c.DestDatabaseID + "/" + c.DestCollection
}

// ProcessorName derives a stable identifier for the feed subscription from
// the source and destination identity, so several jobs can share lease
// infrastructure on the same source without colliding.
func (c *MigrationJobConfig) ProcessorName() string {
	sum := sha256.Sum256([]byte(c.SourceIdentifier() + "=>" + c.DestinationIdentifier()))
	return "migrator-" + hex.EncodeToString(sum[:8])
}
