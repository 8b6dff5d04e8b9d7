package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reserved separators for the dead-letter blob body. Multi-character tokens
// chosen so they cannot appear in JSON text or base64 payloads.
const (
	DeadLetterColumnSeparator     = "~|~"
	DeadLetterIdentifierSeparator = "~^~"
)

// Blob metadata keys carrying the mutable retry progress of a dead-letter
// record. The body itself is written once and never rewritten.
const (
	MetaSuccessfulRetryCount = "successfulRetryCount"
	MetaFullyRetried         = "fullyRetried"
)

// DeadLetterRecord is the persisted form of one batch's failed subset:
// failure cause summaries, the failure count, and the identifiers needed to
// re-fetch each failed document from the still-live source.
type DeadLetterRecord struct {
	FailureCauses []string
	FailureCount  int
	Identifiers   []DocumentIdentifier

	// Retry progress, stored as blob metadata rather than in the body.
	SuccessfulRetryCount int
	FullyRetried         bool
}

// Encode renders the blob body:
// <causes-json>~|~<failure-count>~|~<id1>~^~<id2>~^~...
func (r *DeadLetterRecord) Encode() ([]byte, error) {
	if len(r.Identifiers) != r.FailureCount {
		return nil, fmt.Errorf("dead-letter record has %d identifiers for %d failures", len(r.Identifiers), r.FailureCount)
	}
	causes, err := json.Marshal(r.FailureCauses)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize failure causes: %w", err)
	}
	ids := make([]string, len(r.Identifiers))
	for i, di := range r.Identifiers {
		ids[i] = di.String()
	}
	body := string(causes) +
		DeadLetterColumnSeparator + strconv.Itoa(r.FailureCount) +
		DeadLetterColumnSeparator + strings.Join(ids, DeadLetterIdentifierSeparator)
	return []byte(body), nil
}

// DecodeDeadLetterRecord parses a blob body written by Encode and validates
// that the identifier count matches the recorded failure count.
func DecodeDeadLetterRecord(body []byte) (*DeadLetterRecord, error) {
	columns := strings.SplitN(string(body), DeadLetterColumnSeparator, 3)
	if len(columns) != 3 {
		return nil, fmt.Errorf("dead-letter body has %d columns, expected 3", len(columns))
	}
	rec := &DeadLetterRecord{}
	if err := json.Unmarshal([]byte(columns[0]), &rec.FailureCauses); err != nil {
		return nil, fmt.Errorf("failed to parse failure causes column: %w", err)
	}
	count, err := strconv.Atoi(columns[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse failure count column %q: %w", columns[1], err)
	}
	rec.FailureCount = count
	if strings.TrimSpace(columns[2]) != "" {
		for _, rawID := range strings.Split(columns[2], DeadLetterIdentifierSeparator) {
			di, err := ParseDocumentIdentifier(rawID)
			if err != nil {
				return nil, fmt.Errorf("failed to parse dead-letter identifier: %w", err)
			}
			rec.Identifiers = append(rec.Identifiers, di)
		}
	}
	if len(rec.Identifiers) != rec.FailureCount {
		return nil, fmt.Errorf("dead-letter body has %d identifiers for recorded failure count %d", len(rec.Identifiers), rec.FailureCount)
	}
	return rec, nil
}

// ParseRetryMetadata extracts retry progress from blob metadata. Absent keys
// read as zero values.
func (r *DeadLetterRecord) ParseRetryMetadata(metadata map[string]string) {
	if raw, ok := metadata[MetaSuccessfulRetryCount]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			r.SuccessfulRetryCount = n
		}
	}
	r.FullyRetried = metadata[MetaFullyRetried] == "1"
}

// RetryMetadata renders retry progress as blob metadata.
func (r *DeadLetterRecord) RetryMetadata() map[string]string {
	meta := map[string]string{
		MetaSuccessfulRetryCount: strconv.Itoa(r.SuccessfulRetryCount),
	}
	if r.FullyRetried {
		meta[MetaFullyRetried] = "1"
	}
	return meta
}
