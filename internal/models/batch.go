package models

import "time"

// FailedWrite pairs a document with the store error that rejected it.
type FailedWrite struct {
	Doc   *DocumentRecord
	Cause error
}

// BatchResult aggregates the outcome of one bulk write: timing, consumed
// write cost, and the failed subset with causes. FailureReasons is aligned
// positionally with FailedDocs.
type BatchResult struct {
	TimeTaken      time.Duration
	Successes      int
	CostUnits      float64
	FailedDocs     []*DocumentRecord
	FailureReasons []string
	Failures       []FailedWrite
}

// FailureCount returns the number of failed documents in the batch.
func (r *BatchResult) FailureCount() int { return len(r.Failures) }
