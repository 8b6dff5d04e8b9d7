package services

import "log/slog"

// MetricsSink receives per-batch counters. Implementations must be
// fire-and-forget; the pipeline never blocks on telemetry.
type MetricsSink interface {
	RecordBatch(job string, successes int, costUnits float64, failures int)
}

type logMetricsSink struct {
	log *slog.Logger
}

// NewLogMetricsSink emits batch counters as structured log lines.
func NewLogMetricsSink(log *slog.Logger) MetricsSink {
	return &logMetricsSink{log: log}
}

func (s *logMetricsSink) RecordBatch(job string, successes int, costUnits float64, failures int) {
	s.log.Info("batch processed",
		"job", job,
		"insertedCount", successes,
		"costUnits", costUnits,
		"failureCount", failures,
	)
}
