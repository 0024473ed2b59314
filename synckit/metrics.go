package synckit

import "time"

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordSyncDuration records how long a remote attempt, refresh or flush took
	RecordSyncDuration(operation string, duration time.Duration)

	// RecordSyncErrors records failures by operation and error kind
	RecordSyncErrors(operation string, errorType string)

	// RecordRetry records a scheduled retry and its backoff delay
	RecordRetry(delay time.Duration)

	// RecordConflict records a conflict and the strategy chosen for it
	RecordConflict(strategy string)

	// RecordRollback records a rolled back operation
	RecordRollback()

	// RecordPending records the size of the pending set
	RecordPending(n int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordSyncDuration(operation string, duration time.Duration) {}
func (NoOpMetricsCollector) RecordSyncErrors(operation string, errorType string)         {}
func (NoOpMetricsCollector) RecordRetry(delay time.Duration)                             {}
func (NoOpMetricsCollector) RecordConflict(strategy string)                              {}
func (NoOpMetricsCollector) RecordRollback()                                             {}
func (NoOpMetricsCollector) RecordPending(n int)                                         {}
