package maintenance

import "time"

// Job names
const (
	JobConnectionCleanup  = "connection_cleanup"
	JobExecutionRetention = "execution_retention"
	JobEventStreamSweep   = "event_stream_sweep"
)

// ConnectionSweeper drops connections whose transport has failed
type ConnectionSweeper interface {
	CleanupInactiveConnections() int
}

// ExecutionPruner drops terminal executions older than a cutoff
type ExecutionPruner interface {
	Prune(olderThan time.Duration) int
}

// StreamSweeper drops per-execution event streams
type StreamSweeper interface {
	Sweep(keep func(executionID string) bool) int
}

// ConnectionCleanup is the job that sweeps dead connections
func ConnectionCleanup(sweeper ConnectionSweeper) JobFunc {
	return sweeper.CleanupInactiveConnections
}

// ExecutionRetention is the job that forgets finished executions after
// retention. A zero retention keeps everything.
func ExecutionRetention(pruner ExecutionPruner, retention time.Duration) JobFunc {
	return func() int {
		if retention <= 0 {
			return 0
		}
		return pruner.Prune(retention)
	}
}

// EventStreamSweep drops the event streams of executions the registry no
// longer holds
func EventStreamSweep(sweeper StreamSweeper, exists func(executionID string) bool) JobFunc {
	return func() int {
		return sweeper.Sweep(exists)
	}
}
