package ledger

// MetricsCollector receives operation outcomes for monitoring. A nil-safe
// no-op implementation is substituted when none is configured.
type MetricsCollector interface {
	RecordTransaction(operation string, amountMinor int64)
	RecordError(operation, reason string)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordTransaction(string, int64) {}
func (NoopMetricsCollector) RecordError(string, string)      {}
