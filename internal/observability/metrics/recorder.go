package metrics

// Recorder defines a minimal interface for recording metrics.
// Components that only need coarse operation counts depend on this instead of
// a concrete collector.
type Recorder interface {
	// RecordOperation records an operation with its status ("success", "error").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type, usually an error category.
	RecordError(operation, errorType string)
}
