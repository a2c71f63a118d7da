package otel

// Metric prefixes per component.
const (
	PrefixRelay    = "relay"
	PrefixRecorder = "recorder"
)
