package ports

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogWarn(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)
}

type Field struct {
	Key   string
	Value any
}

// Metric names shared by the bridge and its observability backends.
const (
	MetricMessagesReceived  = "bridge_messages_received_total"
	MetricSamplesAppended   = "bridge_samples_appended_total"
	MetricSamplesDropped    = "bridge_samples_dropped_total"
	MetricDecodeErrors      = "bridge_decode_errors_total"
	MetricMappingErrors     = "bridge_mapping_errors_total"
	MetricUnsupportedFormat = "bridge_unsupported_format_total"
	MetricMessagesPublished = "bridge_messages_published_total"
	MetricPublishErrors     = "bridge_publish_errors_total"
	MetricBufferedSamples   = "bridge_buffered_samples"
	MetricProcessLatency    = "bridge_process_latency_seconds"
)
