package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// PromObs backs ports.Observability with Prometheus collectors and a logrus
// logger. Unknown metric names are ignored.
type PromObs struct {
	log      logrus.FieldLogger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

var _ ports.Observability = (*PromObs)(nil)

// NewPromObs registers the bridge metrics on reg. A nil reg uses the default
// registerer.
func NewPromObs(reg prometheus.Registerer, log logrus.FieldLogger) (*PromObs, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	received := counter(ports.MetricMessagesReceived, "Broker messages delivered to a subscription.")
	appended := counter(ports.MetricSamplesAppended, "Samples appended to host output channels.")
	dropped := counter(ports.MetricSamplesDropped, "Inbound samples lost to full buffers, missing clock or unbound channels.")
	decodeErrs := counter(ports.MetricDecodeErrors, "Inbound payloads that failed to decode for at least one channel.")
	mappingErrs := counter(ports.MetricMappingErrors, "Publish cycles skipped on a sampling mode mismatch.")
	unsupported := counter(ports.MetricUnsupportedFormat, "Datatype or storage format combinations the bridge cannot convert.")
	published := counter(ports.MetricMessagesPublished, "Messages handed to the broker for publishing.")
	publishErrs := counter(ports.MetricPublishErrors, "Outbound messages that could not be published.")

	buffered := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricBufferedSamples,
		Help: "Inbound samples waiting for the next processing cycle.",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricProcessLatency,
		Help:    "Duration of one drain, collect and publish cycle.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	collectors := []prometheus.Collector{
		received, appended, dropped, decodeErrs, mappingErrs, unsupported,
		published, publishErrs, buffered, latency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &PromObs{
		log: log,
		counters: map[string]prometheus.Counter{
			ports.MetricMessagesReceived:  received,
			ports.MetricSamplesAppended:   appended,
			ports.MetricSamplesDropped:    dropped,
			ports.MetricDecodeErrors:      decodeErrs,
			ports.MetricMappingErrors:     mappingErrs,
			ports.MetricUnsupportedFormat: unsupported,
			ports.MetricMessagesPublished: published,
			ports.MetricPublishErrors:     publishErrs,
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricBufferedSamples: buffered,
		},
		histos: map[string]prometheus.Observer{
			ports.MetricProcessLatency: latency,
		},
	}, nil
}

func (p *PromObs) entry(fields []ports.Field) logrus.FieldLogger {
	if len(fields) == 0 {
		return p.log
	}
	f := make(logrus.Fields, len(fields))
	for _, field := range fields {
		f[field.Key] = field.Value
	}
	return p.log.WithFields(f)
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.entry(fields).Info(msg)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.entry(fields).Warn(msg)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.entry(fields).WithError(err).Error(msg)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.entry(fields).WithError(err).WithField("critical", true).Error(msg)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}
