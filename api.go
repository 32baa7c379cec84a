package mqttbridge

import (
	base "github.com/moberhofer/OXYGEN-SDK-MQTT/pkg/mqttbridge"
)

// Re-exported errors for convenience.
var ErrChannelSinkClosed = base.ErrChannelSinkClosed

// Type aliases so consumers can import the module root directly.
type (
	Config          = base.Config
	Policy          = base.Policy
	BridgeConfig    = base.BridgeConfig
	MQTTConfig      = base.MQTTConfig
	TimescaleConfig = base.TimescaleConfig
	MetricsConfig   = base.MetricsConfig
	LogConfig       = base.LogConfig
	StateConfig     = base.StateConfig
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	StreamInOption  = base.StreamInOption
	StreamOutOption = base.StreamOutOption
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Sample          = base.Sample
	Value           = base.Value
	Timestamp       = base.Timestamp
	SampleBatchSink = base.SampleBatchSink
	Sink            = base.Sink
	Broker          = base.Broker
	BrokerFactory   = base.BrokerFactory
	PropertyStore   = base.PropertyStore
	Observability   = base.Observability
	Field           = base.Field
	ProcessStats    = base.ProcessStats
	State           = base.State
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInBroker(factory BrokerFactory) StreamInOption {
	return base.StreamInBroker(factory)
}

func StreamInProperties(p PropertyStore) StreamInOption {
	return base.StreamInProperties(p)
}

func StreamInObservability(obs Observability) StreamInOption {
	return base.StreamInObservability(obs)
}

func StreamOutSink(s Sink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutCallback(name string, fn SampleBatchSink) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithBroker(f BrokerFactory) RuntimeOption {
	return base.WithBroker(f)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithPropertyStore(p PropertyStore) RuntimeOption {
	return base.WithPropertyStore(p)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

// Sink adapters.
func NewCallbackSink(name string, fn SampleBatchSink) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []Sample, func()) {
	return base.NewChannelSink(name, buffer)
}
