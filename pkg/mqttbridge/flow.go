package mqttbridge

import (
	"context"
	"fmt"
)

// Flow is a convenience builder that lets callers say Conf → StreamIN →
// StreamOUT without touching the runtime wiring.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption configures the broker side of the bridge.
type StreamInOption func(*Flow)

// StreamOutOption configures where bridged samples are persisted.
type StreamOutOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw RuntimeOption values.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

// StreamIN records broker-side overrides.
func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT records sink-side overrides and builds a Runtime ready to run.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for StreamOUT + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends RuntimeOption values during Conf.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// StreamInBroker swaps the Paho client for another broker implementation.
func StreamInBroker(factory BrokerFactory) StreamInOption {
	return func(f *Flow) {
		if f != nil && factory != nil {
			f.appendOptions(WithBroker(factory))
		}
	}
}

// StreamInProperties replaces the bbolt session state.
func StreamInProperties(p PropertyStore) StreamInOption {
	return func(f *Flow) {
		if f != nil && p != nil {
			f.appendOptions(WithPropertyStore(p))
		}
	}
}

// StreamInObservability overrides the default Prometheus and logrus stack.
func StreamInObservability(obs Observability) StreamInOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// StreamOutSink injects a custom Sink implementation.
func StreamOutSink(s Sink) StreamOutOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithSink(s))
		}
	}
}

// StreamOutCallback installs a sink built from a simple callback function.
func StreamOutCallback(name string, fn SampleBatchSink) StreamOutOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithSink(NewCallbackSink(name, fn)))
		}
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
