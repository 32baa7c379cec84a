package mqttbridge

import (
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/app/bridge"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// Sample is a value appended to a host channel, as handed to sinks.
type Sample = domain.ChannelSample

// Value is the tagged scalar carried through the bridge.
type Value = domain.Value

// Timestamp is a tick count in a clock domain.
type Timestamp = domain.Timestamp

// Sink persists the bridged stream to any downstream system.
type Sink = ports.Sink

// Broker is the publish/subscribe capability the bridge drives.
type Broker = ports.Broker

// BrokerFactory opens a broker for the configured server entry.
type BrokerFactory = bridge.BrokerFactory

// PropertyStore keeps session properties across restarts.
type PropertyStore = ports.PropertyStore

// Observability emits metrics and logs about the bridge.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// ProcessStats summarizes one processing cycle.
type ProcessStats = bridge.ProcessStats

// State is the service lifecycle state.
type State = bridge.State
