package mqttbridge

import (
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/app/config"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// Config re-exports the runtime configuration so embedding programs can
// build it in code.
type Config = config.Config

type (
	// Policy bounds the inbound and outbound buffers.
	Policy = ports.Policy
	// BridgeConfig points at the topic document and tunes the processing loop.
	BridgeConfig = config.BridgeConfig
	// MQTTConfig tunes the broker client.
	MQTTConfig = config.MQTTConfig
	// TimescaleConfig configures the optional sample sink.
	TimescaleConfig = config.TimescaleConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// LogConfig selects the log level and format.
	LogConfig = config.LogConfig
	// StateConfig locates the session property file.
	StateConfig = config.StateConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig decodes YAML held in memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
