package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// Config is the runtime configuration of the bridge process. The topic tree
// itself lives in the JSON document referenced by Bridge.ConfigFile.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Policy    ports.Policy    `yaml:"policy"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	State     StateConfig     `yaml:"state"`
}

type BridgeConfig struct {
	ConfigFile string `yaml:"config_file"`
	// Session names the property bucket; several bridges may share one
	// state file.
	Session            string        `yaml:"session"`
	CacheDir           string        `yaml:"cache_dir"`
	ProcessingInterval time.Duration `yaml:"processing_interval"`
	ClockFrequency     float64       `yaml:"clock_frequency"`
	History            int           `yaml:"history"`
	// PublishInputs binds publish topics to host channel keys.
	PublishInputs map[string]string `yaml:"publish_inputs"`
}

type MQTTConfig struct {
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	OperationTimeout     time.Duration `yaml:"operation_timeout"`
	Quiesce              time.Duration `yaml:"quiesce"`
	// ConnectTimeout bounds the initial connect at startup. The client keeps
	// retrying in the background afterwards.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TimescaleConfig enables the sample sink when ConnString is set.
type TimescaleConfig struct {
	ConnString    string        `yaml:"conn_string"`
	Table         string        `yaml:"table"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (t TimescaleConfig) Enabled() bool { return t.ConnString != "" }

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Policy.MaxBufferedSamples == 0 {
		c.Policy.MaxBufferedSamples = 10_000
	}
	if c.Policy.MaxOutboundFrames == 0 {
		c.Policy.MaxOutboundFrames = 1_000
	}
	if c.Policy.OnBufferFull == "" {
		c.Policy.OnBufferFull = ports.OnFullDropOldest
	}
	if c.Bridge.Session == "" {
		c.Bridge.Session = "default"
	}
	if c.Bridge.ProcessingInterval == 0 {
		c.Bridge.ProcessingInterval = 100 * time.Millisecond
	}
	if c.Bridge.ClockFrequency == 0 {
		c.Bridge.ClockFrequency = 1_000_000
	}
	if c.Bridge.History == 0 {
		c.Bridge.History = 100_000
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.State.Path == "" {
		c.State.Path = "./data/bridge-state.db"
	}
	if c.Timescale.Table == "" {
		c.Timescale.Table = "channel_samples"
	}
	if c.Timescale.FlushInterval == 0 {
		c.Timescale.FlushInterval = time.Second
	}
}

func (c *Config) validate() error {
	if c.Bridge.ProcessingInterval < 0 {
		return fmt.Errorf("bridge.processing_interval must be positive")
	}
	if c.Bridge.ClockFrequency < 0 {
		return fmt.Errorf("bridge.clock_frequency must be positive")
	}
	if c.Bridge.History < 0 {
		return fmt.Errorf("bridge.history must be positive")
	}
	for topic, key := range c.Bridge.PublishInputs {
		if strings.TrimSpace(topic) == "" || strings.TrimSpace(key) == "" {
			return fmt.Errorf("bridge.publish_inputs entries need a topic and a channel key")
		}
	}
	if c.Policy.MaxBufferedSamples < 0 || c.Policy.MaxOutboundFrames < 0 {
		return fmt.Errorf("policy limits must be positive")
	}
	switch c.Policy.OnBufferFull {
	case ports.OnFullDropOldest, ports.OnFullDropNewest:
	default:
		return fmt.Errorf("policy.on_buffer_full must be %s or %s", ports.OnFullDropOldest, ports.OnFullDropNewest)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	return nil
}
