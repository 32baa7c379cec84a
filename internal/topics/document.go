// Package topics holds the declarative topic/channel configuration: how broker
// topics fan out into a tree of data channels and how host channels map back
// onto outgoing topics.
package topics

import (
	"sort"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
)

// Document is the serialized configuration.
type Document struct {
	Servers []Server `json:"servers"`
	Topics  []Topic  `json:"topics"`
}

// Server describes one broker endpoint. Durations are in seconds.
type Server struct {
	URL            string `json:"url"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	KeepAlive      int    `json:"keep_alive,omitempty"`
	ConnectTimeout int    `json:"connect_timeout,omitempty"`
	CleanSession   *bool  `json:"clean_session,omitempty"`
	TLS            *TLS   `json:"tls,omitempty"`
}

type TLS struct {
	CAFile             string `json:"ca_file,omitempty"`
	CertFile           string `json:"cert_file,omitempty"`
	KeyFile            string `json:"key_file,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// Topic is one root of the tree: a broker topic (literal or wildcard) bound
// either to a subscription or to a publisher.
type Topic struct {
	Topic     string        `json:"topic"`
	Subscribe *Subscription `json:"subscribe,omitempty"`
	Publish   *Publisher    `json:"publish,omitempty"`
}

// Sampling is the per-topic sampling configuration.
type Sampling struct {
	Mode       domain.SamplingMode `json:"mode"`
	SampleRate *float64            `json:"sample_rate,omitempty"`
}

// Rate returns the configured sample rate, or 0 for async sampling.
func (s Sampling) Rate() float64 {
	if s.Mode != domain.Sync || s.SampleRate == nil {
		return 0
	}
	return *s.SampleRate
}

// Subscription maps an inbound topic onto a channel tree.
type Subscription struct {
	Sampling Sampling `json:"sampling"`
	QoS      byte     `json:"qos,omitempty"`
	ChannelMap
}

// ChannelMap is one level of the output channel tree. Group names are unique
// by construction since they are map keys.
type ChannelMap struct {
	Channels []ChannelConfiguration `json:"channels,omitempty"`
	Groups   map[string]ChannelMap  `json:"groups,omitempty"`
}

// ChannelConfiguration describes one leaf channel. ID is stable across
// reloads and is used as the host channel key.
type ChannelConfiguration struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Path     string          `json:"path,omitempty"`
	Datatype domain.Datatype `json:"datatype"`
	Range    domain.Range    `json:"range"`
}

// Publisher maps a host input channel onto an outbound topic.
type Publisher struct {
	Sampling     Sampling `json:"sampling"`
	QoS          byte     `json:"qos,omitempty"`
	Retain       bool     `json:"retain,omitempty"`
	InputChannel *uint32  `json:"input_channel,omitempty"`
}

// Walk visits every leaf of the map depth-first; group names of the path
// leading to the leaf are passed along. Groups are visited in sorted order.
func (m ChannelMap) Walk(fn func(groups []string, leaf ChannelConfiguration) error) error {
	return m.walk(nil, fn)
}

func (m ChannelMap) walk(groups []string, fn func([]string, ChannelConfiguration) error) error {
	for _, leaf := range m.Channels {
		if err := fn(groups, leaf); err != nil {
			return err
		}
	}
	for _, name := range m.GroupNames() {
		path := append(append([]string(nil), groups...), name)
		if err := m.Groups[name].walk(path, fn); err != nil {
			return err
		}
	}
	return nil
}

// GroupNames returns the child group names in a deterministic order.
func (m ChannelMap) GroupNames() []string {
	names := make([]string, 0, len(m.Groups))
	for name := range m.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
