package topics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
)

// LoadResult is returned by a successful Load.
type LoadResult struct {
	// Document is the configuration re-serialized after normalization. It is
	// what callers persist so channel identities survive a reload.
	Document []byte
	// Regenerated counts leaf identifiers that were missing and got created.
	Regenerated int
}

// Configuration owns the currently loaded topic tree. Loading is atomic: a
// failed Load leaves the previous tree untouched.
type Configuration struct {
	mu  sync.RWMutex
	doc *Document
}

func NewConfiguration() *Configuration {
	return &Configuration{}
}

// Load parses raw into a topic tree, fills in missing leaf identifiers and
// replaces the current tree.
func (c *Configuration) Load(raw []byte) (LoadResult, error) {
	doc, regenerated, err := Parse(raw)
	if err != nil {
		return LoadResult{}, err
	}

	out, err := marshalDocument(doc)
	if err != nil {
		return LoadResult{}, &domain.LoadError{Err: err}
	}

	c.mu.Lock()
	c.doc = doc
	c.mu.Unlock()

	return LoadResult{Document: out, Regenerated: regenerated}, nil
}

// Dump serializes the current tree. It returns nil when nothing is loaded.
func (c *Configuration) Dump() ([]byte, error) {
	c.mu.RLock()
	doc := c.doc
	c.mu.RUnlock()
	if doc == nil {
		return nil, nil
	}
	return marshalDocument(doc)
}

func (c *Configuration) Servers() []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.doc == nil {
		return nil
	}
	return append([]Server(nil), c.doc.Servers...)
}

// Subscriptions returns every topic carrying a subscription, in document order.
func (c *Configuration) Subscriptions() []Topic {
	return c.filter(func(t Topic) bool { return t.Subscribe != nil })
}

// Publishers returns every topic carrying a publisher, in document order.
func (c *Configuration) Publishers() []Topic {
	return c.filter(func(t Topic) bool { return t.Publish != nil })
}

func (c *Configuration) filter(keep func(Topic) bool) []Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.doc == nil {
		return nil
	}
	var out []Topic
	for _, t := range c.doc.Topics {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// Parse decodes and validates a document without committing it anywhere.
func Parse(raw []byte) (*Document, int, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, 0, &domain.LoadError{Err: errors.New("empty document")}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, &domain.LoadError{Err: err}
	}

	regenerated := doc.assignIdentifiers()
	if err := doc.validate(); err != nil {
		return nil, 0, &domain.LoadError{Err: err}
	}
	return &doc, regenerated, nil
}

func (d *Document) assignIdentifiers() int {
	var n int
	for i := range d.Topics {
		if sub := d.Topics[i].Subscribe; sub != nil {
			n += sub.ChannelMap.assignIdentifiers()
		}
	}
	return n
}

func (m *ChannelMap) assignIdentifiers() int {
	var n int
	for i := range m.Channels {
		if strings.TrimSpace(m.Channels[i].ID) == "" {
			m.Channels[i].ID = uuid.NewString()
			n++
		}
		if m.Channels[i].Name == "" {
			m.Channels[i].Name = m.Channels[i].defaultName()
		}
	}
	for name, group := range m.Groups {
		n += group.assignIdentifiers()
		m.Groups[name] = group
	}
	return n
}

func (c ChannelConfiguration) defaultName() string {
	if c.Path != "" {
		return c.Path
	}
	return c.ID
}

func (d *Document) validate() error {
	for i, s := range d.Servers {
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("servers[%d]: url is required", i)
		}
	}

	ids := make(map[string]string)
	for i, t := range d.Topics {
		if strings.TrimSpace(t.Topic) == "" {
			return fmt.Errorf("topics[%d]: topic is required", i)
		}
		switch {
		case t.Subscribe != nil && t.Publish != nil:
			return fmt.Errorf("topic %q: subscribe and publish are mutually exclusive", t.Topic)
		case t.Subscribe != nil:
			if err := validateSampling(t.Subscribe.Sampling); err != nil {
				return fmt.Errorf("topic %q: %w", t.Topic, err)
			}
			if err := validateQoS(t.Subscribe.QoS); err != nil {
				return fmt.Errorf("topic %q: %w", t.Topic, err)
			}
			err := t.Subscribe.ChannelMap.validate(t.Subscribe.Sampling, func(id string) error {
				if prev, ok := ids[id]; ok {
					return fmt.Errorf("duplicate channel id %q (already used by topic %q)", id, prev)
				}
				ids[id] = t.Topic
				return nil
			})
			if err != nil {
				return fmt.Errorf("topic %q: %w", t.Topic, err)
			}
		case t.Publish != nil:
			if strings.ContainsAny(t.Topic, "+#") {
				return fmt.Errorf("topic %q: publish topics must not contain wildcards", t.Topic)
			}
			if err := validateSampling(t.Publish.Sampling); err != nil {
				return fmt.Errorf("topic %q: %w", t.Topic, err)
			}
			if err := validateQoS(t.Publish.QoS); err != nil {
				return fmt.Errorf("topic %q: %w", t.Topic, err)
			}
		default:
			return fmt.Errorf("topic %q: one of subscribe or publish is required", t.Topic)
		}
	}
	return nil
}

func validateSampling(s Sampling) error {
	switch s.Mode {
	case domain.Sync:
		if s.SampleRate == nil || *s.SampleRate <= 0 {
			return errors.New("sync sampling requires a positive sample_rate")
		}
	case domain.Async:
	default:
		return errors.New("sampling.mode is required")
	}
	return nil
}

func validateQoS(q byte) error {
	if q > 2 {
		return fmt.Errorf("invalid qos %d", q)
	}
	return nil
}

func (m ChannelMap) validate(s Sampling, claim func(id string) error) error {
	for _, leaf := range m.Channels {
		if leaf.Datatype == 0 {
			return fmt.Errorf("channel %q: datatype is required", leaf.ID)
		}
		if leaf.Datatype == domain.String && s.Mode == domain.Sync {
			return fmt.Errorf("channel %q: string channels cannot use sync sampling", leaf.ID)
		}
		if leaf.Range.Min > leaf.Range.Max {
			return fmt.Errorf("channel %q: range min %g exceeds max %g", leaf.ID, leaf.Range.Min, leaf.Range.Max)
		}
		if err := claim(leaf.ID); err != nil {
			return err
		}
	}
	for _, name := range m.GroupNames() {
		if strings.TrimSpace(name) == "" {
			return errors.New("group name must not be empty")
		}
		if err := m.Groups[name].validate(s, claim); err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
	}
	return nil
}

func marshalDocument(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
