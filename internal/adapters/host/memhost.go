// Package host is an in-memory channel host used when the bridge runs on its
// own. It keeps the channel tree, a bounded history per output channel and a
// master clock, and exposes every output channel as an input channel too.
package host

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// RootChannel is the implicit group every tree hangs off.
const RootChannel ports.ChannelID = 0

const (
	defaultHistory        = 100_000
	defaultClockFrequency = 1_000_000
)

// Node describes one channel of the tree.
type Node struct {
	ID       ports.ChannelID
	Parent   ports.ChannelID
	Key      string
	Name     string
	Group    bool
	Spec     ports.OutputChannelSpec
	Children []ports.ChannelID
}

type channel struct {
	Node
	freq    float64
	samples []stored
}

type stored struct {
	tick  uint64
	value domain.Value
}

type Options struct {
	// ClockFrequency is the master clock rate in Hz.
	ClockFrequency float64
	// History caps the samples kept per channel; the oldest are discarded.
	History int
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
	// RecordPending keeps a copy of every appended sample for DrainPending.
	RecordPending bool
}

// Memory implements ports.ChannelStore and ports.Host.
type Memory struct {
	mu       sync.RWMutex
	opts     Options
	epoch    time.Time
	next     ports.ChannelID
	channels map[ports.ChannelID]*channel
	keys     map[string]ports.ChannelID
	pending  []domain.ChannelSample
}

var (
	_ ports.ChannelStore = (*Memory)(nil)
	_ ports.Host         = (*Memory)(nil)
)

func NewMemory(opts Options) *Memory {
	if opts.ClockFrequency <= 0 {
		opts.ClockFrequency = defaultClockFrequency
	}
	if opts.History <= 0 {
		opts.History = defaultHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Memory{
		opts:     opts,
		epoch:    opts.Now(),
		channels: make(map[ports.ChannelID]*channel),
		keys:     make(map[string]ports.ChannelID),
	}
	m.channels[RootChannel] = &channel{Node: Node{ID: RootChannel, Name: "MQTT", Group: true}}
	return m
}

// Now is the master clock: ticks since the host was created.
func (m *Memory) Now() domain.Timestamp {
	elapsed := m.opts.Now().Sub(m.epoch).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return domain.Timestamp{Ticks: uint64(elapsed * m.opts.ClockFrequency), Frequency: m.opts.ClockFrequency}
}

// Seconds is the master time in seconds.
func (m *Memory) Seconds() float64 { return m.Now().Seconds() }

func (m *Memory) RootChannel() ports.ChannelID { return RootChannel }

func (m *Memory) AddGroupChannel(key, name string, parent ports.ChannelID) (ports.ChannelID, error) {
	return m.add(Node{Key: key, Name: name, Parent: parent, Group: true})
}

func (m *Memory) AddOutputChannel(parent ports.ChannelID, spec ports.OutputChannelSpec) (ports.ChannelID, error) {
	switch spec.Mode {
	case domain.Async:
	case domain.Sync:
		if spec.SampleRate <= 0 {
			return 0, fmt.Errorf("channel %q: sync channels need a sample rate", spec.Key)
		}
	default:
		return 0, &domain.UnsupportedFormatError{Datatype: spec.Datatype, Mode: spec.Mode, Reason: "channel " + spec.Key}
	}
	return m.add(Node{Key: spec.Key, Name: spec.Name, Parent: parent, Spec: spec})
}

func (m *Memory) add(n Node) (ports.ChannelID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.channels[n.Parent]
	if !ok || !parent.Group {
		return 0, fmt.Errorf("parent %d is not a group channel", n.Parent)
	}
	if n.Key != "" {
		if _, dup := m.keys[n.Key]; dup {
			return 0, fmt.Errorf("channel key %q already exists", n.Key)
		}
	}

	m.next++
	n.ID = m.next
	c := &channel{Node: n, freq: m.opts.ClockFrequency}
	if !n.Group && n.Spec.Mode == domain.Sync {
		c.freq = n.Spec.SampleRate
	}
	m.channels[n.ID] = c
	if n.Key != "" {
		m.keys[n.Key] = n.ID
	}
	parent.Children = append(parent.Children, n.ID)
	return n.ID, nil
}

// RemoveChannel deletes a leaf or an empty group.
func (m *Memory) RemoveChannel(id ports.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == RootChannel {
		return fmt.Errorf("the root channel cannot be removed")
	}
	c, ok := m.channels[id]
	if !ok {
		return fmt.Errorf("channel %d does not exist", id)
	}
	if len(c.Children) > 0 {
		return fmt.Errorf("channel %d still has %d children", id, len(c.Children))
	}
	if parent, ok := m.channels[c.Parent]; ok {
		for i, child := range parent.Children {
			if child == id {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}
	delete(m.channels, id)
	if c.Key != "" {
		delete(m.keys, c.Key)
	}
	return nil
}

// Lookup finds a channel by key.
func (m *Memory) Lookup(key string) (ports.ChannelID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	return id, ok
}

func (m *Memory) Node(id ports.ChannelID) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return Node{}, false
	}
	n := c.Node
	n.Children = append([]ports.ChannelID(nil), c.Children...)
	return n, true
}

// Walk visits the tree depth first, parents before children.
func (m *Memory) Walk(fn func(depth int, n Node)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var visit func(id ports.ChannelID, depth int)
	visit = func(id ports.ChannelID, depth int) {
		c := m.channels[id]
		fn(depth, c.Node)
		for _, child := range c.Children {
			visit(child, depth+1)
		}
	}
	visit(RootChannel, 0)
}

// Len counts the channels below the root.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels) - 1
}

func (m *Memory) output(id ports.ChannelID) (*channel, error) {
	c, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %d does not exist", id)
	}
	if c.Group {
		return nil, fmt.Errorf("channel %d is a group", id)
	}
	return c, nil
}

func checkType(c *channel, v domain.Value) error {
	if v.Type != c.Spec.Datatype {
		return &domain.UnsupportedFormatError{Datatype: v.Type, Mode: c.Spec.Mode, Reason: fmt.Sprintf("channel %q holds %s", c.Key, c.Spec.Datatype)}
	}
	return nil
}

func (m *Memory) AppendSample(id ports.ChannelID, t domain.Timestamp, v domain.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.output(id)
	if err != nil {
		return err
	}
	if err := checkType(c, v); err != nil {
		return err
	}
	m.store(c, uint64(math.Round(t.Seconds()*c.freq)), v)
	return nil
}

// AppendBlock stores values at consecutive sample indices starting at the
// index of start. A block that overlaps the previous one is moved behind it.
func (m *Memory) AppendBlock(id ports.ChannelID, start domain.Timestamp, values []domain.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.output(id)
	if err != nil {
		return err
	}
	if c.Spec.Mode != domain.Sync {
		return &domain.MappingError{Topic: c.Key, Configured: domain.Sync, Actual: c.Spec.Mode}
	}
	for _, v := range values {
		if err := checkType(c, v); err != nil {
			return err
		}
	}

	first := uint64(math.Round(start.Seconds() * c.freq))
	if n := len(c.samples); n > 0 && first <= c.samples[n-1].tick {
		first = c.samples[n-1].tick + 1
	}
	for i, v := range values {
		m.store(c, first+uint64(i), v)
	}
	return nil
}

func (m *Memory) store(c *channel, tick uint64, v domain.Value) {
	c.samples = append(c.samples, stored{tick: tick, value: v})
	if over := len(c.samples) - m.opts.History; over > 0 {
		c.samples = append(c.samples[:0], c.samples[over:]...)
	}
	if m.opts.RecordPending {
		m.pending = append(m.pending, domain.ChannelSample{
			ChannelID: uint32(c.ID),
			Key:       c.Key,
			Time:      domain.Timestamp{Ticks: tick, Frequency: c.freq},
			Value:     v,
		})
	}
}

// DrainPending returns the samples appended since the last call.
func (m *Memory) DrainPending() []domain.ChannelSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// Samples copies the retained history of a channel.
func (m *Memory) Samples(id ports.ChannelID) []domain.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return nil
	}
	out := make([]domain.Sample, len(c.samples))
	for i, s := range c.samples {
		out[i] = domain.Sample{Time: domain.Timestamp{Ticks: s.tick, Frequency: c.freq}, Value: s.value}
	}
	return out
}

func (m *Memory) InputChannel(id ports.ChannelID) (ports.InputChannel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok || c.Group {
		return nil, false
	}
	return inputChannel{spec: c.Spec, freq: c.freq}, true
}

type inputChannel struct {
	spec ports.OutputChannelSpec
	freq float64
}

func (in inputChannel) DataFormat() ports.DataFormat {
	df := ports.DataFormat{Occurrence: ports.OccurrenceAsync}
	if in.spec.Mode == domain.Sync {
		df.Occurrence = ports.OccurrenceSync
	}
	switch in.spec.Datatype {
	case domain.Integer:
		df.Format = ports.FormatSInt32
	case domain.Number:
		df.Format = ports.FormatDouble
	case domain.String:
		df.Format = ports.FormatString
	}
	return df
}

func (in inputChannel) SampleRate() float64 { return in.spec.SampleRate }
func (in inputChannel) Frequency() float64  { return in.freq }

// Context is the processing context of one cycle over [window.Start,
// window.End) seconds.
func (m *Memory) Context(window ports.Window) ports.ProcessingContext {
	return &processingContext{host: m, window: window}
}

type processingContext struct {
	host   *Memory
	window ports.Window
}

func (pc *processingContext) Window() ports.Window { return pc.window }

// Iterator snapshots the samples of id that fall inside the window. Sync
// channels iterate every sample index of the window once gap skipping is
// off.
func (pc *processingContext) Iterator(id ports.ChannelID) ports.StreamIterator {
	pc.host.mu.RLock()
	defer pc.host.mu.RUnlock()
	c, ok := pc.host.channels[id]
	if !ok || c.Group {
		return nil
	}
	start, end := pc.window.Ticks(c.freq)
	lo := sort.Search(len(c.samples), func(i int) bool { return c.samples[i].tick >= start })
	hi := sort.Search(len(c.samples), func(i int) bool { return c.samples[i].tick >= end })
	it := &iterator{
		stored: append([]stored(nil), c.samples[lo:hi]...),
		start:  start,
		end:    end,
		sync:   c.Spec.Mode == domain.Sync,
	}
	if lo > 0 {
		prior := c.samples[lo-1]
		it.prior = &prior
	}
	it.samples = it.stored
	return it
}

type iterator struct {
	stored  []stored
	samples []stored
	prior   *stored
	pos     int

	start, end uint64
	sync       bool
}

func (it *iterator) SetSkipGaps(skip bool) {
	it.pos = 0
	it.samples = it.stored
	if !skip && it.sync {
		it.samples = it.dense()
	}
}

// dense yields one sample per index of [start, end). A missing index holds
// the previous value, or zero before the first one. A channel without any
// data up to end yields nothing.
func (it *iterator) dense() []stored {
	if it.end <= it.start || (len(it.stored) == 0 && it.prior == nil) {
		return nil
	}
	var last domain.Value
	if it.prior != nil {
		last = it.prior.value
	} else {
		last = zeroOf(it.stored[0].value.Type)
	}
	out := make([]stored, 0, it.end-it.start)
	next := 0
	for tick := it.start; tick < it.end; tick++ {
		for next < len(it.stored) && it.stored[next].tick <= tick {
			last = it.stored[next].value
			next++
		}
		out = append(out, stored{tick: tick, value: last})
	}
	return out
}

func zeroOf(t domain.Datatype) domain.Value {
	if t == domain.Integer {
		return domain.IntValue(0)
	}
	return domain.NumberValue(0)
}

func (it *iterator) Valid() bool       { return it.pos < len(it.samples) }
func (it *iterator) Timestamp() uint64 { return it.samples[it.pos].tick }
func (it *iterator) Next()             { it.pos++ }

func (it *iterator) Float64() float64 {
	f, _ := it.samples[it.pos].value.Float64()
	return f
}

func (it *iterator) Int32() int32 {
	v := it.samples[it.pos].value
	switch {
	case v.Type == domain.Integer && v.Int > math.MaxInt32:
		return math.MaxInt32
	case v.Type == domain.Integer && v.Int < math.MinInt32:
		return math.MinInt32
	case v.Type == domain.Integer:
		return int32(v.Int)
	default:
		return int32(v.Number)
	}
}
