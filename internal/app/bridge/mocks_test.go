package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

type mockChannel struct {
	key    string
	name   string
	parent ports.ChannelID
	group  bool
	spec   ports.OutputChannelSpec
}

type appendCall struct {
	id     ports.ChannelID
	start  domain.Timestamp
	values []domain.Value
	block  bool
}

type mockHost struct {
	mu        sync.Mutex
	next      ports.ChannelID
	channels  map[ports.ChannelID]mockChannel
	order     []ports.ChannelID
	removed   []ports.ChannelID
	failOnKey string
	appends   []appendCall
	inputs    map[ports.ChannelID]*mockInput
}

func newMockHost() *mockHost {
	return &mockHost{
		channels: make(map[ports.ChannelID]mockChannel),
		inputs:   make(map[ports.ChannelID]*mockInput),
	}
}

func (h *mockHost) RootChannel() ports.ChannelID { return 0 }

func (h *mockHost) add(c mockChannel) (ports.ChannelID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOnKey != "" && c.key == h.failOnKey {
		return 0, errors.New("host refused channel")
	}
	h.next++
	h.channels[h.next] = c
	h.order = append(h.order, h.next)
	return h.next, nil
}

func (h *mockHost) AddGroupChannel(key, name string, parent ports.ChannelID) (ports.ChannelID, error) {
	return h.add(mockChannel{key: key, name: name, parent: parent, group: true})
}

func (h *mockHost) AddOutputChannel(parent ports.ChannelID, spec ports.OutputChannelSpec) (ports.ChannelID, error) {
	return h.add(mockChannel{key: spec.Key, name: spec.Name, parent: parent, spec: spec})
}

func (h *mockHost) RemoveChannel(id ports.ChannelID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[id]; !ok {
		return fmt.Errorf("channel %d does not exist", id)
	}
	delete(h.channels, id)
	h.removed = append(h.removed, id)
	return nil
}

func (h *mockHost) byKey(key string) (ports.ChannelID, mockChannel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.channels {
		if c.key == key {
			return id, c, true
		}
	}
	return 0, mockChannel{}, false
}

func (h *mockHost) live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *mockHost) AppendSample(id ports.ChannelID, t domain.Timestamp, v domain.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appends = append(h.appends, appendCall{id: id, start: t, values: []domain.Value{v}})
	return nil
}

func (h *mockHost) AppendBlock(id ports.ChannelID, start domain.Timestamp, values []domain.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appends = append(h.appends, appendCall{id: id, start: start, values: values, block: true})
	return nil
}

func (h *mockHost) appended() []appendCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]appendCall(nil), h.appends...)
}

func (h *mockHost) InputChannel(id ports.ChannelID) (ports.InputChannel, bool) {
	in, ok := h.inputs[id]
	if !ok {
		return nil, false
	}
	return in, true
}

type mockInput struct {
	df     ports.DataFormat
	rate   float64
	freq   float64
	ticks  []uint64
	values []float64
}

func (m *mockInput) DataFormat() ports.DataFormat { return m.df }
func (m *mockInput) SampleRate() float64          { return m.rate }
func (m *mockInput) Frequency() float64           { return m.freq }

type mockIterator struct {
	in  *mockInput
	pos int
}

func (it *mockIterator) SetSkipGaps(bool)  {}
func (it *mockIterator) Valid() bool       { return it.pos < len(it.in.ticks) }
func (it *mockIterator) Timestamp() uint64 { return it.in.ticks[it.pos] }
func (it *mockIterator) Float64() float64  { return it.in.values[it.pos] }
func (it *mockIterator) Int32() int32      { return int32(it.in.values[it.pos]) }
func (it *mockIterator) Next()             { it.pos++ }

type mockContext struct {
	window ports.Window
	host   *mockHost
}

func (c *mockContext) Window() ports.Window { return c.window }

func (c *mockContext) Iterator(id ports.ChannelID) ports.StreamIterator {
	in, ok := c.host.inputs[id]
	if !ok {
		return nil
	}
	start, _ := c.window.Ticks(in.freq)
	it := &mockIterator{in: in}
	for it.Valid() && it.Timestamp() < start {
		it.Next()
	}
	return it
}

type publishCall struct {
	topic   string
	qos     byte
	retain  bool
	payload string
}

type mockBroker struct {
	mu           sync.Mutex
	handlers     map[string]ports.MessageHandler
	published    []publishCall
	unsubscribed []string
	connectErr   error
	connected    bool
	closed       bool
	onConnect    func()
}

func newMockBroker() *mockBroker {
	return &mockBroker{handlers: make(map[string]ports.MessageHandler)}
}

func (b *mockBroker) factory() BrokerFactory {
	return func(topics.Server) (ports.Broker, error) { return b, nil }
}

func (b *mockBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

func (b *mockBroker) Subscribe(topic string, _ byte, h ports.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *mockBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, topics...)
	return nil
}

func (b *mockBroker) Publish(topic string, qos byte, retain bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishCall{topic: topic, qos: qos, retain: retain, payload: string(payload)})
	return nil
}

func (b *mockBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *mockBroker) OnConnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = fn
}

// up plays a background reconnect that finally succeeds.
func (b *mockBroker) up() {
	b.mu.Lock()
	b.connected = true
	fn := b.onConnect
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *mockBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

// deliver plays the broker goroutine for a message on a subscribed filter.
func (b *mockBroker) deliver(filter, topic, payload string) {
	b.mu.Lock()
	h := b.handlers[filter]
	b.mu.Unlock()
	h(topic, []byte(payload))
}

func (b *mockBroker) publishedTo(topic string) []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishCall
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type mockObs struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	events   []string
	errors   []error
}

func newMockObs() *mockObs {
	return &mockObs{counters: make(map[string]float64), gauges: make(map[string]float64)}
}

func (m *mockObs) record(msg string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, msg)
	if err != nil {
		m.errors = append(m.errors, err)
	}
}

func (m *mockObs) LogInfo(msg string, _ ...ports.Field)                { m.record(msg, nil) }
func (m *mockObs) LogWarn(msg string, _ ...ports.Field)                { m.record(msg, nil) }
func (m *mockObs) LogError(msg string, err error, _ ...ports.Field)    { m.record(msg, err) }
func (m *mockObs) LogCritical(msg string, err error, _ ...ports.Field) { m.record(msg, err) }

func (m *mockObs) IncCounter(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += v
}

func (m *mockObs) ObserveLatency(string, float64) {}

func (m *mockObs) SetGauge(name string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = v
}

func (m *mockObs) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *mockObs) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

type mockProperties struct {
	mu     sync.Mutex
	values map[string]string
}

func newMockProperties() *mockProperties {
	return &mockProperties{values: make(map[string]string)}
}

func (p *mockProperties) GetString(key string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok, nil
}

func (p *mockProperties) SetString(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
	return nil
}

// tickClock returns successive timestamps from ticks, repeating the last one.
func tickClock(freq float64, ticks ...uint64) ports.ClockSource {
	var (
		mu  sync.Mutex
		idx int
	)
	return func() domain.Timestamp {
		mu.Lock()
		defer mu.Unlock()
		t := ticks[idx]
		if idx < len(ticks)-1 {
			idx++
		}
		return domain.Timestamp{Ticks: t, Frequency: freq}
	}
}
