package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

const (
	defaultMaxBufferedSamples = 10_000
	defaultMaxOutboundFrames  = 1_000
)

func normalizePolicy(p ports.Policy) ports.Policy {
	if p.MaxBufferedSamples <= 0 {
		p.MaxBufferedSamples = defaultMaxBufferedSamples
	}
	if p.MaxOutboundFrames <= 0 {
		p.MaxOutboundFrames = defaultMaxOutboundFrames
	}
	if p.OnBufferFull != ports.OnFullDropNewest {
		p.OnBufferFull = ports.OnFullDropOldest
	}
	return p
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateProcessingActive
	StateProcessingStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateProcessingActive:
		return "processing_active"
	case StateProcessingStopped:
		return "processing_stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BrokerFactory builds a broker client for one server entry.
type BrokerFactory func(topics.Server) (ports.Broker, error)

// ProcessStats summarizes one Process call.
type ProcessStats struct {
	Appended  int
	Unbound   int
	Collected int
	Published int
	Failed    int
}

// Service owns the broker session and the registered handlers.
//
// mu is the coarse lock shared with the broker goroutines: Process holds it
// for the whole drain/collect/publish cycle, message callbacks hold it for a
// single push. Lifecycle fields are guarded by lifeMu, which is never held
// while dialing the broker.
type Service struct {
	mu sync.Mutex

	lifeMu sync.Mutex
	state  State
	server *topics.Server
	broker ports.Broker

	clock atomic.Pointer[ports.ClockSource]

	factory BrokerFactory
	obs     ports.Observability
	pol     ports.Policy
	arena   *ChannelArena

	subscriptions []*Subscription
	publishers    []*PublishHandler
}

func NewService(factory BrokerFactory, pol ports.Policy, obs ports.Observability) *Service {
	if obs == nil {
		obs = nopObservability{}
	}
	return &Service{
		factory: factory,
		obs:     obs,
		pol:     normalizePolicy(pol),
		arena:   NewChannelArena(),
	}
}

// Arena exposes the leaf registry the channel builder binds into.
func (s *Service) Arena() *ChannelArena { return s.arena }

func (s *Service) State() State {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.state
}

func (s *Service) SetServerConfiguration(server topics.Server) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.state != StateDisconnected {
		return fmt.Errorf("%w: set server while %s", domain.ErrInvalidTransition, s.state)
	}
	s.server = &server
	return nil
}

// AddSubscription registers a subscribe topic. Handlers can only be added
// while disconnected; the tree is fixed for the lifetime of a session.
func (s *Service) AddSubscription(t topics.Topic) (*Subscription, error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.state != StateDisconnected {
		return nil, fmt.Errorf("%w: add subscription while %s", domain.ErrInvalidTransition, s.state)
	}
	sub, err := NewSubscription(t, s.arena, s.pol)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *Service) AddPublishHandler(t topics.Topic) (*PublishHandler, error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.state != StateDisconnected {
		return nil, fmt.Errorf("%w: add publisher while %s", domain.ErrInvalidTransition, s.state)
	}
	h, err := NewPublishHandler(t, s.pol)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.publishers = append(s.publishers, h)
	s.mu.Unlock()
	return h, nil
}

func (s *Service) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscription(nil), s.subscriptions...)
}

func (s *Service) PublishHandlers() []*PublishHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*PublishHandler(nil), s.publishers...)
}

// PublishHandler looks a publisher up by topic.
func (s *Service) PublishHandler(topic string) (*PublishHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.publishers {
		if h.Topic() == topic {
			return h, true
		}
	}
	return nil, false
}

// Buffered is the number of inbound samples waiting for the next Process.
func (s *Service) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferedLocked()
}

func (s *Service) bufferedLocked() int {
	var n int
	for _, sub := range s.subscriptions {
		n += sub.Buffered()
	}
	return n
}

// Connect creates the broker client, registers every subscription on it and
// opens the session. Subscriptions are re-applied by the broker on every
// reconnect. When the first attempt fails the client keeps retrying and the
// service stays in StateConnecting until the broker reports the session up.
func (s *Service) Connect(ctx context.Context) error {
	broker, server, err := s.openBroker()
	if err != nil {
		return err
	}

	if err := broker.Connect(ctx); err != nil {
		return &domain.ConnectionError{Server: server, Err: err}
	}
	s.markConnected(broker, server)
	return nil
}

func (s *Service) markConnected(broker ports.Broker, server string) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.broker != broker || s.state != StateConnecting {
		return
	}
	s.state = StateConnected
	s.obs.LogInfo("broker_connected", ports.Field{Key: "server", Value: server})
}

func (s *Service) openBroker() (ports.Broker, string, error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.state != StateDisconnected {
		return nil, "", fmt.Errorf("%w: connect while %s", domain.ErrInvalidTransition, s.state)
	}
	if s.server == nil {
		return nil, "", domain.ErrNoServers
	}
	url := s.server.URL
	if s.factory == nil {
		return nil, url, &domain.ConnectionError{Server: url, Err: errors.New("no broker factory")}
	}

	broker, err := s.factory(*s.server)
	if err != nil {
		return nil, url, &domain.ConnectionError{Server: url, Err: err}
	}

	s.mu.Lock()
	subs := append([]*Subscription(nil), s.subscriptions...)
	s.mu.Unlock()
	for _, sub := range subs {
		if err := broker.Subscribe(sub.Topic(), sub.QoS(), s.handler(sub)); err != nil {
			_ = broker.Close()
			return nil, url, &domain.ConnectionError{Server: url, Err: fmt.Errorf("subscribe %s: %w", sub.Topic(), err)}
		}
	}

	broker.OnConnect(func() { s.markConnected(broker, url) })
	s.broker = broker
	s.state = StateConnecting
	return broker, url, nil
}

// PrepareProcessing installs the host master clock and activates Process.
func (s *Service) PrepareProcessing(clock ports.ClockSource) error {
	if clock == nil {
		return errors.New("bridge: nil clock source")
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	switch s.state {
	case StateConnecting, StateConnected, StateProcessingStopped:
	default:
		return fmt.Errorf("%w: prepare while %s", domain.ErrInvalidTransition, s.state)
	}
	s.clock.Store(&clock)
	s.state = StateProcessingActive
	return nil
}

// StopProcessing pauses draining. Inbound messages keep being buffered up to
// the policy cap.
func (s *Service) StopProcessing() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.state != StateProcessingActive {
		return fmt.Errorf("%w: stop while %s", domain.ErrInvalidTransition, s.state)
	}
	s.state = StateProcessingStopped
	return nil
}

// Process runs one host cycle: drain every subscription into the host,
// collect every publisher over the window, then publish. Per-handler
// failures are logged and counted; they never abort the cycle.
func (s *Service) Process(pc ports.ProcessingContext, host ports.Host) (ProcessStats, error) {
	s.lifeMu.Lock()
	state, broker := s.state, s.broker
	s.lifeMu.Unlock()
	if state != StateProcessingActive {
		return ProcessStats{}, fmt.Errorf("%w: process while %s", domain.ErrInvalidTransition, state)
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats ProcessStats
	for _, sub := range s.subscriptions {
		res, err := sub.Drain(host)
		stats.Appended += res.Appended
		stats.Unbound += res.Unbound
		if res.Unbound > 0 {
			s.obs.IncCounter(ports.MetricSamplesDropped, float64(res.Unbound))
		}
		if err != nil {
			s.reportDrainError(sub.Topic(), err)
		}
	}
	if stats.Appended > 0 {
		s.obs.IncCounter(ports.MetricSamplesAppended, float64(stats.Appended))
	}

	for _, h := range s.publishers {
		n, err := h.Collect(pc, host)
		if err != nil {
			s.reportCollectError(h, err)
			continue
		}
		h.faulted.Store(false)
		stats.Collected += n
	}

	stats.Published, stats.Failed = s.publishLocked(broker)

	s.obs.SetGauge(ports.MetricBufferedSamples, float64(s.bufferedLocked()))
	s.obs.ObserveLatency(ports.MetricProcessLatency, time.Since(start).Seconds())
	return stats, nil
}

// Publish sends every buffered outbound frame.
func (s *Service) Publish() (published, failed int) {
	s.lifeMu.Lock()
	broker := s.broker
	s.lifeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(broker)
}

func (s *Service) publishLocked(broker ports.Broker) (published, failed int) {
	for _, h := range s.publishers {
		for _, f := range h.Frames() {
			payload, err := encodeFrame(f)
			if err != nil {
				failed++
				s.obs.IncCounter(ports.MetricUnsupportedFormat, 1)
				s.obs.LogError("publish_encode_failed", err, ports.Field{Key: "topic", Value: h.Topic()})
				continue
			}
			if broker == nil {
				failed++
				s.obs.IncCounter(ports.MetricPublishErrors, 1)
				continue
			}
			if err := broker.Publish(h.Topic(), h.qos, h.retain, payload); err != nil {
				failed++
				s.obs.IncCounter(ports.MetricPublishErrors, 1)
				s.obs.LogWarn("publish_failed", ports.Field{Key: "topic", Value: h.Topic()}, ports.Field{Key: "error", Value: err.Error()})
				continue
			}
			published++
		}
	}
	if published > 0 {
		s.obs.IncCounter(ports.MetricMessagesPublished, float64(published))
	}
	return published, failed
}

// Disconnect unsubscribes and closes the broker session. It is safe to call
// from any state, including before a successful Connect.
func (s *Service) Disconnect() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	var errs []error
	if s.broker != nil {
		s.mu.Lock()
		names := make([]string, 0, len(s.subscriptions))
		for _, sub := range s.subscriptions {
			names = append(names, sub.Topic())
		}
		s.mu.Unlock()

		if len(names) > 0 && s.broker.IsConnected() {
			if err := s.broker.Unsubscribe(names...); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
			}
		}
		if err := s.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
		s.broker = nil
	}
	s.clock.Store(nil)
	s.state = StateDisconnected
	return errors.Join(errs...)
}

// Reset drops every handler and leaf so the session can be rebuilt from a
// new configuration. The service must be disconnected.
func (s *Service) Reset() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.state != StateDisconnected {
		return fmt.Errorf("%w: reset while %s", domain.ErrInvalidTransition, s.state)
	}
	s.mu.Lock()
	s.subscriptions = nil
	s.publishers = nil
	s.mu.Unlock()
	s.arena.Reset()
	s.server = nil
	return nil
}

func (s *Service) handler(sub *Subscription) ports.MessageHandler {
	return func(topic string, payload []byte) {
		s.obs.IncCounter(ports.MetricMessagesReceived, 1)
		res, err := s.deliver(sub, topic, payload)
		if errors.Is(err, domain.ErrNotPrepared) {
			s.obs.IncCounter(ports.MetricSamplesDropped, 1)
			return
		}
		if res.Dropped > 0 {
			s.obs.IncCounter(ports.MetricSamplesDropped, float64(res.Dropped))
		}
	}
}

// deliver stamps payload with the master clock and buffers it on sub.
// Decode failures are logged; leaves that decoded still get their samples.
func (s *Service) deliver(sub *Subscription, topic string, payload []byte) (DeliverResult, error) {
	clock := s.clock.Load()
	if clock == nil {
		return DeliverResult{}, domain.ErrNotPrepared
	}
	ts := (*clock)()

	batch, err := sub.decode(payload)
	if err != nil {
		s.obs.IncCounter(ports.MetricDecodeErrors, 1)
		s.obs.LogWarn("subscription_decode_failed",
			ports.Field{Key: "topic", Value: topic},
			ports.Field{Key: "error", Value: err.Error()},
		)
	}
	if len(batch) == 0 {
		return DeliverResult{}, err
	}

	s.mu.Lock()
	res := sub.push(ts, batch)
	s.mu.Unlock()
	return res, err
}

func (s *Service) reportDrainError(topic string, err error) {
	var unsupported *domain.UnsupportedFormatError
	if errors.As(err, &unsupported) {
		s.obs.IncCounter(ports.MetricUnsupportedFormat, 1)
	}
	s.obs.LogError("subscription_append_failed", err, ports.Field{Key: "topic", Value: topic})
}

func (s *Service) reportCollectError(h *PublishHandler, err error) {
	var (
		mapping     *domain.MappingError
		unsupported *domain.UnsupportedFormatError
		event       = "publish_collect_failed"
	)
	switch {
	case errors.As(err, &mapping):
		s.obs.IncCounter(ports.MetricMappingErrors, 1)
		event = "publish_mapping_mismatch"
	case errors.As(err, &unsupported):
		s.obs.IncCounter(ports.MetricUnsupportedFormat, 1)
		event = "publish_unsupported_format"
	case errors.Is(err, domain.ErrNoInputChannel):
		event = "publish_input_missing"
	}
	if h.faulted.Swap(true) {
		return
	}
	s.obs.LogError(event, err, ports.Field{Key: "topic", Value: h.Topic()})
}

type nopObservability struct{}

func (nopObservability) LogInfo(string, ...ports.Field)            {}
func (nopObservability) LogWarn(string, ...ports.Field)            {}
func (nopObservability) LogError(string, error, ...ports.Field)    {}
func (nopObservability) LogCritical(string, error, ...ports.Field) {}
func (nopObservability) IncCounter(string, float64)                {}
func (nopObservability) ObserveLatency(string, float64)            {}
func (nopObservability) SetGauge(string, float64)                  {}
