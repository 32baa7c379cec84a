package mqttbridge

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("mqttbridge: channel sink closed")

// SampleBatchSink receives the samples appended since the last flush.
type SampleBatchSink func([]Sample) error

// NewCallbackSink adapts a SampleBatchSink into a Sink so callers can plug
// plain functions.
func NewCallbackSink(name string, fn SampleBatchSink) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes batches via a channel. The returned function closes
// the sink and must be called during shutdown.
func NewChannelSink(name string, buffer int) (Sink, <-chan []Sample, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Sample, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   SampleBatchSink
}

func (s *callbackSink) WriteBatch(samples []Sample) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(samples) == 0 {
		return nil
	}
	return s.fn(copyBatch(samples))
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan []Sample
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

func (s *channelSink) WriteBatch(samples []Sample) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if len(samples) == 0 {
		return nil
	}

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- copyBatch(samples):
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		// wait for in-flight writers before closing the data channel
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

func copyBatch(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	return out
}
