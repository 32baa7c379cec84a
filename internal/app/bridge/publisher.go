package bridge

import (
	"fmt"
	"sync/atomic"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/adapters/queue"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

// PublishHandler binds one host input channel to one outbound topic.
type PublishHandler struct {
	topic    string
	qos      byte
	retain   bool
	sampling topics.Sampling

	// input holds channel id + 1; zero means no channel selected.
	input atomic.Uint64
	// faulted is set while the handler keeps failing, so a persistent
	// misconfiguration is logged once rather than every cycle.
	faulted atomic.Bool

	frames ports.Buffer[domain.Frame]
}

func NewPublishHandler(t topics.Topic, pol ports.Policy) (*PublishHandler, error) {
	if t.Publish == nil {
		return nil, fmt.Errorf("topic %q has no publisher", t.Topic)
	}
	pol = normalizePolicy(pol)
	h := &PublishHandler{
		topic:    t.Topic,
		qos:      t.Publish.QoS,
		retain:   t.Publish.Retain,
		sampling: t.Publish.Sampling,
		frames:   queue.NewRing[domain.Frame](pol.MaxOutboundFrames, pol.OnBufferFull),
	}
	if t.Publish.InputChannel != nil {
		h.SetInputChannel(ports.ChannelID(*t.Publish.InputChannel))
	}
	return h, nil
}

func (h *PublishHandler) Topic() string             { return h.topic }
func (h *PublishHandler) Sampling() topics.Sampling { return h.sampling }

func (h *PublishHandler) SetInputChannel(id ports.ChannelID) {
	h.input.Store(uint64(id) + 1)
	h.faulted.Store(false)
}

func (h *PublishHandler) InputChannel() (ports.ChannelID, bool) {
	v := h.input.Load()
	if v == 0 {
		return 0, false
	}
	return ports.ChannelID(v - 1), true
}

// Collect reads the input channel over the processing window and buffers
// the resulting frames. A sampling-mode mismatch yields a MappingError and
// buffers nothing.
func (h *PublishHandler) Collect(pc ports.ProcessingContext, inputs ports.InputChannels) (int, error) {
	id, ok := h.InputChannel()
	if !ok {
		return 0, domain.ErrNoInputChannel
	}
	ch, ok := inputs.InputChannel(id)
	if !ok {
		return 0, fmt.Errorf("%w: channel %d not found", domain.ErrNoInputChannel, id)
	}

	df := ch.DataFormat()
	actual := df.Occurrence.Mode()
	configured := h.sampling.Mode
	if actual != configured {
		return 0, &domain.MappingError{Topic: h.topic, Configured: configured, Actual: actual}
	}

	read, ok := sampleReader(df.Format)
	if !ok {
		return 0, &domain.UnsupportedFormatError{Mode: actual, Format: df.Format.String(), Reason: "input channel " + fmt.Sprint(id)}
	}

	it := pc.Iterator(id)
	if it == nil {
		return 0, fmt.Errorf("%w: no iterator for channel %d", domain.ErrNoInputChannel, id)
	}
	it.SetSkipGaps(false)

	window := pc.Window()
	freq := ch.Frequency()
	start, end := window.Ticks(freq)
	if end < start {
		end = start
	}

	switch {
	case actual == domain.Sync && configured == domain.Sync:
		values := make([]domain.Value, 0, end-start)
		for idx := start; idx < end && it.Valid(); idx++ {
			values = append(values, read(it))
			it.Next()
		}
		if len(values) == 0 {
			return 0, nil
		}
		h.frames.Push(domain.Frame{Mode: domain.Sync, Time: window.Start, SampleRate: ch.SampleRate(), Values: values})
		return len(values), nil
	case actual == domain.Async && configured == domain.Async:
		var n int
		for it.Valid() && it.Timestamp() < end {
			seconds := float64(it.Timestamp()) / freq
			h.frames.Push(domain.Frame{Mode: domain.Async, Time: seconds, Values: []domain.Value{read(it)}})
			it.Next()
			n++
		}
		return n, nil
	default:
		return 0, &domain.MappingError{Topic: h.topic, Configured: configured, Actual: actual}
	}
}

// Frames drains the buffered outbound frames.
func (h *PublishHandler) Frames() []domain.Frame {
	return h.frames.Drain()
}

func sampleReader(f ports.SampleFormat) (func(ports.StreamIterator) domain.Value, bool) {
	switch f {
	case ports.FormatDouble:
		return func(it ports.StreamIterator) domain.Value { return domain.NumberValue(it.Float64()) }, true
	case ports.FormatSInt32:
		return func(it ports.StreamIterator) domain.Value { return domain.IntValue(int64(it.Int32())) }, true
	default:
		return nil, false
	}
}
