package bridge

import (
	"errors"
	"fmt"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/adapters/queue"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

// Subscription binds one broker topic to a tree of output channels. Every
// leaf owns a buffer filled by broker goroutines and drained by Process.
type Subscription struct {
	topic    string
	qos      byte
	sampling topics.Sampling
	arena    *ChannelArena
	leaves   []*leafBuffer
}

type leafBuffer struct {
	cfg topics.ChannelConfiguration
	buf ports.Buffer[domain.Sample]
}

// DeliverResult summarizes one inbound payload.
type DeliverResult struct {
	Pushed  int
	Dropped int
}

// DrainResult summarizes one drain of all leaf buffers.
type DrainResult struct {
	Appended int
	// Unbound counts samples dropped because their leaf has no host channel.
	Unbound int
}

// NewSubscription flattens the topic's channel tree and registers every leaf
// in the arena.
func NewSubscription(t topics.Topic, arena *ChannelArena, pol ports.Policy) (*Subscription, error) {
	if t.Subscribe == nil {
		return nil, fmt.Errorf("topic %q has no subscription", t.Topic)
	}
	pol = normalizePolicy(pol)
	s := &Subscription{
		topic:    t.Topic,
		qos:      t.Subscribe.QoS,
		sampling: t.Subscribe.Sampling,
		arena:    arena,
	}
	err := t.Subscribe.Walk(func(_ []string, leaf topics.ChannelConfiguration) error {
		if err := arena.Register(leaf); err != nil {
			return err
		}
		s.leaves = append(s.leaves, &leafBuffer{
			cfg: leaf,
			buf: queue.NewRing[domain.Sample](pol.MaxBufferedSamples, pol.OnBufferFull),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscription) Topic() string             { return s.topic }
func (s *Subscription) QoS() byte                 { return s.qos }
func (s *Subscription) Sampling() topics.Sampling { return s.sampling }

// Channels lists the leaf configurations in traversal order.
func (s *Subscription) Channels() []topics.ChannelConfiguration {
	out := make([]topics.ChannelConfiguration, len(s.leaves))
	for i, l := range s.leaves {
		out[i] = l.cfg
	}
	return out
}

// Buffered is the number of samples waiting across all leaves.
func (s *Subscription) Buffered() int {
	var n int
	for _, l := range s.leaves {
		n += l.buf.Len()
	}
	return n
}

type decodedLeaf struct {
	leaf   *leafBuffer
	values []domain.Value
}

func (s *Subscription) decode(payload []byte) ([]decodedLeaf, error) {
	var (
		batch = make([]decodedLeaf, 0, len(s.leaves))
		errs  []error
	)
	for _, l := range s.leaves {
		values, err := decodePayload(l.cfg, s.sampling.Mode, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", l.cfg.ID, err))
			continue
		}
		batch = append(batch, decodedLeaf{leaf: l, values: values})
	}
	return batch, errors.Join(errs...)
}

func (s *Subscription) push(ts domain.Timestamp, batch []decodedLeaf) DeliverResult {
	var res DeliverResult
	for _, d := range batch {
		for _, v := range d.values {
			if d.leaf.buf.Push(domain.Sample{Time: ts, Value: v}) {
				res.Pushed++
			} else {
				res.Dropped++
			}
		}
	}
	return res
}

// Drain empties every leaf buffer into the host. Samples of leaves without a
// host channel are discarded.
func (s *Subscription) Drain(w ports.ChannelWriter) (DrainResult, error) {
	var (
		res  DrainResult
		errs []error
	)
	for _, l := range s.leaves {
		samples := l.buf.Drain()
		if len(samples) == 0 {
			continue
		}
		id, ok := s.arena.LocalChannel(l.cfg.ID)
		if !ok {
			res.Unbound += len(samples)
			continue
		}
		n, err := appendSamples(w, id, l.cfg.Datatype, s.sampling.Mode, samples)
		res.Appended += n
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", l.cfg.ID, err))
		}
	}
	return res, errors.Join(errs...)
}

func appendSamples(w ports.ChannelWriter, id ports.ChannelID, dt domain.Datatype, mode domain.SamplingMode, samples []domain.Sample) (int, error) {
	switch {
	case (dt == domain.Integer || dt == domain.Number || dt == domain.String) && mode == domain.Async:
		var (
			n    int
			errs []error
		)
		for _, s := range samples {
			if err := w.AppendSample(id, s.Time, s.Value); err != nil {
				errs = append(errs, err)
				continue
			}
			n++
		}
		return n, errors.Join(errs...)
	case (dt == domain.Integer || dt == domain.Number) && mode == domain.Sync:
		values := make([]domain.Value, len(samples))
		for i, s := range samples {
			values[i] = s.Value
		}
		if err := w.AppendBlock(id, samples[0].Time, values); err != nil {
			return 0, err
		}
		return len(values), nil
	default:
		return 0, &domain.UnsupportedFormatError{Datatype: dt, Mode: mode, Reason: "no host append for combination"}
	}
}
