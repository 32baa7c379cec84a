package bridge

import (
	"errors"
	"fmt"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

// Builder materializes topic trees as host channels and remembers what it
// created so a failed build can be rolled back completely.
type Builder struct {
	store   ports.ChannelStore
	arena   *ChannelArena
	created []ports.ChannelID
	bound   []string
}

func NewBuilder(store ports.ChannelStore, arena *ChannelArena) *Builder {
	return &Builder{store: store, arena: arena}
}

// Traverse creates one output channel per leaf of m under parent, binds it in
// the arena, then recurses into every group. Sampling is per subscription and
// applies to the whole tree.
func (b *Builder) Traverse(topic string, sampling topics.Sampling, parent ports.ChannelID, m topics.ChannelMap) error {
	for _, leaf := range m.Channels {
		spec := ports.OutputChannelSpec{
			Key:       leaf.ID,
			Name:      leaf.Name,
			Range:     leaf.Range,
			Datatype:  leaf.Datatype,
			Mode:      sampling.Mode,
			Deletable: false,
		}
		switch sampling.Mode {
		case domain.Async:
		case domain.Sync:
			spec.SampleRate = sampling.Rate()
		default:
			return &domain.UnsupportedFormatError{Datatype: leaf.Datatype, Mode: sampling.Mode, Reason: "channel " + leaf.ID}
		}

		id, err := b.store.AddOutputChannel(parent, spec)
		if err != nil {
			return fmt.Errorf("create channel %q: %w", leaf.ID, err)
		}
		b.created = append(b.created, id)

		if err := b.arena.Bind(leaf.ID, id); err != nil {
			return err
		}
		b.bound = append(b.bound, leaf.ID)
	}

	for _, name := range m.GroupNames() {
		key := topic + "/" + name
		group, err := b.AddGroup(key, name, parent)
		if err != nil {
			return err
		}
		if err := b.Traverse(key, sampling, group, m.Groups[name]); err != nil {
			return err
		}
	}
	return nil
}

// AddGroup creates a group channel and tracks it for rollback.
func (b *Builder) AddGroup(key, name string, parent ports.ChannelID) (ports.ChannelID, error) {
	id, err := b.store.AddGroupChannel(key, name, parent)
	if err != nil {
		return 0, fmt.Errorf("create group %q: %w", key, err)
	}
	b.created = append(b.created, id)
	return id, nil
}

// Created lists the channels created so far, parents before children.
func (b *Builder) Created() []ports.ChannelID {
	return append([]ports.ChannelID(nil), b.created...)
}

// Rollback removes every created channel, children first, and unbinds the
// leaves written to the arena.
func (b *Builder) Rollback() error {
	var errs []error
	for i := len(b.created) - 1; i >= 0; i-- {
		if err := b.store.RemoveChannel(b.created[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range b.bound {
		b.arena.unbind(id)
	}
	b.created = nil
	b.bound = nil
	return errors.Join(errs...)
}
