package bridge

import (
	"fmt"
	"sync"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

// ChannelArena records, per stable leaf identifier, the host channel the leaf
// was materialized as. The topic tree itself stays immutable; this is the
// only place the host id is written back to.
type ChannelArena struct {
	mu     sync.RWMutex
	leaves map[string]*leafRecord
}

type leafRecord struct {
	cfg   topics.ChannelConfiguration
	local ports.ChannelID
	bound bool
}

func NewChannelArena() *ChannelArena {
	return &ChannelArena{leaves: make(map[string]*leafRecord)}
}

// Register adds a leaf. Identifiers are unique across the whole arena.
func (a *ChannelArena) Register(leaf topics.ChannelConfiguration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.leaves[leaf.ID]; ok {
		return fmt.Errorf("channel %q registered twice", leaf.ID)
	}
	a.leaves[leaf.ID] = &leafRecord{cfg: leaf}
	return nil
}

// Bind sets the host channel of a leaf. A leaf is bound at most once.
func (a *ChannelArena) Bind(id string, local ports.ChannelID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.leaves[id]
	if !ok {
		return fmt.Errorf("channel %q is not registered", id)
	}
	if rec.bound {
		return fmt.Errorf("%w: %q -> %d", domain.ErrAlreadyBound, id, rec.local)
	}
	rec.local = local
	rec.bound = true
	return nil
}

func (a *ChannelArena) unbind(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.leaves[id]; ok {
		rec.bound = false
		rec.local = 0
	}
}

// LocalChannel returns the host channel of a leaf once it is materialized.
func (a *ChannelArena) LocalChannel(id string) (ports.ChannelID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.leaves[id]
	if !ok || !rec.bound {
		return 0, false
	}
	return rec.local, true
}

// Leaf returns the configuration registered under id.
func (a *ChannelArena) Leaf(id string) (topics.ChannelConfiguration, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.leaves[id]
	if !ok {
		return topics.ChannelConfiguration{}, false
	}
	return rec.cfg, true
}

func (a *ChannelArena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.leaves)
}

// Reset forgets every leaf, used when the whole tree is torn down.
func (a *ChannelArena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaves = make(map[string]*leafRecord)
}
