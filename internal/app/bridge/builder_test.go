package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

func nestedMap() topics.ChannelMap {
	return topics.ChannelMap{
		Channels: []topics.ChannelConfiguration{
			{ID: "a", Name: "A", Datatype: domain.Number, Range: domain.Range{Min: -1, Max: 1, Unit: "V"}},
		},
		Groups: map[string]topics.ChannelMap{
			"Env": {
				Channels: []topics.ChannelConfiguration{{ID: "e", Name: "E", Datatype: domain.Number}},
				Groups:   map[string]topics.ChannelMap{
					"Deep": {Channels: []topics.ChannelConfiguration{{ID: "d", Name: "D", Datatype: domain.Integer}}},
				},
			},
			"Zeta": {Channels: []topics.ChannelConfiguration{{ID: "z", Name: "Z", Datatype: domain.Integer}}},
		},
	}
}

func registerAll(t *testing.T, arena *ChannelArena, m topics.ChannelMap) {
	t.Helper()
	require.NoError(t, m.Walk(func(_ []string, leaf topics.ChannelConfiguration) error {
		return arena.Register(leaf)
	}))
}

func TestTraverseMaterializesTree(t *testing.T) {
	host := newMockHost()
	arena := NewChannelArena()
	m := nestedMap()
	registerAll(t, arena, m)

	rate := 50.0
	b := NewBuilder(host, arena)
	require.NoError(t, b.Traverse("plant", topics.Sampling{Mode: domain.Sync, SampleRate: &rate}, host.RootChannel(), m))

	var keys []string
	for _, id := range host.order {
		keys = append(keys, host.channels[id].key)
	}
	assert.Equal(t, []string{"a", "plant/Env", "e", "plant/Env/Deep", "d", "plant/Zeta", "z"}, keys)

	envID, env, ok := host.byKey("plant/Env")
	require.True(t, ok)
	assert.True(t, env.group)
	assert.Equal(t, "Env", env.name)

	_, deep, _ := host.byKey("plant/Env/Deep")
	assert.Equal(t, "Deep", deep.name)

	eID, e, _ := host.byKey("e")
	assert.Equal(t, envID, e.parent)
	assert.Equal(t, 50.0, e.spec.SampleRate)
	assert.False(t, e.spec.Deletable)

	_, a, _ := host.byKey("a")
	assert.Equal(t, domain.Range{Min: -1, Max: 1, Unit: "V"}, a.spec.Range)
	assert.Equal(t, "A", a.spec.Name)

	local, ok := arena.LocalChannel("e")
	require.True(t, ok)
	assert.Equal(t, eID, local)
	assert.Len(t, b.Created(), 7)
}

func TestTraverseAsyncHasNoSampleRate(t *testing.T) {
	host := newMockHost()
	arena := NewChannelArena()
	m := topics.ChannelMap{Channels: []topics.ChannelConfiguration{{ID: "x", Datatype: domain.String}}}
	registerAll(t, arena, m)

	rate := 10.0
	require.NoError(t, NewBuilder(host, arena).Traverse("t", topics.Sampling{Mode: domain.Async, SampleRate: &rate}, 0, m))

	_, x, _ := host.byKey("x")
	assert.Zero(t, x.spec.SampleRate)
	assert.Equal(t, domain.Async, x.spec.Mode)
	assert.Equal(t, domain.String, x.spec.Datatype)
}

func TestTraverseRejectsUnknownMode(t *testing.T) {
	host := newMockHost()
	arena := NewChannelArena()
	m := topics.ChannelMap{Channels: []topics.ChannelConfiguration{{ID: "x", Datatype: domain.Number}}}
	registerAll(t, arena, m)

	err := NewBuilder(host, arena).Traverse("t", topics.Sampling{}, 0, m)
	var ue *domain.UnsupportedFormatError
	require.ErrorAs(t, err, &ue)
	assert.Zero(t, host.live())
}

func TestRollbackRemovesEverything(t *testing.T) {
	host := newMockHost()
	host.failOnKey = "d"
	arena := NewChannelArena()
	m := nestedMap()
	registerAll(t, arena, m)

	b := NewBuilder(host, arena)
	err := b.Traverse("plant", topics.Sampling{Mode: domain.Async}, 0, m)
	require.Error(t, err)
	assert.Equal(t, 4, host.live())

	require.NoError(t, b.Rollback())
	assert.Zero(t, host.live())
	assert.Equal(t, []ports.ChannelID{4, 3, 2, 1}, host.removed)
	_, ok := arena.LocalChannel("a")
	assert.False(t, ok)
	assert.Empty(t, b.Created())
}

func TestLeafIsBoundOnce(t *testing.T) {
	host := newMockHost()
	arena := NewChannelArena()
	m := topics.ChannelMap{Channels: []topics.ChannelConfiguration{{ID: "x", Datatype: domain.Number}}}
	registerAll(t, arena, m)

	require.NoError(t, NewBuilder(host, arena).Traverse("t", topics.Sampling{Mode: domain.Async}, 0, m))
	err := NewBuilder(host, arena).Traverse("t", topics.Sampling{Mode: domain.Async}, 0, m)
	require.ErrorIs(t, err, domain.ErrAlreadyBound)
}

func TestArenaRegistration(t *testing.T) {
	arena := NewChannelArena()
	leaf := topics.ChannelConfiguration{ID: "x", Name: "X", Datatype: domain.Number}
	require.NoError(t, arena.Register(leaf))
	require.Error(t, arena.Register(leaf))
	require.Error(t, arena.Bind("missing", 1))

	got, ok := arena.Leaf("x")
	require.True(t, ok)
	assert.Equal(t, "X", got.Name)
	assert.Equal(t, 1, arena.Len())

	arena.Reset()
	assert.Zero(t, arena.Len())
}
