package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

const sessionDocument = `{
  "servers": [{"url": "tcp://broker:1883", "client_id": "test"}],
  "topics": [
    {"topic": "sensors/+/temp", "subscribe": {
      "sampling": {"mode": "async"},
      "channels": [{"name": "Temp", "datatype": "number"}],
      "groups": {"Env": {"channels": [{"id": "hum", "name": "Humidity", "path": "h", "datatype": "number"}]}}
    }},
    {"topic": "out/speed", "publish": {"sampling": {"mode": "async"}, "input_channel": 7}}
  ]
}`

type sessionFixture struct {
	dir    string
	path   string
	host   *mockHost
	props  *mockProperties
	broker *mockBroker
	obs    *mockObs
}

func newSessionFixture(t *testing.T, doc string) *sessionFixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topics.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return &sessionFixture{
		dir:    dir,
		path:   path,
		host:   newMockHost(),
		props:  newMockProperties(),
		broker: newMockBroker(),
		obs:    newMockObs(),
	}
}

func (f *sessionFixture) session(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(SessionOptions{
		Channels:   f.host,
		Properties: f.props,
		Broker:     f.broker.factory(),
		Obs:        f.obs,
	})
	require.NoError(t, err)
	return s
}

func TestSessionInitBuildsTreeAndPersists(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	s := f.session(t)
	require.NoError(t, s.Init(context.Background(), f.path))

	// Temp, Env group, Humidity, publish group.
	assert.Equal(t, 4, f.host.live())
	_, group, ok := f.host.byKey(PublishGroupKey)
	require.True(t, ok)
	assert.Equal(t, PublishGroupName, group.name)
	_, _, ok = f.host.byKey("sensors/+/temp/Env")
	assert.True(t, ok)

	cached, err := os.ReadFile(f.path + topics.CacheSuffix)
	require.NoError(t, err)
	assert.Equal(t, f.path, f.props.values[PropertyConfigFile])
	assert.JSONEq(t, string(cached), f.props.values[PropertyConfigFileCache])

	assert.Equal(t, StateConnected, s.Service().State())
	assert.Contains(t, f.broker.handlers, "sensors/+/temp")

	h, ok := s.Service().PublishHandler("out/speed")
	require.True(t, ok)
	id, ok := h.InputChannel()
	require.True(t, ok)
	assert.Equal(t, ports.ChannelID(7), id)
}

func TestSessionConfigureRestoresIdentifiers(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	first := f.session(t)
	require.NoError(t, first.Init(context.Background(), f.path))
	ids := leafIDs(first)
	require.NoError(t, first.Close())
	assert.Zero(t, f.host.live())

	second := f.session(t)
	require.NoError(t, second.Configure(context.Background()))
	assert.Equal(t, ids, leafIDs(second))
	assert.Equal(t, 4, f.host.live())
}

func TestSessionConfigureFallsBackToCachedProperty(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	first := f.session(t)
	require.NoError(t, first.Init(context.Background(), f.path))
	ids := leafIDs(first)
	require.NoError(t, first.Close())
	require.NoError(t, os.Remove(f.path+topics.CacheSuffix))

	second := f.session(t)
	require.NoError(t, second.Configure(context.Background()))
	assert.Equal(t, ids, leafIDs(second))
	assert.Equal(t, 1, f.obs.count("config_cache_unreadable"))

	_, err := os.Stat(f.path + topics.CacheSuffix)
	assert.NoError(t, err)
}

func TestSessionConfigureWithoutProperties(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	err := f.session(t).Configure(context.Background())
	var le *domain.LoadError
	require.ErrorAs(t, err, &le)
}

func TestSessionInitRejectsBrokenDocument(t *testing.T) {
	f := newSessionFixture(t, `{"servers": [`)
	err := f.session(t).Init(context.Background(), f.path)

	var le *domain.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, f.path, le.Path)
	assert.Zero(t, f.host.live())
}

func TestSessionInitRequiresServer(t *testing.T) {
	f := newSessionFixture(t, `{"topics": [{"topic": "a", "subscribe": {"sampling": {"mode": "async"}, "channels": [{"datatype": "number"}]}}]}`)
	err := f.session(t).Init(context.Background(), f.path)
	require.ErrorIs(t, err, domain.ErrNoServers)
	assert.Zero(t, f.host.live())
}

func TestSessionInitRollsBackOnChannelFailure(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	f.host.failOnKey = "hum"
	s := f.session(t)

	err := s.Init(context.Background(), f.path)
	require.Error(t, err)
	assert.Zero(t, f.host.live())
	assert.Empty(t, s.Service().Subscriptions())
	assert.Zero(t, s.Service().Arena().Len())
	assert.Empty(t, f.broker.handlers)
	assert.Empty(t, s.Configuration().Subscriptions())
}

func TestSessionInitSurvivesConnectionFailure(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	f.broker.connectErr = errors.New("connection refused")
	s := f.session(t)

	require.NoError(t, s.Init(context.Background(), f.path))
	assert.Equal(t, StateConnecting, s.Service().State())
	assert.Equal(t, 1, f.obs.count("broker_connect_failed"))
	f.broker.up()
	assert.Equal(t, StateConnected, s.Service().State())
	require.NoError(t, s.PrepareProcessing(tickClock(1000, 1)))
	require.NoError(t, s.StopProcessing())
	require.NoError(t, s.Close())
}

func TestSessionPublisherInputIsPersisted(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	first := f.session(t)
	require.NoError(t, first.Init(context.Background(), f.path))
	require.NoError(t, first.SetPublisherInput("out/speed", 21))
	require.Error(t, first.SetPublisherInput("out/missing", 1))
	assert.Equal(t, "21", f.props.values[PropertyPublishPrefix+"out/speed"])
	require.NoError(t, first.Close())

	second := f.session(t)
	require.NoError(t, second.Configure(context.Background()))
	h, ok := second.Service().PublishHandler("out/speed")
	require.True(t, ok)
	id, ok := h.InputChannel()
	require.True(t, ok)
	assert.Equal(t, ports.ChannelID(21), id)
}

func TestSessionReinitReplacesTree(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	s := f.session(t)
	require.NoError(t, s.Init(context.Background(), f.path))
	require.NoError(t, s.Init(context.Background(), f.path))
	assert.Equal(t, 4, f.host.live())
	assert.Len(t, s.Service().Subscriptions(), 1)
}

func TestSessionFailedReinitKeepsRunningTree(t *testing.T) {
	cases := map[string]string{
		"broken json":  `{"servers": [`,
		"no servers":   `{"topics": [{"topic": "a", "subscribe": {"sampling": {"mode": "async"}, "channels": [{"datatype": "number"}]}}]}`,
		"bad sampling": `{"servers": [{"url": "tcp://b:1883"}], "topics": [{"topic": "a", "subscribe": {"sampling": {"mode": "sync"}, "channels": [{"datatype": "number"}]}}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newSessionFixture(t, sessionDocument)
			s := f.session(t)
			require.NoError(t, s.Init(context.Background(), f.path))
			state := s.Service().State()
			ids := leafIDs(s)

			require.NoError(t, os.WriteFile(f.path, []byte(doc), 0o644))
			require.Error(t, s.Init(context.Background(), f.path))

			assert.Equal(t, 4, f.host.live())
			assert.Len(t, s.Service().Subscriptions(), 1)
			assert.Len(t, s.Configuration().Subscriptions(), 1)
			assert.Equal(t, ids, leafIDs(s))
			assert.Equal(t, state, s.Service().State())
			assert.Equal(t, "tcp://broker:1883", s.Configuration().Servers()[0].URL)
		})
	}
}

func TestSessionFailedConfigureKeepsRunningTree(t *testing.T) {
	f := newSessionFixture(t, sessionDocument)
	s := f.session(t)
	require.NoError(t, s.Init(context.Background(), f.path))

	require.NoError(t, os.WriteFile(f.path+topics.CacheSuffix, []byte(`{"topics": [`), 0o644))
	var le *domain.LoadError
	require.ErrorAs(t, s.Configure(context.Background()), &le)

	assert.Equal(t, 4, f.host.live())
	assert.Len(t, s.Service().Subscriptions(), 1)
	assert.Len(t, s.Configuration().Publishers(), 1)
}

func TestNewSessionRequiresStores(t *testing.T) {
	_, err := NewSession(SessionOptions{})
	require.Error(t, err)
	_, err = NewSession(SessionOptions{Channels: newMockHost()})
	require.Error(t, err)
}

func leafIDs(s *Session) []string {
	var ids []string
	for _, sub := range s.Service().Subscriptions() {
		for _, c := range sub.Channels() {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
