package mqttbridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/app/bridge"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

const runtimeDocument = `{
  "servers": [{"url": "tcp://broker:1883", "client_id": "runtime-test"}],
  "topics": [
    {"topic": "plant/temp", "subscribe": {
      "sampling": {"mode": "async"},
      "channels": [{"id": "temp", "name": "Temp", "datatype": "number"}]
    }},
    {"topic": "out/temp", "publish": {"sampling": {"mode": "async"}}}
  ]
}`

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishCall struct {
	topic   string
	payload string
}

type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]ports.MessageHandler
	published []publishCall
	closed    bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]ports.MessageHandler)}
}

func (b *fakeBroker) factory(topics.Server) (ports.Broker, error) { return b, nil }

func (b *fakeBroker) Connect(context.Context) error { return nil }

func (b *fakeBroker) Subscribe(topic string, _ byte, h ports.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBroker) Unsubscribe(...string) error { return nil }

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishCall{topic: topic, payload: string(payload)})
	return nil
}

func (b *fakeBroker) IsConnected() bool { return true }

func (b *fakeBroker) OnConnect(func()) {}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) deliver(filter, payload string) {
	b.mu.Lock()
	h := b.handlers[filter]
	b.mu.Unlock()
	h(filter, []byte(payload))
}

func runtimeConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	doc := filepath.Join(dir, "topics.json")
	require.NoError(t, os.WriteFile(doc, []byte(runtimeDocument), 0o644))

	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
bridge:
  config_file: %s
  clock_frequency: 1000
  publish_inputs:
    out/temp: temp
state:
  path: %s
metrics:
  addr: 127.0.0.1:0
`, doc, filepath.Join(dir, "state", "bridge.db"))))
	require.NoError(t, err)
	return cfg
}

func TestRuntimeBridgesInboundAndOutbound(t *testing.T) {
	cfg := runtimeConfig(t)
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	broker := newFakeBroker()
	logger, _ := test.NewNullLogger()

	var (
		mu     sync.Mutex
		stored []Sample
	)
	sink := NewCallbackSink("capture", func(batch []Sample) error {
		mu.Lock()
		defer mu.Unlock()
		stored = append(stored, batch...)
		return nil
	})

	rt, err := NewRuntime(cfg, WithBroker(broker.factory), WithClock(clock.Now), WithLogger(logger), WithSink(sink))
	require.NoError(t, err)
	require.NoError(t, rt.Open(context.Background()))
	assert.Equal(t, bridge.StateProcessingActive, rt.Session().Service().State())

	clock.Advance(250 * time.Millisecond)
	broker.deliver("plant/temp", "21.5")
	clock.Advance(250 * time.Millisecond)

	stats, err := rt.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Appended)
	assert.Equal(t, 1, stats.Published)

	broker.mu.Lock()
	require.Len(t, broker.published, 1)
	assert.Equal(t, "out/temp", broker.published[0].topic)
	assert.JSONEq(t, `{"time":0.25,"value":21.5}`, broker.published[0].payload)
	broker.mu.Unlock()

	require.NoError(t, rt.Flush())
	mu.Lock()
	require.Len(t, stored, 1)
	assert.Equal(t, "temp", stored[0].Key)
	assert.Equal(t, 21.5, stored[0].Value.Number)
	mu.Unlock()

	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), ports.MetricMessagesReceived+" 1")
	assert.Contains(t, string(body), ports.MetricMessagesPublished+" 1")

	require.NoError(t, rt.Shutdown(context.Background()))
	assert.True(t, broker.closed)
	assert.Zero(t, rt.Host().Len(), "session close removes the channel tree")
}

func TestRuntimeRestoresSessionFromState(t *testing.T) {
	cfg := runtimeConfig(t)
	broker := newFakeBroker()
	logger, _ := test.NewNullLogger()

	rt, err := NewRuntime(cfg, WithBroker(broker.factory), WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, rt.Open(context.Background()))
	require.NoError(t, rt.Shutdown(context.Background()))

	cfg.Bridge.ConfigFile = ""
	cfg.Bridge.PublishInputs = nil
	restored, err := NewRuntime(cfg, WithBroker(broker.factory), WithLogger(logger))
	require.NoError(t, err)
	defer restored.Shutdown(context.Background())
	require.NoError(t, restored.Open(context.Background()))

	h, ok := restored.Session().Service().PublishHandler("out/temp")
	require.True(t, ok)
	id, ok := h.InputChannel()
	require.True(t, ok, "publisher input survives the restart")
	temp, ok := restored.Host().Lookup("temp")
	require.True(t, ok)
	assert.Equal(t, temp, id)
}

func TestRuntimeRejectsUnknownPublishInput(t *testing.T) {
	cfg := runtimeConfig(t)
	cfg.Bridge.PublishInputs = map[string]string{"out/temp": "missing"}
	logger, _ := test.NewNullLogger()

	rt, err := NewRuntime(cfg, WithBroker(newFakeBroker().factory), WithLogger(logger))
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())
	require.Error(t, rt.Open(context.Background()))
}

func TestRuntimeHealthzBeforeOpen(t *testing.T) {
	cfg := runtimeConfig(t)
	logger, _ := test.NewNullLogger()
	rt, err := NewRuntime(cfg, WithBroker(newFakeBroker().factory), WithLogger(logger))
	require.NoError(t, err)
	defer rt.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "disconnected", rec.Body.String())
}

func TestNewRuntimeRequiresConfig(t *testing.T) {
	_, err := NewRuntime(nil)
	require.Error(t, err)
}
