package mqttbridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/adapters/host"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/adapters/mqtt"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/adapters/observability"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/adapters/properties"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/adapters/sink"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/app/bridge"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	broker        BrokerFactory
	sink          Sink
	props         PropertyStore
	observability Observability
	logger        logrus.FieldLogger
	now           func() time.Time
}

// WithBroker replaces the Paho client, e.g. with an in-process fake.
func WithBroker(f BrokerFactory) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.broker = f
	}
}

// WithSink injects a custom sink for the samples appended to host channels.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sink = s
	}
}

// WithPropertyStore replaces the bbolt state file.
func WithPropertyStore(p PropertyStore) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.props = p
	}
}

// WithObservability plugs in a custom observability backend. The metrics
// endpoint then only serves Go runtime metrics.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l logrus.FieldLogger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithClock replaces the wall clock backing the host master clock.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.now = now
	}
}

// Runtime hosts one bridge session on the in-memory channel host: it loads
// the topic document, drives processing cycles on a ticker, mirrors appended
// samples into the optional sink and serves metrics.
type Runtime struct {
	cfg      *Config
	obs      ports.Observability
	registry *prometheus.Registry
	host     *host.Memory
	props    PropertyStore
	ownProps *properties.BoltStore
	session  *bridge.Session
	sink     ports.Sink
	db       *sql.DB

	metricsSrv *http.Server

	stepMu sync.Mutex
	prev   float64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRuntime bootstraps the default adapters (Paho client, bbolt properties,
// Prometheus and logrus observability, Timescale sink when configured).
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{cfg: cfg, registry: prometheus.NewRegistry(), stopCh: make(chan struct{})}
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := overrides.logger
	if logger == nil {
		l, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	rt.obs = overrides.observability
	if rt.obs == nil {
		obs, err := observability.NewPromObs(rt.registry, logger)
		if err != nil {
			return nil, err
		}
		rt.obs = obs
	}

	var err error
	rt.sink = overrides.sink
	if rt.sink == nil && cfg.Timescale.Enabled() {
		rt.db, err = sql.Open("postgres", cfg.Timescale.ConnString)
		if err != nil {
			return nil, err
		}
		rt.sink = sink.NewTimescaleSink(rt.db, cfg.Timescale.Table)
	}

	rt.host = host.NewMemory(host.Options{
		ClockFrequency: cfg.Bridge.ClockFrequency,
		History:        cfg.Bridge.History,
		Now:            overrides.now,
		RecordPending:  rt.sink != nil,
	})

	rt.props = overrides.props
	if rt.props == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
			return nil, rt.closeStores(err)
		}
		rt.ownProps, err = properties.Open(cfg.State.Path, cfg.Bridge.Session)
		if err != nil {
			return nil, rt.closeStores(err)
		}
		rt.props = rt.ownProps
	}

	factory := overrides.broker
	if factory == nil {
		factory = mqtt.Factory(mqtt.Options{
			ConnectRetryInterval: cfg.MQTT.ConnectRetryInterval,
			MaxReconnectInterval: cfg.MQTT.MaxReconnectInterval,
			OperationTimeout:     cfg.MQTT.OperationTimeout,
			Quiesce:              cfg.MQTT.Quiesce,
		}, rt.obs)
	}

	rt.session, err = bridge.NewSession(bridge.SessionOptions{
		Channels:   rt.host,
		Properties: rt.props,
		Broker:     factory,
		Policy:     cfg.Policy,
		Obs:        rt.obs,
		CacheDir:   cfg.Bridge.CacheDir,
	})
	if err != nil {
		return nil, rt.closeStores(err)
	}
	return rt, nil
}

// Host exposes the in-memory channel host.
func (r *Runtime) Host() *host.Memory { return r.host }

// Session exposes the bridge session driven by the runtime.
func (r *Runtime) Session() *bridge.Session { return r.session }

// Registry is the Prometheus registry served on /metrics.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Open loads the topic document (or restores the last session when no file
// is configured), binds configured publisher inputs and starts processing.
// It does not start any background loop.
func (r *Runtime) Open(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.MQTT.ConnectTimeout)
	defer cancel()

	var err error
	if r.cfg.Bridge.ConfigFile != "" {
		err = r.session.Init(connectCtx, r.cfg.Bridge.ConfigFile)
	} else {
		err = r.session.Configure(connectCtx)
	}
	if err != nil {
		return err
	}
	if err := r.bindPublishInputs(); err != nil {
		return err
	}

	r.stepMu.Lock()
	r.prev = r.host.Seconds()
	r.stepMu.Unlock()
	return r.session.PrepareProcessing(r.host.Now)
}

func (r *Runtime) bindPublishInputs() error {
	for topic, key := range r.cfg.Bridge.PublishInputs {
		id, ok := r.host.Lookup(key)
		if !ok {
			return fmt.Errorf("publish input for %s: no channel with key %q", topic, key)
		}
		if err := r.session.SetPublisherInput(topic, id); err != nil {
			return err
		}
	}
	return nil
}

// Step runs one processing cycle over the window since the previous step.
func (r *Runtime) Step() (ProcessStats, error) {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	now := r.host.Seconds()
	window := ports.Window{Start: r.prev, End: now}
	stats, err := r.session.Process(r.host.Context(window), r.host)
	r.prev = now
	return stats, err
}

// Flush hands the samples appended since the last flush to the sink.
func (r *Runtime) Flush() error {
	if r.sink == nil {
		return nil
	}
	batch := r.host.DrainPending()
	if len(batch) == 0 {
		return nil
	}
	if err := r.sink.WriteBatch(batch); err != nil {
		r.obs.LogCritical("sink_write_failed", err,
			ports.Field{Key: "sink", Value: r.sink.Name()},
			ports.Field{Key: "samples", Value: len(batch)})
		return err
	}
	return nil
}

// Start opens the session and launches the processing loop, the sink loop
// and the metrics server. It returns immediately; call Run to block on a
// context instead.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if err := r.Open(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.loop(r.cfg.Bridge.ProcessingInterval, func() {
		if _, err := r.Step(); err != nil {
			r.obs.LogError("process_cycle_failed", err)
		}
	})
	if r.sink != nil {
		r.wg.Add(1)
		go r.loop(r.cfg.Timescale.FlushInterval, func() { _ = r.Flush() })
	}

	r.startMetrics()
	return nil
}

func (r *Runtime) loop(interval time.Duration, fn func()) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return errors.Join(err, r.Shutdown(context.Background()))
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the loops, closes the session and releases the metrics
// server, the database and the state file.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	if err := r.session.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.Flush(); err != nil {
		errs = append(errs, err)
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	return r.closeStores(errs...)
}

func (r *Runtime) closeStores(errs ...error) error {
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
		r.db = nil
	}
	if r.ownProps != nil {
		if err := r.ownProps.Close(); err != nil {
			errs = append(errs, err)
		}
		r.ownProps = nil
	}
	return errors.Join(errs...)
}

// Handler serves /metrics from the runtime registry and a /healthz check
// that reports the service state.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := r.session.Service().State()
		if state != bridge.StateProcessingActive {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(state.String()))
	})
	return mux
}

func (r *Runtime) startMetrics() {
	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()
}
