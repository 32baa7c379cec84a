package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

// Session property keys and host channel keys.
const (
	PropertyConfigFile      = "MQTT_PLUGIN/ConfigFile"
	PropertyConfigFileCache = "MQTT_PLUGIN/ConfigFileCache"
	PropertyPublishPrefix   = "MQTT_PLUGIN/Publish/"

	PublishGroupKey  = "MQTT@Publish-Group"
	PublishGroupName = "Publish-Channels"
)

type SessionOptions struct {
	Channels   ports.ChannelStore
	Properties ports.PropertyStore
	Broker     BrokerFactory
	Policy     ports.Policy
	Obs        ports.Observability
	// CacheDir holds the reload cache; empty keeps it beside the
	// configuration file.
	CacheDir string
}

// Session owns one configuration, the service built from it and the host
// channels it materialized. It is created at session start and closed at
// session end.
type Session struct {
	channels ports.ChannelStore
	props    ports.PropertyStore
	obs      ports.Observability
	cacheDir string

	cfg     *topics.Configuration
	svc     *Service
	builder *Builder
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Channels == nil {
		return nil, errors.New("bridge: session needs a channel store")
	}
	if opts.Properties == nil {
		return nil, errors.New("bridge: session needs a property store")
	}
	obs := opts.Obs
	if obs == nil {
		obs = nopObservability{}
	}
	return &Session{
		channels: opts.Channels,
		props:    opts.Properties,
		obs:      obs,
		cacheDir: opts.CacheDir,
		cfg:      topics.NewConfiguration(),
		svc:      NewService(opts.Broker, opts.Policy, obs),
	}, nil
}

func (s *Session) Service() *Service                    { return s.svc }
func (s *Session) Configuration() *topics.Configuration { return s.cfg }

// Init loads the configuration file at path, writes the reload cache,
// remembers both in the session properties, then builds the channel tree and
// connects. A document that does not load leaves the running session as it
// was.
func (s *Session) Init(ctx context.Context, path string) error {
	raw, err := topics.LoadFileContent(path)
	if err != nil {
		return err
	}
	next, res, err := s.stage(path, raw)
	if err != nil {
		return err
	}
	if err := s.commit(path, next, res); err != nil {
		return err
	}
	if err := s.props.SetString(PropertyConfigFile, path); err != nil {
		return fmt.Errorf("persist %s: %w", PropertyConfigFile, err)
	}
	if err := s.props.SetString(PropertyConfigFileCache, string(res.Document)); err != nil {
		return fmt.Errorf("persist %s: %w", PropertyConfigFileCache, err)
	}
	return s.createChannelsAndConnect(ctx)
}

// Configure restores a session from its persisted properties. The cache file
// wins over the cached document property so identifiers regenerated on the
// last load survive a restart.
func (s *Session) Configure(ctx context.Context) error {
	path, ok, err := s.props.GetString(PropertyConfigFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", PropertyConfigFile, err)
	}
	if !ok || path == "" {
		return &domain.LoadError{Err: errors.New("no configuration file recorded for this session")}
	}

	raw, err := topics.LoadFileContent(topics.CachePath(s.cacheDir, path))
	if err != nil {
		cached, ok, perr := s.props.GetString(PropertyConfigFileCache)
		if perr != nil || !ok || cached == "" {
			return errors.Join(err, perr)
		}
		s.obs.LogWarn("config_cache_unreadable", ports.Field{Key: "path", Value: path}, ports.Field{Key: "error", Value: err.Error()})
		raw = []byte(cached)
	}

	next, res, err := s.stage(path, raw)
	if err != nil {
		return err
	}
	if err := s.commit(path, next, res); err != nil {
		return err
	}
	if err := s.createChannelsAndConnect(ctx); err != nil {
		return err
	}
	if err := s.props.SetString(PropertyConfigFileCache, string(res.Document)); err != nil {
		return fmt.Errorf("persist %s: %w", PropertyConfigFileCache, err)
	}
	return nil
}

// stage parses raw into a configuration of its own without touching the
// running one.
func (s *Session) stage(path string, raw []byte) (*topics.Configuration, topics.LoadResult, error) {
	next := topics.NewConfiguration()
	res, err := next.Load(raw)
	if err != nil {
		var le *domain.LoadError
		if errors.As(err, &le) && le.Path == "" {
			le.Path = path
		}
		return nil, topics.LoadResult{}, err
	}
	if len(next.Servers()) == 0 {
		return nil, topics.LoadResult{}, domain.ErrNoServers
	}
	return next, res, nil
}

// commit tears the running configuration down and makes next current.
func (s *Session) commit(path string, next *topics.Configuration, res topics.LoadResult) error {
	if err := s.teardown(); err != nil {
		return err
	}
	s.cfg = next
	if res.Regenerated > 0 {
		s.obs.LogInfo("config_identifiers_regenerated", ports.Field{Key: "path", Value: path}, ports.Field{Key: "count", Value: res.Regenerated})
	}

	cache := topics.CachePath(s.cacheDir, path)
	if err := topics.WriteToFile(cache, res.Document); err != nil {
		s.obs.LogWarn("config_cache_write_failed", ports.Field{Key: "path", Value: cache}, ports.Field{Key: "error", Value: err.Error()})
	}
	return nil
}

func (s *Session) createChannelsAndConnect(ctx context.Context) (err error) {
	b := NewBuilder(s.channels, s.svc.Arena())
	defer func() {
		if err == nil {
			return
		}
		err = errors.Join(err, b.Rollback(), s.svc.Reset())
		s.cfg = topics.NewConfiguration()
	}()

	root := s.channels.RootChannel()
	for _, t := range s.cfg.Subscriptions() {
		if _, err := s.svc.AddSubscription(t); err != nil {
			return err
		}
		if err := b.Traverse(t.Topic, t.Subscribe.Sampling, root, t.Subscribe.ChannelMap); err != nil {
			return fmt.Errorf("build channels for %s: %w", t.Topic, err)
		}
	}

	publishers := s.cfg.Publishers()
	if len(publishers) > 0 {
		if _, err := b.AddGroup(PublishGroupKey, PublishGroupName, root); err != nil {
			return err
		}
	}
	for _, t := range publishers {
		h, err := s.svc.AddPublishHandler(t)
		if err != nil {
			return err
		}
		if err := s.restorePublisherInput(h); err != nil {
			return err
		}
	}

	if err := s.svc.SetServerConfiguration(s.cfg.Servers()[0]); err != nil {
		return err
	}
	s.builder = b

	if cerr := s.svc.Connect(ctx); cerr != nil {
		var ce *domain.ConnectionError
		if !errors.As(cerr, &ce) {
			s.builder = nil
			return cerr
		}
		s.obs.LogError("broker_connect_failed", cerr, ports.Field{Key: "server", Value: ce.Server})
	}
	return nil
}

func (s *Session) restorePublisherInput(h *PublishHandler) error {
	v, ok, err := s.props.GetString(PropertyPublishPrefix + h.Topic())
	if err != nil {
		return fmt.Errorf("read publisher input for %s: %w", h.Topic(), err)
	}
	if !ok || v == "" {
		return nil
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		s.obs.LogWarn("publisher_input_invalid", ports.Field{Key: "topic", Value: h.Topic()}, ports.Field{Key: "value", Value: v})
		return nil
	}
	h.SetInputChannel(ports.ChannelID(id))
	return nil
}

// SetPublisherInput selects the host input channel of the publisher on
// topic and remembers the choice for later sessions.
func (s *Session) SetPublisherInput(topic string, id ports.ChannelID) error {
	h, ok := s.svc.PublishHandler(topic)
	if !ok {
		return fmt.Errorf("no publisher for topic %q", topic)
	}
	h.SetInputChannel(id)
	return s.props.SetString(PropertyPublishPrefix+topic, strconv.FormatUint(uint64(id), 10))
}

func (s *Session) PrepareProcessing(clock ports.ClockSource) error {
	return s.svc.PrepareProcessing(clock)
}

func (s *Session) StopProcessing() error {
	return s.svc.StopProcessing()
}

func (s *Session) Process(pc ports.ProcessingContext, host ports.Host) (ProcessStats, error) {
	return s.svc.Process(pc, host)
}

// Close disconnects and removes every channel the session created.
func (s *Session) Close() error {
	return s.teardown()
}

func (s *Session) teardown() error {
	errs := []error{s.svc.Disconnect()}
	if s.builder != nil {
		errs = append(errs, s.builder.Rollback())
		s.builder = nil
	}
	errs = append(errs, s.svc.Reset())
	return errors.Join(errs...)
}
