// Package mqtt adapts the Eclipse Paho client to the bridge's Broker port.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/ports"
	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/topics"
)

// ErrNotConnected is returned by Publish while the session is down.
var ErrNotConnected = errors.New("mqtt: not connected")

const (
	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Options tune the client beyond what the server entry describes.
type Options struct {
	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration
	// OperationTimeout bounds subscribe and unsubscribe round trips.
	OperationTimeout time.Duration
	// Quiesce is how long Close waits for in-flight work.
	Quiesce time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectRetryInterval <= 0 {
		o.ConnectRetryInterval = 2 * time.Second
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = 30 * time.Second
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 5 * time.Second
	}
	if o.Quiesce <= 0 {
		o.Quiesce = 250 * time.Millisecond
	}
	return o
}

type subscription struct {
	qos     byte
	handler ports.MessageHandler
}

// Client implements ports.Broker. Subscriptions are remembered and re-issued
// every time the session comes up, so they survive reconnects.
type Client struct {
	server string
	opts   Options
	obs    ports.Observability
	client paho.Client

	mu        sync.Mutex
	subs      map[string]subscription
	connected func()
	closed    bool
}

var _ ports.Broker = (*Client)(nil)

func NewClient(server topics.Server, opts Options, obs ports.Observability) (*Client, error) {
	if obs == nil {
		return nil, errors.New("mqtt: observability is required")
	}
	opts = opts.withDefaults()
	c := &Client{
		server: server.URL,
		opts:   opts,
		obs:    obs,
		subs:   make(map[string]subscription),
	}

	po, err := ClientOptions(server, opts)
	if err != nil {
		return nil, err
	}
	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.obs.LogWarn("mqtt_connection_lost", ports.Field{Key: "server", Value: c.server}, ports.Field{Key: "error", Value: err.Error()})
	})
	po.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		c.obs.LogInfo("mqtt_reconnecting", ports.Field{Key: "server", Value: c.server})
	})
	c.client = paho.NewClient(po)
	return c, nil
}

// Factory returns a constructor usable as the bridge's broker factory.
func Factory(opts Options, obs ports.Observability) func(topics.Server) (ports.Broker, error) {
	return func(server topics.Server) (ports.Broker, error) {
		return NewClient(server, opts, obs)
	}
}

// ClientOptions maps a server entry onto Paho options. Auto reconnect and
// connect retry are always on.
func ClientOptions(server topics.Server, opts Options) (*paho.ClientOptions, error) {
	if server.URL == "" {
		return nil, errors.New("mqtt: server url is required")
	}
	opts = opts.withDefaults()

	clientID := server.ClientID
	if clientID == "" {
		clientID = "mqtt-bridge-" + uuid.NewString()[:8]
	}
	keepAlive := defaultKeepAlive
	if server.KeepAlive > 0 {
		keepAlive = time.Duration(server.KeepAlive) * time.Second
	}
	connectTimeout := defaultConnectTimeout
	if server.ConnectTimeout > 0 {
		connectTimeout = time.Duration(server.ConnectTimeout) * time.Second
	}
	clean := true
	if server.CleanSession != nil {
		clean = *server.CleanSession
	}

	po := paho.NewClientOptions().
		AddBroker(server.URL).
		SetClientID(clientID).
		SetUsername(server.Username).
		SetPassword(server.Password).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetCleanSession(clean).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(opts.ConnectRetryInterval).
		SetMaxReconnectInterval(opts.MaxReconnectInterval)

	if server.TLS != nil {
		tlsConfig, err := newTLSConfig(server.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		po.SetTLSConfig(tlsConfig)
	}
	return po, nil
}

// Connect starts the session and waits until it is up or ctx ends. When ctx
// ends first the client keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect to %s: %w", c.server, ctx.Err())
	}
}

func (c *Client) onConnect(client paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	connected := c.connected
	c.mu.Unlock()

	c.obs.LogInfo("mqtt_connected", ports.Field{Key: "server", Value: c.server}, ports.Field{Key: "subscriptions", Value: len(subs)})
	for topic, s := range subs {
		token := client.Subscribe(topic, s.qos, wrap(s.handler))
		go c.watch("mqtt_subscribe_failed", topic, token)
	}
	if connected != nil {
		connected()
	}
}

func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = fn
}

func (c *Client) watch(event, topic string, token paho.Token) {
	if !token.WaitTimeout(c.opts.OperationTimeout) {
		c.obs.LogWarn(event, ports.Field{Key: "topic", Value: topic}, ports.Field{Key: "error", Value: "timeout"})
		return
	}
	if err := token.Error(); err != nil {
		c.obs.LogWarn(event, ports.Field{Key: "topic", Value: topic}, ports.Field{Key: "error", Value: err.Error()})
	}
}

func wrap(h ports.MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// Subscribe records the subscription and issues it right away when the
// session is up. Otherwise it is issued on the next connect.
func (c *Client) Subscribe(topic string, qos byte, handler ports.MessageHandler) error {
	if handler == nil {
		return errors.New("mqtt: nil message handler")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("mqtt: client closed")
	}
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.wait(c.client.Subscribe(topic, qos, wrap(handler)))
}

func (c *Client) Unsubscribe(names ...string) error {
	c.mu.Lock()
	for _, t := range names {
		delete(c.subs, t)
	}
	c.mu.Unlock()

	if len(names) == 0 || !c.client.IsConnectionOpen() {
		return nil
	}
	return c.wait(c.client.Unsubscribe(names...))
}

// Publish hands the payload to Paho without waiting for the broker.
func (c *Client) Publish(topic string, qos byte, retain bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retain, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Subscriptions lists the topics the client re-issues on connect.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	return out
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]subscription)
	c.mu.Unlock()

	c.client.Disconnect(uint(c.opts.Quiesce / time.Millisecond))
	return nil
}

func (c *Client) wait(token paho.Token) error {
	if !token.WaitTimeout(c.opts.OperationTimeout) {
		return fmt.Errorf("mqtt: operation timed out after %s", c.opts.OperationTimeout)
	}
	return token.Error()
}

func newTLSConfig(t *topics.TLS) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in per server
	}

	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		caCert, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
