package ports

import "context"

// MessageHandler is invoked on a broker goroutine for every inbound message.
type MessageHandler func(topic string, payload []byte)

// Broker is the publish/subscribe capability consumed by the bridge.
// Subscriptions registered before or after Connect must survive reconnects.
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retain bool, payload []byte) error
	IsConnected() bool
	// OnConnect registers fn to run every time the session comes up,
	// including after a background retry.
	OnConnect(fn func())
	Close() error
}
