package ports

import "github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"

// Sink persists samples appended to host channels.
type Sink interface {
	WriteBatch(samples []domain.ChannelSample) error
	Name() string
}
