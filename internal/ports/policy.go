package ports

// Policy bounds the per-channel sample buffers.
type Policy struct {
	MaxBufferedSamples int    `yaml:"max_buffered_samples"`
	MaxOutboundFrames  int    `yaml:"max_outbound_frames"`
	OnBufferFull       string `yaml:"on_buffer_full"` // "drop_oldest", "drop_newest"
}

const (
	OnFullDropOldest = "drop_oldest"
	OnFullDropNewest = "drop_newest"
)
