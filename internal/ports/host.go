package ports

import "github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"

// ChannelID is the host-local identifier of a channel.
type ChannelID uint32

// OutputChannelSpec describes a data channel to materialize on the host.
type OutputChannelSpec struct {
	Key        string
	Name       string
	Range      domain.Range
	Datatype   domain.Datatype
	Mode       domain.SamplingMode
	SampleRate float64 // Hz, sync only
	Deletable  bool
}

// ChannelStore creates the host-visible channel tree.
type ChannelStore interface {
	RootChannel() ChannelID
	AddGroupChannel(key, name string, parent ChannelID) (ChannelID, error)
	AddOutputChannel(parent ChannelID, spec OutputChannelSpec) (ChannelID, error)
	RemoveChannel(id ChannelID) error
}

// ChannelWriter appends samples to host output channels.
type ChannelWriter interface {
	AppendSample(id ChannelID, t domain.Timestamp, v domain.Value) error
	AppendBlock(id ChannelID, start domain.Timestamp, values []domain.Value) error
}

type SampleOccurrence uint8

const (
	OccurrenceSync SampleOccurrence = iota + 1
	OccurrenceAsync
)

// Mode maps the host occurrence type onto the bridge sampling mode.
func (o SampleOccurrence) Mode() domain.SamplingMode {
	switch o {
	case OccurrenceSync:
		return domain.Sync
	case OccurrenceAsync:
		return domain.Async
	default:
		return 0
	}
}

type SampleFormat uint8

const (
	FormatDouble SampleFormat = iota + 1
	FormatSInt32
	FormatFloat
	FormatSInt64
	FormatString
)

func (f SampleFormat) String() string {
	switch f {
	case FormatDouble:
		return "double"
	case FormatSInt32:
		return "sint32"
	case FormatFloat:
		return "float"
	case FormatSInt64:
		return "sint64"
	case FormatString:
		return "string"
	default:
		return "unknown"
	}
}

type DataFormat struct {
	Occurrence SampleOccurrence
	Format     SampleFormat
}

// InputChannel is the host's read-side proxy for a channel.
type InputChannel interface {
	DataFormat() DataFormat
	// SampleRate is the nominal rate of sync channels in Hz.
	SampleRate() float64
	// Frequency is the tick frequency of the channel's timebase.
	Frequency() float64
}

type InputChannels interface {
	InputChannel(id ChannelID) (InputChannel, bool)
}

// StreamIterator walks the samples of one input channel.
type StreamIterator interface {
	SetSkipGaps(skip bool)
	Valid() bool
	Timestamp() uint64
	Float64() float64
	Int32() int32
	Next()
}

// Window is the [Start, End) range of one processing cycle in seconds.
type Window struct {
	Start float64
	End   float64
}

// Ticks converts the window into a channel's tick domain.
func (w Window) Ticks(frequency float64) (start, end uint64) {
	return domain.TickAtOrAfter(w.Start, frequency), domain.TickAtOrAfter(w.End, frequency)
}

type ProcessingContext interface {
	Window() Window
	Iterator(id ChannelID) StreamIterator
}

// Host bundles the capabilities used during one processing cycle.
type Host interface {
	ChannelWriter
	InputChannels
}

// ClockSource returns the host master time.
type ClockSource func() domain.Timestamp
