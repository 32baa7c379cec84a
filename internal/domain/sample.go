package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// Timestamp is a tick count in a clock domain of the given frequency (Hz).
type Timestamp struct {
	Ticks     uint64  `json:"ticks"`
	Frequency float64 `json:"frequency"`
}

// Seconds converts the tick count into seconds of its clock domain.
func (t Timestamp) Seconds() float64 {
	if t.Frequency <= 0 {
		return 0
	}
	return float64(t.Ticks) / t.Frequency
}

// TimestampFromSeconds returns the tick at or after the given second mark.
func TimestampFromSeconds(seconds, frequency float64) Timestamp {
	return Timestamp{Ticks: TickAtOrAfter(seconds, frequency), Frequency: frequency}
}

// TickAtOrAfter converts a time in seconds into the first tick that is not
// earlier than it.
func TickAtOrAfter(seconds, frequency float64) uint64 {
	if seconds <= 0 || frequency <= 0 {
		return 0
	}
	ticks := seconds * frequency
	// guard against 0.3*10 = 3.0000000000000004 style rounding noise
	if r := math.Round(ticks); math.Abs(ticks-r) < 1e-9 {
		return uint64(r)
	}
	return uint64(math.Ceil(ticks))
}

// Value is a tagged scalar carried through the bridge. Exactly one payload
// field is meaningful, selected by Type.
type Value struct {
	Type   Datatype
	Int    int64
	Number float64
	Text   string
}

func IntValue(v int64) Value      { return Value{Type: Integer, Int: v} }
func NumberValue(v float64) Value { return Value{Type: Number, Number: v} }
func StringValue(v string) Value  { return Value{Type: String, Text: v} }

// Float64 returns the numeric value; strings report false.
func (v Value) Float64() (float64, bool) {
	switch v.Type {
	case Integer:
		return float64(v.Int), true
	case Number:
		return v.Number, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Type {
	case Integer:
		return fmt.Sprintf("%d", v.Int)
	case Number:
		return fmt.Sprintf("%g", v.Number)
	case String:
		return v.Text
	default:
		return "<invalid>"
	}
}

// MarshalJSON encodes the value as a bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case Integer:
		return json.Marshal(v.Int)
	case Number:
		return json.Marshal(v.Number)
	case String:
		return json.Marshal(v.Text)
	default:
		return nil, &UnsupportedFormatError{Datatype: v.Type, Reason: "cannot encode value"}
	}
}

// Sample is one timestamped inbound value. Sync buffers hold runs of samples
// that are appended as one fixed-rate block starting at the first sample.
type Sample struct {
	Time  Timestamp
	Value Value
}

// Frame is one unit of outbound data collected for a publish topic.
// Sync frames carry a window's worth of values at SampleRate; async frames
// carry a single value stamped in seconds.
type Frame struct {
	Mode       SamplingMode
	Time       float64
	SampleRate float64
	Values     []Value
}

// ChannelSample is a value appended to a host channel, used by sinks that
// persist the bridged stream.
type ChannelSample struct {
	ChannelID uint32
	Key       string
	Time      Timestamp
	Value     Value
}
