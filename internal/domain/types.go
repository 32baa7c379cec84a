package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Datatype is the value type of a bridged channel.
type Datatype uint8

const (
	Integer Datatype = iota + 1
	Number
	String
)

func (d Datatype) String() string {
	switch d {
	case Integer:
		return "integer"
	case Number:
		return "number"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

// ParseDatatype accepts the document spelling of a datatype.
func ParseDatatype(s string) (Datatype, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integer", "int":
		return Integer, nil
	case "number", "double", "float":
		return Number, nil
	case "string", "text":
		return String, nil
	default:
		return 0, fmt.Errorf("unknown datatype %q", s)
	}
}

func (d Datatype) MarshalJSON() ([]byte, error) {
	if d < Integer || d > String {
		return nil, fmt.Errorf("invalid datatype %d", d)
	}
	return json.Marshal(d.String())
}

func (d *Datatype) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseDatatype(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// SamplingMode selects between fixed-rate and event-timestamped delivery.
type SamplingMode uint8

const (
	Async SamplingMode = iota + 1
	Sync
)

func (m SamplingMode) String() string {
	switch m {
	case Async:
		return "async"
	case Sync:
		return "sync"
	default:
		return "unknown"
	}
}

func ParseSamplingMode(s string) (SamplingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "async":
		return Async, nil
	case "sync":
		return Sync, nil
	default:
		return 0, fmt.Errorf("unknown sampling mode %q", s)
	}
}

func (m SamplingMode) MarshalJSON() ([]byte, error) {
	if m != Async && m != Sync {
		return nil, fmt.Errorf("invalid sampling mode %d", m)
	}
	return json.Marshal(m.String())
}

func (m *SamplingMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseSamplingMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Range is the display range of a channel.
type Range struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Unit string  `json:"unit,omitempty"`
}
