package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPrepared is returned when samples arrive before a clock source
	// has been installed.
	ErrNotPrepared = errors.New("bridge: processing not prepared")
	// ErrInvalidTransition reports a lifecycle call made from the wrong state.
	ErrInvalidTransition = errors.New("bridge: invalid state transition")
	// ErrNoServers is returned when the configuration has no broker entry.
	ErrNoServers = errors.New("bridge: no server configured")
	// ErrAlreadyBound is returned when a leaf is materialized twice.
	ErrAlreadyBound = errors.New("bridge: channel already bound")
	// ErrNoInputChannel is returned when a publisher has no usable input.
	ErrNoInputChannel = errors.New("bridge: publisher has no input channel")
)

// LoadError reports malformed configuration bytes or an unreadable file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("load configuration %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("load configuration: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// MappingError reports a sampling-mode mismatch between a handler and the
// host channel it is bound to.
type MappingError struct {
	Topic      string
	Configured SamplingMode
	Actual     SamplingMode
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("topic %s: configured %s sampling but channel is %s", e.Topic, e.Configured, e.Actual)
}

// UnsupportedFormatError reports a datatype/format combination the bridge
// cannot convert.
type UnsupportedFormatError struct {
	Datatype Datatype
	Mode     SamplingMode
	Format   string
	Reason   string
}

func (e *UnsupportedFormatError) Error() string {
	msg := "unsupported format"
	if e.Datatype != 0 {
		msg += " datatype=" + e.Datatype.String()
	}
	if e.Mode != 0 {
		msg += " mode=" + e.Mode.String()
	}
	if e.Format != "" {
		msg += " format=" + e.Format
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConnectionError wraps a broker-side failure. The bridge keeps buffering
// when it sees one.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
