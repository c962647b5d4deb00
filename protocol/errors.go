package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrDecoderClosed  = errors.New("protocol: decoder closed")
	ErrSerialization  = errors.New("protocol: serialization failed")
)

// MalformedFrameError reports one delimited payload that is not valid JSON.
// Decoding continues with the next frame.
type MalformedFrameError struct {
	Raw []byte
}

func (e *MalformedFrameError) Error() string {
	const max = 64
	raw := e.Raw
	if len(raw) > max {
		raw = raw[:max]
	}
	return fmt.Sprintf("protocol: malformed frame (%d bytes): %q", len(e.Raw), raw)
}

func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// FrameTooLargeError is returned when a frame grows past the configured bound
// before its delimiter arrives. The connection should be closed.
type FrameTooLargeError struct {
	Limit int
	Size  int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("protocol: frame too large: %d bytes buffered, limit %d", e.Size, e.Limit)
}

func (e *FrameTooLargeError) Is(target error) bool {
	return target == ErrFrameTooLarge
}

// SerializationError wraps a value the encoder could not turn into JSON.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return "protocol: serialization failed: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}
