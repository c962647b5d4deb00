package protocol

import (
	"bytes"
	"encoding/json"
)

// Frame is one delimited payload. Exactly one of Payload and Err is set.
type Frame struct {
	Payload json.RawMessage
	Err     error // *MalformedFrameError
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxFrameSize bounds how many bytes a single frame may occupy. Zero means unbounded.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// Decoder reassembles frames from chunks of a stream. It belongs to exactly one
// connection and must be fed from a single goroutine.
type Decoder struct {
	buf     []byte // residual: at most one incomplete frame
	scanned int    // leading bytes of buf already known to hold no delimiter
	maxSize int
	closed  bool
}

// NewDecoder creates an empty decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the residual buffer and returns every frame completed
// by it, in arrival order. A malformed frame is reported in place and does not
// stop the scan. The returned error is fatal: ErrDecoderClosed after Close, or
// a *FrameTooLargeError, after which the decoder is closed. Frames completed
// before the oversized one are still returned.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if d.closed {
		return nil, ErrDecoderClosed
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	start, from := 0, d.scanned
	for {
		i := bytes.IndexByte(d.buf[from:], Delimiter)
		if i < 0 {
			break
		}
		end := from + i
		if d.tooLarge(end - start) {
			return frames, d.fail(end - start)
		}
		frames = append(frames, newFrame(d.buf[start:end]))
		start = end + 1
		from = start
	}

	rest := len(d.buf) - start
	if d.tooLarge(rest) {
		return frames, d.fail(rest)
	}
	if start > 0 {
		n := copy(d.buf, d.buf[start:])
		d.buf = d.buf[:n]
	}
	d.scanned = rest
	return frames, nil
}

// Buffered returns the bytes waiting for a delimiter. The slice is only valid
// until the next call to Feed.
func (d *Decoder) Buffered() []byte {
	return d.buf
}

// Close discards the residual buffer and returns how many bytes were dropped.
// A trailing partial frame is not an error.
func (d *Decoder) Close() int {
	n := len(d.buf)
	d.buf, d.scanned, d.closed = nil, 0, true
	return n
}

func (d *Decoder) tooLarge(n int) bool {
	return d.maxSize > 0 && n > d.maxSize
}

func (d *Decoder) fail(size int) error {
	d.Close()
	return &FrameTooLargeError{Limit: d.maxSize, Size: size}
}

func newFrame(raw []byte) Frame {
	payload := bytes.Clone(raw)
	if !json.Valid(payload) {
		return Frame{Err: &MalformedFrameError{Raw: payload}}
	}
	return Frame{Payload: payload}
}
